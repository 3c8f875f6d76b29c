// Package fhirclient delivers Patient and Observation resources to a backend
// FHIR server. Patients are written with PUT (client-assigned id, idempotent)
// and Observations with POST (server-assigned id, not idempotent).
//
// The client performs no retries and sets no timeout of its own: deadlines
// come from the caller's context.
package fhirclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/stevening1/rpm-to-fhir-api/internal/platform/fhir"
)

// Outcome classifies a completed HTTP exchange with the FHIR server.
type Outcome string

const (
	OutcomeCreated       Outcome = "created"
	OutcomeUpdated       Outcome = "updated"
	OutcomeUpstreamError Outcome = "upstream_error"
)

// Result is the uniform outcome of one PUT or POST.
type Result struct {
	ResourceType string
	Method       string
	URL          string
	Outcome      Outcome
	StatusCode   int
	Body         []byte
	Location     string
	Diagnostics  string
	Duration     time.Duration
}

// OK reports whether the server accepted the resource.
func (r *Result) OK() bool {
	return r.Outcome == OutcomeCreated || r.Outcome == OutcomeUpdated
}

// Option configures a Client.
type Option func(*Client)

// WithTransport overrides the round tripper of every session. Tests use it
// to observe or stub traffic.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.transport = rt }
}

// WithLogger sets the logger handed to resty for its own warnings.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithUserAgent sets the User-Agent header on outbound requests.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// Client holds the FHIR server coordinates. It owns no connections; each
// invocation opens its own Session.
type Client struct {
	baseURL   string
	transport http.RoundTripper
	logger    zerolog.Logger
	userAgent string
}

// New creates a Client for the FHIR base URL, e.g. http://hapi:8080/fhir.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid fhir base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("fhir base url scheme must be http or https, got %q", u.Scheme)
	}
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		logger:    zerolog.Nop(),
		userAgent: "rpm-gateway",
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// BaseURL returns the normalised FHIR base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Session opens a new HTTP session with its own connection pool.
func (c *Client) Session() *Session {
	rc := resty.New().
		SetBaseURL(c.baseURL).
		SetRetryCount(0).
		SetHeader("Content-Type", fhir.MediaType).
		SetHeader("Accept", fhir.MediaType).
		SetHeader("User-Agent", c.userAgent).
		SetLogger(restyLogger{c.logger})
	if c.transport != nil {
		rc.SetTransport(c.transport)
	}
	return &Session{rc: rc, baseURL: c.baseURL}
}

// Session issues the downstream calls of a single invocation.
type Session struct {
	rc      *resty.Client
	baseURL string
}

// Close releases the session's idle connections.
func (s *Session) Close() {
	s.rc.GetClient().CloseIdleConnections()
}

// UpsertPatient PUTs the patient to {base}/Patient/{id}. A non-2xx reply is
// returned as a Result with OutcomeUpstreamError, not as an error; the error
// return is reserved for requests that never got a reply.
func (s *Session) UpsertPatient(ctx context.Context, p fhir.Patient) (*Result, error) {
	if p.ID == "" {
		return nil, errors.New("patient id is required for upsert")
	}
	path := "/" + fhir.ResourceTypePatient + "/" + url.PathEscape(p.ID)
	return s.attempt(ctx, http.MethodPut, fhir.ResourceTypePatient, path, p)
}

// CreateObservation POSTs the observation to {base}/Observation. Every call
// creates a new resource on the server.
func (s *Session) CreateObservation(ctx context.Context, o fhir.Observation) (*Result, error) {
	return s.attempt(ctx, http.MethodPost, fhir.ResourceTypeObservation, "/"+fhir.ResourceTypeObservation, o)
}

func (s *Session) attempt(ctx context.Context, method, resourceType, path string, resource interface{}) (*Result, error) {
	payload, err := json.Marshal(resource)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", resourceType, err)
	}

	res := &Result{
		ResourceType: resourceType,
		Method:       method,
		URL:          s.baseURL + path,
	}

	start := time.Now()
	resp, err := s.rc.R().
		SetContext(ctx).
		SetBody(payload).
		Execute(method, path)
	res.Duration = time.Since(start)
	if err != nil {
		return nil, &TransportError{Method: method, URL: res.URL, Err: err}
	}

	res.StatusCode = resp.StatusCode()
	res.Body = resp.Body()
	res.Location = resp.Header().Get("Location")
	res.Outcome = classify(method, res.StatusCode)
	if res.Outcome == OutcomeUpstreamError {
		if oo := fhir.ParseOperationOutcome(res.Body); oo != nil {
			res.Diagnostics = oo.Diagnostics()
		}
	}
	return res, nil
}

// classify maps a status code to an Outcome. PUT answers 201 when the id
// was new and 200 when it replaced an existing resource.
func classify(method string, status int) Outcome {
	if status < 200 || status > 299 {
		return OutcomeUpstreamError
	}
	if method == http.MethodPut && status != http.StatusCreated {
		return OutcomeUpdated
	}
	return OutcomeCreated
}

// restyLogger routes resty's internal messages to zerolog.
type restyLogger struct {
	l zerolog.Logger
}

func (r restyLogger) Errorf(format string, v ...interface{}) {
	r.l.Error().Msgf(format, v...)
}

func (r restyLogger) Warnf(format string, v ...interface{}) {
	r.l.Warn().Msgf(format, v...)
}

func (r restyLogger) Debugf(format string, v ...interface{}) {
	r.l.Debug().Msgf(format, v...)
}
