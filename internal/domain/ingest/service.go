package ingest

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stevening1/rpm-to-fhir-api/internal/platform/fhir"
	"github.com/stevening1/rpm-to-fhir-api/internal/platform/fhirclient"
)

// Status is the terminal state of one invocation.
type Status int

const (
	StatusSuccess Status = iota
	StatusBadRequest
	StatusInternalError
)

func (s Status) String() string {
	switch s {
	case StatusBadRequest:
		return "bad_request"
	case StatusInternalError:
		return "internal_error"
	}
	return "success"
}

// ResultKind classifies what happened to one sub-resource.
type ResultKind string

const (
	KindCreated         ResultKind = "created"
	KindUpdated         ResultKind = "updated"
	KindUpstreamError   ResultKind = "upstream_error"
	KindValidationError ResultKind = "validation_error"
	KindSkipped         ResultKind = "skipped"
)

// DispatchResult is the per-resource outcome aggregated by the dispatcher.
type DispatchResult struct {
	ResourceType string
	Kind         ResultKind
	StatusCode   int
	Body         []byte
	Reason       string
	Location     string
}

// Failed reports whether the resource was rejected, either locally or by
// the FHIR server.
func (r *DispatchResult) Failed() bool {
	return r.Kind == KindUpstreamError || r.Kind == KindValidationError
}

// Outcome is everything the dispatcher learned about one invocation.
// PatientID and ObservationID are the correlation ids echoed to the caller.
type Outcome struct {
	Status        Status
	Message       string
	PatientID     string
	ObservationID string
	Patient       *DispatchResult
	Observation   *DispatchResult
	Err           error
}

// MetricsRecorder receives one call per dispatched sub-resource.
type MetricsRecorder interface {
	RecordDispatch(resourceType, outcome string, d time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) RecordDispatch(string, string, time.Duration) {}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithPolicy replaces DefaultPolicy.
func WithPolicy(p Policy) ServiceOption {
	return func(s *Service) { s.policy = p }
}

// WithAttemptRepository sets the attempt ledger.
func WithAttemptRepository(r AttemptRepository) ServiceOption {
	return func(s *Service) { s.attempts = r }
}

// WithMetrics sets the dispatch metrics sink.
func WithMetrics(m MetricsRecorder) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the logger used when the context carries none.
func WithLogger(l zerolog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// Service turns one invocation envelope into at most two FHIR writes:
// a patient upsert followed by an observation create, never concurrently.
type Service struct {
	client   *fhirclient.Client
	policy   Policy
	attempts AttemptRepository
	metrics  MetricsRecorder
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(client *fhirclient.Client, opts ...ServiceOption) *Service {
	s := &Service{
		client:   client,
		policy:   DefaultPolicy(),
		attempts: NewInMemoryAttemptRepository(0),
		metrics:  nopMetrics{},
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Policy returns the active failure policy.
func (s *Service) Policy() Policy {
	return s.policy
}

// Attempts returns the attempt ledger.
func (s *Service) Attempts() AttemptRepository {
	return s.attempts
}

// Dispatch runs one invocation to completion. It never returns nil.
func (s *Service) Dispatch(ctx context.Context, env Envelope) *Outcome {
	log := s.loggerFrom(ctx)

	req, err := ParseRequest(env)
	if err != nil {
		var pe *ProtocolError
		msg := MsgInvalidBody
		if errors.As(err, &pe) {
			msg = pe.Message
		}
		log.Warn().Err(err).Msg("rejecting invocation")
		return &Outcome{Status: StatusBadRequest, Message: msg, PatientID: NotApplicable, ObservationID: NotApplicable, Err: err}
	}

	out := &Outcome{Status: StatusSuccess, PatientID: NotApplicable, ObservationID: NotApplicable}
	if req.Patient != nil {
		out.PatientID = req.Patient.PatientID
	}
	if req.Observation != nil {
		out.ObservationID = req.Observation.ObservationID
	}
	if req.Patient == nil && req.Observation == nil {
		log.Info().Msg("no patient or observation in payload")
		return out
	}

	session := s.client.Session()
	defer session.Close()

	if req.Patient != nil {
		res, err := s.dispatchPatient(ctx, session, *req.Patient)
		out.Patient = res
		if s.halt(ctx, out, res, err, fhir.ResourceTypePatient) {
			if req.Observation != nil {
				out.Observation = s.skipObservation(ctx, *req.Observation)
			}
			return out
		}
	}

	if req.Observation != nil {
		res, err := s.dispatchObservation(ctx, session, *req.Observation)
		out.Observation = res
		s.halt(ctx, out, res, err, fhir.ResourceTypeObservation)
	}
	return out
}

// halt applies the policy to one sub-resource result and reports whether the
// invocation must stop. It sets the terminal status on out when it does.
func (s *Service) halt(ctx context.Context, out *Outcome, res *DispatchResult, err error, resourceType string) bool {
	log := s.loggerFrom(ctx)

	if err != nil {
		log.Error().Err(err).Str("resource_type", resourceType).Msg("dispatch failed")
		out.Status = StatusInternalError
		out.Err = err
		return true
	}
	if !res.Failed() {
		return false
	}

	action := s.policy.actionFor(resourceType)
	evt := log.Warn()
	if action == AbortOnFailure {
		evt = log.Error()
	}
	evt.Str("resource_type", resourceType).
		Str("kind", string(res.Kind)).
		Int("status", res.StatusCode).
		Str("reason", res.Reason).
		Str("policy", string(action)).
		Msg("resource rejected")

	if action != AbortOnFailure {
		return false
	}
	if res.Kind == KindValidationError {
		out.Status = StatusBadRequest
		out.Message = res.Reason
	} else {
		out.Status = StatusInternalError
	}
	out.Err = errors.New(resourceType + " " + string(res.Kind) + ": " + res.Reason)
	return true
}

func (s *Service) dispatchPatient(ctx context.Context, session *fhirclient.Session, rec PatientRecord) (*DispatchResult, error) {
	attempt := s.newAttempt(ctx, fhir.ResourceTypePatient)
	attempt.PatientID = rec.PatientID

	if err := rec.Validate(); err != nil {
		return s.rejectInvalid(ctx, attempt, err), nil
	}
	res, err := session.UpsertPatient(ctx, ToFHIRPatient(rec))
	return s.finish(ctx, attempt, res, err)
}

func (s *Service) dispatchObservation(ctx context.Context, session *fhirclient.Session, rec ObservationRecord) (*DispatchResult, error) {
	attempt := s.newAttempt(ctx, fhir.ResourceTypeObservation)
	attempt.PatientID = rec.PatientID
	attempt.ObservationID = rec.ObservationID

	if err := rec.Validate(); err != nil {
		return s.rejectInvalid(ctx, attempt, err), nil
	}
	res, err := session.CreateObservation(ctx, ToFHIRObservation(rec))
	return s.finish(ctx, attempt, res, err)
}

func (s *Service) skipObservation(ctx context.Context, rec ObservationRecord) *DispatchResult {
	attempt := s.newAttempt(ctx, fhir.ResourceTypeObservation)
	attempt.PatientID = rec.PatientID
	attempt.ObservationID = rec.ObservationID
	attempt.Outcome = string(KindSkipped)
	attempt.Error = "patient step aborted"
	s.record(ctx, attempt)

	s.loggerFrom(ctx).Warn().
		Str("resource_type", fhir.ResourceTypeObservation).
		Str("patient_id", rec.PatientID).
		Str("observation_id", rec.ObservationID).
		Msg("observation not attempted after patient failure")

	return &DispatchResult{ResourceType: fhir.ResourceTypeObservation, Kind: KindSkipped, Reason: attempt.Error}
}

func (s *Service) rejectInvalid(ctx context.Context, attempt *Attempt, err error) *DispatchResult {
	attempt.Outcome = string(KindValidationError)
	attempt.Error = err.Error()
	s.record(ctx, attempt)
	s.metrics.RecordDispatch(attempt.ResourceType, attempt.Outcome, 0)
	return &DispatchResult{ResourceType: attempt.ResourceType, Kind: KindValidationError, Reason: err.Error()}
}

func (s *Service) finish(ctx context.Context, attempt *Attempt, res *fhirclient.Result, err error) (*DispatchResult, error) {
	log := s.loggerFrom(ctx)

	if err != nil {
		attempt.Outcome = AttemptTransportError
		attempt.Error = err.Error()
		var te *fhirclient.TransportError
		if errors.As(err, &te) {
			attempt.Method = te.Method
			attempt.URL = te.URL
		}
		s.record(ctx, attempt)
		s.metrics.RecordDispatch(attempt.ResourceType, attempt.Outcome, 0)
		return nil, err
	}

	attempt.Method = res.Method
	attempt.URL = res.URL
	attempt.StatusCode = res.StatusCode
	attempt.ResponseBody = truncateBody(res.Body)
	attempt.Duration = res.Duration
	attempt.Outcome = string(res.Outcome)
	if !res.OK() {
		attempt.Error = res.Diagnostics
		if attempt.Error == "" {
			attempt.Error = http.StatusText(res.StatusCode)
		}
	}
	s.record(ctx, attempt)
	s.metrics.RecordDispatch(attempt.ResourceType, attempt.Outcome, res.Duration)

	log.Info().
		Str("resource_type", res.ResourceType).
		Str("method", res.Method).
		Str("url", res.URL).
		Str("patient_id", attempt.PatientID).
		Str("observation_id", attempt.ObservationID).
		Int("status", res.StatusCode).
		Str("outcome", string(res.Outcome)).
		Str("location", res.Location).
		Bytes("response", res.Body).
		Dur("duration", res.Duration).
		Msg("fhir write completed")

	dr := &DispatchResult{
		ResourceType: res.ResourceType,
		StatusCode:   res.StatusCode,
		Body:         res.Body,
		Location:     res.Location,
	}
	switch res.Outcome {
	case fhirclient.OutcomeCreated:
		dr.Kind = KindCreated
	case fhirclient.OutcomeUpdated:
		dr.Kind = KindUpdated
	default:
		dr.Kind = KindUpstreamError
		dr.Reason = attempt.Error
	}
	return dr, nil
}

func (s *Service) newAttempt(ctx context.Context, resourceType string) *Attempt {
	return &Attempt{
		ID:           uuid.New().String(),
		RequestID:    RequestIDFrom(ctx),
		ResourceType: resourceType,
		CreatedAt:    s.now().UTC(),
	}
}

// record writes to the ledger. A ledger failure is logged and never changes
// the invocation outcome.
func (s *Service) record(ctx context.Context, a *Attempt) {
	if err := s.attempts.Record(context.WithoutCancel(ctx), a); err != nil {
		s.loggerFrom(ctx).Error().Err(err).Str("attempt_id", a.ID).Msg("failed to record dispatch attempt")
	}
}

func (s *Service) loggerFrom(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	l := s.logger.With().Str("request_id", RequestIDFrom(ctx)).Logger()
	return &l
}

type requestIDKey struct{}

// WithRequestID attaches the inbound request id to ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFrom returns the request id stored by WithRequestID, or "".
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
