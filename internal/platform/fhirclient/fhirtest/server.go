// Package fhirtest provides an in-memory FHIR server double for tests. It
// implements just enough of the REST API to exercise the gateway: update
// (PUT) and create (POST) for any resource type, read by id, and forced
// failure responses.
package fhirtest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/stevening1/rpm-to-fhir-api/internal/platform/fhir"
)

// Request is a request observed by the server.
type Request struct {
	Method      string
	Path        string
	ContentType string
	Body        []byte
}

type failure struct {
	status int
	body   string
}

// Server is a thread-safe in-memory FHIR server.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	resources map[string]map[string]json.RawMessage
	requests  []Request
	failures  map[string]failure
}

// NewServer starts a server; callers must Close it.
func NewServer() *Server {
	s := &Server{
		resources: make(map[string]map[string]json.RawMessage),
		failures:  make(map[string]failure),
	}
	e := echo.New()
	e.HideBanner = true
	e.PUT("/fhir/:type/:id", s.update)
	e.POST("/fhir/:type", s.create)
	e.GET("/fhir/:type/:id", s.read)
	s.Server = httptest.NewServer(e)
	return s
}

// BaseURL is the FHIR base URL to hand to the client.
func (s *Server) BaseURL() string {
	return s.URL + "/fhir"
}

// FailWith makes every request for resourceType answer status with an
// OperationOutcome carrying diagnostics.
func (s *Server) FailWith(resourceType string, status int, diagnostics string) {
	body, _ := json.Marshal(fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeProcessing, diagnostics))
	s.mu.Lock()
	s.failures[resourceType] = failure{status: status, body: string(body)}
	s.mu.Unlock()
}

// Requests returns a copy of the requests seen so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]Request, len(s.requests))
	copy(cp, s.requests)
	return cp
}

// Count returns the number of stored resources of resourceType.
func (s *Server) Count(resourceType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.resources[resourceType])
}

// Stored returns the stored JSON of resourceType/id.
func (s *Server) Stored(resourceType, id string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resources[resourceType][id]
	return r, ok
}

// IDs returns the ids stored for resourceType.
func (s *Server) IDs(resourceType string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.resources[resourceType]))
	for id := range s.resources[resourceType] {
		ids = append(ids, id)
	}
	return ids
}

func (s *Server) record(c echo.Context) ([]byte, *failure) {
	body, _ := io.ReadAll(c.Request().Body)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, Request{
		Method:      c.Request().Method,
		Path:        c.Request().URL.Path,
		ContentType: c.Request().Header.Get(echo.HeaderContentType),
		Body:        body,
	})
	if f, ok := s.failures[c.Param("type")]; ok {
		return body, &f
	}
	return body, nil
}

func (s *Server) store(resourceType, id string, doc map[string]interface{}) (json.RawMessage, bool) {
	doc["id"] = id
	raw, _ := json.Marshal(doc)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resources[resourceType] == nil {
		s.resources[resourceType] = make(map[string]json.RawMessage)
	}
	_, existed := s.resources[resourceType][id]
	s.resources[resourceType][id] = raw
	return raw, existed
}

func (s *Server) update(c echo.Context) error {
	body, f := s.record(c)
	if f != nil {
		return c.Blob(f.status, fhir.MediaType, []byte(f.body))
	}
	doc, err := decode(body, c.Param("type"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeInvalid, err.Error()))
	}
	if id, _ := doc["id"].(string); id != c.Param("id") {
		return c.JSON(http.StatusBadRequest, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeInvalid, "resource id does not match URL"))
	}
	raw, existed := s.store(c.Param("type"), c.Param("id"), doc)
	status := http.StatusCreated
	if existed {
		status = http.StatusOK
	}
	c.Response().Header().Set("Location", c.Request().URL.Path)
	return c.Blob(status, fhir.MediaType, raw)
}

func (s *Server) create(c echo.Context) error {
	body, f := s.record(c)
	if f != nil {
		return c.Blob(f.status, fhir.MediaType, []byte(f.body))
	}
	doc, err := decode(body, c.Param("type"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeInvalid, err.Error()))
	}
	id := uuid.New().String()
	raw, _ := s.store(c.Param("type"), id, doc)
	c.Response().Header().Set("Location", c.Request().URL.Path+"/"+id)
	return c.Blob(http.StatusCreated, fhir.MediaType, raw)
}

func (s *Server) read(c echo.Context) error {
	raw, ok := s.Stored(c.Param("type"), c.Param("id"))
	if !ok {
		return c.JSON(http.StatusNotFound, fhir.NewOperationOutcome(fhir.IssueSeverityError, "not-found", c.Param("type")+"/"+c.Param("id")+" not found"))
	}
	return c.Blob(http.StatusOK, fhir.MediaType, raw)
}

func decode(body []byte, resourceType string) (map[string]interface{}, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, err
	}
	if rt, _ := doc["resourceType"].(string); rt != resourceType {
		return nil, &mismatchError{want: resourceType, got: rt}
	}
	return doc, nil
}

type mismatchError struct {
	want, got string
}

func (e *mismatchError) Error() string {
	return "resourceType " + e.got + " does not match endpoint " + e.want
}
