package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
)

// Client-visible messages.
const (
	MsgProcessed           = "FHIR resource(s) processed"
	MsgMissingBody         = "Missing request body"
	MsgInvalidBody         = "Invalid request body"
	MsgInternalServerError = "Internal server error"
	NotApplicable          = "N/A"
)

// Envelope is the platform's invocation event. Body holds the JSON payload
// as a string; nil means the event carried no body.
type Envelope struct {
	Body *string `json:"body"`
}

// NewEnvelope wraps a raw payload. An empty payload yields an envelope with
// no body.
func NewEnvelope(payload []byte) Envelope {
	if len(bytes.TrimSpace(payload)) == 0 {
		return Envelope{}
	}
	s := string(payload)
	return Envelope{Body: &s}
}

// Response is the invocation result handed back to the platform.
type Response struct {
	StatusCode int         `json:"statusCode"`
	Body       interface{} `json:"body"`
}

// SuccessBody echoes the correlation ids of the processed records.
type SuccessBody struct {
	Message       string `json:"message"`
	PatientID     string `json:"patient_id"`
	ObservationID string `json:"observation_id"`
}

// ErrorBody is returned on every failure path.
type ErrorBody struct {
	Error string `json:"error"`
}

// EventResponse is Response with the body serialised to a string, the shape
// expected by function-invocation platforms.
type EventResponse struct {
	StatusCode int    `json:"statusCode"`
	Body       string `json:"body"`
}

// Event serialises the response body.
func (r Response) Event() (EventResponse, error) {
	b, err := json.Marshal(r.Body)
	if err != nil {
		return EventResponse{}, fmt.Errorf("marshal response body: %w", err)
	}
	return EventResponse{StatusCode: r.StatusCode, Body: string(b)}, nil
}

// ProtocolError reports an envelope whose body is missing or not a valid
// payload. No downstream call is made.
type ProtocolError struct {
	Message string
	Err     error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// Request holds the typed sub-records of one invocation. Either may be nil.
type Request struct {
	Patient     *PatientRecord
	Observation *ObservationRecord
}

type payload struct {
	Patient     json.RawMessage `json:"patient"`
	Observation json.RawMessage `json:"observation"`
}

// ParseRequest decodes the envelope body. A falsy sub-record (null, false,
// 0, "", [] or {}) counts as absent.
func ParseRequest(env Envelope) (*Request, error) {
	if env.Body == nil {
		return nil, &ProtocolError{Message: MsgMissingBody}
	}
	body := bytes.TrimSpace([]byte(*env.Body))
	if len(body) == 0 || body[0] != '{' {
		return nil, &ProtocolError{Message: MsgInvalidBody, Err: fmt.Errorf("body is not a JSON object")}
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, &ProtocolError{Message: MsgInvalidBody, Err: err}
	}

	req := &Request{}
	if present(p.Patient) {
		var pr PatientRecord
		if err := json.Unmarshal(p.Patient, &pr); err != nil {
			return nil, &ProtocolError{Message: MsgInvalidBody, Err: fmt.Errorf("patient: %w", err)}
		}
		req.Patient = &pr
	}
	if present(p.Observation) {
		var obs ObservationRecord
		if err := json.Unmarshal(p.Observation, &obs); err != nil {
			return nil, &ProtocolError{Message: MsgInvalidBody, Err: fmt.Errorf("observation: %w", err)}
		}
		req.Observation = &obs
	}
	return req, nil
}

// present reports whether a sub-record was supplied. Falsy JSON values
// (null, false, 0, "", [] and {}) count as absent; any other non-object
// value is left for the typed decode to reject.
func present(raw json.RawMessage) bool {
	if len(bytes.TrimSpace(raw)) == 0 {
		return false
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return true
	}
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x != ""
	case []interface{}:
		return len(x) > 0
	case map[string]interface{}:
		return len(x) > 0
	}
	return true
}

// BuildResponse translates a dispatch outcome into the response envelope.
func BuildResponse(out *Outcome) Response {
	switch out.Status {
	case StatusBadRequest:
		return Response{StatusCode: http.StatusBadRequest, Body: ErrorBody{Error: out.Message}}
	case StatusInternalError:
		return Response{StatusCode: http.StatusInternalServerError, Body: ErrorBody{Error: MsgInternalServerError}}
	}
	return Response{
		StatusCode: http.StatusOK,
		Body: SuccessBody{
			Message:       MsgProcessed,
			PatientID:     out.PatientID,
			ObservationID: out.ObservationID,
		},
	}
}
