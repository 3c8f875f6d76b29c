package ingest

import (
	"fmt"
	"time"

	"github.com/stevening1/rpm-to-fhir-api/internal/platform/fhir"
)

// PatientRecord is the informal patient registration sent by devices and
// applications. PatientID becomes the permanent FHIR resource id.
type PatientRecord struct {
	PatientID  string `json:"patient_id"`
	Name       string `json:"name,omitempty"`
	BirthDate  string `json:"birth_date,omitempty"`
	Gender     string `json:"gender,omitempty"`
	Identifier string `json:"identifier"`
	Text       string `json:"text,omitempty"`
}

// ObservationRecord is a single heart-rate reading. ObservationID is a
// correlation id only and never reaches the FHIR server.
type ObservationRecord struct {
	ObservationID string `json:"observation_id,omitempty"`
	PatientID     string `json:"patient_id"`
	HeartRate     *int   `json:"heart_rate,omitempty"`
	Timestamp     string `json:"timestamp,omitempty"`
	Text          string `json:"text,omitempty"`
}

// ValidationError reports a record that cannot be mapped to a well-formed
// FHIR resource.
type ValidationError struct {
	ResourceType string
	Field        string
	Reason       string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s.%s %s", e.ResourceType, e.Field, e.Reason)
}

func (p *PatientRecord) Validate() error {
	if p.PatientID == "" {
		return &ValidationError{ResourceType: fhir.ResourceTypePatient, Field: "patient_id", Reason: "is required"}
	}
	if p.Identifier == "" {
		return &ValidationError{ResourceType: fhir.ResourceTypePatient, Field: "identifier", Reason: "is required"}
	}
	if p.Gender != "" && !fhir.IsValidGender(p.Gender) {
		return &ValidationError{ResourceType: fhir.ResourceTypePatient, Field: "gender", Reason: fmt.Sprintf("must be male, female, other or unknown, got %q", p.Gender)}
	}
	if p.BirthDate != "" && !isFHIRDate(p.BirthDate) {
		return &ValidationError{ResourceType: fhir.ResourceTypePatient, Field: "birth_date", Reason: fmt.Sprintf("must be YYYY, YYYY-MM or YYYY-MM-DD, got %q", p.BirthDate)}
	}
	return nil
}

func (o *ObservationRecord) Validate() error {
	if o.PatientID == "" {
		return &ValidationError{ResourceType: fhir.ResourceTypeObservation, Field: "patient_id", Reason: "is required"}
	}
	if o.Timestamp != "" {
		if _, err := time.Parse(time.RFC3339, o.Timestamp); err != nil {
			return &ValidationError{ResourceType: fhir.ResourceTypeObservation, Field: "timestamp", Reason: fmt.Sprintf("must be an ISO-8601 instant, got %q", o.Timestamp)}
		}
	}
	return nil
}

func isFHIRDate(s string) bool {
	for _, layout := range []string{"2006-01-02", "2006-01", "2006"} {
		if len(s) != len(layout) {
			continue
		}
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}
