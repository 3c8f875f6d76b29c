package ingest

import (
	"fmt"

	"github.com/stevening1/rpm-to-fhir-api/internal/platform/fhir"
)

// FailureAction decides what a rejected sub-resource does to the rest of
// the invocation. A rejection is an upstream non-2xx reply or a validation
// error. Transport failures always end the invocation with an internal
// error, whatever the action.
type FailureAction string

const (
	// AbortOnFailure ends the invocation; later sub-resources are skipped.
	AbortOnFailure FailureAction = "abort"
	// ReportOnFailure logs and records the failure and carries on.
	ReportOnFailure FailureAction = "report"
)

// ParseFailureAction converts a configuration value to a FailureAction.
func ParseFailureAction(s string) (FailureAction, error) {
	switch FailureAction(s) {
	case AbortOnFailure, ReportOnFailure:
		return FailureAction(s), nil
	}
	return "", fmt.Errorf("unknown failure action %q (want %q or %q)", s, AbortOnFailure, ReportOnFailure)
}

// Policy holds the failure action of each resource kind.
type Policy struct {
	Patient     FailureAction
	Observation FailureAction
}

// DefaultPolicy aborts on patient failure and reports observation failure.
func DefaultPolicy() Policy {
	return Policy{
		Patient:     AbortOnFailure,
		Observation: ReportOnFailure,
	}
}

// String renders the policy as "abort-on-patient-failure,report-on-observation-failure".
func (p Policy) String() string {
	return fmt.Sprintf("%s-on-patient-failure,%s-on-observation-failure", p.Patient, p.Observation)
}

func (p Policy) actionFor(resourceType string) FailureAction {
	if resourceType == fhir.ResourceTypePatient {
		return p.Patient
	}
	return p.Observation
}
