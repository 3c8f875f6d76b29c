package fhir

import (
	"encoding/json"
	"strings"
)

// OperationOutcome issue severities (FHIR R4 IssueSeverity).
const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"
)

// OperationOutcome issue type codes used by the gateway.
const (
	IssueTypeInvalid    = "invalid"
	IssueTypeRequired   = "required"
	IssueTypeProcessing = "processing"
	IssueTypeException  = "exception"
	IssueTypeTimeout    = "timeout"
	IssueTypeTooCostly  = "too-costly"
)

// OperationOutcome represents a FHIR OperationOutcome for errors.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"`
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
	Expression  []string         `json:"expression,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: ResourceTypeOperationOutcome,
		Issue: []OperationOutcomeIssue{
			{
				Severity:    severity,
				Code:        code,
				Diagnostics: diagnostics,
			},
		},
	}
}

// HasErrors returns true if the outcome contains any error or fatal issues.
func (o *OperationOutcome) HasErrors() bool {
	for _, issue := range o.Issue {
		if issue.Severity == IssueSeverityError || issue.Severity == IssueSeverityFatal {
			return true
		}
	}
	return false
}

// Diagnostics joins the diagnostics (or details text) of every issue.
func (o *OperationOutcome) Diagnostics() string {
	var parts []string
	for _, issue := range o.Issue {
		switch {
		case issue.Diagnostics != "":
			parts = append(parts, issue.Diagnostics)
		case issue.Details != nil && issue.Details.Text != "":
			parts = append(parts, issue.Details.Text)
		}
	}
	return strings.Join(parts, "; ")
}

// ParseOperationOutcome decodes body as an OperationOutcome. It returns nil
// when body is not JSON or carries a different resourceType, which is the
// normal case for proxies and load balancers answering in front of the server.
func ParseOperationOutcome(body []byte) *OperationOutcome {
	if len(body) == 0 {
		return nil
	}
	var oo OperationOutcome
	if err := json.Unmarshal(body, &oo); err != nil {
		return nil
	}
	if oo.ResourceType != ResourceTypeOperationOutcome {
		return nil
	}
	return &oo
}
