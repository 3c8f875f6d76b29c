package ingest

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stevening1/rpm-to-fhir-api/internal/platform/fhir"
)

func intPtr(v int) *int { return &v }

func TestToFHIRPatient(t *testing.T) {
	rec := PatientRecord{
		PatientID:  "patient-1",
		Name:       "Patient patient-1",
		BirthDate:  "1985-06-15",
		Gender:     "male",
		Identifier: "patient-1",
		Text:       "Registered via device",
	}
	p := ToFHIRPatient(rec)

	if p.ResourceType != "Patient" {
		t.Errorf("resourceType = %q, want Patient", p.ResourceType)
	}
	if p.ID != "patient-1" {
		t.Errorf("id = %q, want patient-1", p.ID)
	}
	if p.Gender != "male" || p.BirthDate != "1985-06-15" {
		t.Errorf("gender/birthDate = %q/%q", p.Gender, p.BirthDate)
	}
	if len(p.Identifier) != 1 || p.Identifier[0].System != "http://hospital.smarthealth.org/patient-ids" || p.Identifier[0].Value != "patient-1" {
		t.Errorf("unexpected identifier: %+v", p.Identifier)
	}
	if len(p.Name) != 1 || p.Name[0].Use != "official" || p.Name[0].Text != "Patient patient-1" {
		t.Errorf("unexpected name: %+v", p.Name)
	}
	if p.Text == nil || p.Text.Status != "generated" {
		t.Fatalf("expected generated narrative, got %+v", p.Text)
	}
	want := "<div xmlns='http://www.w3.org/1999/xhtml'>Registered via device</div>"
	if p.Text.Div != want {
		t.Errorf("div = %q, want %q", p.Text.Div, want)
	}
}

func TestToFHIRPatient_IDMatchesRecord(t *testing.T) {
	for _, id := range []string{"p1", "patient-42", "a.b-c", "X"} {
		p := ToFHIRPatient(PatientRecord{PatientID: id, Identifier: id})
		if p.ResourceType != fhir.ResourceTypePatient || p.ID != id {
			t.Errorf("ToFHIRPatient(%q) = %s/%s", id, p.ResourceType, p.ID)
		}
	}
}

func TestToFHIRPatient_OmitsEmptyFields(t *testing.T) {
	p := ToFHIRPatient(PatientRecord{PatientID: "p1", Identifier: "mrn-1"})
	b, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(b)
	for _, field := range []string{`"name"`, `"gender"`, `"birthDate"`, `"text"`} {
		if strings.Contains(s, field) {
			t.Errorf("expected %s to be omitted, got %s", field, s)
		}
	}
}

func TestToFHIRObservation(t *testing.T) {
	rec := ObservationRecord{
		ObservationID: "obs-1",
		PatientID:     "patient-1",
		HeartRate:     intPtr(88),
		Timestamp:     "2025-03-01T08:30:00Z",
		Text:          "Heart rate 88",
	}
	o := ToFHIRObservation(rec)

	if o.ResourceType != "Observation" {
		t.Errorf("resourceType = %q", o.ResourceType)
	}
	if o.ID != "" {
		t.Errorf("observation id must be server assigned, got %q", o.ID)
	}
	if o.Status != "final" {
		t.Errorf("status = %q, want final", o.Status)
	}
	if o.Subject == nil || o.Subject.Reference != "Patient/patient-1" {
		t.Errorf("subject = %+v", o.Subject)
	}
	if len(o.Performer) != 1 || o.Performer[0].Reference != "Patient/patient-1" {
		t.Errorf("performer = %+v", o.Performer)
	}
	if o.Code.Coding[0].Code != "8867-4" || o.Code.Coding[0].System != "http://loinc.org" {
		t.Errorf("code = %+v", o.Code.Coding[0])
	}
	if len(o.Category) != 1 || o.Category[0].Coding[0].Code != "vital-signs" {
		t.Errorf("category = %+v", o.Category)
	}
	if o.EffectiveDateTime != "2025-03-01T08:30:00Z" {
		t.Errorf("effectiveDateTime = %q", o.EffectiveDateTime)
	}
	q := o.ValueQuantity
	if q == nil || q.Value == nil || *q.Value != 88 {
		t.Fatalf("valueQuantity = %+v", q)
	}
	if q.Unit != "beats/minute" || q.System != "http://unitsofmeasure.org" || q.Code != "/min" {
		t.Errorf("unexpected quantity coding: %+v", q)
	}
}

func TestToFHIRObservation_SubjectAndCode(t *testing.T) {
	for _, pid := range []string{"p1", "patient-7", "zz"} {
		o := ToFHIRObservation(ObservationRecord{PatientID: pid, HeartRate: intPtr(60)})
		if o.Subject.Reference != "Patient/"+pid {
			t.Errorf("subject = %q, want Patient/%s", o.Subject.Reference, pid)
		}
		if o.Code.Coding[0].Code != "8867-4" {
			t.Errorf("code = %q", o.Code.Coding[0].Code)
		}
	}
}

func TestToFHIRObservation_ZeroHeartRateKept(t *testing.T) {
	o := ToFHIRObservation(ObservationRecord{PatientID: "p1", HeartRate: intPtr(0)})
	if o.ValueQuantity == nil || o.ValueQuantity.Value == nil || *o.ValueQuantity.Value != 0 {
		t.Fatalf("expected explicit zero value, got %+v", o.ValueQuantity)
	}
}

func TestToFHIRObservation_OmitsMissingValue(t *testing.T) {
	o := ToFHIRObservation(ObservationRecord{PatientID: "p1"})
	if o.ValueQuantity != nil {
		t.Errorf("expected no valueQuantity, got %+v", o.ValueQuantity)
	}
	if o.Text != nil {
		t.Errorf("expected no narrative, got %+v", o.Text)
	}
}
