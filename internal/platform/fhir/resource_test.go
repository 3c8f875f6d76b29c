package fhir

import (
	"encoding/json"
	"testing"
)

func TestNewReference(t *testing.T) {
	ref := NewReference(ResourceTypePatient, "patient-1")
	if ref.Reference != "Patient/patient-1" {
		t.Errorf("expected Patient/patient-1, got %q", ref.Reference)
	}
}

func TestPatient_JSONFieldNames(t *testing.T) {
	p := Patient{
		ResourceType: ResourceTypePatient,
		ID:           "p1",
		Identifier:   []Identifier{{System: SystemHospitalPatientIDs, Value: "p1"}},
		Name:         []HumanName{{Use: NameUseOfficial, Text: "Jane Roe"}},
		Gender:       GenderFemale,
		BirthDate:    "1990-02-03",
	}

	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}
	var parsed map[string]interface{}
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}

	for _, key := range []string{"resourceType", "id", "identifier", "name", "gender", "birthDate"} {
		if _, ok := parsed[key]; !ok {
			t.Errorf("expected key %q in %s", key, data)
		}
	}
	if _, ok := parsed["text"]; ok {
		t.Error("expected text to be omitted when nil")
	}
}

func TestObservation_JSONFieldNames(t *testing.T) {
	v := 72.0
	subject := NewReference(ResourceTypePatient, "p1")
	o := Observation{
		ResourceType:      ResourceTypeObservation,
		Status:            ObservationStatusFinal,
		Code:              CodeableConcept{Coding: []Coding{{System: SystemLOINC, Code: LOINCHeartRate}}},
		Subject:           &subject,
		EffectiveDateTime: "2025-01-01T10:00:00Z",
		ValueQuantity:     &Quantity{Value: &v, Unit: UnitBeatsPerMinute, System: SystemUCUM, Code: UCUMCodePerMinute},
	}

	data, err := json.Marshal(o)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}
	var parsed map[string]interface{}
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}

	if _, ok := parsed["id"]; ok {
		t.Error("expected empty id to be omitted")
	}
	if parsed["effectiveDateTime"] != "2025-01-01T10:00:00Z" {
		t.Errorf("effectiveDateTime = %v", parsed["effectiveDateTime"])
	}
	vq, ok := parsed["valueQuantity"].(map[string]interface{})
	if !ok || vq["value"] != 72.0 || vq["code"] != "/min" {
		t.Errorf("valueQuantity = %v", parsed["valueQuantity"])
	}
	subj, _ := parsed["subject"].(map[string]interface{})
	if subj["reference"] != "Patient/p1" {
		t.Errorf("subject = %v", parsed["subject"])
	}
}

func TestQuantity_ZeroValueKept(t *testing.T) {
	zero := 0.0
	data, _ := json.Marshal(Quantity{Value: &zero})
	if string(data) != `{"value":0}` {
		t.Errorf("expected explicit zero, got %s", data)
	}
}
