package ingest

import "github.com/stevening1/rpm-to-fhir-api/internal/platform/fhir"

// ToFHIRPatient maps a patient record to a FHIR Patient. Empty source
// fields leave the corresponding element out.
func ToFHIRPatient(p PatientRecord) fhir.Patient {
	out := fhir.Patient{
		ResourceType: fhir.ResourceTypePatient,
		ID:           p.PatientID,
		Gender:       p.Gender,
		BirthDate:    p.BirthDate,
	}
	if p.Text != "" {
		out.Text = fhir.GeneratedNarrative(p.Text)
	}
	if p.Identifier != "" {
		out.Identifier = []fhir.Identifier{{
			System: fhir.SystemHospitalPatientIDs,
			Value:  p.Identifier,
		}}
	}
	if p.Name != "" {
		out.Name = []fhir.HumanName{{
			Use:  fhir.NameUseOfficial,
			Text: p.Name,
		}}
	}
	return out
}

// ToFHIRObservation maps a heart-rate reading to a vital-signs Observation.
// The observation id is not carried over: the server assigns one on create.
func ToFHIRObservation(o ObservationRecord) fhir.Observation {
	out := fhir.Observation{
		ResourceType: fhir.ResourceTypeObservation,
		Status:       fhir.ObservationStatusFinal,
		Category: []fhir.CodeableConcept{{
			Coding: []fhir.Coding{{
				System:  fhir.SystemObservationCategory,
				Code:    fhir.ObsCategoryVitalSigns,
				Display: fhir.ObsCategoryVitalSignsDisplay,
			}},
		}},
		Code: fhir.CodeableConcept{
			Coding: []fhir.Coding{{
				System:  fhir.SystemLOINC,
				Code:    fhir.LOINCHeartRate,
				Display: fhir.LOINCHeartRateDisplay,
			}},
		},
		EffectiveDateTime: o.Timestamp,
	}
	if o.Text != "" {
		out.Text = fhir.GeneratedNarrative(o.Text)
	}
	if o.PatientID != "" {
		subject := fhir.NewReference(fhir.ResourceTypePatient, o.PatientID)
		out.Subject = &subject
		out.Performer = []fhir.Reference{subject}
	}
	if o.HeartRate != nil {
		v := float64(*o.HeartRate)
		out.ValueQuantity = &fhir.Quantity{
			Value:  &v,
			Unit:   fhir.UnitBeatsPerMinute,
			System: fhir.SystemUCUM,
			Code:   fhir.UCUMCodePerMinute,
		}
	}
	return out
}
