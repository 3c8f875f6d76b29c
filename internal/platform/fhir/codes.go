package fhir

// Narrative wrapper. Content is inserted verbatim, so callers must not pass
// untrusted markup.
const (
	NarrativeStatusGenerated = "generated"
	xhtmlDivOpen             = "<div xmlns='http://www.w3.org/1999/xhtml'>"
	xhtmlDivClose            = "</div>"
)

// Code systems.
const (
	SystemLOINC               = "http://loinc.org"
	SystemUCUM                = "http://unitsofmeasure.org"
	SystemObservationCategory = "http://terminology.hl7.org/CodeSystem/observation-category"
	SystemHospitalPatientIDs  = "http://hospital.smarthealth.org/patient-ids"
)

// ObservationStatusFinal is the only status the gateway emits.
const ObservationStatusFinal = "final"

// ObservationCategory codes.
const (
	ObsCategoryVitalSigns        = "vital-signs"
	ObsCategoryVitalSignsDisplay = "Vital Signs"
)

// LOINC heart rate.
const (
	LOINCHeartRate        = "8867-4"
	LOINCHeartRateDisplay = "Heart rate"
)

// UCUM beats per minute.
const (
	UnitBeatsPerMinute = "beats/minute"
	UCUMCodePerMinute  = "/min"
)

const NameUseOfficial = "official"

// AdministrativeGender codes.
const (
	GenderMale    = "male"
	GenderFemale  = "female"
	GenderOther   = "other"
	GenderUnknown = "unknown"
)

// IsValidGender reports whether g is an AdministrativeGender code.
func IsValidGender(g string) bool {
	switch g {
	case GenderMale, GenderFemale, GenderOther, GenderUnknown:
		return true
	}
	return false
}

// GeneratedNarrative wraps content in the XHTML div envelope. No escaping
// is performed.
func GeneratedNarrative(content string) *Narrative {
	return &Narrative{
		Status: NarrativeStatusGenerated,
		Div:    xhtmlDivOpen + content + xhtmlDivClose,
	}
}
