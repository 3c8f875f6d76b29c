package fhir

// MediaType is the FHIR JSON content type used on every outbound request.
const MediaType = "application/fhir+json"

// Resource type discriminators handled by the gateway.
const (
	ResourceTypePatient          = "Patient"
	ResourceTypeObservation      = "Observation"
	ResourceTypeOperationOutcome = "OperationOutcome"
)

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

type Reference struct {
	Reference string `json:"reference,omitempty"`
	Type      string `json:"type,omitempty"`
	Display   string `json:"display,omitempty"`
}

type Identifier struct {
	Use    string `json:"use,omitempty"`
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
}

// HumanName carries the text form only; the gateway never splits names
// into family/given parts.
type HumanName struct {
	Use  string `json:"use,omitempty"`
	Text string `json:"text,omitempty"`
}

// Narrative is the human-readable text element of a resource.
type Narrative struct {
	Status string `json:"status"`
	Div    string `json:"div"`
}

type Quantity struct {
	Value  *float64 `json:"value,omitempty"`
	Unit   string   `json:"unit,omitempty"`
	System string   `json:"system,omitempty"`
	Code   string   `json:"code,omitempty"`
}

// Patient is the subset of the R4 Patient resource produced by the gateway.
type Patient struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id,omitempty"`
	Text         *Narrative   `json:"text,omitempty"`
	Identifier   []Identifier `json:"identifier,omitempty"`
	Name         []HumanName  `json:"name,omitempty"`
	Gender       string       `json:"gender,omitempty"`
	BirthDate    string       `json:"birthDate,omitempty"`
}

// Observation is the subset of the R4 Observation resource produced by the
// gateway. ID stays empty on create; the server assigns it.
type Observation struct {
	ResourceType      string            `json:"resourceType"`
	ID                string            `json:"id,omitempty"`
	Text              *Narrative        `json:"text,omitempty"`
	Status            string            `json:"status"`
	Category          []CodeableConcept `json:"category,omitempty"`
	Code              CodeableConcept   `json:"code"`
	Subject           *Reference        `json:"subject,omitempty"`
	Performer         []Reference       `json:"performer,omitempty"`
	EffectiveDateTime string            `json:"effectiveDateTime,omitempty"`
	ValueQuantity     *Quantity         `json:"valueQuantity,omitempty"`
}

// NewReference builds a relative literal reference such as "Patient/123".
func NewReference(resourceType, id string) Reference {
	return Reference{Reference: resourceType + "/" + id}
}
