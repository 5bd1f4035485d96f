package scheduling

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/wolfman30/clinic-voice-booking/internal/dialogue"
)

// FHIR resource models (STU3) for the scheduling system.

// FHIRBundle is a search result container.
type FHIRBundle struct {
	ResourceType string `json:"resourceType"`
	Type         string `json:"type"`
	Total        int    `json:"total"`
	Entry        []struct {
		Resource json.RawMessage `json:"resource"`
	} `json:"entry"`
}

// FHIRAppointment is a FHIR Appointment resource.
type FHIRAppointment struct {
	ResourceType    string               `json:"resourceType"`
	ID              string               `json:"id,omitempty"`
	Status          string               `json:"status"` // proposed, pending, booked, arrived, fulfilled, cancelled
	AppointmentType *FHIRCodeableConcept `json:"appointmentType,omitempty"`
	Description     string               `json:"description,omitempty"`
	Start           string               `json:"start"`
	End             string               `json:"end"`
	Participant     []FHIRParticipant    `json:"participant"`
	Slot            []FHIRReference      `json:"slot,omitempty"`
	Comment         string               `json:"comment,omitempty"`
}

// FHIRSlot is a FHIR Slot resource.
type FHIRSlot struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id"`
	Schedule     FHIRReference `json:"schedule"`
	Status       string        `json:"status"` // free, busy, busy-unavailable, busy-tentative
	Start        string        `json:"start"`
	End          string        `json:"end"`
}

// FHIRPatient is a FHIR Patient resource.
type FHIRPatient struct {
	ResourceType string             `json:"resourceType"`
	ID           string             `json:"id,omitempty"`
	Name         []FHIRHumanName    `json:"name"`
	Telecom      []FHIRContactPoint `json:"telecom,omitempty"`
}

// FHIRParticipant is a participant in an appointment.
type FHIRParticipant struct {
	Actor  FHIRReference `json:"actor"`
	Status string        `json:"status"`
}

// FHIRReference points at another resource, e.g. "Patient/123".
type FHIRReference struct {
	Reference string `json:"reference,omitempty"`
	Display   string `json:"display,omitempty"`
}

// FHIRCodeableConcept is a coded value with optional text.
type FHIRCodeableConcept struct {
	Coding []FHIRCoding `json:"coding,omitempty"`
	Text   string       `json:"text,omitempty"`
}

// FHIRCoding is a code from a code system.
type FHIRCoding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// FHIRHumanName is a person's name.
type FHIRHumanName struct {
	Use    string   `json:"use,omitempty"`
	Text   string   `json:"text,omitempty"`
	Family string   `json:"family,omitempty"`
	Given  []string `json:"given,omitempty"`
}

// FHIRContactPoint is a phone number or email.
type FHIRContactPoint struct {
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
	Use    string `json:"use,omitempty"`
}

// decodeEntries decodes every bundle entry of the given resource type into T.
func decodeEntries[T any](bundle FHIRBundle, resourceType string) []T {
	out := make([]T, 0, len(bundle.Entry))
	for _, entry := range bundle.Entry {
		var head struct {
			ResourceType string `json:"resourceType"`
		}
		if err := json.Unmarshal(entry.Resource, &head); err != nil || head.ResourceType != resourceType {
			continue
		}
		var v T
		if err := json.Unmarshal(entry.Resource, &v); err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}

func parseSlot(s FHIRSlot) (dialogue.Slot, bool) {
	start, err := time.Parse(time.RFC3339, s.Start)
	if err != nil {
		return dialogue.Slot{}, false
	}
	end, err := time.Parse(time.RFC3339, s.End)
	if err != nil {
		return dialogue.Slot{}, false
	}
	return dialogue.Slot{
		ID:           s.ID,
		Start:        start,
		End:          end,
		ProviderID:   referenceID(s.Schedule.Reference),
		ProviderName: s.Schedule.Display,
	}, true
}

func parseAppointment(a FHIRAppointment) dialogue.Appointment {
	appt := dialogue.Appointment{ID: a.ID}
	if t, err := time.Parse(time.RFC3339, a.Start); err == nil {
		appt.Start = t
	}
	if t, err := time.Parse(time.RFC3339, a.End); err == nil {
		appt.End = t
	}
	for _, p := range a.Participant {
		ref := p.Actor.Reference
		switch {
		case strings.HasPrefix(ref, "Patient/"):
			appt.PatientID = referenceID(ref)
		case strings.HasPrefix(ref, "Practitioner/"):
			appt.ProviderName = p.Actor.Display
		}
	}
	return appt
}

func parsePatient(p FHIRPatient) dialogue.Patient {
	patient := dialogue.Patient{ID: p.ID}
	if len(p.Name) > 0 {
		n := p.Name[0]
		if n.Text != "" {
			patient.Name = n.Text
		} else {
			patient.Name = strings.TrimSpace(strings.Join(append(append([]string{}, n.Given...), n.Family), " "))
		}
	}
	for _, tc := range p.Telecom {
		if tc.System == "phone" && patient.Phone == "" {
			patient.Phone = tc.Value
		}
	}
	return patient
}

// referenceID extracts "123" from "Patient/123".
func referenceID(reference string) string {
	if i := strings.LastIndex(reference, "/"); i >= 0 {
		return reference[i+1:]
	}
	return reference
}
