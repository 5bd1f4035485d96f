package dialogue

import "strings"

// matchedFields are collected fields derived from a matched patient record.
var matchedFields = []string{
	FieldPatientID,
	FieldAppointmentRef,
	FieldAppointmentTime,
	FieldContactConfirm,
}

// presumeIdentity records the phone-matched patient awaiting confirmation.
func presumeIdentity(s *Session, p Patient) {
	s.Identity = &Identity{MatchedName: p.Name, MatchedID: p.ID}
	s.Set(FieldName, p.Name)
	s.Set(FieldPatientID, p.ID)
	s.Set(FieldPatientType, patientTypeReturning)
}

// confirmIdentity marks the presumed identity as confirmed by the caller.
func confirmIdentity(s *Session) {
	if s.Identity == nil {
		s.Identity = &Identity{}
	}
	s.Identity.Verified = true
	s.Identity.Scrubbed = false
}

// adoptIdentity replaces any prior identity with a record found by name search.
func adoptIdentity(s *Session, p Patient) {
	presumeIdentity(s, p)
	confirmIdentity(s)
}

// Scrub atomically removes every patient-derived field after an identity denial.
// The locked objective and the caller's time preference survive.
func Scrub(s *Session) {
	s.Identity = &Identity{Scrubbed: true}
	s.AwaitingManualName = true
	delete(s.Collected, FieldPatientType)
	enforceScrub(s)
	s.CandidateSlots = nil
	s.SelectedSlot = nil
}

// enforceScrub re-applies a scrub after writes that may have reintroduced
// identity fields. The name is kept once the caller has stated a new one.
func enforceScrub(s *Session) {
	if s.Identity == nil || !s.Identity.Scrubbed {
		return
	}
	s.Identity.MatchedName = ""
	s.Identity.MatchedID = ""
	for _, k := range matchedFields {
		delete(s.Collected, k)
	}
	if s.AwaitingManualName {
		delete(s.Collected, FieldName)
	}
}

// Scrubbed reports whether the session carries no identity-derived data.
func Scrubbed(s *Session) bool {
	if s.Identity == nil || !s.Identity.Scrubbed {
		return false
	}
	if s.Identity.MatchedName != "" || s.Identity.MatchedID != "" {
		return false
	}
	for _, k := range matchedFields {
		if s.Get(k) != "" {
			return false
		}
	}
	return !s.AwaitingManualName || s.Get(FieldName) == ""
}

// pickMatch chooses the search result to adopt: an exact name match that shares
// the caller's phone, then any exact name match. Fuzzy results are never adopted.
func pickMatch(results []Patient, name, phone string) (Patient, bool) {
	if len(results) == 0 {
		return Patient{}, false
	}
	var exact []Patient
	for _, p := range results {
		if strings.EqualFold(normalizeName(p.Name), normalizeName(name)) {
			exact = append(exact, p)
		}
	}
	for _, p := range exact {
		if phone != "" && p.Phone == phone {
			return p, true
		}
	}
	if len(exact) > 0 {
		return exact[0], true
	}
	return Patient{}, false
}

const (
	patientTypeNew       = "new"
	patientTypeReturning = "returning"
)

func normalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ReplaceAll(name, ".", "")), " ")
}
