package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-voice-booking/internal/dialogue"
	"github.com/wolfman30/clinic-voice-booking/pkg/logging"
)

var fixedNow = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

// fhirServer serves the token endpoint and delegates everything else to h.
func fhirServer(t *testing.T, tokenCalls *int32, h http.HandlerFunc) *FHIRClient {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/connect/token" {
			if tokenCalls != nil {
				atomic.AddInt32(tokenCalls, 1)
			}
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"access_token": "mock-token",
				"expires_in":   3600,
				"token_type":   "Bearer",
			})
			return
		}
		assert.Equal(t, "Bearer mock-token", r.Header.Get("Authorization"))
		h(w, r)
	}))
	t.Cleanup(srv.Close)

	client, err := New(Config{
		BaseURL:      srv.URL + "/",
		ClientID:     "test-client",
		ClientSecret: "test-secret",
		Timeout:      2 * time.Second,
		Logger:       logging.Discard(),
		Now:          func() time.Time { return fixedNow },
	})
	require.NoError(t, err)
	return client
}

func writeFHIR(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", fhirContentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func bundleOf(t *testing.T, resources ...any) map[string]any {
	t.Helper()
	entries := make([]map[string]any, 0, len(resources))
	for _, r := range resources {
		entries = append(entries, map[string]any{"resource": r})
	}
	return map[string]any{"resourceType": "Bundle", "type": "searchset", "total": len(resources), "entry": entries}
}

func TestNewValidatesConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing base URL", Config{ClientID: "id", ClientSecret: "secret"}},
		{"missing client ID", Config{BaseURL: "https://fhir.test", ClientSecret: "secret"}},
		{"missing client secret", Config{BaseURL: "https://fhir.test", ClientID: "id"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			assert.Error(t, err)
		})
	}

	client, err := New(Config{BaseURL: "https://fhir.test/", ClientID: "id", ClientSecret: "secret"})
	require.NoError(t, err)
	assert.Equal(t, "https://fhir.test", client.baseURL)
}

func TestGetAvailability(t *testing.T) {
	var tokenCalls int32
	client := fhirServer(t, &tokenCalls, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/Slot", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, []string{"ge2026-10-20T09:00:00Z", "lt2026-10-20T17:00:00Z"}, q["start"])
		assert.Equal(t, "free", q.Get("status"))
		assert.Equal(t, "new-patient", q.Get("service-type"))
		assert.Equal(t, "prov-7", q.Get("schedule"))
		writeFHIR(w, http.StatusOK, bundleOf(t,
			FHIRSlot{ResourceType: "Slot", ID: "s1", Status: "free", Start: "2026-10-20T09:00:00Z", End: "2026-10-20T09:30:00Z",
				Schedule: FHIRReference{Reference: "Schedule/prov-7", Display: "Dr. Rivera"}},
			FHIRSlot{ResourceType: "Slot", ID: "s2", Status: "busy", Start: "2026-10-20T10:00:00Z", End: "2026-10-20T10:30:00Z"},
			FHIRSlot{ResourceType: "Slot", ID: "s3", Status: "free", Start: "not-a-time", End: "2026-10-20T10:30:00Z"},
			map[string]any{"resourceType": "OperationOutcome"},
		))
	})

	slots, err := client.GetAvailability(context.Background(), dialogue.AvailabilityQuery{
		Start:             time.Date(2026, 10, 20, 9, 0, 0, 0, time.UTC),
		End:               time.Date(2026, 10, 20, 17, 0, 0, 0, time.UTC),
		AppointmentTypeID: "new-patient",
		ProviderID:        "prov-7",
	})
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.Equal(t, "s1", slots[0].ID)
	assert.Equal(t, "prov-7", slots[0].ProviderID)
	assert.Equal(t, "Dr. Rivera", slots[0].ProviderName)
	assert.Equal(t, 30*time.Minute, slots[0].End.Sub(slots[0].Start))

	// The token is cached across requests.
	_, err = client.GetAvailability(context.Background(), dialogue.AvailabilityQuery{
		Start: time.Date(2026, 10, 20, 9, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 10, 20, 17, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&tokenCalls))
}

func TestCreateAppointment(t *testing.T) {
	slot := dialogue.Slot{
		ID:           "s1",
		Start:        time.Date(2026, 10, 20, 9, 0, 0, 0, time.UTC),
		End:          time.Date(2026, 10, 20, 9, 30, 0, 0, time.UTC),
		ProviderID:   "prov-7",
		ProviderName: "Dr. Rivera",
	}
	client := fhirServer(t, nil, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/Appointment", r.URL.Path)
		assert.Equal(t, "CA1:s1", r.Header.Get("Idempotency-Key"))
		assert.Equal(t, fhirContentType, r.Header.Get("Content-Type"))

		var appt FHIRAppointment
		require.NoError(t, json.NewDecoder(r.Body).Decode(&appt))
		assert.Equal(t, "booked", appt.Status)
		assert.Equal(t, "2026-10-20T09:00:00Z", appt.Start)
		require.Len(t, appt.Participant, 2)
		assert.Equal(t, "Patient/pat-1", appt.Participant[0].Actor.Reference)
		assert.Equal(t, "Practitioner/prov-7", appt.Participant[1].Actor.Reference)
		assert.Equal(t, []FHIRReference{{Reference: "Slot/s1"}}, appt.Slot)
		require.NotNil(t, appt.AppointmentType)
		assert.Equal(t, "new-patient", appt.AppointmentType.Coding[0].Code)

		appt.ID = "appt-123"
		writeFHIR(w, http.StatusCreated, appt)
	})

	id, err := client.CreateAppointment(context.Background(), dialogue.BookingRequest{
		IdempotencyKey:    "CA1:s1",
		Slot:              slot,
		AppointmentTypeID: "new-patient",
		PatientID:         "pat-1",
		PatientName:       "Jane Doe",
		Phone:             "+15555550100",
	})
	require.NoError(t, err)
	assert.Equal(t, "appt-123", id)
}

func TestCreateAppointmentConflict(t *testing.T) {
	client := fhirServer(t, nil, func(w http.ResponseWriter, r *http.Request) {
		writeFHIR(w, http.StatusConflict, map[string]any{"resourceType": "OperationOutcome"})
	})
	_, err := client.CreateAppointment(context.Background(), dialogue.BookingRequest{Slot: dialogue.Slot{ID: "s1"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSlotUnavailable)
	assert.True(t, errors.Is(err, dialogue.ErrSlotTaken))
}

func TestCreateAppointmentServerError(t *testing.T) {
	client := fhirServer(t, nil, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	_, err := client.CreateAppointment(context.Background(), dialogue.BookingRequest{Slot: dialogue.Slot{ID: "s1"}})
	require.Error(t, err)
	assert.ErrorContains(t, err, "status 500")
	assert.False(t, errors.Is(err, dialogue.ErrSlotTaken))
}

func TestRescheduleAndCancel(t *testing.T) {
	stored := FHIRAppointment{
		ResourceType: "Appointment",
		ID:           "appt-1",
		Status:       "booked",
		Start:        "2026-10-21T09:00:00Z",
		End:          "2026-10-21T09:30:00Z",
		Participant:  []FHIRParticipant{{Actor: FHIRReference{Reference: "Patient/pat-1"}, Status: "accepted"}},
	}
	var puts []FHIRAppointment
	client := fhirServer(t, nil, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/Appointment/appt-1", r.URL.Path)
		switch r.Method {
		case http.MethodGet:
			writeFHIR(w, http.StatusOK, stored)
		case http.MethodPut:
			var appt FHIRAppointment
			body, _ := io.ReadAll(r.Body)
			require.NoError(t, json.Unmarshal(body, &appt))
			puts = append(puts, appt)
			writeFHIR(w, http.StatusOK, appt)
		default:
			t.Fatalf("unexpected method %s", r.Method)
		}
	})

	slot := dialogue.Slot{ID: "s9", Start: time.Date(2026, 10, 22, 14, 0, 0, 0, time.UTC), End: time.Date(2026, 10, 22, 14, 30, 0, 0, time.UTC)}
	require.NoError(t, client.RescheduleAppointment(context.Background(), "appt-1", slot))
	require.NoError(t, client.CancelAppointment(context.Background(), "appt-1"))

	require.Len(t, puts, 2)
	assert.Equal(t, "2026-10-22T14:00:00Z", puts[0].Start)
	assert.Equal(t, []FHIRReference{{Reference: "Slot/s9"}}, puts[0].Slot)
	assert.Equal(t, "booked", puts[0].Status)
	assert.Equal(t, "cancelled", puts[1].Status)
	assert.Equal(t, stored.Start, puts[1].Start)
}

func TestFindUpcomingAppointment(t *testing.T) {
	client := fhirServer(t, nil, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/Appointment", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "pat-1", q.Get("patient"))
		assert.Equal(t, "ge2026-10-19T12:00:00Z", q.Get("date"))
		assert.Equal(t, "booked", q.Get("status"))
		writeFHIR(w, http.StatusOK, bundleOf(t,
			FHIRAppointment{ResourceType: "Appointment", ID: "later", Status: "booked", Start: "2026-10-28T09:00:00Z", End: "2026-10-28T09:30:00Z"},
			FHIRAppointment{ResourceType: "Appointment", ID: "past", Status: "booked", Start: "2026-10-01T09:00:00Z", End: "2026-10-01T09:30:00Z"},
			FHIRAppointment{ResourceType: "Appointment", ID: "soon", Status: "booked", Start: "2026-10-21T09:00:00Z", End: "2026-10-21T09:30:00Z",
				Participant: []FHIRParticipant{
					{Actor: FHIRReference{Reference: "Patient/pat-1"}},
					{Actor: FHIRReference{Reference: "Practitioner/prov-7", Display: "Dr. Rivera"}},
				}},
		))
	})

	appt, err := client.FindUpcomingAppointment(context.Background(), "pat-1")
	require.NoError(t, err)
	require.NotNil(t, appt)
	assert.Equal(t, "soon", appt.ID)
	assert.Equal(t, "pat-1", appt.PatientID)
	assert.Equal(t, "Dr. Rivera", appt.ProviderName)
}

func TestFindUpcomingAppointmentNone(t *testing.T) {
	client := fhirServer(t, nil, func(w http.ResponseWriter, r *http.Request) {
		writeFHIR(w, http.StatusOK, bundleOf(t))
	})
	appt, err := client.FindUpcomingAppointment(context.Background(), "pat-1")
	require.NoError(t, err)
	assert.Nil(t, appt)
}

func TestPatientLookups(t *testing.T) {
	client := fhirServer(t, nil, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/Patient", r.URL.Path)
		q := r.URL.Query()
		switch {
		case q.Get("telecom") == "+15555550100":
			writeFHIR(w, http.StatusOK, bundleOf(t, FHIRPatient{
				ResourceType: "Patient",
				ID:           "pat-1",
				Name:         []FHIRHumanName{{Given: []string{"Jane"}, Family: "Doe"}},
				Telecom:      []FHIRContactPoint{{System: "email", Value: "jane@example.com"}, {System: "phone", Value: "+15555550100"}},
			}))
		case q.Get("name") == "John Roe":
			writeFHIR(w, http.StatusOK, bundleOf(t,
				FHIRPatient{ResourceType: "Patient", ID: "pat-2", Name: []FHIRHumanName{{Text: "John Roe"}}},
				FHIRPatient{ResourceType: "Patient", ID: "pat-3", Name: []FHIRHumanName{{Given: []string{"John"}, Family: "Roe"}}},
			))
		default:
			writeFHIR(w, http.StatusOK, bundleOf(t))
		}
	})
	ctx := context.Background()

	p, err := client.FindByPhone(ctx, "+15555550100")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, dialogue.Patient{ID: "pat-1", Name: "Jane Doe", Phone: "+15555550100"}, *p)

	p, err = client.FindByPhone(ctx, "+15555550199")
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = client.FindByPhone(ctx, "  ")
	require.NoError(t, err)
	assert.Nil(t, p)

	matches, err := client.SearchByName(ctx, "John Roe", "")
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "John Roe", matches[0].Name)
	assert.Equal(t, "John Roe", matches[1].Name)
}

func TestTokenFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid_client", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)
	client, err := New(Config{BaseURL: srv.URL, ClientID: "id", ClientSecret: "bad", Logger: logging.Discard()})
	require.NoError(t, err)

	_, err = client.FindByPhone(context.Background(), "+15555550100")
	require.Error(t, err)
	assert.ErrorContains(t, err, "authentication failed")
}

func TestReferenceID(t *testing.T) {
	assert.Equal(t, "123", referenceID("Patient/123"))
	assert.Equal(t, "abc", referenceID("abc"))
	assert.Equal(t, "", referenceID(""))
}
