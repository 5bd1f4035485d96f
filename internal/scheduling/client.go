package scheduling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/clinic-voice-booking/internal/dialogue"
	"github.com/wolfman30/clinic-voice-booking/pkg/logging"
)

var fhirTracer = otel.Tracer("clinic.internal.scheduling.fhir")

// ErrSlotUnavailable is returned when the scheduling system refuses a booking
// because the slot was claimed first.
var ErrSlotUnavailable = fmt.Errorf("scheduling: slot unavailable: %w", dialogue.ErrSlotTaken)

const fhirContentType = "application/fhir+json"

// Config holds configuration for the FHIR client.
type Config struct {
	BaseURL      string // e.g. "https://fhir.example-ehr.com"
	ClientID     string // OAuth 2.0 client ID
	ClientSecret string // OAuth 2.0 client secret
	Timeout      time.Duration
	Logger       *logging.Logger
	Now          func() time.Time
}

// FHIRClient talks to the clinic's scheduling system over FHIR. It implements
// dialogue.Scheduler and dialogue.PatientDirectory.
type FHIRClient struct {
	baseURL      string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	logger       *logging.Logger
	now          func() time.Time

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

var (
	_ dialogue.Scheduler        = (*FHIRClient)(nil)
	_ dialogue.PatientDirectory = (*FHIRClient)(nil)
)

// New creates a FHIR scheduling client.
func New(cfg Config) (*FHIRClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("scheduling: BaseURL is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("scheduling: ClientID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("scheduling: ClientSecret is required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &FHIRClient{
		baseURL:      strings.TrimSuffix(cfg.BaseURL, "/"),
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		httpClient:   &http.Client{Timeout: timeout},
		logger:       cfg.Logger,
		now:          cfg.Now,
	}, nil
}

// GetAvailability lists free slots.
// FHIR: GET /Slot?start=ge{start}&start=lt{end}&status=free
func (c *FHIRClient) GetAvailability(ctx context.Context, q dialogue.AvailabilityQuery) ([]dialogue.Slot, error) {
	ctx, span := fhirTracer.Start(ctx, "scheduling.fhir.get_availability", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	params := url.Values{}
	params.Add("start", "ge"+q.Start.Format(time.RFC3339))
	params.Add("start", "lt"+q.End.Format(time.RFC3339))
	params.Set("status", "free")
	if q.AppointmentTypeID != "" {
		params.Set("service-type", q.AppointmentTypeID)
	}
	if q.ProviderID != "" {
		params.Set("schedule", q.ProviderID)
	}

	var bundle FHIRBundle
	if err := c.do(ctx, http.MethodGet, "/Slot?"+params.Encode(), nil, nil, &bundle); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("scheduling: get availability: %w", err)
	}
	slots := make([]dialogue.Slot, 0, len(bundle.Entry))
	for _, fs := range decodeEntries[FHIRSlot](bundle, "Slot") {
		if fs.Status != "" && fs.Status != "free" {
			continue
		}
		if slot, ok := parseSlot(fs); ok {
			slots = append(slots, slot)
		}
	}
	span.SetAttributes(attribute.Int("clinic.slots", len(slots)))
	return slots, nil
}

// CreateAppointment books the slot. The idempotency key makes a retried commit
// return the original appointment instead of double-booking.
// FHIR: POST /Appointment
func (c *FHIRClient) CreateAppointment(ctx context.Context, req dialogue.BookingRequest) (string, error) {
	ctx, span := fhirTracer.Start(ctx, "scheduling.fhir.create_appointment", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("clinic.slot_id", req.Slot.ID))

	patient := FHIRParticipant{Status: "accepted"}
	if req.PatientID != "" {
		patient.Actor = FHIRReference{Reference: "Patient/" + req.PatientID, Display: req.PatientName}
	} else {
		patient.Actor = FHIRReference{Display: req.PatientName}
	}
	appt := FHIRAppointment{
		ResourceType: "Appointment",
		Status:       "booked",
		Description:  req.Notes,
		Start:        req.Slot.Start.Format(time.RFC3339),
		End:          req.Slot.End.Format(time.RFC3339),
		Participant:  []FHIRParticipant{patient},
		Slot:         []FHIRReference{{Reference: "Slot/" + req.Slot.ID}},
		Comment:      "Booked by phone " + req.Phone,
	}
	if req.Slot.ProviderID != "" {
		appt.Participant = append(appt.Participant, FHIRParticipant{
			Actor:  FHIRReference{Reference: "Practitioner/" + req.Slot.ProviderID, Display: req.Slot.ProviderName},
			Status: "accepted",
		})
	}
	if req.AppointmentTypeID != "" {
		appt.AppointmentType = &FHIRCodeableConcept{Coding: []FHIRCoding{{Code: req.AppointmentTypeID}}}
	}

	headers := map[string]string{}
	if req.IdempotencyKey != "" {
		headers["Idempotency-Key"] = req.IdempotencyKey
	}
	var created FHIRAppointment
	if err := c.do(ctx, http.MethodPost, "/Appointment", appt, headers, &created); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("scheduling: create appointment: %w", err)
	}
	if created.ID == "" {
		return "", errors.New("scheduling: create appointment: response missing id")
	}
	return created.ID, nil
}

// RescheduleAppointment moves an existing appointment onto slot.
// FHIR: PUT /Appointment/{id}
func (c *FHIRClient) RescheduleAppointment(ctx context.Context, appointmentID string, slot dialogue.Slot) error {
	ctx, span := fhirTracer.Start(ctx, "scheduling.fhir.reschedule_appointment", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	existing, err := c.getAppointment(ctx, appointmentID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("scheduling: reschedule appointment: %w", err)
	}
	existing.Start = slot.Start.Format(time.RFC3339)
	existing.End = slot.End.Format(time.RFC3339)
	existing.Slot = []FHIRReference{{Reference: "Slot/" + slot.ID}}
	existing.Status = "booked"
	if err := c.do(ctx, http.MethodPut, "/Appointment/"+url.PathEscape(appointmentID), existing, nil, nil); err != nil {
		span.RecordError(err)
		return fmt.Errorf("scheduling: reschedule appointment: %w", err)
	}
	return nil
}

// CancelAppointment marks the appointment cancelled.
// FHIR: PUT /Appointment/{id} with status=cancelled
func (c *FHIRClient) CancelAppointment(ctx context.Context, appointmentID string) error {
	ctx, span := fhirTracer.Start(ctx, "scheduling.fhir.cancel_appointment", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	existing, err := c.getAppointment(ctx, appointmentID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("scheduling: cancel appointment: %w", err)
	}
	existing.Status = "cancelled"
	if err := c.do(ctx, http.MethodPut, "/Appointment/"+url.PathEscape(appointmentID), existing, nil, nil); err != nil {
		span.RecordError(err)
		return fmt.Errorf("scheduling: cancel appointment: %w", err)
	}
	return nil
}

// FindUpcomingAppointment returns the patient's next booked appointment, or nil.
// FHIR: GET /Appointment?patient={id}&date=ge{now}&status=booked&_sort=date
func (c *FHIRClient) FindUpcomingAppointment(ctx context.Context, patientID string) (*dialogue.Appointment, error) {
	ctx, span := fhirTracer.Start(ctx, "scheduling.fhir.find_upcoming", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	params := url.Values{}
	params.Set("patient", patientID)
	params.Set("date", "ge"+c.now().UTC().Format(time.RFC3339))
	params.Set("status", "booked")
	params.Set("_sort", "date")

	var bundle FHIRBundle
	if err := c.do(ctx, http.MethodGet, "/Appointment?"+params.Encode(), nil, nil, &bundle); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("scheduling: find upcoming appointment: %w", err)
	}
	var next *dialogue.Appointment
	for _, fa := range decodeEntries[FHIRAppointment](bundle, "Appointment") {
		appt := parseAppointment(fa)
		if appt.Start.IsZero() || appt.Start.Before(c.now()) {
			continue
		}
		if next == nil || appt.Start.Before(next.Start) {
			a := appt
			next = &a
		}
	}
	return next, nil
}

// FindByPhone returns the patient registered to phone, or nil.
// FHIR: GET /Patient?telecom={phone}
func (c *FHIRClient) FindByPhone(ctx context.Context, phone string) (*dialogue.Patient, error) {
	if strings.TrimSpace(phone) == "" {
		return nil, nil
	}
	patients, err := c.searchPatients(ctx, url.Values{"telecom": {phone}})
	if err != nil {
		return nil, fmt.Errorf("scheduling: find by phone: %w", err)
	}
	if len(patients) == 0 {
		return nil, nil
	}
	return &patients[0], nil
}

// SearchByName returns patients matching name. phone narrows the search when the
// scheduling system supports combined parameters; results are not filtered by it.
// FHIR: GET /Patient?name={name}
func (c *FHIRClient) SearchByName(ctx context.Context, name, _ string) ([]dialogue.Patient, error) {
	if strings.TrimSpace(name) == "" {
		return nil, nil
	}
	patients, err := c.searchPatients(ctx, url.Values{"name": {name}})
	if err != nil {
		return nil, fmt.Errorf("scheduling: search by name: %w", err)
	}
	return patients, nil
}

func (c *FHIRClient) searchPatients(ctx context.Context, params url.Values) ([]dialogue.Patient, error) {
	ctx, span := fhirTracer.Start(ctx, "scheduling.fhir.search_patients", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	var bundle FHIRBundle
	if err := c.do(ctx, http.MethodGet, "/Patient?"+params.Encode(), nil, nil, &bundle); err != nil {
		span.RecordError(err)
		return nil, err
	}
	fps := decodeEntries[FHIRPatient](bundle, "Patient")
	patients := make([]dialogue.Patient, 0, len(fps))
	for _, fp := range fps {
		patients = append(patients, parsePatient(fp))
	}
	return patients, nil
}

func (c *FHIRClient) getAppointment(ctx context.Context, appointmentID string) (*FHIRAppointment, error) {
	var appt FHIRAppointment
	if err := c.do(ctx, http.MethodGet, "/Appointment/"+url.PathEscape(appointmentID), nil, nil, &appt); err != nil {
		return nil, err
	}
	return &appt, nil
}

// do sends an authenticated FHIR request and decodes the response into out.
func (c *FHIRClient) do(ctx context.Context, method, path string, body any, headers map[string]string, out any) error {
	token, err := c.token(ctx)
	if err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", fhirContentType)
	if body != nil {
		req.Header.Set("Content-Type", fhirContentType)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		return ErrSlotUnavailable
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.Warn("fhir request failed", "method", method, "path", strings.SplitN(path, "?", 2)[0], "status", resp.StatusCode)
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// token returns a valid access token, refreshing it with the client credentials
// grant when it is missing or within five minutes of expiry.
func (c *FHIRClient) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accessToken != "" && c.now().Add(5*time.Minute).Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)
	form.Set("scope", "patient/*.read appointment/*.read appointment/*.write slot/*.read")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/connect/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("auth request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("auth failed (status %d): %s", resp.StatusCode, string(data))
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		TokenType   string `json:"token_type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("decode auth response: %w", err)
	}
	c.accessToken = tokenResp.AccessToken
	c.tokenExpiry = c.now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	return c.accessToken, nil
}
