package scheduling

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-voice-booking/internal/dialogue"
)

// Sunday 2026-10-18, noon.
var memNow = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

func newTestMemory(t *testing.T) *MemoryScheduler {
	t.Helper()
	return NewMemoryScheduler(MemoryConfig{
		Days:      7,
		Providers: []Provider{{ID: "prov-1", Name: "Dr. Rivera"}},
		Patients:  []dialogue.Patient{{ID: "pat-1", Name: "Jane Doe", Phone: "+1 (555) 555-0100"}},
		Now:       func() time.Time { return memNow },
	})
}

func mondayWindow() dialogue.AvailabilityQuery {
	return dialogue.AvailabilityQuery{
		Start: time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 10, 20, 0, 0, 0, 0, time.UTC),
	}
}

func TestMemoryZeroConfig(t *testing.T) {
	m := NewMemoryScheduler(MemoryConfig{})
	assert.NotEmpty(t, m.slots)
	for _, s := range m.slots {
		assert.NotEqual(t, time.Saturday, s.Start.Weekday())
		assert.NotEqual(t, time.Sunday, s.Start.Weekday())
	}
}

func TestMemoryAvailabilitySkipsWeekendsAndBooked(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	sunday, err := m.GetAvailability(ctx, dialogue.AvailabilityQuery{Start: memNow, End: memNow.Add(12 * time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, sunday)

	monday, err := m.GetAvailability(ctx, mondayWindow())
	require.NoError(t, err)
	require.Len(t, monday, 16)
	assert.Equal(t, 9, monday[0].Start.Hour())
	assert.Equal(t, 16, monday[len(monday)-1].Start.Hour())
	assert.Equal(t, 30, monday[len(monday)-1].Start.Minute())

	_, err = m.CreateAppointment(ctx, dialogue.BookingRequest{Slot: monday[0], PatientID: "pat-1"})
	require.NoError(t, err)
	after, err := m.GetAvailability(ctx, mondayWindow())
	require.NoError(t, err)
	assert.Len(t, after, 15)
	assert.NotEqual(t, monday[0].ID, after[0].ID)
}

func TestMemoryCreateIsIdempotent(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()
	slots, err := m.GetAvailability(ctx, mondayWindow())
	require.NoError(t, err)

	req := dialogue.BookingRequest{IdempotencyKey: "CA1:" + slots[0].ID, Slot: slots[0], PatientName: "Sam Lee", Phone: "+15555550142"}
	first, err := m.CreateAppointment(ctx, req)
	require.NoError(t, err)
	second, err := m.CreateAppointment(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	_, err = m.CreateAppointment(ctx, dialogue.BookingRequest{IdempotencyKey: "CA2:" + slots[0].ID, Slot: slots[0]})
	assert.ErrorIs(t, err, ErrSlotUnavailable)
	assert.ErrorIs(t, err, dialogue.ErrSlotTaken)

	p, err := m.FindByPhone(ctx, "555-555-0142")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "Sam Lee", p.Name)
}

func TestMemoryUnknownSlot(t *testing.T) {
	m := newTestMemory(t)
	_, err := m.CreateAppointment(context.Background(), dialogue.BookingRequest{Slot: dialogue.Slot{ID: "nope"}})
	assert.Error(t, err)
}

func TestMemoryRescheduleAndCancel(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()
	slots, err := m.GetAvailability(ctx, mondayWindow())
	require.NoError(t, err)

	id, err := m.Book("pat-1", slots[0].Start)
	require.NoError(t, err)

	upcoming, err := m.FindUpcomingAppointment(ctx, "pat-1")
	require.NoError(t, err)
	require.NotNil(t, upcoming)
	assert.Equal(t, id, upcoming.ID)

	require.NoError(t, m.RescheduleAppointment(ctx, id, slots[3]))
	appt, status, ok := m.Appointment(id)
	require.True(t, ok)
	assert.Equal(t, "booked", status)
	assert.True(t, appt.Start.Equal(slots[3].Start))

	free, err := m.GetAvailability(ctx, mondayWindow())
	require.NoError(t, err)
	assert.Equal(t, slots[0].ID, free[0].ID)

	require.NoError(t, m.CancelAppointment(ctx, id))
	require.NoError(t, m.CancelAppointment(ctx, id))
	_, status, _ = m.Appointment(id)
	assert.Equal(t, "cancelled", status)

	upcoming, err = m.FindUpcomingAppointment(ctx, "pat-1")
	require.NoError(t, err)
	assert.Nil(t, upcoming)

	assert.Error(t, m.RescheduleAppointment(ctx, id, slots[5]))
	assert.Error(t, m.CancelAppointment(ctx, "missing"))
}

func TestMemoryRescheduleOntoTakenSlot(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()
	slots, err := m.GetAvailability(ctx, mondayWindow())
	require.NoError(t, err)

	a, err := m.Book("pat-1", slots[0].Start)
	require.NoError(t, err)
	_, err = m.Book("pat-2", slots[1].Start)
	require.NoError(t, err)

	assert.ErrorIs(t, m.RescheduleAppointment(ctx, a, slots[1]), ErrSlotUnavailable)
	assert.NoError(t, m.RescheduleAppointment(ctx, a, slots[0]))
}

func TestMemoryDirectory(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	p, err := m.FindByPhone(ctx, "+15555550100")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "pat-1", p.ID)

	p, err = m.FindByPhone(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, p)

	found, err := m.SearchByName(ctx, "  jane   DOE ", "")
	require.NoError(t, err)
	require.Len(t, found, 1)

	found, err = m.SearchByName(ctx, "Jane Doe", "+15555550199")
	require.NoError(t, err)
	assert.Empty(t, found)
}
