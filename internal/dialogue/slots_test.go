package dialogue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTypes = AppointmentTypes{New: "new-patient", Returning: "follow-up"}

func TestCandidatesChronologicalAndCapped(t *testing.T) {
	early := Slot{ID: "slot-tue-0830", Start: time.Date(2026, 10, 20, 8, 30, 0, 0, time.UTC), End: time.Date(2026, 10, 20, 9, 0, 0, 0, time.UTC)}
	sched := newFakeScheduler(slotWedMorning, slotTueAfternoon, early, slotTueMorning)
	c := slotCoordinator{scheduler: sched, types: testTypes}

	w := ResolveWindow(TimePreference{Part: PartAny}, testNow, time.UTC)
	got, err := c.candidates(context.Background(), w, "follow-up", time.Time{})
	require.NoError(t, err)
	require.Len(t, got, maxOfferedSlots)
	assert.Equal(t, "slot-tue-0830", got[0].ID)
	assert.Equal(t, slotTueMorning.ID, got[1].ID)
	assert.Equal(t, "follow-up", sched.queries[0].AppointmentTypeID)
}

func TestCandidatesFilterPartOfDayAndExclusion(t *testing.T) {
	sched := newFakeScheduler(slotTueMorning, slotTueAfternoon, slotWedMorning)
	c := slotCoordinator{scheduler: sched, types: testTypes}

	w := ResolveWindow(TimePreference{Part: PartMorning}, testNow, time.UTC)
	got, err := c.candidates(context.Background(), w, "new-patient", slotTueMorning.Start)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, slotWedMorning.ID, got[0].ID)
}

func TestCandidatesSkipsDuplicates(t *testing.T) {
	sched := newFakeScheduler(slotTueMorning, slotTueMorning)
	c := slotCoordinator{scheduler: sched, types: testTypes}

	w := ResolveWindow(TimePreference{Part: PartAny}, testNow, time.UTC)
	got, err := c.candidates(context.Background(), w, "new-patient", time.Time{})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestCandidatesError(t *testing.T) {
	sched := newFakeScheduler()
	sched.availErr = errBoom
	c := slotCoordinator{scheduler: sched, types: testTypes}

	_, err := c.candidates(context.Background(), Window{Start: testNow, End: testNow.Add(time.Hour), Part: PartAny}, "new-patient", time.Time{})
	assert.ErrorIs(t, err, errBoom)
}

func TestCommitRevalidatesThenBooks(t *testing.T) {
	sched := newFakeScheduler(slotTueMorning)
	c := slotCoordinator{scheduler: sched, types: testTypes}
	s := NewSession("CA9", testCaller, testClinic, testNow)
	s.LockedObjective = ObjectiveBook
	s.Set(FieldName, "Jane Doe")
	s.Set(FieldReason, "book a cleaning")

	res, id, err := c.commit(context.Background(), s, slotTueMorning)
	require.NoError(t, err)
	assert.Equal(t, commitOK, res)
	assert.NotEmpty(t, id)

	require.Len(t, sched.created, 1)
	req := sched.created[0]
	assert.Equal(t, "CA9:"+slotTueMorning.ID, req.IdempotencyKey)
	assert.Equal(t, "new-patient", req.AppointmentTypeID)
	assert.Equal(t, "Jane Doe", req.PatientName)
	assert.Equal(t, "book a cleaning", req.Notes)
	assert.Equal(t, []string{
		"availability:" + slotTueMorning.Start.Format(time.RFC3339),
		"create:" + slotTueMorning.ID,
	}, sched.callLog())
	assert.Equal(t, slotTueMorning.ProviderID, sched.queries[0].ProviderID)
}

func TestCommitStale(t *testing.T) {
	sched := newFakeScheduler(slotTueMorning)
	sched.take(slotTueMorning.ID)
	c := slotCoordinator{scheduler: sched, types: testTypes}
	s := NewSession("CA9", testCaller, testClinic, testNow)
	s.LockedObjective = ObjectiveBook

	res, _, err := c.commit(context.Background(), s, slotTueMorning)
	require.NoError(t, err)
	assert.Equal(t, commitStale, res)
	assert.Zero(t, sched.createCalls)
}

func TestCommitFailures(t *testing.T) {
	t.Run("create error", func(t *testing.T) {
		sched := newFakeScheduler(slotTueMorning)
		sched.createErr = errBoom
		c := slotCoordinator{scheduler: sched, types: testTypes}
		s := NewSession("CA9", testCaller, testClinic, testNow)
		s.LockedObjective = ObjectiveBook

		res, _, err := c.commit(context.Background(), s, slotTueMorning)
		assert.Equal(t, commitFailed, res)
		assert.ErrorIs(t, err, errBoom)
	})

	t.Run("revalidation error", func(t *testing.T) {
		sched := newFakeScheduler(slotTueMorning)
		sched.availErr = errBoom
		c := slotCoordinator{scheduler: sched, types: testTypes}
		s := NewSession("CA9", testCaller, testClinic, testNow)
		s.LockedObjective = ObjectiveBook

		res, _, err := c.commit(context.Background(), s, slotTueMorning)
		assert.Equal(t, commitFailed, res)
		assert.ErrorIs(t, err, errBoom)
		assert.Zero(t, sched.createCalls)
	})

	t.Run("reschedule without reference", func(t *testing.T) {
		sched := newFakeScheduler(slotTueMorning)
		c := slotCoordinator{scheduler: sched, types: testTypes}
		s := NewSession("CA9", testCaller, testClinic, testNow)
		s.LockedObjective = ObjectiveReschedule

		res, _, err := c.commit(context.Background(), s, slotTueMorning)
		assert.Equal(t, commitFailed, res)
		assert.Error(t, err)
	})
}

func TestCommitReschedule(t *testing.T) {
	sched := newFakeScheduler(slotWedMorning)
	c := slotCoordinator{scheduler: sched, types: testTypes}
	s := NewSession("CA9", testCaller, testClinic, testNow)
	s.LockedObjective = ObjectiveReschedule
	s.Set(FieldAppointmentRef, "appt-old")
	s.Set(FieldPatientType, patientTypeReturning)

	res, id, err := c.commit(context.Background(), s, slotWedMorning)
	require.NoError(t, err)
	assert.Equal(t, commitOK, res)
	assert.Equal(t, "appt-old", id)
	assert.Equal(t, slotWedMorning, sched.rescheduled["appt-old"])
	assert.Equal(t, "follow-up", sched.queries[0].AppointmentTypeID)
}

func TestAppointmentTypesForPatient(t *testing.T) {
	assert.Equal(t, "follow-up", testTypes.forPatient(patientTypeReturning))
	assert.Equal(t, "new-patient", testTypes.forPatient(patientTypeNew))
	assert.Equal(t, "new-patient", testTypes.forPatient(""))
	assert.Equal(t, "new-patient", AppointmentTypes{New: "new-patient"}.forPatient(patientTypeReturning))
}

func TestCommitTreatsSchedulerConflictAsStale(t *testing.T) {
	sched := newFakeScheduler(slotTueMorning)
	sched.createErr = fmt.Errorf("fhir: 409: %w", ErrSlotTaken)
	c := slotCoordinator{scheduler: sched, types: testTypes}
	s := NewSession("CA9", testCaller, testClinic, testNow)
	s.LockedObjective = ObjectiveBook

	res, _, err := c.commit(context.Background(), s, slotTueMorning)
	require.NoError(t, err)
	assert.Equal(t, commitStale, res)
}
