package registry

import (
	"context"
	"testing"
	"time"

	"github.com/medrex/dlt-telehealth/internal/ledger/occ"
	"github.com/medrex/dlt-telehealth/pkg/ledger"
	"github.com/medrex/dlt-telehealth/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	verifier = types.Identity("platform-verifier")
	doctor   = types.Identity("dr-house")
	patient  = types.Identity("patient-1")
)

var now = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, ledger.Store) {
	t.Helper()
	store := occ.NewMemory()
	t.Cleanup(func() { _ = store.Close() })
	return New(store, Config{Verifier: verifier}, WithClock(types.FixedClock(now))), store
}

func doctorRegistration() DoctorRegistration {
	return DoctorRegistration{
		Specialty:       "cardiology",
		License:         types.LicenseRef{Hash: types.HashContent([]byte("license")), Pointer: "ipfs://license"},
		ConsultationFee: 500,
	}
}

func TestService_RegisterDoctor(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	profile, err := svc.RegisterDoctor(ctx, doctor, doctorRegistration())
	require.NoError(t, err)
	assert.Equal(t, doctor, profile.ID)
	assert.False(t, profile.Verified)
	assert.Equal(t, now, profile.RegisteredAt)

	_, err = svc.RegisterDoctor(ctx, doctor, doctorRegistration())
	assert.ErrorIs(t, err, types.ErrPolicyViolation)
	assert.Equal(t, types.ErrCodeDoctorExists, types.CodeOf(err))
}

func TestService_RegisterDoctor_Rejections(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.RegisterDoctor(ctx, "", doctorRegistration())
	assert.ErrorIs(t, err, types.ErrUnauthorized)
	assert.Equal(t, types.ErrCodeUnauthenticated, types.CodeOf(err))

	reg := doctorRegistration()
	reg.ConsultationFee = 0
	_, err = svc.RegisterDoctor(ctx, doctor, reg)
	assert.Equal(t, types.ErrCodeZeroFee, types.CodeOf(err))

	reg = doctorRegistration()
	reg.Specialty = ""
	_, err = svc.RegisterDoctor(ctx, doctor, reg)
	assert.Equal(t, types.ErrCodeInvalidInput, types.CodeOf(err))
}

func TestService_VerifyDoctor(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	err := svc.VerifyDoctor(ctx, verifier, doctor)
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = svc.RegisterDoctor(ctx, doctor, doctorRegistration())
	require.NoError(t, err)

	err = svc.VerifyDoctor(ctx, patient, doctor)
	assert.ErrorIs(t, err, types.ErrUnauthorized)
	assert.Equal(t, types.ErrCodeNotVerifier, types.CodeOf(err))

	require.NoError(t, svc.VerifyDoctor(ctx, verifier, doctor))
	require.NoError(t, svc.VerifyDoctor(ctx, verifier, doctor))

	profile, err := svc.GetDoctor(ctx, doctor)
	require.NoError(t, err)
	assert.True(t, profile.Verified)
}

func TestService_UpdateDoctorFee(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.RegisterDoctor(ctx, doctor, doctorRegistration())
	require.NoError(t, err)

	require.NoError(t, svc.UpdateDoctorFee(ctx, doctor, 750))
	profile, err := svc.GetDoctor(ctx, doctor)
	require.NoError(t, err)
	assert.Equal(t, uint64(750), profile.ConsultationFee)

	err = svc.UpdateDoctorFee(ctx, doctor, 0)
	assert.Equal(t, types.ErrCodeZeroFee, types.CodeOf(err))

	err = svc.UpdateDoctorFee(ctx, patient, 100)
	assert.Equal(t, types.ErrCodeDoctorNotFound, types.CodeOf(err))
}

func TestService_RegisterPatient(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	reg := PatientRegistration{NameHash: types.HashContent([]byte("Jane Roe")), RecordsPointer: "ipfs://records"}
	profile, err := svc.RegisterPatient(ctx, patient, reg)
	require.NoError(t, err)
	assert.Equal(t, "ipfs://records", profile.RecordsPointer)

	_, err = svc.RegisterPatient(ctx, patient, reg)
	assert.Equal(t, types.ErrCodePatientExists, types.CodeOf(err))

	_, err = svc.RegisterPatient(ctx, "patient-2", PatientRegistration{})
	assert.Equal(t, types.ErrCodeInvalidInput, types.CodeOf(err))

	require.NoError(t, svc.UpdateRecordsPointer(ctx, patient, "ipfs://moved"))
	profile, err = svc.GetPatient(ctx, patient)
	require.NoError(t, err)
	assert.Equal(t, "ipfs://moved", profile.RecordsPointer)
	assert.Equal(t, reg.NameHash, profile.NameHash)
}

func TestService_Totals(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	totals, err := svc.Totals(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.Totals{}, totals)

	_, err = svc.RegisterDoctor(ctx, doctor, doctorRegistration())
	require.NoError(t, err)
	_, err = svc.RegisterDoctor(ctx, "dr-wilson", doctorRegistration())
	require.NoError(t, err)
	_, err = svc.RegisterPatient(ctx, patient, PatientRegistration{NameHash: types.HashContent([]byte("p"))})
	require.NoError(t, err)

	totals, err = svc.Totals(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.Totals{Doctors: 2, Patients: 1}, totals)
}

func TestService_SetAvailability(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	_, err := svc.RegisterDoctor(ctx, doctor, doctorRegistration())
	require.NoError(t, err)

	slot := func(h int) types.TimeSlot {
		start := now.Add(time.Duration(h) * time.Hour)
		return types.TimeSlot{Start: start, End: start.Add(30 * time.Minute)}
	}

	t.Run("too many slots", func(t *testing.T) {
		slots := make([]types.TimeSlot, types.MaxAvailabilitySlots+1)
		for i := range slots {
			slots[i] = slot(i + 1)
		}
		_, err := svc.SetAvailability(ctx, doctor, slots)
		assert.Equal(t, types.ErrCodeTooManySlots, types.CodeOf(err))
	})

	t.Run("end before start", func(t *testing.T) {
		bad := slot(1)
		bad.End = bad.Start
		_, err := svc.SetAvailability(ctx, doctor, []types.TimeSlot{bad})
		assert.Equal(t, types.ErrCodeInvalidTimeSlot, types.CodeOf(err))
	})

	t.Run("overlap", func(t *testing.T) {
		a := slot(1)
		b := types.TimeSlot{Start: a.Start.Add(10 * time.Minute), End: a.End.Add(time.Hour)}
		_, err := svc.SetAvailability(ctx, doctor, []types.TimeSlot{b, a})
		assert.Equal(t, types.ErrCodeInvalidTimeSlot, types.CodeOf(err))
	})

	t.Run("not a doctor", func(t *testing.T) {
		_, err := svc.SetAvailability(ctx, patient, []types.TimeSlot{slot(1)})
		assert.ErrorIs(t, err, types.ErrNotFound)
	})

	t.Run("booked flag survives republish", func(t *testing.T) {
		_, err := svc.SetAvailability(ctx, doctor, []types.TimeSlot{slot(2), slot(1)})
		require.NoError(t, err)

		require.NoError(t, store.Update(ctx, func(w ledger.Writer) error {
			return ReserveSlot(w, doctor, slot(1).Start)
		}))

		free, err := svc.GetAvailableSlots(ctx, doctor)
		require.NoError(t, err)
		require.Len(t, free, 1)
		assert.True(t, free[0].Start.Equal(slot(2).Start))

		_, err = svc.SetAvailability(ctx, doctor, []types.TimeSlot{slot(1), slot(3)})
		require.NoError(t, err)
		free, err = svc.GetAvailableSlots(ctx, doctor)
		require.NoError(t, err)
		require.Len(t, free, 1)
		assert.True(t, free[0].Start.Equal(slot(3).Start))

		err = store.Update(ctx, func(w ledger.Writer) error {
			return ReserveSlot(w, doctor, slot(1).Start)
		})
		assert.Equal(t, types.ErrCodeSlotTaken, types.CodeOf(err))

		require.NoError(t, store.Update(ctx, func(w ledger.Writer) error {
			return FreeSlot(w, doctor, slot(1).Start)
		}))
		free, err = svc.GetAvailableSlots(ctx, doctor)
		require.NoError(t, err)
		assert.Len(t, free, 2)
	})
}

func TestRecordOutcome_Counters(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	_, err := svc.RegisterDoctor(ctx, doctor, doctorRegistration())
	require.NoError(t, err)

	outcomes := []types.ConsultationStatus{
		types.StatusReleased, types.StatusReleased, types.StatusReleased,
		types.StatusCancelled, types.StatusNoShow, types.StatusRefunded,
	}
	for _, status := range outcomes {
		status := status
		require.NoError(t, store.Update(ctx, func(w ledger.Writer) error {
			return RecordOutcome(w, doctor, status)
		}))
	}

	err = store.Update(ctx, func(w ledger.Writer) error {
		return RecordOutcome(w, doctor, types.StatusPending)
	})
	assert.ErrorIs(t, err, types.ErrInvalidState)

	stats, err := svc.GetDoctorStats(ctx, doctor)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), stats.TotalConsultations)
	assert.Equal(t, uint64(3), stats.CompletedConsultations)
	assert.Equal(t, uint64(1), stats.CancelledConsultations)
	assert.Equal(t, uint64(1), stats.NoShowCount)
	assert.Equal(t, uint8(50), stats.CompletionRate)
}

func TestApplyRating(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	_, err := svc.RegisterDoctor(ctx, doctor, doctorRegistration())
	require.NoError(t, err)

	for _, score := range []uint8{5, 4} {
		score := score
		require.NoError(t, store.Update(ctx, func(w ledger.Writer) error {
			return ApplyRating(w, doctor, score)
		}))
	}
	for _, score := range []uint8{0, 6} {
		score := score
		err := store.Update(ctx, func(w ledger.Writer) error {
			return ApplyRating(w, doctor, score)
		})
		assert.Equal(t, types.ErrCodeInvalidRating, types.CodeOf(err))
	}

	stats, err := svc.GetDoctorStats(ctx, doctor)
	require.NoError(t, err)
	num, den := stats.Rating.Value()
	assert.Equal(t, uint64(9), num)
	assert.Equal(t, uint64(2), den)
}

func TestStats_NoConsultations(t *testing.T) {
	stats := Stats(&types.DoctorProfile{ID: doctor})
	assert.Equal(t, uint8(0), stats.CompletionRate)
	num, den := stats.Rating.Value()
	assert.Equal(t, uint64(0), num)
	assert.Equal(t, uint64(1), den)
}
