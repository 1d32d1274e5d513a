package escrow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/medrex/dlt-telehealth/internal/fee"
	"github.com/medrex/dlt-telehealth/internal/ledger/occ"
	"github.com/medrex/dlt-telehealth/internal/registry"
	"github.com/medrex/dlt-telehealth/pkg/ledger"
	"github.com/medrex/dlt-telehealth/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	verifier = types.Identity("verifier")
	platform = types.Identity("platform")
	arbiter  = types.Identity("arbiter")
	doctor   = types.Identity("dr-grey")
	patient  = types.Identity("patient-7")
	stranger = types.Identity("stranger")
)

type fixture struct {
	t        *testing.T
	ctx      context.Context
	now      time.Time
	store    ledger.Store
	registry *registry.Service
	engine   *Engine
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		t:     t,
		ctx:   context.Background(),
		now:   time.Date(2024, 5, 6, 8, 0, 0, 0, time.UTC),
		store: occ.NewMemory(),
	}
	t.Cleanup(func() { _ = f.store.Close() })

	clock := types.ClockFunc(func() time.Time { return f.now })
	f.registry = registry.New(f.store, registry.Config{Verifier: verifier}, registry.WithClock(clock))
	f.engine = New(f.store, DefaultConfig(platform, arbiter), append([]Option{WithClock(clock)}, opts...)...)

	_, err := f.registry.RegisterDoctor(f.ctx, doctor, registry.DoctorRegistration{
		Specialty:       "dermatology",
		License:         types.LicenseRef{Hash: types.HashContent([]byte("lic")), Pointer: "ipfs://lic"},
		ConsultationFee: 500,
	})
	require.NoError(t, err)
	require.NoError(t, f.registry.VerifyDoctor(f.ctx, verifier, doctor))
	_, err = f.registry.RegisterPatient(f.ctx, patient, registry.PatientRegistration{
		NameHash: types.HashContent([]byte("patient name")),
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

// book schedules a consultation one hour from now
func (f *fixture) book() *types.Consultation {
	f.t.Helper()
	c, err := f.engine.Book(f.ctx, patient, Booking{Doctor: doctor, ScheduledAt: f.now.Add(time.Hour), Amount: 500})
	require.NoError(f.t, err)
	return c
}

// complete drives a booked consultation to Completed
func (f *fixture) complete() *types.Consultation {
	f.t.Helper()
	c := f.book()
	f.advance(time.Hour)
	_, err := f.engine.Start(f.ctx, doctor, c.ID)
	require.NoError(f.t, err)
	c, err = f.engine.MarkCompleted(f.ctx, doctor, c.ID, "ipfs://notes")
	require.NoError(f.t, err)
	return c
}

func (f *fixture) balance(id types.Identity) uint64 {
	f.t.Helper()
	b, err := f.engine.Balance(f.ctx, id)
	require.NoError(f.t, err)
	return b
}

func (f *fixture) escrow(id uint64) uint64 {
	f.t.Helper()
	b, err := f.engine.EscrowBalance(f.ctx, id)
	require.NoError(f.t, err)
	return b
}

func (f *fixture) stats() *types.DoctorStats {
	f.t.Helper()
	s, err := f.registry.GetDoctorStats(f.ctx, doctor)
	require.NoError(f.t, err)
	return s
}

func TestEngine_HappyPathRelease(t *testing.T) {
	f := newFixture(t)

	c := f.book()
	assert.Equal(t, types.StatusPending, c.Status)
	assert.Equal(t, uint64(1), c.ID)
	assert.Equal(t, uint64(500), f.escrow(c.ID))

	f.advance(time.Hour)
	c, err := f.engine.Start(f.ctx, doctor, c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusInProgress, c.Status)

	c, err = f.engine.MarkCompleted(f.ctx, doctor, c.ID, "ipfs://notes")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, c.Status)
	require.NotNil(t, c.CompletedAt)
	require.NotNil(t, c.NotesPointer)
	assert.Equal(t, "ipfs://notes", *c.NotesPointer)

	f.advance(DefaultDisputeWindow)
	c, err = f.engine.ReleasePayment(f.ctx, patient, c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusReleased, c.Status)
	assert.NotNil(t, c.FinalizedAt)

	assert.Equal(t, uint64(485), f.balance(doctor))
	assert.Equal(t, uint64(15), f.balance(platform))
	assert.Equal(t, uint64(0), f.escrow(c.ID))

	stats := f.stats()
	assert.Equal(t, uint64(1), stats.CompletedConsultations)
	assert.Equal(t, uint64(1), stats.TotalConsultations)
	assert.Equal(t, uint8(100), stats.CompletionRate)

	_, err = f.engine.ReleasePayment(f.ctx, patient, c.ID)
	assert.ErrorIs(t, err, types.ErrAlreadyFinalized)
	assert.Equal(t, uint64(485), f.balance(doctor))

	total, err := f.engine.TotalConsultations(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), total)
}

func TestEngine_BookRejections(t *testing.T) {
	f := newFixture(t)
	_, err := f.registry.RegisterDoctor(f.ctx, "dr-unverified", registry.DoctorRegistration{
		Specialty:       "oncology",
		License:         types.LicenseRef{Hash: types.HashContent([]byte("x"))},
		ConsultationFee: 100,
	})
	require.NoError(t, err)

	future := f.now.Add(time.Hour)
	tests := []struct {
		name    string
		caller  types.Identity
		booking Booking
		kind    *types.Error
		code    string
	}{
		{"unauthenticated", "", Booking{Doctor: doctor, ScheduledAt: future, Amount: 500}, types.ErrUnauthorized, types.ErrCodeUnauthenticated},
		{"zero amount", patient, Booking{Doctor: doctor, ScheduledAt: future}, types.ErrInsufficientFunds, types.ErrCodeZeroPayment},
		{"below fee", patient, Booking{Doctor: doctor, ScheduledAt: future, Amount: 499}, types.ErrPolicyViolation, types.ErrCodeBelowDoctorFee},
		{"unverified doctor", patient, Booking{Doctor: "dr-unverified", ScheduledAt: future, Amount: 100}, types.ErrPolicyViolation, types.ErrCodeDoctorNotVerified},
		{"unknown doctor", patient, Booking{Doctor: "dr-nobody", ScheduledAt: future, Amount: 500}, types.ErrNotFound, types.ErrCodeDoctorNotFound},
		{"unregistered patient", stranger, Booking{Doctor: doctor, ScheduledAt: future, Amount: 500}, types.ErrNotFound, types.ErrCodePatientNotFound},
		{"in the past", patient, Booking{Doctor: doctor, ScheduledAt: f.now.Add(-time.Minute), Amount: 500}, types.ErrPolicyViolation, types.ErrCodeScheduledInPast},
		{"self dealing", doctor, Booking{Doctor: doctor, ScheduledAt: future, Amount: 500}, types.ErrPolicyViolation, types.ErrCodeSelfDealing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Book(f.ctx, tt.caller, tt.booking)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.kind)
			assert.Equal(t, tt.code, types.CodeOf(err))
		})
	}

	total, err := f.engine.TotalConsultations(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestEngine_BookAboveFeeHoldsFullAmount(t *testing.T) {
	f := newFixture(t)
	c, err := f.engine.Book(f.ctx, patient, Booking{Doctor: doctor, ScheduledAt: f.now.Add(time.Hour), Amount: 650})
	require.NoError(t, err)
	assert.Equal(t, uint64(650), c.Amount)
	assert.Equal(t, uint64(650), f.escrow(c.ID))
}

func TestEngine_BookReservesPublishedSlot(t *testing.T) {
	f := newFixture(t)
	start := f.now.Add(2 * time.Hour)
	_, err := f.registry.SetAvailability(f.ctx, doctor, []types.TimeSlot{{Start: start, End: start.Add(30 * time.Minute)}})
	require.NoError(t, err)

	c, err := f.engine.Book(f.ctx, patient, Booking{Doctor: doctor, ScheduledAt: start, Amount: 500})
	require.NoError(t, err)

	_, err = f.engine.Book(f.ctx, patient, Booking{Doctor: doctor, ScheduledAt: start, Amount: 500})
	assert.Equal(t, types.ErrCodeSlotTaken, types.CodeOf(err))

	_, err = f.engine.Cancel(f.ctx, doctor, c.ID)
	require.NoError(t, err)
	free, err := f.registry.GetAvailableSlots(f.ctx, doctor)
	require.NoError(t, err)
	assert.Len(t, free, 1)
}

func TestEngine_StartGuards(t *testing.T) {
	f := newFixture(t)
	c := f.book()

	_, err := f.engine.Start(f.ctx, patient, c.ID)
	assert.ErrorIs(t, err, types.ErrUnauthorized)
	assert.Equal(t, types.ErrCodeNotParticipant, types.CodeOf(err))

	_, err = f.engine.Start(f.ctx, doctor, c.ID)
	assert.Equal(t, types.ErrCodeTooEarlyToStart, types.CodeOf(err))

	f.advance(time.Hour - DefaultStartGrace)
	_, err = f.engine.Start(f.ctx, doctor, c.ID)
	require.NoError(t, err)

	_, err = f.engine.Start(f.ctx, doctor, c.ID)
	assert.ErrorIs(t, err, types.ErrInvalidState)

	_, err = f.engine.Start(f.ctx, doctor, 99)
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.Equal(t, types.ErrCodeConsultationNotFound, types.CodeOf(err))
}

func TestEngine_MarkCompletedGuards(t *testing.T) {
	f := newFixture(t)
	c := f.book()

	_, err := f.engine.MarkCompleted(f.ctx, doctor, c.ID, "ipfs://notes")
	assert.ErrorIs(t, err, types.ErrInvalidState)

	f.advance(time.Hour)
	_, err = f.engine.Start(f.ctx, doctor, c.ID)
	require.NoError(t, err)

	_, err = f.engine.MarkCompleted(f.ctx, patient, c.ID, "ipfs://notes")
	assert.ErrorIs(t, err, types.ErrUnauthorized)

	_, err = f.engine.MarkCompleted(f.ctx, doctor, c.ID, "")
	assert.ErrorIs(t, err, types.ErrPolicyViolation)

	got, err := f.engine.GetConsultation(f.ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusInProgress, got.Status)
	assert.Nil(t, got.CompletedAt)
	assert.Nil(t, got.NotesPointer)
}

func TestEngine_ReleaseWindow(t *testing.T) {
	f := newFixture(t)
	c := f.complete()

	_, err := f.engine.ReleasePayment(f.ctx, doctor, c.ID)
	assert.ErrorIs(t, err, types.ErrInvalidState)
	assert.Equal(t, types.ErrCodeDisputeWindowOpen, types.CodeOf(err))

	_, err = f.engine.ReleasePayment(f.ctx, stranger, c.ID)
	assert.ErrorIs(t, err, types.ErrUnauthorized)

	c, err = f.engine.ReleasePayment(f.ctx, patient, c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusReleased, c.Status)
	assert.Equal(t, uint64(485), f.balance(doctor))
}

func TestEngine_ReleaseAfterWindowByDoctor(t *testing.T) {
	f := newFixture(t)
	c := f.complete()

	f.advance(DefaultDisputeWindow)
	_, err := f.engine.ReleasePayment(f.ctx, doctor, c.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(485), f.balance(doctor))

	_, err = f.engine.Dispute(f.ctx, patient, c.ID)
	assert.ErrorIs(t, err, types.ErrAlreadyFinalized)
}

func TestEngine_ConcurrentReleasePaysOnce(t *testing.T) {
	f := newFixture(t)
	c := f.complete()

	const callers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		finalized int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.ReleasePayment(f.ctx, patient, c.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case types.KindOf(err) == types.ErrorKindAlreadyFinalized:
				finalized++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, callers-1, finalized)
	assert.Equal(t, uint64(485), f.balance(doctor))
	assert.Equal(t, uint64(15), f.balance(platform))
	assert.Equal(t, uint64(1), f.stats().CompletedConsultations)
}

func TestEngine_DisputeAndResolve(t *testing.T) {
	t.Run("refund", func(t *testing.T) {
		f := newFixture(t)
		c := f.complete()

		_, err := f.engine.Dispute(f.ctx, doctor, c.ID)
		assert.ErrorIs(t, err, types.ErrUnauthorized)

		c, err = f.engine.Dispute(f.ctx, patient, c.ID)
		require.NoError(t, err)
		assert.Equal(t, types.StatusDisputed, c.Status)

		_, err = f.engine.ReleasePayment(f.ctx, patient, c.ID)
		assert.ErrorIs(t, err, types.ErrInvalidState)

		_, err = f.engine.Resolve(f.ctx, patient, c.ID, types.ResolutionRefund)
		assert.ErrorIs(t, err, types.ErrUnauthorized)
		assert.Equal(t, types.ErrCodeNotArbiter, types.CodeOf(err))

		_, err = f.engine.Resolve(f.ctx, arbiter, c.ID, types.Resolution("split"))
		assert.Equal(t, types.ErrCodeUnknownResolution, types.CodeOf(err))

		c, err = f.engine.Resolve(f.ctx, arbiter, c.ID, types.ResolutionRefund)
		require.NoError(t, err)
		assert.Equal(t, types.StatusRefunded, c.Status)
		assert.Equal(t, uint64(500), f.balance(patient))
		assert.Zero(t, f.balance(doctor))

		stats := f.stats()
		assert.Equal(t, uint64(1), stats.TotalConsultations)
		assert.Zero(t, stats.CompletedConsultations)

		_, err = f.engine.Resolve(f.ctx, arbiter, c.ID, types.ResolutionRelease)
		assert.ErrorIs(t, err, types.ErrAlreadyFinalized)
	})

	t.Run("release", func(t *testing.T) {
		f := newFixture(t)
		c := f.complete()
		_, err := f.engine.Dispute(f.ctx, patient, c.ID)
		require.NoError(t, err)

		c, err = f.engine.Resolve(f.ctx, arbiter, c.ID, types.ResolutionRelease)
		require.NoError(t, err)
		assert.Equal(t, types.StatusReleased, c.Status)
		assert.Equal(t, uint64(485), f.balance(doctor))
		assert.Equal(t, uint64(15), f.balance(platform))
	})

	t.Run("window expired", func(t *testing.T) {
		f := newFixture(t)
		c := f.complete()
		f.advance(DefaultDisputeWindow)

		_, err := f.engine.Dispute(f.ctx, patient, c.ID)
		assert.ErrorIs(t, err, types.ErrInvalidState)
		assert.Equal(t, types.ErrCodeDisputeWindowExpired, types.CodeOf(err))
	})
}

func TestEngine_Cancel(t *testing.T) {
	f := newFixture(t)
	c := f.book()

	_, err := f.engine.Cancel(f.ctx, stranger, c.ID)
	assert.ErrorIs(t, err, types.ErrUnauthorized)

	c, err = f.engine.Cancel(f.ctx, patient, c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, c.Status)
	assert.Equal(t, uint64(500), f.balance(patient))
	assert.Zero(t, f.escrow(c.ID))
	assert.Equal(t, uint64(1), f.stats().CancelledConsultations)

	_, err = f.engine.Cancel(f.ctx, doctor, c.ID)
	assert.ErrorIs(t, err, types.ErrAlreadyFinalized)

	started := f.book()
	f.advance(time.Hour)
	_, err = f.engine.Start(f.ctx, doctor, started.ID)
	require.NoError(t, err)
	_, err = f.engine.Cancel(f.ctx, doctor, started.ID)
	assert.ErrorIs(t, err, types.ErrInvalidState)
}

func TestEngine_ReportNoShow(t *testing.T) {
	f := newFixture(t)
	c := f.book()

	_, err := f.engine.ReportNoShow(f.ctx, patient, c.ID)
	assert.Equal(t, types.ErrCodeTooEarlyForNoShow, types.CodeOf(err))

	f.advance(time.Hour + DefaultNoShowGrace)
	_, err = f.engine.ReportNoShow(f.ctx, patient, c.ID)
	assert.Equal(t, types.ErrCodeTooEarlyForNoShow, types.CodeOf(err))

	f.advance(time.Second)
	_, err = f.engine.ReportNoShow(f.ctx, doctor, c.ID)
	assert.ErrorIs(t, err, types.ErrUnauthorized)

	c, err = f.engine.ReportNoShow(f.ctx, patient, c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusNoShow, c.Status)
	assert.Equal(t, uint64(500), f.balance(patient))

	stats := f.stats()
	assert.Equal(t, uint64(1), stats.NoShowCount)
	assert.Equal(t, uint64(1), stats.TotalConsultations)
}

func TestEngine_ReportNoShowFromInProgress(t *testing.T) {
	f := newFixture(t)
	c := f.book()
	f.advance(time.Hour)
	_, err := f.engine.Start(f.ctx, doctor, c.ID)
	require.NoError(t, err)

	f.advance(DefaultNoShowGrace + time.Minute)
	c, err = f.engine.ReportNoShow(f.ctx, patient, c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusNoShow, c.Status)
}

func TestEngine_Rate(t *testing.T) {
	f := newFixture(t)
	c := f.complete()

	err := f.engine.Rate(f.ctx, patient, c.ID, 5)
	assert.ErrorIs(t, err, types.ErrInvalidState)

	_, err = f.engine.ReleasePayment(f.ctx, patient, c.ID)
	require.NoError(t, err)

	assert.ErrorIs(t, f.engine.Rate(f.ctx, doctor, c.ID, 5), types.ErrUnauthorized)
	assert.Equal(t, types.ErrCodeInvalidRating, types.CodeOf(f.engine.Rate(f.ctx, patient, c.ID, 9)))
	require.NoError(t, f.engine.Rate(f.ctx, patient, c.ID, 4))
	assert.Equal(t, types.ErrCodeAlreadyRated, types.CodeOf(f.engine.Rate(f.ctx, patient, c.ID, 4)))

	num, den := f.stats().Rating.Value()
	assert.Equal(t, uint64(4), num)
	assert.Equal(t, uint64(1), den)
}

func TestEngine_ListConsultationEvents(t *testing.T) {
	f := newFixture(t)
	c := f.complete()
	f.advance(DefaultDisputeWindow)
	_, err := f.engine.ReleasePayment(f.ctx, doctor, c.ID)
	require.NoError(t, err)

	events, err := f.engine.ListConsultationEvents(f.ctx, c.ID)
	require.NoError(t, err)

	var kinds []string
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Seq)
		kinds = append(kinds, ev.Type)
	}
	assert.Equal(t, []string{
		EventBooked, EventStarted, EventCompleted,
		EventFundsTransferred, EventFundsTransferred, EventReleased,
	}, kinds)

	_, err = f.engine.ListConsultationEvents(f.ctx, 42)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestEngine_CustomFee(t *testing.T) {
	f := newFixture(t)
	policy, err := fee.NewPolicy(10)
	require.NoError(t, err)
	cfg := DefaultConfig(platform, arbiter)
	cfg.Fee = policy
	f.engine = New(f.store, cfg, WithClock(types.ClockFunc(func() time.Time { return f.now })))

	settings := f.engine.Settings()
	assert.Equal(t, uint8(10), settings.PlatformFeePercent)
	assert.Equal(t, platform, settings.PlatformAccount)
	assert.Equal(t, arbiter, settings.Arbiter)
	assert.Equal(t, fee.Split{Doctor: 450, Platform: 50}, f.engine.PreviewSplit(500))

	c := f.complete()
	_, err = f.engine.ReleasePayment(f.ctx, patient, c.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(450), f.balance(doctor))
	assert.Equal(t, uint64(50), f.balance(platform))
}

type mockProbe struct {
	mock.Mock
}

func (m *mockProbe) ProbeAccess(ctx context.Context, record types.RecordHash, accessor types.Identity) (bool, error) {
	args := m.Called(ctx, record, accessor)
	return args.Bool(0), args.Error(1)
}

func TestEngine_DoctorHasRecordAccess(t *testing.T) {
	probe := new(mockProbe)
	f := newFixture(t, WithAccessProbe(probe))
	c := f.book()
	record := types.HashContent([]byte("labs"))

	probe.On("ProbeAccess", mock.Anything, record, doctor).Return(true, nil).Once()

	ok, err := f.engine.DoctorHasRecordAccess(f.ctx, c.ID, record)
	require.NoError(t, err)
	assert.True(t, ok)
	probe.AssertExpectations(t)

	_, err = f.engine.DoctorHasRecordAccess(f.ctx, 77, record)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestEngine_StorageFailureIsUnavailable(t *testing.T) {
	f := newFixture(t)
	c := f.book()
	require.NoError(t, f.store.Close())

	_, err := f.engine.Start(f.ctx, doctor, c.ID)
	assert.ErrorIs(t, err, types.ErrUnavailable)
	assert.ErrorIs(t, err, ledger.ErrClosed)
}
