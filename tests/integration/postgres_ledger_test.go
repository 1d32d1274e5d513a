//go:build integration

package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medrex/dlt-telehealth/internal/access"
	"github.com/medrex/dlt-telehealth/internal/escrow"
	"github.com/medrex/dlt-telehealth/internal/ledger/postgres"
	"github.com/medrex/dlt-telehealth/internal/registry"
	"github.com/medrex/dlt-telehealth/pkg/ledger"
	"github.com/medrex/dlt-telehealth/pkg/logger"
	"github.com/medrex/dlt-telehealth/pkg/types"
)

const (
	verifier = types.Identity("verifier")
	platform = types.Identity("platform")
	arbiter  = types.Identity("arbiter")
	doctor   = types.Identity("dr-amadi")
	patient  = types.Identity("patient-42")
)

type harness struct {
	ctx      context.Context
	now      time.Time
	store    ledger.Store
	registry *registry.Service
	escrow   *escrow.Engine
	access   *access.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	resetLedger(t)

	h := &harness{
		ctx: context.Background(),
		now: time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := types.ClockFunc(func() time.Time { return h.now })

	// The store shares testDB with other tests, so it is never closed here.
	h.store = postgres.New(testDB, logger.Discard(), 32)
	h.access = access.New(h.store, access.DefaultConfig(), access.WithClock(clock))
	h.registry = registry.New(h.store, registry.Config{Verifier: verifier}, registry.WithClock(clock))
	h.escrow = escrow.New(h.store, escrow.DefaultConfig(platform, arbiter),
		escrow.WithClock(clock), escrow.WithAccessProbe(h.access))

	_, err := h.registry.RegisterDoctor(h.ctx, doctor, registry.DoctorRegistration{
		Specialty:       "pediatrics",
		License:         types.LicenseRef{Hash: types.HashContent([]byte("license")), Pointer: "ipfs://license"},
		ConsultationFee: 1000,
	})
	require.NoError(t, err)
	require.NoError(t, h.registry.VerifyDoctor(h.ctx, verifier, doctor))
	_, err = h.registry.RegisterPatient(h.ctx, patient, registry.PatientRegistration{
		NameHash: types.HashContent([]byte("patient")),
	})
	require.NoError(t, err)
	return h
}

func (h *harness) completed(t *testing.T) *types.Consultation {
	t.Helper()
	c, err := h.escrow.Book(h.ctx, patient, escrow.Booking{Doctor: doctor, ScheduledAt: h.now.Add(5 * time.Minute), Amount: 1000})
	require.NoError(t, err)
	_, err = h.escrow.Start(h.ctx, doctor, c.ID)
	require.NoError(t, err)
	c, err = h.escrow.MarkCompleted(h.ctx, doctor, c.ID, "ipfs://notes")
	require.NoError(t, err)
	return c
}

func TestPostgresLedger_ConsultationReleasePaysOnce(t *testing.T) {
	h := newHarness(t)
	c := h.completed(t)
	h.now = h.now.Add(48 * time.Hour)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		finalized int
	)
	callers := []types.Identity{patient, doctor, platform, arbiter}
	for _, caller := range callers {
		wg.Add(1)
		go func(caller types.Identity) {
			defer wg.Done()
			_, err := h.escrow.ReleasePayment(h.ctx, caller, c.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case types.KindOf(err) == types.ErrorKindAlreadyFinalized:
				finalized++
			default:
				t.Errorf("unexpected release error from %s: %v", caller, err)
			}
		}(caller)
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, len(callers)-1, finalized)

	doctorBalance, err := h.escrow.Balance(h.ctx, doctor)
	require.NoError(t, err)
	platformBalance, err := h.escrow.Balance(h.ctx, platform)
	require.NoError(t, err)
	assert.Equal(t, uint64(970), doctorBalance)
	assert.Equal(t, uint64(30), platformBalance)

	held, err := h.escrow.EscrowBalance(h.ctx, c.ID)
	require.NoError(t, err)
	assert.Zero(t, held)
}

func TestPostgresLedger_EventsAreOrderedPerStream(t *testing.T) {
	h := newHarness(t)
	c := h.completed(t)
	_, err := h.escrow.ReleasePayment(h.ctx, patient, c.ID)
	require.NoError(t, err)

	events, err := h.escrow.ListConsultationEvents(h.ctx, c.ID)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Seq)
		assert.Equal(t, escrow.Stream(c.ID), ev.Stream)
	}
	assert.Equal(t, escrow.EventBooked, events[0].Type)
}

func TestPostgresLedger_AccessHistory(t *testing.T) {
	h := newHarness(t)
	record := types.HashContent([]byte("x-ray"))

	_, err := h.access.RegisterRecord(h.ctx, patient, record)
	require.NoError(t, err)
	_, err = h.access.GrantAccess(h.ctx, patient, record, access.Grant{Grantee: doctor, Level: types.AccessView})
	require.NoError(t, err)

	const views = 5
	var wg sync.WaitGroup
	for i := 0; i < views; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decision, err := h.access.CheckAccess(h.ctx, record, doctor)
			assert.NoError(t, err)
			assert.True(t, decision.Permitted)
		}()
	}
	wg.Wait()

	history, err := h.access.GetAccessHistory(h.ctx, record, 0, 0)
	require.NoError(t, err)
	require.Len(t, history, views+1)
	for i, entry := range history {
		assert.Equal(t, uint64(i+1), entry.Seq)
	}

	page, err := h.access.GetAccessHistory(h.ctx, record, 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, uint64(3), page[0].Seq)
}

func TestPostgresLedger_Ping(t *testing.T) {
	store := postgres.New(testDB, logger.Discard(), 1)
	assert.NoError(t, store.Ping(context.Background()))
}
