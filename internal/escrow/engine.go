// Package escrow implements the consultation escrow state machine. Funds paid
// at booking are held per consultation and leave escrow only through a
// terminal transition: released to the doctor (less the platform fee) or
// refunded to the patient.
package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/medrex/dlt-telehealth/internal/fee"
	"github.com/medrex/dlt-telehealth/internal/registry"
	"github.com/medrex/dlt-telehealth/pkg/ledger"
	"github.com/medrex/dlt-telehealth/pkg/logger"
	"github.com/medrex/dlt-telehealth/pkg/monitoring"
	"github.com/medrex/dlt-telehealth/pkg/types"
)

const component = "escrow"

// Default timing policy
const (
	DefaultDisputeWindow = 24 * time.Hour
	DefaultStartGrace    = 15 * time.Minute
	DefaultNoShowGrace   = 30 * time.Minute
)

// Config holds the escrow policy
type Config struct {
	Fee             fee.Policy
	PlatformAccount types.Identity
	// Arbiter resolves disputed consultations
	Arbiter       types.Identity
	DisputeWindow time.Duration
	// StartGrace is how long before the scheduled time the doctor may start
	StartGrace time.Duration
	// NoShowGrace is how long after the scheduled time a no-show may be reported
	NoShowGrace time.Duration
}

// DefaultConfig returns the default policy for the given platform account and arbiter
func DefaultConfig(platform, arbiter types.Identity) Config {
	return Config{
		Fee:             fee.Default(),
		PlatformAccount: platform,
		Arbiter:         arbiter,
		DisputeWindow:   DefaultDisputeWindow,
		StartGrace:      DefaultStartGrace,
		NoShowGrace:     DefaultNoShowGrace,
	}
}

// RecordAccessProbe answers whether accessor can currently read record
// without leaving an audit entry
type RecordAccessProbe interface {
	ProbeAccess(ctx context.Context, record types.RecordHash, accessor types.Identity) (bool, error)
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the logger
func WithLogger(log *logger.Logger) Option {
	return func(e *Engine) { e.logger = log }
}

// WithClock sets the time source
func WithClock(clock types.Clock) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithMetrics sets the metrics collector
func WithMetrics(m *monitoring.MetricsCollector) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithAccessProbe connects the engine to the records access engine
func WithAccessProbe(p RecordAccessProbe) Option {
	return func(e *Engine) { e.access = p }
}

// Engine is the consultation escrow engine
type Engine struct {
	store   ledger.Store
	cfg     Config
	clock   types.Clock
	logger  *logger.Logger
	metrics *monitoring.MetricsCollector
	access  RecordAccessProbe
}

// New creates an escrow engine
func New(store ledger.Store, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		cfg:    cfg,
		clock:  types.SystemClock,
		logger: logger.Discard(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Booking is the input of Book
type Booking struct {
	Doctor      types.Identity `json:"doctor"`
	ScheduledAt time.Time      `json:"scheduled_at"`
	Amount      uint64         `json:"amount"`
}

// Book creates a Pending consultation for caller and moves Amount into escrow
func (e *Engine) Book(ctx context.Context, caller types.Identity, b Booking) (*types.Consultation, error) {
	const command = "book"
	if err := requireCaller(caller); err != nil {
		return nil, e.reject(ctx, command, 0, err)
	}
	if caller == b.Doctor {
		return nil, e.reject(ctx, command, 0,
			types.NewPolicyViolationError(types.ErrCodeSelfDealing, "a doctor cannot book a consultation with themselves"))
	}
	if b.Amount == 0 {
		return nil, e.reject(ctx, command, 0,
			types.NewInsufficientFundsError(types.ErrCodeZeroPayment, "booking requires a payment"))
	}

	now := e.clock.Now()
	if b.ScheduledAt.Before(now) {
		return nil, e.reject(ctx, command, 0,
			types.NewPolicyViolationError(types.ErrCodeScheduledInPast, "consultation cannot be scheduled in the past").
				WithDetail("scheduled_at", b.ScheduledAt))
	}

	var consultation types.Consultation
	err := e.store.Update(ctx, func(w ledger.Writer) error {
		if _, err := registry.LoadPatient(w, caller); err != nil {
			return err
		}
		doctor, err := registry.LoadDoctor(w, b.Doctor)
		if err != nil {
			return err
		}
		if !doctor.Verified {
			return types.NewPolicyViolationError(types.ErrCodeDoctorNotVerified, "doctor is not verified").
				WithDetail("doctor", b.Doctor)
		}
		if b.Amount < doctor.ConsultationFee {
			return types.NewPolicyViolationError(types.ErrCodeBelowDoctorFee, "payment is below the doctor's fee").
				WithDetail("fee", doctor.ConsultationFee).
				WithDetail("amount", b.Amount)
		}
		if err := registry.ReserveSlot(w, b.Doctor, b.ScheduledAt.UTC()); err != nil {
			return err
		}

		id, err := w.NextSequence(consultationsSequence)
		if err != nil {
			return err
		}
		consultation = types.Consultation{
			ID:            id,
			Patient:       caller,
			Doctor:        b.Doctor,
			Amount:        b.Amount,
			Status:        types.StatusPending,
			ScheduledAt:   b.ScheduledAt.UTC(),
			CreatedAt:     now,
			DisputeWindow: e.cfg.DisputeWindow,
		}
		if err := saveConsultation(w, &consultation); err != nil {
			return err
		}
		if err := ledger.PutJSON(w, EscrowKey(id), b.Amount); err != nil {
			return err
		}
		_, err = ledger.AppendJSON(w, Stream(id), EventBooked, TransitionEvent{
			Consultation: id,
			To:           types.StatusPending,
			Actor:        caller,
			Amount:       b.Amount,
		}, now)
		return err
	})
	if err != nil {
		return nil, e.reject(ctx, command, 0, err)
	}

	e.logger.EscrowTransition(ctx, consultation.ID, "", string(types.StatusPending), caller.String(), map[string]interface{}{
		"doctor": b.Doctor,
		"amount": b.Amount,
	})
	e.metrics.RecordEscrowTransition("", string(types.StatusPending))
	return &consultation, nil
}

// Start moves a Pending consultation to InProgress. Only the doctor may start,
// no earlier than StartGrace before the scheduled time.
func (e *Engine) Start(ctx context.Context, caller types.Identity, id uint64) (*types.Consultation, error) {
	return e.transition(ctx, caller, id, step{
		command: "start",
		event:   EventStarted,
		apply: func(_ ledger.Writer, c *types.Consultation, now time.Time) error {
			if caller != c.Doctor {
				return notParticipant("only the doctor may start the consultation")
			}
			if err := requireStatus(c, types.StatusPending); err != nil {
				return err
			}
			if now.Before(c.ScheduledAt.Add(-e.cfg.StartGrace)) {
				return types.NewInvalidStateError(types.ErrCodeTooEarlyToStart, "consultation cannot start yet").
					WithDetail("scheduled_at", c.ScheduledAt)
			}
			c.Status = types.StatusInProgress
			return nil
		},
	})
}

// MarkCompleted closes an InProgress consultation, records the notes pointer
// and opens the dispute window
func (e *Engine) MarkCompleted(ctx context.Context, caller types.Identity, id uint64, notesPointer string) (*types.Consultation, error) {
	return e.transition(ctx, caller, id, step{
		command: "mark_completed",
		event:   EventCompleted,
		apply: func(_ ledger.Writer, c *types.Consultation, now time.Time) error {
			if caller != c.Doctor {
				return notParticipant("only the doctor may complete the consultation")
			}
			if err := requireStatus(c, types.StatusInProgress); err != nil {
				return err
			}
			if notesPointer == "" {
				return types.NewPolicyViolationError(types.ErrCodeInvalidInput, "notes pointer is required")
			}
			completedAt := now
			notes := notesPointer
			c.CompletedAt = &completedAt
			c.NotesPointer = &notes
			c.Status = types.StatusCompleted
			return nil
		},
	})
}

// ReleasePayment pays out a Completed consultation. Before the dispute window
// elapses only the patient may release; afterwards the patient, the doctor,
// the arbiter or the platform account may.
func (e *Engine) ReleasePayment(ctx context.Context, caller types.Identity, id uint64) (*types.Consultation, error) {
	return e.transition(ctx, caller, id, step{
		command: "release_payment",
		event:   EventReleased,
		apply: func(w ledger.Writer, c *types.Consultation, now time.Time) error {
			if !c.IsParticipant(caller) && caller != e.cfg.Arbiter && caller != e.cfg.PlatformAccount {
				return notParticipant("caller may not release this consultation")
			}
			if err := requireStatus(c, types.StatusCompleted); err != nil {
				return err
			}
			deadline, ok := c.DisputeDeadline()
			if !ok {
				return types.NewInvalidStateError(types.ErrCodeInvalidStatus, "consultation has no completion time")
			}
			if now.Before(deadline) && caller != c.Patient {
				return types.NewInvalidStateError(types.ErrCodeDisputeWindowOpen, "dispute window is still open").
					WithDetail("deadline", deadline)
			}
			c.Status = types.StatusReleased
			return e.release(w, c, now)
		},
	})
}

// Dispute moves a Completed consultation to Disputed while the window is open
func (e *Engine) Dispute(ctx context.Context, caller types.Identity, id uint64) (*types.Consultation, error) {
	return e.transition(ctx, caller, id, step{
		command: "dispute",
		event:   EventDisputed,
		apply: func(_ ledger.Writer, c *types.Consultation, now time.Time) error {
			if caller != c.Patient {
				return notParticipant("only the patient may dispute the consultation")
			}
			if err := requireStatus(c, types.StatusCompleted); err != nil {
				return err
			}
			deadline, ok := c.DisputeDeadline()
			if !ok || !now.Before(deadline) {
				return types.NewInvalidStateError(types.ErrCodeDisputeWindowExpired, "dispute window has closed").
					WithDetail("deadline", deadline)
			}
			c.Status = types.StatusDisputed
			return nil
		},
	})
}

// Resolve applies the arbitration outcome to a Disputed consultation
func (e *Engine) Resolve(ctx context.Context, caller types.Identity, id uint64, outcome types.Resolution) (*types.Consultation, error) {
	return e.transition(ctx, caller, id, step{
		command: "resolve",
		event:   EventResolved,
		apply: func(w ledger.Writer, c *types.Consultation, now time.Time) error {
			if e.cfg.Arbiter.IsZero() || caller != e.cfg.Arbiter {
				return types.NewUnauthorizedError(types.ErrCodeNotArbiter, "only the arbiter may resolve disputes")
			}
			if err := requireStatus(c, types.StatusDisputed); err != nil {
				return err
			}
			switch outcome {
			case types.ResolutionRefund:
				c.Status = types.StatusRefunded
				return e.refund(w, c, now)
			case types.ResolutionRelease:
				c.Status = types.StatusReleased
				return e.release(w, c, now)
			default:
				return types.NewPolicyViolationError(types.ErrCodeUnknownResolution, "unknown resolution").
					WithDetail("outcome", outcome)
			}
		},
	})
}

// Cancel refunds a Pending consultation in full. Either participant may cancel.
func (e *Engine) Cancel(ctx context.Context, caller types.Identity, id uint64) (*types.Consultation, error) {
	return e.transition(ctx, caller, id, step{
		command: "cancel",
		event:   EventCancelled,
		apply: func(w ledger.Writer, c *types.Consultation, now time.Time) error {
			if !c.IsParticipant(caller) {
				return notParticipant("only a participant may cancel the consultation")
			}
			if err := requireStatus(c, types.StatusPending); err != nil {
				return err
			}
			c.Status = types.StatusCancelled
			if err := registry.FreeSlot(w, c.Doctor, c.ScheduledAt); err != nil {
				return err
			}
			return e.refund(w, c, now)
		},
	})
}

// ReportNoShow refunds the patient when the consultation did not take place
// within NoShowGrace of the scheduled time
func (e *Engine) ReportNoShow(ctx context.Context, caller types.Identity, id uint64) (*types.Consultation, error) {
	return e.transition(ctx, caller, id, step{
		command: "report_no_show",
		event:   EventNoShow,
		apply: func(w ledger.Writer, c *types.Consultation, now time.Time) error {
			if caller != c.Patient {
				return notParticipant("only the patient may report a no-show")
			}
			if err := requireStatus(c, types.StatusPending, types.StatusInProgress); err != nil {
				return err
			}
			if !now.After(c.ScheduledAt.Add(e.cfg.NoShowGrace)) {
				return types.NewInvalidStateError(types.ErrCodeTooEarlyForNoShow, "no-show grace period has not elapsed").
					WithDetail("scheduled_at", c.ScheduledAt)
			}
			c.Status = types.StatusNoShow
			if err := registry.FreeSlot(w, c.Doctor, c.ScheduledAt); err != nil {
				return err
			}
			return e.refund(w, c, now)
		},
	})
}

// Rate records the patient's score for a Released consultation. Each
// consultation may be rated once.
func (e *Engine) Rate(ctx context.Context, caller types.Identity, id uint64, score uint8) error {
	const command = "rate"
	if err := requireCaller(caller); err != nil {
		return e.reject(ctx, command, id, err)
	}

	now := e.clock.Now()
	err := e.store.Update(ctx, func(w ledger.Writer) error {
		c, err := loadConsultation(w, id)
		if err != nil {
			return err
		}
		if caller != c.Patient {
			return notParticipant("only the patient may rate the consultation")
		}
		if c.Status != types.StatusReleased {
			return types.NewInvalidStateError(types.ErrCodeInvalidStatus, "only released consultations can be rated").
				WithDetail("status", c.Status)
		}
		if c.Rated {
			return types.NewPolicyViolationError(types.ErrCodeAlreadyRated, "consultation has already been rated")
		}
		if err := registry.ApplyRating(w, c.Doctor, score); err != nil {
			return err
		}
		c.Rated = true
		if err := saveConsultation(w, c); err != nil {
			return err
		}
		_, err = ledger.AppendJSON(w, Stream(id), EventRated, map[string]interface{}{
			"consultation": id,
			"score":        score,
		}, now)
		return err
	})
	if err != nil {
		return e.reject(ctx, command, id, err)
	}

	e.logger.Audit(caller.String(), command, ConsultationKey(id), true, map[string]interface{}{"score": score})
	return nil
}

// step is one guarded consultation transition. apply checks the caller and the
// current status, mutates c and performs any fund movement through w.
type step struct {
	command string
	event   string
	apply   func(w ledger.Writer, c *types.Consultation, now time.Time) error
}

func (e *Engine) transition(ctx context.Context, caller types.Identity, id uint64, s step) (*types.Consultation, error) {
	if err := requireCaller(caller); err != nil {
		return nil, e.reject(ctx, s.command, id, err)
	}

	now := e.clock.Now()
	var (
		result types.Consultation
		from   types.ConsultationStatus
	)
	err := e.store.Update(ctx, func(w ledger.Writer) error {
		c, err := loadConsultation(w, id)
		if err != nil {
			return err
		}
		from = c.Status
		if err := s.apply(w, c, now); err != nil {
			return err
		}
		if c.Status.IsTerminal() {
			finalizedAt := now
			c.FinalizedAt = &finalizedAt
			if err := registry.RecordOutcome(w, c.Doctor, c.Status); err != nil {
				return err
			}
		}
		if err := saveConsultation(w, c); err != nil {
			return err
		}
		_, err = ledger.AppendJSON(w, Stream(id), s.event, TransitionEvent{
			Consultation: id,
			From:         from,
			To:           c.Status,
			Actor:        caller,
			Amount:       c.Amount,
		}, now)
		if err != nil {
			return err
		}
		result = *c
		return nil
	})
	if err != nil {
		return nil, e.reject(ctx, s.command, id, err)
	}

	e.logger.EscrowTransition(ctx, id, string(from), string(result.Status), caller.String(), nil)
	e.metrics.RecordEscrowTransition(string(from), string(result.Status))
	if result.Status.IsTerminal() {
		e.recordPayouts(&result)
	}
	return &result, nil
}

// release splits the escrowed amount between the doctor and the platform
func (e *Engine) release(w ledger.Writer, c *types.Consultation, now time.Time) error {
	split := e.cfg.Fee.Split(c.Amount)
	if err := e.payout(w, c, c.Doctor, split.Doctor, PayoutRelease, now); err != nil {
		return err
	}
	return e.payout(w, c, e.cfg.PlatformAccount, split.Platform, PayoutPlatformFee, now)
}

// refund returns the escrowed amount to the patient
func (e *Engine) refund(w ledger.Writer, c *types.Consultation, now time.Time) error {
	return e.payout(w, c, c.Patient, c.Amount, PayoutRefund, now)
}

// payout moves amount from the consultation escrow to the account of to
func (e *Engine) payout(w ledger.Writer, c *types.Consultation, to types.Identity, amount uint64, reason string, now time.Time) error {
	if amount == 0 {
		return nil
	}
	held, _, err := ledger.GetJSON[uint64](w, EscrowKey(c.ID))
	if err != nil {
		return err
	}
	if held < amount {
		return types.NewInsufficientFundsError(types.ErrCodeEscrowShortfall, "escrow balance is lower than the payout").
			WithDetail("held", held).
			WithDetail("payout", amount)
	}
	if err := ledger.PutJSON(w, EscrowKey(c.ID), held-amount); err != nil {
		return err
	}

	balance, _, err := ledger.GetJSON[uint64](w, AccountKey(to))
	if err != nil {
		return err
	}
	if balance+amount < balance {
		return fmt.Errorf("account %s balance overflow", to)
	}
	if err := ledger.PutJSON(w, AccountKey(to), balance+amount); err != nil {
		return err
	}

	_, err = ledger.AppendJSON(w, Stream(c.ID), EventFundsTransferred, types.Payout{
		ConsultationID: c.ID,
		To:             to,
		Amount:         amount,
		Reason:         reason,
		At:             now,
	}, now)
	return err
}

func (e *Engine) recordPayouts(c *types.Consultation) {
	switch c.Status {
	case types.StatusReleased:
		split := e.cfg.Fee.Split(c.Amount)
		e.metrics.RecordPayout(PayoutRelease, split.Doctor)
		e.metrics.RecordPayout(PayoutPlatformFee, split.Platform)
	case types.StatusRefunded, types.StatusCancelled, types.StatusNoShow:
		e.metrics.RecordPayout(PayoutRefund, c.Amount)
	}
}

// requireStatus accepts c when its status is one of allowed. Terminal
// consultations are reported as finalized rather than merely in the wrong state.
func requireStatus(c *types.Consultation, allowed ...types.ConsultationStatus) error {
	for _, s := range allowed {
		if c.Status == s {
			return nil
		}
	}
	if c.Status.IsTerminal() {
		return types.NewAlreadyFinalizedError(types.ErrCodeAlreadyFinalized, "consultation is already finalized").
			WithDetail("status", c.Status)
	}
	return types.NewInvalidStateError(types.ErrCodeInvalidStatus, "consultation is not in the required status").
		WithDetail("status", c.Status).
		WithDetail("required", allowed)
}

func notParticipant(message string) error {
	return types.NewUnauthorizedError(types.ErrCodeNotParticipant, message)
}

func requireCaller(caller types.Identity) error {
	if caller.IsZero() {
		return types.NewUnauthorizedError(types.ErrCodeUnauthenticated, "caller is not authenticated")
	}
	return nil
}

func (e *Engine) reject(ctx context.Context, command string, id uint64, err error) error {
	err = wrapStorage(err)
	var fields map[string]interface{}
	if id != 0 {
		fields = map[string]interface{}{"consultation_id": id}
	}
	e.logger.Rejected(ctx, component, command, err, fields)
	e.metrics.RecordRejection(component, command, string(types.KindOf(err)))
	return err
}

func wrapStorage(err error) error {
	if err == nil || types.KindOf(err) != "" {
		return err
	}
	return types.NewUnavailableError("escrow storage failure", err)
}
