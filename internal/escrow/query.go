package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/medrex/dlt-telehealth/internal/fee"
	"github.com/medrex/dlt-telehealth/pkg/ledger"
	"github.com/medrex/dlt-telehealth/pkg/types"
)

const consultationsSequence = "consultations"

// Event types appended to a consultation stream
const (
	EventBooked           = "ConsultationBooked"
	EventStarted          = "ConsultationStarted"
	EventCompleted        = "ConsultationCompleted"
	EventReleased         = "PaymentReleased"
	EventDisputed         = "ConsultationDisputed"
	EventResolved         = "DisputeResolved"
	EventCancelled        = "ConsultationCancelled"
	EventNoShow           = "NoShowReported"
	EventRated            = "ConsultationRated"
	EventFundsTransferred = "FundsTransferred"
)

// Payout reasons
const (
	PayoutRelease     = "release"
	PayoutPlatformFee = "platform_fee"
	PayoutRefund      = "refund"
)

// TransitionEvent is the payload of a state change event
type TransitionEvent struct {
	Consultation uint64                   `json:"consultation"`
	From         types.ConsultationStatus `json:"from,omitempty"`
	To           types.ConsultationStatus `json:"to"`
	Actor        types.Identity           `json:"actor"`
	Amount       uint64                   `json:"amount"`
}

// ConsultationKey is the ledger key of a consultation
func ConsultationKey(id uint64) string { return fmt.Sprintf("consultation/%020d", id) }

// EscrowKey is the ledger key of the funds held for a consultation
func EscrowKey(id uint64) string { return fmt.Sprintf("escrow/%020d", id) }

// AccountKey is the ledger key of the paid-out balance of an identity
func AccountKey(id types.Identity) string { return "account/" + string(id) }

// Stream is the event stream of a consultation
func Stream(id uint64) string { return fmt.Sprintf("consultation/%d", id) }

func loadConsultation(r ledger.Reader, id uint64) (*types.Consultation, error) {
	c, found, err := ledger.GetJSON[types.Consultation](r, ConsultationKey(id))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, types.NewNotFoundError(types.ErrCodeConsultationNotFound, "consultation does not exist").
			WithDetail("consultation_id", id)
	}
	return &c, nil
}

func saveConsultation(w ledger.Writer, c *types.Consultation) error {
	return ledger.PutJSON(w, ConsultationKey(c.ID), c)
}

// Settings is the escrow policy callers need before booking
type Settings struct {
	PlatformFeePercent uint8          `json:"platform_fee_percent"`
	PlatformAccount    types.Identity `json:"platform_account"`
	Arbiter            types.Identity `json:"arbiter"`
	DisputeWindow      time.Duration  `json:"dispute_window"`
}

// Settings returns the fee and dispute policy the engine applies
func (e *Engine) Settings() Settings {
	return Settings{
		PlatformFeePercent: e.cfg.Fee.Percent(),
		PlatformAccount:    e.cfg.PlatformAccount,
		Arbiter:            e.cfg.Arbiter,
		DisputeWindow:      e.cfg.DisputeWindow,
	}
}

// PreviewSplit returns how a release of amount would be divided
func (e *Engine) PreviewSplit(amount uint64) fee.Split {
	return e.cfg.Fee.Split(amount)
}

// GetConsultation returns consultation id
func (e *Engine) GetConsultation(ctx context.Context, id uint64) (*types.Consultation, error) {
	var c *types.Consultation
	err := e.store.View(ctx, func(r ledger.Reader) error {
		var err error
		c, err = loadConsultation(r, id)
		return err
	})
	if err != nil {
		return nil, wrapStorage(err)
	}
	return c, nil
}

// EscrowBalance returns the amount still held for consultation id
func (e *Engine) EscrowBalance(ctx context.Context, id uint64) (uint64, error) {
	var held uint64
	err := e.store.View(ctx, func(r ledger.Reader) error {
		if _, err := loadConsultation(r, id); err != nil {
			return err
		}
		var err error
		held, _, err = ledger.GetJSON[uint64](r, EscrowKey(id))
		return err
	})
	if err != nil {
		return 0, wrapStorage(err)
	}
	return held, nil
}

// Balance returns the funds paid out of escrow to id
func (e *Engine) Balance(ctx context.Context, id types.Identity) (uint64, error) {
	var balance uint64
	err := e.store.View(ctx, func(r ledger.Reader) error {
		var err error
		balance, _, err = ledger.GetJSON[uint64](r, AccountKey(id))
		return err
	})
	if err != nil {
		return 0, wrapStorage(err)
	}
	return balance, nil
}

// TotalConsultations returns how many consultations have been booked
func (e *Engine) TotalConsultations(ctx context.Context) (uint64, error) {
	var total uint64
	err := e.store.View(ctx, func(r ledger.Reader) error {
		raw, err := r.Get(ledger.SequenceKey(consultationsSequence))
		if errors.Is(err, ledger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		total, err = ledger.DecodeSequence(raw)
		return err
	})
	if err != nil {
		return 0, wrapStorage(err)
	}
	return total, nil
}

// ListConsultationEvents returns the events of consultation id in order
func (e *Engine) ListConsultationEvents(ctx context.Context, id uint64) ([]ledger.Event, error) {
	var events []ledger.Event
	err := e.store.View(ctx, func(r ledger.Reader) error {
		if _, err := loadConsultation(r, id); err != nil {
			return err
		}
		var err error
		events, err = r.Events(Stream(id), 0, 0)
		return err
	})
	if err != nil {
		return nil, wrapStorage(err)
	}
	return events, nil
}

// DoctorHasRecordAccess reports whether the doctor of consultation id can read
// record. The probe is not audited.
func (e *Engine) DoctorHasRecordAccess(ctx context.Context, id uint64, record types.RecordHash) (bool, error) {
	if e.access == nil {
		return false, types.NewPolicyViolationError(types.ErrCodeInvalidInput, "record access engine is not configured")
	}
	c, err := e.GetConsultation(ctx, id)
	if err != nil {
		return false, err
	}
	return e.access.ProbeAccess(ctx, record, c.Doctor)
}
