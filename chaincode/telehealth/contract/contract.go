// Package contract exposes the registry, consultation escrow and record access
// engines as a Hyperledger Fabric smart contract. Every transaction runs the
// engines against the world state of that transaction, with the transaction
// timestamp as the clock and the submitting client identity as the caller.
package contract

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"
	"github.com/medrex/dlt-telehealth/internal/access"
	"github.com/medrex/dlt-telehealth/internal/escrow"
	"github.com/medrex/dlt-telehealth/internal/fee"
	"github.com/medrex/dlt-telehealth/internal/registry"
	"github.com/medrex/dlt-telehealth/pkg/ledger"
	"github.com/medrex/dlt-telehealth/pkg/logger"
	"github.com/medrex/dlt-telehealth/pkg/types"
)

const configKey = "config/chaincode"

// SmartContract provides the telehealth transactions
type SmartContract struct {
	contractapi.Contract
	Logger *logger.Logger
}

// Settings are fixed by InitLedger and read by every transaction
type Settings struct {
	Verifier           types.Identity `json:"verifier"`
	PlatformAccount    types.Identity `json:"platform_account"`
	Arbiter            types.Identity `json:"arbiter"`
	PlatformFeePercent uint8          `json:"platform_fee_percent"`
}

// engines is the per-transaction wiring of the three engines
type engines struct {
	caller   types.Identity
	registry *registry.Service
	escrow   *escrow.Engine
	access   *access.Engine
}

// InitLedger records the platform identities and fee. It may run only once.
func (s *SmartContract) InitLedger(ctx contractapi.TransactionContextInterface, verifier, platform, arbiter string, feePercent uint8) error {
	if _, err := fee.NewPolicy(feePercent); err != nil {
		return err
	}
	if verifier == "" || platform == "" || arbiter == "" {
		return types.NewPolicyViolationError(types.ErrCodeInvalidInput, "verifier, platform and arbiter are required")
	}

	store := newStore(ctx.GetStub())
	return store.Update(context.Background(), func(w ledger.Writer) error {
		_, found, err := ledger.GetJSON[Settings](w, configKey)
		if err != nil {
			return err
		}
		if found {
			return types.NewPolicyViolationError(types.ErrCodeInvalidInput, "ledger is already initialized")
		}
		return ledger.PutJSON(w, configKey, Settings{
			Verifier:           types.Identity(verifier),
			PlatformAccount:    types.Identity(platform),
			Arbiter:            types.Identity(arbiter),
			PlatformFeePercent: feePercent,
		})
	})
}

// GetSettings returns the settings written by InitLedger
func (s *SmartContract) GetSettings(ctx contractapi.TransactionContextInterface) (string, error) {
	settings, err := loadSettings(newStore(ctx.GetStub()))
	if err != nil {
		return "", err
	}
	return toJSON(settings)
}

func loadSettings(store ledger.Store) (Settings, error) {
	var settings Settings
	err := store.View(context.Background(), func(r ledger.Reader) error {
		var (
			found bool
			err   error
		)
		settings, found, err = ledger.GetJSON[Settings](r, configKey)
		if err != nil {
			return err
		}
		if !found {
			return types.NewInvalidStateError(types.ErrCodeInvalidStatus, "ledger is not initialized, call InitLedger first")
		}
		return nil
	})
	return settings, err
}

func (s *SmartContract) open(ctx contractapi.TransactionContextInterface) (*engines, error) {
	stub := ctx.GetStub()

	id, err := ctx.GetClientIdentity().GetID()
	if err != nil {
		return nil, fmt.Errorf("failed to get client identity: %w", err)
	}
	ts, err := stub.GetTxTimestamp()
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction timestamp: %w", err)
	}
	clock := types.FixedClock(ts.AsTime().UTC())

	store := newStore(stub)
	settings, err := loadSettings(store)
	if err != nil {
		return nil, err
	}
	policy, err := fee.NewPolicy(settings.PlatformFeePercent)
	if err != nil {
		return nil, err
	}

	log := s.Logger
	if log == nil {
		log = logger.Discard()
	}

	accessEngine := access.New(store, access.DefaultConfig(), access.WithClock(clock), access.WithLogger(log))
	escrowCfg := escrow.DefaultConfig(settings.PlatformAccount, settings.Arbiter)
	escrowCfg.Fee = policy

	return &engines{
		caller: types.Identity(id),
		registry: registry.New(store, registry.Config{Verifier: settings.Verifier},
			registry.WithClock(clock), registry.WithLogger(log)),
		escrow: escrow.New(store, escrowCfg,
			escrow.WithClock(clock), escrow.WithLogger(log), escrow.WithAccessProbe(accessEngine)),
		access: accessEngine,
	}, nil
}

// emit publishes a chaincode event. Fabric keeps only the last event of a transaction.
func emit(ctx contractapi.TransactionContextInterface, name string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", name, err)
	}
	return ctx.GetStub().SetEvent(name, raw)
}

func toJSON(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal result: %w", err)
	}
	return string(raw), nil
}

func fromJSON(input string, v interface{}) error {
	if err := json.Unmarshal([]byte(input), v); err != nil {
		return types.NewPolicyViolationError(types.ErrCodeInvalidInput, "invalid JSON argument: "+err.Error())
	}
	return nil
}

// Registry

// RegisterDoctor registers the caller as an unverified doctor
func (s *SmartContract) RegisterDoctor(ctx contractapi.TransactionContextInterface, registrationJSON string) (string, error) {
	var reg registry.DoctorRegistration
	if err := fromJSON(registrationJSON, &reg); err != nil {
		return "", err
	}
	e, err := s.open(ctx)
	if err != nil {
		return "", err
	}
	profile, err := e.registry.RegisterDoctor(context.Background(), e.caller, reg)
	if err != nil {
		return "", err
	}
	return toJSON(profile)
}

// VerifyDoctor marks doctor as verified. Only the verifier may call it.
func (s *SmartContract) VerifyDoctor(ctx contractapi.TransactionContextInterface, doctor string) error {
	e, err := s.open(ctx)
	if err != nil {
		return err
	}
	return e.registry.VerifyDoctor(context.Background(), e.caller, types.Identity(doctor))
}

// UpdateDoctorFee changes the caller's consultation fee
func (s *SmartContract) UpdateDoctorFee(ctx contractapi.TransactionContextInterface, consultationFee uint64) error {
	e, err := s.open(ctx)
	if err != nil {
		return err
	}
	return e.registry.UpdateDoctorFee(context.Background(), e.caller, consultationFee)
}

// SetAvailability replaces the caller's published slots
func (s *SmartContract) SetAvailability(ctx contractapi.TransactionContextInterface, slotsJSON string) (string, error) {
	var slots []types.TimeSlot
	if err := fromJSON(slotsJSON, &slots); err != nil {
		return "", err
	}
	e, err := s.open(ctx)
	if err != nil {
		return "", err
	}
	availability, err := e.registry.SetAvailability(context.Background(), e.caller, slots)
	if err != nil {
		return "", err
	}
	return toJSON(availability)
}

// RegisterPatient registers the caller as a patient
func (s *SmartContract) RegisterPatient(ctx contractapi.TransactionContextInterface, registrationJSON string) (string, error) {
	var reg registry.PatientRegistration
	if err := fromJSON(registrationJSON, &reg); err != nil {
		return "", err
	}
	e, err := s.open(ctx)
	if err != nil {
		return "", err
	}
	profile, err := e.registry.RegisterPatient(context.Background(), e.caller, reg)
	if err != nil {
		return "", err
	}
	return toJSON(profile)
}

// UpdateRecordsPointer changes the caller's off-chain records pointer
func (s *SmartContract) UpdateRecordsPointer(ctx contractapi.TransactionContextInterface, pointer string) error {
	e, err := s.open(ctx)
	if err != nil {
		return err
	}
	return e.registry.UpdateRecordsPointer(context.Background(), e.caller, pointer)
}

// GetDoctor returns a doctor profile
func (s *SmartContract) GetDoctor(ctx contractapi.TransactionContextInterface, doctor string) (string, error) {
	e, err := s.open(ctx)
	if err != nil {
		return "", err
	}
	profile, err := e.registry.GetDoctor(context.Background(), types.Identity(doctor))
	if err != nil {
		return "", err
	}
	return toJSON(profile)
}

// GetDoctorStats returns the outcome counters and rating of a doctor
func (s *SmartContract) GetDoctorStats(ctx contractapi.TransactionContextInterface, doctor string) (string, error) {
	e, err := s.open(ctx)
	if err != nil {
		return "", err
	}
	stats, err := e.registry.GetDoctorStats(context.Background(), types.Identity(doctor))
	if err != nil {
		return "", err
	}
	return toJSON(stats)
}

// GetAvailableSlots returns the unbooked slots of a doctor
func (s *SmartContract) GetAvailableSlots(ctx contractapi.TransactionContextInterface, doctor string) (string, error) {
	e, err := s.open(ctx)
	if err != nil {
		return "", err
	}
	slots, err := e.registry.GetAvailableSlots(context.Background(), types.Identity(doctor))
	if err != nil {
		return "", err
	}
	if slots == nil {
		slots = []types.TimeSlot{}
	}
	return toJSON(slots)
}

// GetPatient returns the caller's patient profile
func (s *SmartContract) GetPatient(ctx contractapi.TransactionContextInterface) (string, error) {
	e, err := s.open(ctx)
	if err != nil {
		return "", err
	}
	profile, err := e.registry.GetPatient(context.Background(), e.caller)
	if err != nil {
		return "", err
	}
	return toJSON(profile)
}

// GetTotals returns the number of registered doctors and patients
func (s *SmartContract) GetTotals(ctx contractapi.TransactionContextInterface) (string, error) {
	e, err := s.open(ctx)
	if err != nil {
		return "", err
	}
	totals, err := e.registry.Totals(context.Background())
	if err != nil {
		return "", err
	}
	return toJSON(totals)
}

// Escrow

// BookConsultation books a consultation for the caller and escrows the payment
func (s *SmartContract) BookConsultation(ctx contractapi.TransactionContextInterface, doctor string, scheduledAt string, amount uint64) (string, error) {
	at, err := time.Parse(time.RFC3339, scheduledAt)
	if err != nil {
		return "", types.NewPolicyViolationError(types.ErrCodeInvalidInput, "scheduled time must be RFC 3339")
	}
	e, err := s.open(ctx)
	if err != nil {
		return "", err
	}
	c, err := e.escrow.Book(context.Background(), e.caller, escrow.Booking{
		Doctor:      types.Identity(doctor),
		ScheduledAt: at,
		Amount:      amount,
	})
	if err != nil {
		return "", err
	}
	return s.transitioned(ctx, c)
}

// StartConsultation moves a consultation to InProgress
func (s *SmartContract) StartConsultation(ctx contractapi.TransactionContextInterface, id uint64) (string, error) {
	return s.consultation(ctx, func(e *engines) (*types.Consultation, error) {
		return e.escrow.Start(context.Background(), e.caller, id)
	})
}

// MarkCompleted closes a consultation with a pointer to the clinical notes
func (s *SmartContract) MarkCompleted(ctx contractapi.TransactionContextInterface, id uint64, notesPointer string) (string, error) {
	return s.consultation(ctx, func(e *engines) (*types.Consultation, error) {
		return e.escrow.MarkCompleted(context.Background(), e.caller, id, notesPointer)
	})
}

// ReleasePayment pays out a completed consultation
func (s *SmartContract) ReleasePayment(ctx contractapi.TransactionContextInterface, id uint64) (string, error) {
	return s.consultation(ctx, func(e *engines) (*types.Consultation, error) {
		return e.escrow.ReleasePayment(context.Background(), e.caller, id)
	})
}

// DisputeConsultation disputes a completed consultation within the window
func (s *SmartContract) DisputeConsultation(ctx contractapi.TransactionContextInterface, id uint64) (string, error) {
	return s.consultation(ctx, func(e *engines) (*types.Consultation, error) {
		return e.escrow.Dispute(context.Background(), e.caller, id)
	})
}

// ResolveDispute applies the arbiter's decision, "refund" or "release"
func (s *SmartContract) ResolveDispute(ctx contractapi.TransactionContextInterface, id uint64, outcome string) (string, error) {
	return s.consultation(ctx, func(e *engines) (*types.Consultation, error) {
		return e.escrow.Resolve(context.Background(), e.caller, id, types.Resolution(outcome))
	})
}

// CancelConsultation refunds a pending consultation
func (s *SmartContract) CancelConsultation(ctx contractapi.TransactionContextInterface, id uint64) (string, error) {
	return s.consultation(ctx, func(e *engines) (*types.Consultation, error) {
		return e.escrow.Cancel(context.Background(), e.caller, id)
	})
}

// ReportNoShow refunds a consultation that did not take place
func (s *SmartContract) ReportNoShow(ctx contractapi.TransactionContextInterface, id uint64) (string, error) {
	return s.consultation(ctx, func(e *engines) (*types.Consultation, error) {
		return e.escrow.ReportNoShow(context.Background(), e.caller, id)
	})
}

// RateConsultation records the patient's score for a released consultation
func (s *SmartContract) RateConsultation(ctx contractapi.TransactionContextInterface, id uint64, score uint8) error {
	e, err := s.open(ctx)
	if err != nil {
		return err
	}
	return e.escrow.Rate(context.Background(), e.caller, id, score)
}

// GetConsultation returns a consultation
func (s *SmartContract) GetConsultation(ctx contractapi.TransactionContextInterface, id uint64) (string, error) {
	e, err := s.open(ctx)
	if err != nil {
		return "", err
	}
	c, err := e.escrow.GetConsultation(context.Background(), id)
	if err != nil {
		return "", err
	}
	return toJSON(c)
}

// GetEscrowBalance returns the amount still held for a consultation
func (s *SmartContract) GetEscrowBalance(ctx contractapi.TransactionContextInterface, id uint64) (uint64, error) {
	e, err := s.open(ctx)
	if err != nil {
		return 0, err
	}
	return e.escrow.EscrowBalance(context.Background(), id)
}

// GetBalance returns the paid-out balance of the caller
func (s *SmartContract) GetBalance(ctx contractapi.TransactionContextInterface) (uint64, error) {
	e, err := s.open(ctx)
	if err != nil {
		return 0, err
	}
	return e.escrow.Balance(context.Background(), e.caller)
}

// GetTotalConsultations returns the number of consultations ever booked
func (s *SmartContract) GetTotalConsultations(ctx contractapi.TransactionContextInterface) (uint64, error) {
	e, err := s.open(ctx)
	if err != nil {
		return 0, err
	}
	return e.escrow.TotalConsultations(context.Background())
}

// GetConsultationEvents returns the state changes and fund movements of a consultation
func (s *SmartContract) GetConsultationEvents(ctx contractapi.TransactionContextInterface, id uint64) (string, error) {
	e, err := s.open(ctx)
	if err != nil {
		return "", err
	}
	events, err := e.escrow.ListConsultationEvents(context.Background(), id)
	if err != nil {
		return "", err
	}
	if events == nil {
		events = []ledger.Event{}
	}
	return toJSON(events)
}

// DoctorHasRecordAccess reports whether the doctor of a consultation may read record
func (s *SmartContract) DoctorHasRecordAccess(ctx contractapi.TransactionContextInterface, id uint64, record string) (bool, error) {
	hash, err := types.ParseRecordHash(record)
	if err != nil {
		return false, err
	}
	e, err := s.open(ctx)
	if err != nil {
		return false, err
	}
	return e.escrow.DoctorHasRecordAccess(context.Background(), id, hash)
}

func (s *SmartContract) consultation(ctx contractapi.TransactionContextInterface, fn func(*engines) (*types.Consultation, error)) (string, error) {
	e, err := s.open(ctx)
	if err != nil {
		return "", err
	}
	c, err := fn(e)
	if err != nil {
		return "", err
	}
	return s.transitioned(ctx, c)
}

// transitioned emits the consultation event and returns c as JSON
func (s *SmartContract) transitioned(ctx contractapi.TransactionContextInterface, c *types.Consultation) (string, error) {
	if err := emit(ctx, "Consultation"+string(c.Status), c); err != nil {
		return "", err
	}
	return toJSON(c)
}

// Access control

// RegisterRecord makes the caller the owner of a record hash
func (s *SmartContract) RegisterRecord(ctx contractapi.TransactionContextInterface, record string) (string, error) {
	hash, err := types.ParseRecordHash(record)
	if err != nil {
		return "", err
	}
	e, err := s.open(ctx)
	if err != nil {
		return "", err
	}
	ownership, err := e.access.RegisterRecord(context.Background(), e.caller, hash)
	if err != nil {
		return "", err
	}
	return toJSON(ownership)
}

// GrantAccess grants access on record as described by grantJSON
func (s *SmartContract) GrantAccess(ctx contractapi.TransactionContextInterface, record string, grantJSON string) (string, error) {
	hash, err := types.ParseRecordHash(record)
	if err != nil {
		return "", err
	}
	var g access.Grant
	if err := fromJSON(grantJSON, &g); err != nil {
		return "", err
	}
	e, err := s.open(ctx)
	if err != nil {
		return "", err
	}
	grant, err := e.access.GrantAccess(context.Background(), e.caller, hash, g)
	if err != nil {
		return "", err
	}
	if err := emit(ctx, "AccessGranted", grant); err != nil {
		return "", err
	}
	return toJSON(grant)
}

// GrantAccessBulk applies one grant to every record of recordsJSON atomically
func (s *SmartContract) GrantAccessBulk(ctx contractapi.TransactionContextInterface, recordsJSON string, grantJSON string) (string, error) {
	var records []types.RecordHash
	if err := fromJSON(recordsJSON, &records); err != nil {
		return "", err
	}
	var g access.Grant
	if err := fromJSON(grantJSON, &g); err != nil {
		return "", err
	}
	e, err := s.open(ctx)
	if err != nil {
		return "", err
	}
	grants, err := e.access.GrantAccessBulk(context.Background(), e.caller, records, g)
	if err != nil {
		return "", err
	}
	return toJSON(grants)
}

// RevokeAccess revokes the grant of grantee on record
func (s *SmartContract) RevokeAccess(ctx contractapi.TransactionContextInterface, record string, grantee string) error {
	hash, err := types.ParseRecordHash(record)
	if err != nil {
		return err
	}
	e, err := s.open(ctx)
	if err != nil {
		return err
	}
	if err := e.access.RevokeAccess(context.Background(), e.caller, hash, types.Identity(grantee)); err != nil {
		return err
	}
	return emit(ctx, "AccessRevoked", map[string]interface{}{"record": hash, "grantee": grantee})
}

// CheckAccess decides whether the caller may read record and logs the view
func (s *SmartContract) CheckAccess(ctx contractapi.TransactionContextInterface, record string, emergency bool) (string, error) {
	hash, err := types.ParseRecordHash(record)
	if err != nil {
		return "", err
	}
	e, err := s.open(ctx)
	if err != nil {
		return "", err
	}
	var opts []access.CheckOption
	if emergency {
		opts = append(opts, access.WithEmergencyIntent())
	}
	decision, err := e.access.CheckAccess(context.Background(), hash, e.caller, opts...)
	if err != nil {
		return "", err
	}
	return toJSON(decision)
}

// AddEmergencyContact adds contact to the caller's emergency contacts
func (s *SmartContract) AddEmergencyContact(ctx contractapi.TransactionContextInterface, contact string) error {
	e, err := s.open(ctx)
	if err != nil {
		return err
	}
	return e.access.AddEmergencyContact(context.Background(), e.caller, types.Identity(contact))
}

// RemoveEmergencyContact removes contact from the caller's emergency contacts
func (s *SmartContract) RemoveEmergencyContact(ctx contractapi.TransactionContextInterface, contact string) error {
	e, err := s.open(ctx)
	if err != nil {
		return err
	}
	return e.access.RemoveEmergencyContact(context.Background(), e.caller, types.Identity(contact))
}

// EmergencyAccess opens record of patient to the caller, an emergency contact
func (s *SmartContract) EmergencyAccess(ctx contractapi.TransactionContextInterface, patient string, record string) (string, error) {
	hash, err := types.ParseRecordHash(record)
	if err != nil {
		return "", err
	}
	e, err := s.open(ctx)
	if err != nil {
		return "", err
	}
	grant, err := e.access.EmergencyAccess(context.Background(), e.caller, types.Identity(patient), hash)
	if err != nil {
		return "", err
	}
	if err := emit(ctx, "EmergencyAccess", grant); err != nil {
		return "", err
	}
	return toJSON(grant)
}

// GetRecordOwner returns the ownership of record
func (s *SmartContract) GetRecordOwner(ctx contractapi.TransactionContextInterface, record string) (string, error) {
	hash, err := types.ParseRecordHash(record)
	if err != nil {
		return "", err
	}
	e, err := s.open(ctx)
	if err != nil {
		return "", err
	}
	ownership, err := e.access.GetRecordOwner(context.Background(), hash)
	if err != nil {
		return "", err
	}
	return toJSON(ownership)
}

// GetAccessGrant returns the grant of grantee on record. Only the grantee or
// the record owner may read it.
func (s *SmartContract) GetAccessGrant(ctx contractapi.TransactionContextInterface, record string, grantee string) (string, error) {
	hash, err := types.ParseRecordHash(record)
	if err != nil {
		return "", err
	}
	e, err := s.open(ctx)
	if err != nil {
		return "", err
	}
	if e.caller != types.Identity(grantee) {
		ownership, err := e.access.GetRecordOwner(context.Background(), hash)
		if err != nil {
			return "", err
		}
		if ownership.Owner != e.caller {
			return "", types.NewUnauthorizedError(types.ErrCodeNotRecordOwner, "only the record owner or the grantee may read a grant")
		}
	}
	grant, err := e.access.GetAccessGrant(context.Background(), hash, types.Identity(grantee))
	if err != nil {
		return "", err
	}
	return toJSON(grant)
}

// GetAccessHistory pages through the access log of record. Only the owner may read it.
func (s *SmartContract) GetAccessHistory(ctx contractapi.TransactionContextInterface, record string, afterSeq uint64, limit int) (string, error) {
	hash, err := types.ParseRecordHash(record)
	if err != nil {
		return "", err
	}
	e, err := s.open(ctx)
	if err != nil {
		return "", err
	}
	ownership, err := e.access.GetRecordOwner(context.Background(), hash)
	if err != nil {
		return "", err
	}
	if ownership.Owner != e.caller {
		return "", types.NewUnauthorizedError(types.ErrCodeNotRecordOwner, "only the record owner may read its access history")
	}
	entries, err := e.access.GetAccessHistory(context.Background(), hash, afterSeq, limit)
	if err != nil {
		return "", err
	}
	return toJSON(entries)
}

// GetEmergencyContacts returns the caller's emergency contacts
func (s *SmartContract) GetEmergencyContacts(ctx contractapi.TransactionContextInterface) (string, error) {
	e, err := s.open(ctx)
	if err != nil {
		return "", err
	}
	contacts, err := e.access.GetEmergencyContacts(context.Background(), e.caller)
	if err != nil {
		return "", err
	}
	return toJSON(contacts)
}
