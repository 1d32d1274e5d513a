// Package access decides who may read a medical record. Owners register
// records by content hash and hand out revocable, optionally expiring grants;
// registered emergency contacts can grant themselves short-lived access.
// Every grant change and every audited read lands in the record's access log.
package access

import (
	"context"
	"sort"
	"time"

	"github.com/medrex/dlt-telehealth/pkg/ledger"
	"github.com/medrex/dlt-telehealth/pkg/logger"
	"github.com/medrex/dlt-telehealth/pkg/monitoring"
	"github.com/medrex/dlt-telehealth/pkg/types"
)

const component = "access"

// Defaults for Config
const (
	DefaultEmergencyTTL         = 24 * time.Hour
	DefaultMaxEmergencyContacts = 3
)

// Config holds access policy
type Config struct {
	EmergencyTTL         time.Duration
	MaxEmergencyContacts int
	// DefaultHistoryLimit caps GetAccessHistory when the caller passes no limit; 0 returns everything
	DefaultHistoryLimit int
}

// DefaultConfig returns the default access policy
func DefaultConfig() Config {
	return Config{
		EmergencyTTL:         DefaultEmergencyTTL,
		MaxEmergencyContacts: DefaultMaxEmergencyContacts,
	}
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

// Engine is the medical records access control engine
type Engine struct {
	store   ledger.Store
	cfg     Config
	clock   types.Clock
	logger  *logger.Logger
	metrics *monitoring.MetricsCollector
}

// New creates an access engine
func New(store ledger.Store, cfg Config, opts ...Option) *Engine {
	if cfg.MaxEmergencyContacts <= 0 {
		cfg.MaxEmergencyContacts = DefaultMaxEmergencyContacts
	}
	if cfg.EmergencyTTL <= 0 {
		cfg.EmergencyTTL = DefaultEmergencyTTL
	}
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

// RegisterRecord makes caller the owner of record
func (e *Engine) RegisterRecord(ctx context.Context, caller types.Identity, record types.RecordHash) (*types.RecordOwnership, error) {
	const command = "register_record"
	if err := requireCaller(caller); err != nil {
		return nil, e.reject(ctx, command, record, err)
	}
	if record.IsZero() {
		return nil, e.reject(ctx, command, record,
			types.NewPolicyViolationError(types.ErrCodeInvalidInput, "record hash is required"))
	}

	now := e.clock.Now()
	ownership := types.RecordOwnership{Record: record, Owner: caller, RegisteredAt: now}
	err := e.store.Update(ctx, func(w ledger.Writer) error {
		_, found, err := ledger.GetJSON[types.RecordOwnership](w, RecordKey(record))
		if err != nil {
			return err
		}
		if found {
			return types.NewPolicyViolationError(types.ErrCodeRecordExists, "record is already registered")
		}
		return ledger.PutJSON(w, RecordKey(record), ownership)
	})
	if err != nil {
		return nil, e.reject(ctx, command, record, err)
	}

	e.logger.Audit(caller.String(), command, RecordKey(record), true, nil)
	return &ownership, nil
}

// Grant is the input of GrantAccess and GrantAccessBulk
type Grant struct {
	Grantee   types.Identity    `json:"grantee"`
	Level     types.AccessLevel `json:"level"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
}

func (g Grant) validate(caller types.Identity, now time.Time) error {
	if g.Grantee.IsZero() {
		return types.NewPolicyViolationError(types.ErrCodeInvalidInput, "grantee is required")
	}
	if g.Grantee == caller {
		return types.NewPolicyViolationError(types.ErrCodeSelfDealing, "owners cannot grant access to themselves")
	}
	if !g.Level.Valid() {
		return types.NewPolicyViolationError(types.ErrCodeInvalidInput, "unknown access level").
			WithDetail("level", g.Level)
	}
	if g.Level == types.AccessEmergency {
		return types.NewPolicyViolationError(types.ErrCodeReservedLevel, "emergency access is only granted through the emergency flow")
	}
	if g.ExpiresAt != nil && !g.ExpiresAt.After(now) {
		return types.NewPolicyViolationError(types.ErrCodeExpiryInPast, "expiry must lie in the future").
			WithDetail("expires_at", *g.ExpiresAt)
	}
	return nil
}

// GrantAccess gives g.Grantee access to record, replacing any earlier grant
// for the pair. Only the record owner may grant.
func (e *Engine) GrantAccess(ctx context.Context, caller types.Identity, record types.RecordHash, g Grant) (*types.AccessGrant, error) {
	grants, err := e.grant(ctx, "grant_access", caller, []types.RecordHash{record}, g)
	if err != nil {
		return nil, err
	}
	return &grants[0], nil
}

// GrantAccessBulk applies the same grant to every record in one transaction.
// Either every grant is written or none is.
func (e *Engine) GrantAccessBulk(ctx context.Context, caller types.Identity, records []types.RecordHash, g Grant) ([]types.AccessGrant, error) {
	return e.grant(ctx, "grant_access_bulk", caller, records, g)
}

func (e *Engine) grant(ctx context.Context, command string, caller types.Identity, records []types.RecordHash, g Grant) ([]types.AccessGrant, error) {
	if err := requireCaller(caller); err != nil {
		return nil, e.reject(ctx, command, types.RecordHash{}, err)
	}
	records = dedupe(records)
	if len(records) == 0 {
		return nil, e.reject(ctx, command, types.RecordHash{},
			types.NewPolicyViolationError(types.ErrCodeEmptyBulkRequest, "at least one record is required"))
	}
	now := e.clock.Now()
	if err := g.validate(caller, now); err != nil {
		return nil, e.reject(ctx, command, records[0], err)
	}

	var grants []types.AccessGrant
	err := e.store.Update(ctx, func(w ledger.Writer) error {
		grants = grants[:0]
		for _, record := range records {
			if _, err := requireOwner(w, record, caller); err != nil {
				return err
			}
			grant := types.AccessGrant{
				Record:    record,
				Grantee:   g.Grantee,
				Grantor:   caller,
				Level:     g.Level,
				GrantedAt: now,
				ExpiresAt: g.ExpiresAt,
			}
			if err := ledger.PutJSON(w, GrantKey(record, g.Grantee), grant); err != nil {
				return err
			}
			if err := appendLog(w, record, g.Grantee, g.Level, types.ActionGranted, now); err != nil {
				return err
			}
			grants = append(grants, grant)
		}
		return nil
	})
	if err != nil {
		return nil, e.reject(ctx, command, records[0], err)
	}

	for _, grant := range grants {
		e.logger.RecordAccess(ctx, g.Grantee.String(), caller.String(), grant.Record.String(),
			string(types.ActionGranted), true, map[string]interface{}{"level": g.Level})
	}
	return grants, nil
}

// RevokeAccess tombstones the grant of grantee on record. Revoking a missing
// or already revoked grant succeeds without writing anything.
func (e *Engine) RevokeAccess(ctx context.Context, caller types.Identity, record types.RecordHash, grantee types.Identity) error {
	const command = "revoke_access"
	if err := requireCaller(caller); err != nil {
		return e.reject(ctx, command, record, err)
	}

	now := e.clock.Now()
	revoked := false
	err := e.store.Update(ctx, func(w ledger.Writer) error {
		revoked = false
		if _, err := requireOwner(w, record, caller); err != nil {
			return err
		}
		grant, found, err := ledger.GetJSON[types.AccessGrant](w, GrantKey(record, grantee))
		if err != nil {
			return err
		}
		if !found || grant.Revoked {
			return nil
		}
		grant.Revoked = true
		if err := ledger.PutJSON(w, GrantKey(record, grantee), grant); err != nil {
			return err
		}
		revoked = true
		return appendLog(w, record, grantee, grant.Level, types.ActionRevoked, now)
	})
	if err != nil {
		return e.reject(ctx, command, record, err)
	}

	if revoked {
		e.logger.RecordAccess(ctx, grantee.String(), caller.String(), record.String(),
			string(types.ActionRevoked), false, nil)
	}
	return nil
}

// AddEmergencyContact adds contact to caller's emergency contacts. Adding an
// existing contact is a no-op.
func (e *Engine) AddEmergencyContact(ctx context.Context, caller, contact types.Identity) error {
	const command = "add_emergency_contact"
	if err := requireCaller(caller); err != nil {
		return e.rejectContact(ctx, command, caller, err)
	}
	if contact.IsZero() {
		return e.rejectContact(ctx, command, caller,
			types.NewPolicyViolationError(types.ErrCodeInvalidInput, "contact is required"))
	}
	if contact == caller {
		return e.rejectContact(ctx, command, caller,
			types.NewPolicyViolationError(types.ErrCodeSelfDealing, "patients cannot be their own emergency contact"))
	}

	now := e.clock.Now()
	err := e.store.Update(ctx, func(w ledger.Writer) error {
		contacts, err := loadContacts(w, caller)
		if err != nil {
			return err
		}
		if contains(contacts, contact) {
			return nil
		}
		if len(contacts) >= e.cfg.MaxEmergencyContacts {
			return types.NewPolicyViolationError(types.ErrCodeContactListFull, "emergency contact list is full").
				WithDetail("max", e.cfg.MaxEmergencyContacts)
		}
		contacts = append(contacts, contact)
		sort.Slice(contacts, func(i, j int) bool { return contacts[i] < contacts[j] })
		if err := ledger.PutJSON(w, ContactsKey(caller), contacts); err != nil {
			return err
		}
		_, err = ledger.AppendJSON(w, ContactsStream(caller), EventContactAdded, map[string]interface{}{
			"patient": caller,
			"contact": contact,
		}, now)
		return err
	})
	if err != nil {
		return e.rejectContact(ctx, command, caller, err)
	}

	e.logger.Audit(caller.String(), command, ContactsKey(caller), true, map[string]interface{}{"contact": contact})
	return nil
}

// RemoveEmergencyContact removes contact from caller's emergency contacts.
// Removing an unknown contact is a no-op. Emergency grants already held by the
// contact stop being honoured.
func (e *Engine) RemoveEmergencyContact(ctx context.Context, caller, contact types.Identity) error {
	const command = "remove_emergency_contact"
	if err := requireCaller(caller); err != nil {
		return e.rejectContact(ctx, command, caller, err)
	}

	now := e.clock.Now()
	err := e.store.Update(ctx, func(w ledger.Writer) error {
		contacts, err := loadContacts(w, caller)
		if err != nil {
			return err
		}
		kept := contacts[:0]
		for _, c := range contacts {
			if c != contact {
				kept = append(kept, c)
			}
		}
		if len(kept) == len(contacts) {
			return nil
		}
		if err := ledger.PutJSON(w, ContactsKey(caller), kept); err != nil {
			return err
		}
		_, err = ledger.AppendJSON(w, ContactsStream(caller), EventContactRemoved, map[string]interface{}{
			"patient": caller,
			"contact": contact,
		}, now)
		return err
	})
	if err != nil {
		return e.rejectContact(ctx, command, caller, err)
	}

	e.logger.Audit(caller.String(), command, ContactsKey(caller), true, map[string]interface{}{"contact": contact})
	return nil
}

// EmergencyAccess lets a registered emergency contact of patient grant itself
// Emergency-level access to record for the configured TTL
func (e *Engine) EmergencyAccess(ctx context.Context, caller, patient types.Identity, record types.RecordHash) (*types.AccessGrant, error) {
	const command = "emergency_access"
	if err := requireCaller(caller); err != nil {
		return nil, e.reject(ctx, command, record, err)
	}

	now := e.clock.Now()
	var grant types.AccessGrant
	err := e.store.Update(ctx, func(w ledger.Writer) error {
		if _, err := requireOwner(w, record, patient); err != nil {
			return err
		}
		contacts, err := loadContacts(w, patient)
		if err != nil {
			return err
		}
		if !contains(contacts, caller) {
			return types.NewUnauthorizedError(types.ErrCodeNotEmergency, "caller is not an emergency contact of the patient")
		}

		expiresAt := now.Add(e.cfg.EmergencyTTL)
		grant = types.AccessGrant{
			Record:    record,
			Grantee:   caller,
			Grantor:   patient,
			Level:     types.AccessEmergency,
			GrantedAt: now,
			ExpiresAt: &expiresAt,
		}
		if err := ledger.PutJSON(w, GrantKey(record, caller), grant); err != nil {
			return err
		}
		return appendLog(w, record, caller, types.AccessEmergency, types.ActionEmergencyAccess, now)
	})
	if err != nil {
		e.logger.Security(ctx, "emergency_access_denied", caller.String(), map[string]interface{}{
			"patient": patient,
			"record":  record.String(),
		})
		return nil, e.reject(ctx, command, record, err)
	}

	e.logger.Security(ctx, "emergency_access", caller.String(), map[string]interface{}{
		"patient":    patient,
		"record":     record.String(),
		"expires_at": grant.ExpiresAt,
	})
	e.logger.RecordAccess(ctx, caller.String(), patient.String(), record.String(),
		string(types.ActionEmergencyAccess), true, map[string]interface{}{"expires_at": grant.ExpiresAt})
	e.metrics.RecordEmergencyAccess()
	return &grant, nil
}

func requireOwner(r ledger.Reader, record types.RecordHash, caller types.Identity) (*types.RecordOwnership, error) {
	ownership, err := loadOwnership(r, record)
	if err != nil {
		return nil, err
	}
	if ownership.Owner != caller {
		return nil, types.NewUnauthorizedError(types.ErrCodeNotRecordOwner, "caller does not own the record").
			WithDetail("record", record)
	}
	return ownership, nil
}

func requireCaller(caller types.Identity) error {
	if caller.IsZero() {
		return types.NewUnauthorizedError(types.ErrCodeUnauthenticated, "caller is not authenticated")
	}
	return nil
}

func contains(ids []types.Identity, id types.Identity) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func dedupe(records []types.RecordHash) []types.RecordHash {
	seen := make(map[types.RecordHash]struct{}, len(records))
	out := make([]types.RecordHash, 0, len(records))
	for _, r := range records {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}

func (e *Engine) reject(ctx context.Context, command string, record types.RecordHash, err error) error {
	var fields map[string]interface{}
	if !record.IsZero() {
		fields = map[string]interface{}{"record": record.String()}
	}
	return e.rejectWith(ctx, command, err, fields)
}

func (e *Engine) rejectContact(ctx context.Context, command string, patient types.Identity, err error) error {
	return e.rejectWith(ctx, command, err, map[string]interface{}{"patient": patient})
}

func (e *Engine) rejectWith(ctx context.Context, command string, err error, fields map[string]interface{}) error {
	err = wrapStorage(err)
	e.logger.Rejected(ctx, component, command, err, fields)
	e.metrics.RecordRejection(component, command, string(types.KindOf(err)))
	return err
}

func wrapStorage(err error) error {
	if err == nil || types.KindOf(err) != "" {
		return err
	}
	return types.NewUnavailableError("access storage failure", err)
}
