package access

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/medrex/dlt-telehealth/pkg/ledger"
	"github.com/medrex/dlt-telehealth/pkg/types"
)

// Event types of the emergency contact stream
const (
	EventContactAdded   = "EmergencyContactAdded"
	EventContactRemoved = "EmergencyContactRemoved"
)

// RecordKey is the ledger key of a record's ownership
func RecordKey(record types.RecordHash) string { return "record/" + record.String() }

// GrantKey is the ledger key of the grant of grantee on record
func GrantKey(record types.RecordHash, grantee types.Identity) string {
	return "grant/" + record.String() + "/" + string(grantee)
}

// ContactsKey is the ledger key of a patient's emergency contacts
func ContactsKey(patient types.Identity) string { return "contacts/" + string(patient) }

// LogStream is the access log stream of record
func LogStream(record types.RecordHash) string { return "access/" + record.String() }

// ContactsStream is the change stream of a patient's emergency contacts
func ContactsStream(patient types.Identity) string { return "contacts/" + string(patient) }

func loadOwnership(r ledger.Reader, record types.RecordHash) (*types.RecordOwnership, error) {
	ownership, found, err := ledger.GetJSON[types.RecordOwnership](r, RecordKey(record))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, types.NewNotFoundError(types.ErrCodeRecordNotFound, "record is not registered").
			WithDetail("record", record)
	}
	return &ownership, nil
}

func loadContacts(r ledger.Reader, patient types.Identity) ([]types.Identity, error) {
	contacts, _, err := ledger.GetJSON[[]types.Identity](r, ContactsKey(patient))
	return contacts, err
}

// appendLog adds an entry to the record's access log. The entry's Seq is the
// stream sequence assigned by the ledger.
func appendLog(w ledger.Writer, record types.RecordHash, accessor types.Identity, level types.AccessLevel, action types.AccessAction, at time.Time) error {
	_, err := ledger.AppendJSON(w, LogStream(record), string(action), types.AccessLogEntry{
		Record:   record,
		Accessor: accessor,
		Level:    level,
		Action:   action,
		At:       at,
	}, at)
	return err
}

// GetRecordOwner returns the owner of record
func (e *Engine) GetRecordOwner(ctx context.Context, record types.RecordHash) (*types.RecordOwnership, error) {
	var ownership *types.RecordOwnership
	err := e.store.View(ctx, func(r ledger.Reader) error {
		var err error
		ownership, err = loadOwnership(r, record)
		return err
	})
	if err != nil {
		return nil, wrapStorage(err)
	}
	return ownership, nil
}

// GetAccessGrant returns the grant of accessor on record, including revoked
// and expired ones
func (e *Engine) GetAccessGrant(ctx context.Context, record types.RecordHash, accessor types.Identity) (*types.AccessGrant, error) {
	var grant types.AccessGrant
	err := e.store.View(ctx, func(r ledger.Reader) error {
		if _, err := loadOwnership(r, record); err != nil {
			return err
		}
		var (
			found bool
			err   error
		)
		grant, found, err = ledger.GetJSON[types.AccessGrant](r, GrantKey(record, accessor))
		if err != nil {
			return err
		}
		if !found {
			return types.NewNotFoundError(types.ErrCodeGrantNotFound, "no grant exists for accessor").
				WithDetail("accessor", accessor)
		}
		return nil
	})
	if err != nil {
		return nil, wrapStorage(err)
	}
	return &grant, nil
}

// GetAccessHistory returns the access log of record in sequence order,
// starting after afterSeq. A limit <= 0 falls back to the configured default.
func (e *Engine) GetAccessHistory(ctx context.Context, record types.RecordHash, afterSeq uint64, limit int) ([]types.AccessLogEntry, error) {
	if limit <= 0 {
		limit = e.cfg.DefaultHistoryLimit
	}
	var entries []types.AccessLogEntry
	err := e.store.View(ctx, func(r ledger.Reader) error {
		if _, err := loadOwnership(r, record); err != nil {
			return err
		}
		events, err := r.Events(LogStream(record), afterSeq, limit)
		if err != nil {
			return err
		}
		entries = make([]types.AccessLogEntry, 0, len(events))
		for _, ev := range events {
			var entry types.AccessLogEntry
			if err := json.Unmarshal(ev.Payload, &entry); err != nil {
				return fmt.Errorf("decode access log %d: %w", ev.Seq, err)
			}
			entry.Seq = ev.Seq
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, wrapStorage(err)
	}
	return entries, nil
}

// GetEmergencyContacts returns the emergency contacts of patient
func (e *Engine) GetEmergencyContacts(ctx context.Context, patient types.Identity) ([]types.Identity, error) {
	var contacts []types.Identity
	err := e.store.View(ctx, func(r ledger.Reader) error {
		var err error
		contacts, err = loadContacts(r, patient)
		return err
	})
	if err != nil {
		return nil, wrapStorage(err)
	}
	if contacts == nil {
		contacts = []types.Identity{}
	}
	return contacts, nil
}

// IsEmergencyContact reports whether contact is an emergency contact of patient
func (e *Engine) IsEmergencyContact(ctx context.Context, patient, contact types.Identity) (bool, error) {
	contacts, err := e.GetEmergencyContacts(ctx, patient)
	if err != nil {
		return false, err
	}
	return contains(contacts, contact), nil
}
