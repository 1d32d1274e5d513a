package access

import (
	"context"
	"time"

	"github.com/medrex/dlt-telehealth/pkg/ledger"
	"github.com/medrex/dlt-telehealth/pkg/types"
)

// Reasons reported in a Decision
const (
	ReasonOwner            = "owner"
	ReasonGrant            = "grant"
	ReasonEmergencyContact = "emergency_contact"
	ReasonNoGrant          = "no_grant"
	ReasonRevoked          = "revoked"
	ReasonExpired          = "expired"
	ReasonContactRemoved   = "emergency_contact_removed"
)

// Decision is the outcome of an access check
type Decision struct {
	Permitted bool              `json:"permitted"`
	Reason    string            `json:"reason"`
	Level     types.AccessLevel `json:"level,omitempty"`
}

func (d Decision) action() types.AccessAction {
	if d.Permitted {
		return types.ActionViewed
	}
	return types.ActionDenied
}

type checkOptions struct {
	emergency bool
	dryRun    bool
}

// CheckOption modifies CheckAccess
type CheckOption func(*checkOptions)

// WithEmergencyIntent lets a current emergency contact of the owner through
// without a grant
func WithEmergencyIntent() CheckOption {
	return func(o *checkOptions) { o.emergency = true }
}

// DryRun evaluates the decision without auditing it
func DryRun() CheckOption {
	return func(o *checkOptions) { o.dryRun = true }
}

// CheckAccess decides whether accessor may currently read record. Expiry is
// evaluated against the engine clock at call time. Unless DryRun is given the
// check is audited: a Viewed entry when permitted, a Denied entry otherwise.
func (e *Engine) CheckAccess(ctx context.Context, record types.RecordHash, accessor types.Identity, opts ...CheckOption) (Decision, error) {
	const command = "check_access"
	var o checkOptions
	for _, opt := range opts {
		opt(&o)
	}
	if err := requireCaller(accessor); err != nil {
		return Decision{}, e.reject(ctx, command, record, err)
	}

	now := e.clock.Now()
	var (
		decision Decision
		owner    types.Identity
	)
	evaluate := func(r ledger.Reader) error {
		ownership, err := loadOwnership(r, record)
		if err != nil {
			return err
		}
		owner = ownership.Owner
		decision, err = decide(r, ownership, accessor, now, o.emergency)
		return err
	}

	var err error
	if o.dryRun {
		err = e.store.View(ctx, evaluate)
	} else {
		err = e.store.Update(ctx, func(w ledger.Writer) error {
			if err := evaluate(w); err != nil {
				return err
			}
			return appendLog(w, record, accessor, decision.Level, decision.action(), now)
		})
	}
	if err != nil {
		return Decision{}, e.reject(ctx, command, record, err)
	}

	e.metrics.RecordAccessDecision(decision.Permitted, decision.Reason)
	if !o.dryRun {
		e.logger.RecordAccess(ctx, accessor.String(), owner.String(), record.String(),
			string(decision.action()), decision.Permitted, map[string]interface{}{"reason": decision.Reason})
	}
	return decision, nil
}

// RequireAccess runs CheckAccess and converts a denial into a typed error
func (e *Engine) RequireAccess(ctx context.Context, record types.RecordHash, accessor types.Identity, opts ...CheckOption) (Decision, error) {
	decision, err := e.CheckAccess(ctx, record, accessor, opts...)
	if err != nil {
		return decision, err
	}
	if decision.Permitted {
		return decision, nil
	}
	switch decision.Reason {
	case ReasonRevoked:
		return decision, types.NewGrantExpiredOrRevokedError(types.ErrCodeGrantRevoked, "access grant was revoked")
	case ReasonExpired:
		return decision, types.NewGrantExpiredOrRevokedError(types.ErrCodeGrantExpired, "access grant has expired")
	default:
		return decision, types.NewUnauthorizedError(types.ErrCodeNoAccess, "no access to record").
			WithDetail("reason", decision.Reason)
	}
}

// ProbeAccess reports whether accessor can currently read record without
// auditing the check
func (e *Engine) ProbeAccess(ctx context.Context, record types.RecordHash, accessor types.Identity) (bool, error) {
	decision, err := e.CheckAccess(ctx, record, accessor, DryRun())
	if err != nil {
		return false, err
	}
	return decision.Permitted, nil
}

func decide(r ledger.Reader, ownership *types.RecordOwnership, accessor types.Identity, now time.Time, emergency bool) (Decision, error) {
	if accessor == ownership.Owner {
		return Decision{Permitted: true, Reason: ReasonOwner}, nil
	}

	contacts, err := loadContacts(r, ownership.Owner)
	if err != nil {
		return Decision{}, err
	}
	isContact := contains(contacts, accessor)

	denied := Decision{Reason: ReasonNoGrant}
	grant, found, err := ledger.GetJSON[types.AccessGrant](r, GrantKey(ownership.Record, accessor))
	if err != nil {
		return Decision{}, err
	}
	if found {
		switch {
		case grant.Revoked:
			denied = Decision{Reason: ReasonRevoked, Level: grant.Level}
		case grant.ExpiredAt(now):
			denied = Decision{Reason: ReasonExpired, Level: grant.Level}
		case grant.Level == types.AccessEmergency && !isContact:
			denied = Decision{Reason: ReasonContactRemoved, Level: grant.Level}
		default:
			return Decision{Permitted: true, Reason: ReasonGrant, Level: grant.Level}, nil
		}
	}

	if emergency && isContact {
		return Decision{Permitted: true, Reason: ReasonEmergencyContact, Level: types.AccessEmergency}, nil
	}
	return denied, nil
}
