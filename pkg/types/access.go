package types

import "time"

// AccessLevel represents the privilege carried by an access grant
type AccessLevel string

const (
	AccessView           AccessLevel = "view"
	AccessViewAndComment AccessLevel = "view_and_comment"
	AccessEmergency      AccessLevel = "emergency"
)

// Valid reports whether l is a known access level
func (l AccessLevel) Valid() bool {
	switch l {
	case AccessView, AccessViewAndComment, AccessEmergency:
		return true
	default:
		return false
	}
}

// AccessGrant represents a capability permitting a grantee to read a record.
// Keyed by (Record, Grantee); a revoked grant is a tombstone, never deleted.
type AccessGrant struct {
	Record    RecordHash  `json:"record"`
	Grantee   Identity    `json:"grantee"`
	Grantor   Identity    `json:"grantor"`
	Level     AccessLevel `json:"level"`
	GrantedAt time.Time   `json:"granted_at"`
	ExpiresAt *time.Time  `json:"expires_at,omitempty"`
	Revoked   bool        `json:"revoked"`
}

// ExpiredAt reports whether the grant has expired as of now
func (g *AccessGrant) ExpiredAt(now time.Time) bool {
	if g.ExpiresAt == nil {
		return false
	}
	return !g.ExpiresAt.After(now)
}

// ActiveAt reports whether the grant permits access as of now
func (g *AccessGrant) ActiveAt(now time.Time) bool {
	return !g.Revoked && !g.ExpiredAt(now)
}

// AccessAction represents the kind of audited access event
type AccessAction string

const (
	ActionGranted         AccessAction = "granted"
	ActionRevoked         AccessAction = "revoked"
	ActionViewed          AccessAction = "viewed"
	ActionEmergencyAccess AccessAction = "emergency_access"
	ActionDenied          AccessAction = "denied"
)

// AccessLogEntry is an immutable audit entry. Seq gives the total order within a record's log.
type AccessLogEntry struct {
	Seq      uint64       `json:"seq"`
	Record   RecordHash   `json:"record"`
	Accessor Identity     `json:"accessor"`
	Level    AccessLevel  `json:"level"`
	Action   AccessAction `json:"action"`
	At       time.Time    `json:"at"`
}

// RecordOwnership binds a registered record to its owner
type RecordOwnership struct {
	Record       RecordHash `json:"record"`
	Owner        Identity   `json:"owner"`
	RegisteredAt time.Time  `json:"registered_at"`
}
