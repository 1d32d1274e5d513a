package types

import "time"

// ConsultationStatus represents the state of a consultation in the escrow state machine
type ConsultationStatus string

const (
	StatusPending    ConsultationStatus = "pending"
	StatusInProgress ConsultationStatus = "in_progress"
	StatusCompleted  ConsultationStatus = "completed"
	StatusDisputed   ConsultationStatus = "disputed"
	StatusReleased   ConsultationStatus = "released"
	StatusRefunded   ConsultationStatus = "refunded"
	StatusCancelled  ConsultationStatus = "cancelled"
	StatusNoShow     ConsultationStatus = "no_show"
)

// IsTerminal reports whether no further transition is permitted from s
func (s ConsultationStatus) IsTerminal() bool {
	switch s {
	case StatusReleased, StatusRefunded, StatusCancelled, StatusNoShow:
		return true
	case StatusPending, StatusInProgress, StatusCompleted, StatusDisputed:
		return false
	default:
		return false
	}
}

// Valid reports whether s is a known status
func (s ConsultationStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusDisputed,
		StatusReleased, StatusRefunded, StatusCancelled, StatusNoShow:
		return true
	default:
		return false
	}
}

// Consultation represents a booked consultation and the funds held for it.
// Amount is fixed at booking; CompletedAt and NotesPointer are set only by markCompleted.
type Consultation struct {
	ID            uint64             `json:"id"`
	Patient       Identity           `json:"patient"`
	Doctor        Identity           `json:"doctor"`
	Amount        uint64             `json:"amount"`
	Status        ConsultationStatus `json:"status"`
	ScheduledAt   time.Time          `json:"scheduled_at"`
	CreatedAt     time.Time          `json:"created_at"`
	CompletedAt   *time.Time         `json:"completed_at,omitempty"`
	NotesPointer  *string            `json:"notes_pointer,omitempty"`
	FinalizedAt   *time.Time         `json:"finalized_at,omitempty"`
	DisputeWindow time.Duration      `json:"dispute_window"`
	Rated         bool               `json:"rated"`
}

// DisputeDeadline returns the end of the dispute window, or false before completion
func (c *Consultation) DisputeDeadline() (time.Time, bool) {
	if c.CompletedAt == nil {
		return time.Time{}, false
	}
	return c.CompletedAt.Add(c.DisputeWindow), true
}

// IsParticipant reports whether id is the patient or the doctor of the consultation
func (c *Consultation) IsParticipant(id Identity) bool {
	return id == c.Patient || id == c.Doctor
}

// Resolution is the outcome of an external arbitration on a disputed consultation
type Resolution string

const (
	ResolutionRefund  Resolution = "refund"
	ResolutionRelease Resolution = "release"
)

// Payout records a single fund movement out of escrow
type Payout struct {
	ConsultationID uint64    `json:"consultation_id"`
	To             Identity  `json:"to"`
	Amount         uint64    `json:"amount"`
	Reason         string    `json:"reason"`
	At             time.Time `json:"at"`
}
