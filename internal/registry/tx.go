package registry

import (
	"time"

	"github.com/medrex/dlt-telehealth/pkg/ledger"
	"github.com/medrex/dlt-telehealth/pkg/types"
)

// The helpers below run inside a caller's ledger transaction so that profile
// changes commit atomically with the consultation transition that caused them.

// LoadDoctor reads a doctor profile, returning NotFound when absent
func LoadDoctor(r ledger.Reader, id types.Identity) (*types.DoctorProfile, error) {
	profile, found, err := ledger.GetJSON[types.DoctorProfile](r, DoctorKey(id))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, types.NewNotFoundError(types.ErrCodeDoctorNotFound, "doctor is not registered").
			WithDetail("doctor", id)
	}
	return &profile, nil
}

// LoadPatient reads a patient profile, returning NotFound when absent
func LoadPatient(r ledger.Reader, id types.Identity) (*types.PatientProfile, error) {
	profile, found, err := ledger.GetJSON[types.PatientProfile](r, PatientKey(id))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, types.NewNotFoundError(types.ErrCodePatientNotFound, "patient is not registered").
			WithDetail("patient", id)
	}
	return &profile, nil
}

// SaveDoctor writes a doctor profile
func SaveDoctor(w ledger.Writer, profile *types.DoctorProfile) error {
	return ledger.PutJSON(w, DoctorKey(profile.ID), profile)
}

// RecordOutcome updates the counters of doctor for a consultation that reached
// the terminal status. Refunded consultations count towards the total only.
func RecordOutcome(w ledger.Writer, doctor types.Identity, status types.ConsultationStatus) error {
	profile, err := LoadDoctor(w, doctor)
	if err != nil {
		return err
	}

	profile.TotalConsultations++
	switch status {
	case types.StatusReleased:
		profile.CompletedConsultations++
	case types.StatusCancelled:
		profile.CancelledConsultations++
	case types.StatusNoShow:
		profile.NoShowCount++
	case types.StatusRefunded:
	default:
		return types.NewInvalidStateError(types.ErrCodeInvalidStatus, "status is not terminal").
			WithDetail("status", status)
	}
	return SaveDoctor(w, profile)
}

// ApplyRating folds a patient score into the rating of doctor
func ApplyRating(w ledger.Writer, doctor types.Identity, score uint8) error {
	if score < types.MinRating || score > types.MaxRating {
		return types.NewPolicyViolationError(types.ErrCodeInvalidRating, "rating must be between 1 and 5").
			WithDetail("score", score)
	}
	profile, err := LoadDoctor(w, doctor)
	if err != nil {
		return err
	}
	profile.Rating = profile.Rating.Add(score)
	return SaveDoctor(w, profile)
}

// ReserveSlot marks the slot of doctor starting at start as booked. Doctors
// without a published slot at start accept the booking unchanged.
func ReserveSlot(w ledger.Writer, doctor types.Identity, start time.Time) error {
	availability, found, err := ledger.GetJSON[types.Availability](w, AvailabilityKey(doctor))
	if err != nil || !found {
		return err
	}
	for i := range availability.Slots {
		slot := &availability.Slots[i]
		if !slot.Start.Equal(start) {
			continue
		}
		if slot.Booked {
			return types.NewPolicyViolationError(types.ErrCodeSlotTaken, "time slot is already booked").
				WithDetail("start", start)
		}
		slot.Booked = true
		return ledger.PutJSON(w, AvailabilityKey(doctor), availability)
	}
	return nil
}

// FreeSlot returns the slot of doctor starting at start to the schedule
func FreeSlot(w ledger.Writer, doctor types.Identity, start time.Time) error {
	availability, found, err := ledger.GetJSON[types.Availability](w, AvailabilityKey(doctor))
	if err != nil || !found {
		return err
	}
	for i := range availability.Slots {
		if availability.Slots[i].Start.Equal(start) && availability.Slots[i].Booked {
			availability.Slots[i].Booked = false
			return ledger.PutJSON(w, AvailabilityKey(doctor), availability)
		}
	}
	return nil
}
