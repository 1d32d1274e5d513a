package types

import "time"

// MaxRating is the upper bound of a doctor rating
const MaxRating = 5

// Rating is a rational rating in [0, MaxRating] kept as an integer sum over a count
type Rating struct {
	Sum   uint64 `json:"sum"`
	Count uint64 `json:"count"`
}

// Value returns the rating as numerator and denominator; a zero count yields 0/1
func (r Rating) Value() (num, den uint64) {
	if r.Count == 0 {
		return 0, 1
	}
	return r.Sum, r.Count
}

// MinRating is the lowest score a patient may submit
const MinRating = 1

// Add folds a score into the rating
func (r Rating) Add(score uint8) Rating {
	return Rating{Sum: r.Sum + uint64(score), Count: r.Count + 1}
}

// LicenseRef points at a doctor's license document held off-chain
type LicenseRef struct {
	Hash    RecordHash `json:"hash"`
	Pointer string     `json:"pointer"`
}

// DoctorProfile represents a registered doctor.
// Verified is set only by the platform verifier; counters only by the escrow engine.
type DoctorProfile struct {
	ID                     Identity   `json:"id"`
	Specialty              string     `json:"specialty"`
	License                LicenseRef `json:"license"`
	ConsultationFee        uint64     `json:"consultation_fee"`
	Verified               bool       `json:"verified"`
	TotalConsultations     uint64     `json:"total_consultations"`
	CompletedConsultations uint64     `json:"completed_consultations"`
	CancelledConsultations uint64     `json:"cancelled_consultations"`
	NoShowCount            uint64     `json:"no_show_count"`
	Rating                 Rating     `json:"rating"`
	RegisteredAt           time.Time  `json:"registered_at"`
}

// DoctorStats is the reputation view of a doctor profile
type DoctorStats struct {
	Doctor                 Identity `json:"doctor"`
	TotalConsultations     uint64   `json:"total_consultations"`
	CompletedConsultations uint64   `json:"completed_consultations"`
	CancelledConsultations uint64   `json:"cancelled_consultations"`
	NoShowCount            uint64   `json:"no_show_count"`
	CompletionRate         uint8    `json:"completion_rate"`
	Rating                 Rating   `json:"rating"`
	Verified               bool     `json:"verified"`
}

// PatientProfile represents a registered patient. The name is never stored in plaintext.
type PatientProfile struct {
	ID                   Identity   `json:"id"`
	NameHash             RecordHash `json:"name_hash"`
	RecordsPointer       string     `json:"records_pointer"`
	EmergencyContactHash RecordHash `json:"emergency_contact_hash"`
	CreatedAt            time.Time  `json:"created_at"`
}

// MaxAvailabilitySlots bounds a doctor's published schedule
const MaxAvailabilitySlots = 20

// TimeSlot is a window in which a doctor accepts bookings
type TimeSlot struct {
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	Booked bool      `json:"booked"`
}

// Availability is a doctor's published schedule
type Availability struct {
	Doctor    Identity   `json:"doctor"`
	Slots     []TimeSlot `json:"slots"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Totals reports registry-wide counters
type Totals struct {
	Doctors  uint64 `json:"doctors"`
	Patients uint64 `json:"patients"`
}
