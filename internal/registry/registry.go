// Package registry keeps doctor and patient profiles: registration, platform
// verification, published availability and the consultation counters the
// escrow engine maintains.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/medrex/dlt-telehealth/pkg/ledger"
	"github.com/medrex/dlt-telehealth/pkg/logger"
	"github.com/medrex/dlt-telehealth/pkg/monitoring"
	"github.com/medrex/dlt-telehealth/pkg/types"
)

const (
	doctorsSequence  = "doctors"
	patientsSequence = "patients"

	component = "registry"
)

// Event types appended to the registry stream
const (
	EventDoctorRegistered    = "DoctorRegistered"
	EventDoctorVerified      = "DoctorVerified"
	EventDoctorFeeUpdated    = "DoctorFeeUpdated"
	EventPatientRegistered   = "PatientRegistered"
	EventRecordsPointerMoved = "RecordsPointerUpdated"
	EventAvailabilityUpdated = "AvailabilityUpdated"
)

// DoctorKey is the ledger key of a doctor profile
func DoctorKey(id types.Identity) string { return "doctor/" + string(id) }

// PatientKey is the ledger key of a patient profile
func PatientKey(id types.Identity) string { return "patient/" + string(id) }

// Stream is the event stream of an identity's registry changes
func Stream(id types.Identity) string { return "registry/" + string(id) }

// AvailabilityKey is the ledger key of a doctor's schedule
func AvailabilityKey(id types.Identity) string { return "availability/" + string(id) }

// Config holds registry policy
type Config struct {
	// Verifier is the platform-verification authority
	Verifier types.Identity
}

// Option configures a Service
type Option func(*Service)

// WithLogger sets the logger
func WithLogger(log *logger.Logger) Option {
	return func(s *Service) { s.logger = log }
}

// WithClock sets the time source
func WithClock(clock types.Clock) Option {
	return func(s *Service) { s.clock = clock }
}

// WithMetrics sets the metrics collector
func WithMetrics(m *monitoring.MetricsCollector) Option {
	return func(s *Service) { s.metrics = m }
}

// Service implements the doctor and patient registry
type Service struct {
	store   ledger.Store
	cfg     Config
	clock   types.Clock
	logger  *logger.Logger
	metrics *monitoring.MetricsCollector
}

// New creates a registry service
func New(store ledger.Store, cfg Config, opts ...Option) *Service {
	s := &Service{
		store:  store,
		cfg:    cfg,
		clock:  types.SystemClock,
		logger: logger.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DoctorRegistration is the input of RegisterDoctor
type DoctorRegistration struct {
	Specialty       string           `json:"specialty"`
	License         types.LicenseRef `json:"license"`
	ConsultationFee uint64           `json:"consultation_fee"`
}

// PatientRegistration is the input of RegisterPatient
type PatientRegistration struct {
	NameHash             types.RecordHash `json:"name_hash"`
	RecordsPointer       string           `json:"records_pointer"`
	EmergencyContactHash types.RecordHash `json:"emergency_contact_hash"`
}

// RegisterDoctor creates an unverified profile for caller
func (s *Service) RegisterDoctor(ctx context.Context, caller types.Identity, reg DoctorRegistration) (*types.DoctorProfile, error) {
	if err := requireCaller(caller); err != nil {
		return nil, s.reject(ctx, "register_doctor", err, nil)
	}
	if reg.Specialty == "" || reg.License.Hash.IsZero() {
		return nil, s.reject(ctx, "register_doctor",
			types.NewPolicyViolationError(types.ErrCodeInvalidInput, "specialty and license hash are required"), nil)
	}
	if reg.ConsultationFee == 0 {
		return nil, s.reject(ctx, "register_doctor",
			types.NewPolicyViolationError(types.ErrCodeZeroFee, "consultation fee must be positive"), nil)
	}

	now := s.clock.Now()
	var profile types.DoctorProfile
	err := s.store.Update(ctx, func(w ledger.Writer) error {
		_, found, err := ledger.GetJSON[types.DoctorProfile](w, DoctorKey(caller))
		if err != nil {
			return err
		}
		if found {
			return types.NewPolicyViolationError(types.ErrCodeDoctorExists, "doctor is already registered")
		}

		profile = types.DoctorProfile{
			ID:              caller,
			Specialty:       reg.Specialty,
			License:         reg.License,
			ConsultationFee: reg.ConsultationFee,
			RegisteredAt:    now,
		}
		if err := ledger.PutJSON(w, DoctorKey(caller), profile); err != nil {
			return err
		}
		if _, err := w.NextSequence(doctorsSequence); err != nil {
			return err
		}
		_, err = ledger.AppendJSON(w, Stream(caller), EventDoctorRegistered, map[string]interface{}{
			"doctor":    caller,
			"specialty": reg.Specialty,
		}, now)
		return err
	})
	if err != nil {
		return nil, s.reject(ctx, "register_doctor", err, map[string]interface{}{"doctor": caller})
	}

	s.logger.Audit(caller.String(), "register_doctor", DoctorKey(caller), true, map[string]interface{}{
		"specialty": reg.Specialty,
	})
	return &profile, nil
}

// VerifyDoctor marks doctor as verified. Only the configured verifier may call it.
func (s *Service) VerifyDoctor(ctx context.Context, caller, doctor types.Identity) error {
	if err := requireCaller(caller); err != nil {
		return s.reject(ctx, "verify_doctor", err, nil)
	}
	if caller != s.cfg.Verifier {
		return s.reject(ctx, "verify_doctor",
			types.NewUnauthorizedError(types.ErrCodeNotVerifier, "only the platform verifier may verify doctors"),
			map[string]interface{}{"doctor": doctor})
	}

	now := s.clock.Now()
	err := s.store.Update(ctx, func(w ledger.Writer) error {
		profile, err := LoadDoctor(w, doctor)
		if err != nil {
			return err
		}
		if profile.Verified {
			return nil
		}
		profile.Verified = true
		if err := SaveDoctor(w, profile); err != nil {
			return err
		}
		_, err = ledger.AppendJSON(w, Stream(doctor), EventDoctorVerified, map[string]interface{}{
			"doctor":   doctor,
			"verifier": caller,
		}, now)
		return err
	})
	if err != nil {
		return s.reject(ctx, "verify_doctor", err, map[string]interface{}{"doctor": doctor})
	}

	s.logger.Audit(caller.String(), "verify_doctor", DoctorKey(doctor), true, nil)
	return nil
}

// UpdateDoctorFee changes the fee applied to future bookings of caller
func (s *Service) UpdateDoctorFee(ctx context.Context, caller types.Identity, fee uint64) error {
	if err := requireCaller(caller); err != nil {
		return s.reject(ctx, "update_doctor_fee", err, nil)
	}
	if fee == 0 {
		return s.reject(ctx, "update_doctor_fee",
			types.NewPolicyViolationError(types.ErrCodeZeroFee, "consultation fee must be positive"), nil)
	}

	now := s.clock.Now()
	err := s.store.Update(ctx, func(w ledger.Writer) error {
		profile, err := LoadDoctor(w, caller)
		if err != nil {
			return err
		}
		old := profile.ConsultationFee
		profile.ConsultationFee = fee
		if err := SaveDoctor(w, profile); err != nil {
			return err
		}
		_, err = ledger.AppendJSON(w, Stream(caller), EventDoctorFeeUpdated, map[string]interface{}{
			"doctor": caller,
			"old":    old,
			"new":    fee,
		}, now)
		return err
	})
	if err != nil {
		return s.reject(ctx, "update_doctor_fee", err, map[string]interface{}{"doctor": caller})
	}

	s.logger.Audit(caller.String(), "update_doctor_fee", DoctorKey(caller), true, map[string]interface{}{"fee": fee})
	return nil
}

// RegisterPatient creates a profile for caller. The name is only ever stored as a hash.
func (s *Service) RegisterPatient(ctx context.Context, caller types.Identity, reg PatientRegistration) (*types.PatientProfile, error) {
	if err := requireCaller(caller); err != nil {
		return nil, s.reject(ctx, "register_patient", err, nil)
	}
	if reg.NameHash.IsZero() {
		return nil, s.reject(ctx, "register_patient",
			types.NewPolicyViolationError(types.ErrCodeInvalidInput, "name hash is required"), nil)
	}

	now := s.clock.Now()
	var profile types.PatientProfile
	err := s.store.Update(ctx, func(w ledger.Writer) error {
		_, found, err := ledger.GetJSON[types.PatientProfile](w, PatientKey(caller))
		if err != nil {
			return err
		}
		if found {
			return types.NewPolicyViolationError(types.ErrCodePatientExists, "patient is already registered")
		}

		profile = types.PatientProfile{
			ID:                   caller,
			NameHash:             reg.NameHash,
			RecordsPointer:       reg.RecordsPointer,
			EmergencyContactHash: reg.EmergencyContactHash,
			CreatedAt:            now,
		}
		if err := ledger.PutJSON(w, PatientKey(caller), profile); err != nil {
			return err
		}
		if _, err := w.NextSequence(patientsSequence); err != nil {
			return err
		}
		_, err = ledger.AppendJSON(w, Stream(caller), EventPatientRegistered, map[string]interface{}{
			"patient": caller,
		}, now)
		return err
	})
	if err != nil {
		return nil, s.reject(ctx, "register_patient", err, map[string]interface{}{"patient": caller})
	}

	s.logger.Audit(caller.String(), "register_patient", PatientKey(caller), true, nil)
	return &profile, nil
}

// UpdateRecordsPointer replaces the off-chain records pointer of caller
func (s *Service) UpdateRecordsPointer(ctx context.Context, caller types.Identity, pointer string) error {
	if err := requireCaller(caller); err != nil {
		return s.reject(ctx, "update_records_pointer", err, nil)
	}

	now := s.clock.Now()
	err := s.store.Update(ctx, func(w ledger.Writer) error {
		profile, err := LoadPatient(w, caller)
		if err != nil {
			return err
		}
		profile.RecordsPointer = pointer
		if err := ledger.PutJSON(w, PatientKey(caller), profile); err != nil {
			return err
		}
		_, err = ledger.AppendJSON(w, Stream(caller), EventRecordsPointerMoved, map[string]interface{}{
			"patient": caller,
		}, now)
		return err
	})
	if err != nil {
		return s.reject(ctx, "update_records_pointer", err, map[string]interface{}{"patient": caller})
	}
	return nil
}

// SetAvailability replaces the published schedule of caller. Booked flags of
// slots that keep their start time are preserved.
func (s *Service) SetAvailability(ctx context.Context, caller types.Identity, slots []types.TimeSlot) (*types.Availability, error) {
	if err := requireCaller(caller); err != nil {
		return nil, s.reject(ctx, "set_availability", err, nil)
	}
	if len(slots) > types.MaxAvailabilitySlots {
		return nil, s.reject(ctx, "set_availability",
			types.NewPolicyViolationError(types.ErrCodeTooManySlots,
				fmt.Sprintf("at most %d slots may be published", types.MaxAvailabilitySlots)), nil)
	}

	normalized := make([]types.TimeSlot, len(slots))
	for i, slot := range slots {
		if !slot.Start.Before(slot.End) {
			return nil, s.reject(ctx, "set_availability",
				types.NewPolicyViolationError(types.ErrCodeInvalidTimeSlot, "slot must start before it ends").
					WithDetail("index", i), nil)
		}
		normalized[i] = types.TimeSlot{Start: slot.Start.UTC(), End: slot.End.UTC()}
	}
	sort.Slice(normalized, func(i, j int) bool { return normalized[i].Start.Before(normalized[j].Start) })
	for i := 1; i < len(normalized); i++ {
		if normalized[i].Start.Before(normalized[i-1].End) {
			return nil, s.reject(ctx, "set_availability",
				types.NewPolicyViolationError(types.ErrCodeInvalidTimeSlot, "slots must not overlap"), nil)
		}
	}

	now := s.clock.Now()
	availability := types.Availability{Doctor: caller, Slots: normalized, UpdatedAt: now}
	err := s.store.Update(ctx, func(w ledger.Writer) error {
		if _, err := LoadDoctor(w, caller); err != nil {
			return err
		}
		previous, _, err := ledger.GetJSON[types.Availability](w, AvailabilityKey(caller))
		if err != nil {
			return err
		}
		booked := make(map[int64]bool, len(previous.Slots))
		for _, slot := range previous.Slots {
			if slot.Booked {
				booked[slot.Start.UnixNano()] = true
			}
		}
		for i := range availability.Slots {
			availability.Slots[i].Booked = booked[availability.Slots[i].Start.UnixNano()]
		}

		if err := ledger.PutJSON(w, AvailabilityKey(caller), availability); err != nil {
			return err
		}
		_, err = ledger.AppendJSON(w, Stream(caller), EventAvailabilityUpdated, map[string]interface{}{
			"doctor": caller,
			"slots":  len(availability.Slots),
		}, now)
		return err
	})
	if err != nil {
		return nil, s.reject(ctx, "set_availability", err, map[string]interface{}{"doctor": caller})
	}
	return &availability, nil
}

// GetAvailableSlots returns the unbooked slots of doctor
func (s *Service) GetAvailableSlots(ctx context.Context, doctor types.Identity) ([]types.TimeSlot, error) {
	var free []types.TimeSlot
	err := s.store.View(ctx, func(r ledger.Reader) error {
		availability, _, err := ledger.GetJSON[types.Availability](r, AvailabilityKey(doctor))
		if err != nil {
			return err
		}
		for _, slot := range availability.Slots {
			if !slot.Booked {
				free = append(free, slot)
			}
		}
		return nil
	})
	if err != nil {
		return nil, wrapStorage(err)
	}
	return free, nil
}

// GetDoctor returns the profile of id
func (s *Service) GetDoctor(ctx context.Context, id types.Identity) (*types.DoctorProfile, error) {
	var profile *types.DoctorProfile
	err := s.store.View(ctx, func(r ledger.Reader) error {
		var err error
		profile, err = LoadDoctor(r, id)
		return err
	})
	if err != nil {
		return nil, wrapStorage(err)
	}
	return profile, nil
}

// GetPatient returns the profile of id
func (s *Service) GetPatient(ctx context.Context, id types.Identity) (*types.PatientProfile, error) {
	var profile *types.PatientProfile
	err := s.store.View(ctx, func(r ledger.Reader) error {
		var err error
		profile, err = LoadPatient(r, id)
		return err
	})
	if err != nil {
		return nil, wrapStorage(err)
	}
	return profile, nil
}

// GetDoctorStats returns the reputation counters of doctor
func (s *Service) GetDoctorStats(ctx context.Context, doctor types.Identity) (*types.DoctorStats, error) {
	profile, err := s.GetDoctor(ctx, doctor)
	if err != nil {
		return nil, err
	}
	stats := Stats(profile)
	return &stats, nil
}

// Totals returns the number of registered doctors and patients
func (s *Service) Totals(ctx context.Context) (types.Totals, error) {
	var totals types.Totals
	err := s.store.View(ctx, func(r ledger.Reader) error {
		var err error
		if totals.Doctors, err = readCounter(r, doctorsSequence); err != nil {
			return err
		}
		totals.Patients, err = readCounter(r, patientsSequence)
		return err
	})
	if err != nil {
		return types.Totals{}, wrapStorage(err)
	}
	return totals, nil
}

// Stats derives the reputation view of a profile. The completion rate is a
// whole percentage of completed over total terminal consultations.
func Stats(p *types.DoctorProfile) types.DoctorStats {
	var rate uint8
	if p.TotalConsultations > 0 {
		pct := p.CompletedConsultations * 100 / p.TotalConsultations
		if pct > 100 {
			pct = 100
		}
		rate = uint8(pct)
	}
	return types.DoctorStats{
		Doctor:                 p.ID,
		TotalConsultations:     p.TotalConsultations,
		CompletedConsultations: p.CompletedConsultations,
		CancelledConsultations: p.CancelledConsultations,
		NoShowCount:            p.NoShowCount,
		CompletionRate:         rate,
		Rating:                 p.Rating,
		Verified:               p.Verified,
	}
}

func readCounter(r ledger.Reader, name string) (uint64, error) {
	raw, err := r.Get(ledger.SequenceKey(name))
	if errors.Is(err, ledger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return ledger.DecodeSequence(raw)
}

func requireCaller(caller types.Identity) error {
	if caller.IsZero() {
		return types.NewUnauthorizedError(types.ErrCodeUnauthenticated, "caller is not authenticated")
	}
	return nil
}

// reject logs and counts a refused command and converts storage failures into
// the fatal Unavailable kind
func (s *Service) reject(ctx context.Context, command string, err error, fields map[string]interface{}) error {
	err = wrapStorage(err)
	s.logger.Rejected(ctx, component, command, err, fields)
	s.metrics.RecordRejection(component, command, string(types.KindOf(err)))
	return err
}

func wrapStorage(err error) error {
	if err == nil || types.KindOf(err) != "" {
		return err
	}
	return types.NewUnavailableError("registry storage failure", err)
}
