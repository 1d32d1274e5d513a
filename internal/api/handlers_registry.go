package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/medrex/dlt-telehealth/internal/registry"
	"github.com/medrex/dlt-telehealth/pkg/types"
)

// decodeBody decodes the JSON request body into v
func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("invalid request body: " + err.Error())
	}
	return validateBody(v)
}

func pathIdentity(r *http.Request, name string) types.Identity {
	return types.Identity(mux.Vars(r)[name])
}

func pathConsultationID(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil || id == 0 {
		return 0, badRequest("consultation id must be a positive integer")
	}
	return id, nil
}

func pathRecord(r *http.Request) (types.RecordHash, error) {
	return types.ParseRecordHash(mux.Vars(r)["hash"])
}

// registerDoctorHandler handles doctor registration for the caller
func (s *Server) registerDoctorHandler(w http.ResponseWriter, r *http.Request) {
	var req registry.DoctorRegistration
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	profile, err := s.registry.RegisterDoctor(r.Context(), callerFrom(r), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, profile)
}

// verifyDoctorHandler marks a doctor as verified
func (s *Server) verifyDoctorHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.VerifyDoctor(r.Context(), callerFrom(r), pathIdentity(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Doctor verified"})
}

type feeRequest struct {
	ConsultationFee uint64 `json:"consultation_fee"`
}

// updateDoctorFeeHandler changes the caller's consultation fee
func (s *Server) updateDoctorFeeHandler(w http.ResponseWriter, r *http.Request) {
	var req feeRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.registry.UpdateDoctorFee(r.Context(), callerFrom(r), req.ConsultationFee); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type availabilityRequest struct {
	Slots []types.TimeSlot `json:"slots"`
}

// setAvailabilityHandler replaces the caller's published schedule
func (s *Server) setAvailabilityHandler(w http.ResponseWriter, r *http.Request) {
	var req availabilityRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	availability, err := s.registry.SetAvailability(r.Context(), callerFrom(r), req.Slots)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, availability)
}

// getAvailableSlotsHandler lists a doctor's unbooked slots
func (s *Server) getAvailableSlotsHandler(w http.ResponseWriter, r *http.Request) {
	slots, err := s.registry.GetAvailableSlots(r.Context(), pathIdentity(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if slots == nil {
		slots = []types.TimeSlot{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"slots": slots, "count": len(slots)})
}

func (s *Server) getDoctorHandler(w http.ResponseWriter, r *http.Request) {
	profile, err := s.registry.GetDoctor(r.Context(), pathIdentity(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) getDoctorStatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := s.registry.GetDoctorStats(r.Context(), pathIdentity(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// registerPatientHandler handles patient registration for the caller
func (s *Server) registerPatientHandler(w http.ResponseWriter, r *http.Request) {
	var req registry.PatientRegistration
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	profile, err := s.registry.RegisterPatient(r.Context(), callerFrom(r), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, profile)
}

type recordsPointerRequest struct {
	RecordsPointer string `json:"records_pointer" validate:"required,max=512"`
}

func (s *Server) updateRecordsPointerHandler(w http.ResponseWriter, r *http.Request) {
	var req recordsPointerRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.registry.UpdateRecordsPointer(r.Context(), callerFrom(r), req.RecordsPointer); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// getPatientHandler returns a patient profile. Patients may only read their own.
func (s *Server) getPatientHandler(w http.ResponseWriter, r *http.Request) {
	id := pathIdentity(r, "id")
	if id != callerFrom(r) {
		s.writeError(w, r, types.NewUnauthorizedError(types.ErrCodeNotParticipant, "patients may only read their own profile"))
		return
	}
	profile, err := s.registry.GetPatient(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) totalsHandler(w http.ResponseWriter, r *http.Request) {
	totals, err := s.registry.Totals(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, totals)
}
