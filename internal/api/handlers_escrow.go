package api

import (
	"net/http"
	"strconv"

	"github.com/medrex/dlt-telehealth/internal/escrow"
	"github.com/medrex/dlt-telehealth/pkg/ledger"
	"github.com/medrex/dlt-telehealth/pkg/types"
)

type consultationCommand func(s *Server, r *http.Request, id uint64) (*types.Consultation, error)

// consultationHandler adapts a single-consultation command to an HTTP handler
func (s *Server) consultationHandler(cmd consultationCommand) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathConsultationID(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		c, err := cmd(s, r, id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}

// bookConsultationHandler books a consultation and escrows the payment
func (s *Server) bookConsultationHandler(w http.ResponseWriter, r *http.Request) {
	var req escrow.Booking
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	c, err := s.escrow.Book(r.Context(), callerFrom(r), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) getConsultationHandler(w http.ResponseWriter, r *http.Request) {
	s.consultationHandler(func(s *Server, r *http.Request, id uint64) (*types.Consultation, error) {
		return s.escrow.GetConsultation(r.Context(), id)
	})(w, r)
}

func (s *Server) startConsultationHandler(w http.ResponseWriter, r *http.Request) {
	s.consultationHandler(func(s *Server, r *http.Request, id uint64) (*types.Consultation, error) {
		return s.escrow.Start(r.Context(), callerFrom(r), id)
	})(w, r)
}

type completeRequest struct {
	NotesPointer string `json:"notes_pointer" validate:"required,max=512"`
}

// markCompletedHandler closes a consultation with a pointer to the clinical notes
func (s *Server) markCompletedHandler(w http.ResponseWriter, r *http.Request) {
	s.consultationHandler(func(s *Server, r *http.Request, id uint64) (*types.Consultation, error) {
		var req completeRequest
		if err := decodeBody(r, &req); err != nil {
			return nil, err
		}
		return s.escrow.MarkCompleted(r.Context(), callerFrom(r), id, req.NotesPointer)
	})(w, r)
}

func (s *Server) releasePaymentHandler(w http.ResponseWriter, r *http.Request) {
	s.consultationHandler(func(s *Server, r *http.Request, id uint64) (*types.Consultation, error) {
		return s.escrow.ReleasePayment(r.Context(), callerFrom(r), id)
	})(w, r)
}

func (s *Server) disputeConsultationHandler(w http.ResponseWriter, r *http.Request) {
	s.consultationHandler(func(s *Server, r *http.Request, id uint64) (*types.Consultation, error) {
		return s.escrow.Dispute(r.Context(), callerFrom(r), id)
	})(w, r)
}

type resolveRequest struct {
	Outcome types.Resolution `json:"outcome" validate:"required"`
}

// resolveDisputeHandler applies the arbiter's decision on a disputed consultation
func (s *Server) resolveDisputeHandler(w http.ResponseWriter, r *http.Request) {
	s.consultationHandler(func(s *Server, r *http.Request, id uint64) (*types.Consultation, error) {
		var req resolveRequest
		if err := decodeBody(r, &req); err != nil {
			return nil, err
		}
		return s.escrow.Resolve(r.Context(), callerFrom(r), id, req.Outcome)
	})(w, r)
}

func (s *Server) cancelConsultationHandler(w http.ResponseWriter, r *http.Request) {
	s.consultationHandler(func(s *Server, r *http.Request, id uint64) (*types.Consultation, error) {
		return s.escrow.Cancel(r.Context(), callerFrom(r), id)
	})(w, r)
}

func (s *Server) reportNoShowHandler(w http.ResponseWriter, r *http.Request) {
	s.consultationHandler(func(s *Server, r *http.Request, id uint64) (*types.Consultation, error) {
		return s.escrow.ReportNoShow(r.Context(), callerFrom(r), id)
	})(w, r)
}

type ratingRequest struct {
	Score uint8 `json:"score"`
}

// rateConsultationHandler records the patient's rating of a completed consultation
func (s *Server) rateConsultationHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathConsultationID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req ratingRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.escrow.Rate(r.Context(), callerFrom(r), id, req.Score); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"consultation_id": id, "score": req.Score})
}

func (s *Server) escrowBalanceHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathConsultationID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	held, err := s.escrow.EscrowBalance(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"consultation_id": id, "escrowed": held})
}

// consultationEventsHandler lists the state changes and fund movements of a consultation
func (s *Server) consultationEventsHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathConsultationID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	events, err := s.escrow.ListConsultationEvents(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []ledger.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events, "count": len(events)})
}

// doctorRecordAccessHandler reports whether the consultation's doctor may read a record
func (s *Server) doctorRecordAccessHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathConsultationID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	record, err := pathRecord(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	permitted, err := s.escrow.DoctorHasRecordAccess(r.Context(), id, record)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"consultation_id": id, "record": record, "permitted": permitted})
}

// balanceHandler returns the paid-out balance of an account. Accounts may
// only read their own balance.
func (s *Server) balanceHandler(w http.ResponseWriter, r *http.Request) {
	id := pathIdentity(r, "id")
	if id != callerFrom(r) {
		s.writeError(w, r, types.NewUnauthorizedError(types.ErrCodeNotParticipant, "accounts may only read their own balance"))
		return
	}
	balance, err := s.escrow.Balance(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"account": id, "balance": balance})
}

// escrowSettingsHandler returns the platform fee and dispute policy. With
// ?amount= it also previews how a release of that amount is split.
func (s *Server) escrowSettingsHandler(w http.ResponseWriter, r *http.Request) {
	settings := s.escrow.Settings()
	resp := map[string]interface{}{
		"platform_fee_percent": settings.PlatformFeePercent,
		"platform_account":     settings.PlatformAccount,
		"arbiter":              settings.Arbiter,
		"dispute_window":       settings.DisputeWindow.String(),
	}
	if q := r.URL.Query().Get("amount"); q != "" {
		amount, err := strconv.ParseUint(q, 10, 64)
		if err != nil {
			s.writeError(w, r, badRequest("amount must be a non-negative integer"))
			return
		}
		resp["split"] = s.escrow.PreviewSplit(amount)
	}
	writeJSON(w, http.StatusOK, resp)
}
