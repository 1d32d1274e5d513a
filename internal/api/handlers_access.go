package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/medrex/dlt-telehealth/internal/access"
	"github.com/medrex/dlt-telehealth/pkg/types"
)

type registerRecordRequest struct {
	Record types.RecordHash `json:"record"`
}

// registerRecordHandler makes the caller the owner of a content hash
func (s *Server) registerRecordHandler(w http.ResponseWriter, r *http.Request) {
	var req registerRecordRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	ownership, err := s.access.RegisterRecord(r.Context(), callerFrom(r), req.Record)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ownership)
}

func (s *Server) getRecordOwnerHandler(w http.ResponseWriter, r *http.Request) {
	record, err := pathRecord(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ownership, err := s.access.GetRecordOwner(r.Context(), record)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ownership)
}

// grantAccessHandler grants access on a single record
func (s *Server) grantAccessHandler(w http.ResponseWriter, r *http.Request) {
	record, err := pathRecord(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req access.Grant
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	grant, err := s.access.GrantAccess(r.Context(), callerFrom(r), record, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, grant)
}

type bulkGrantRequest struct {
	Records []types.RecordHash `json:"records"`
	access.Grant
}

// grantAccessBulkHandler applies one grant to many records atomically
func (s *Server) grantAccessBulkHandler(w http.ResponseWriter, r *http.Request) {
	var req bulkGrantRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	grants, err := s.access.GrantAccessBulk(r.Context(), callerFrom(r), req.Records, req.Grant)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"grants": grants, "count": len(grants)})
}

// requireOwnerOrSubject lets the record owner through, and subject when they
// are the caller
func (s *Server) requireOwnerOrSubject(r *http.Request, record types.RecordHash, subject types.Identity) error {
	caller := callerFrom(r)
	if caller == subject {
		return nil
	}
	ownership, err := s.access.GetRecordOwner(r.Context(), record)
	if err != nil {
		return err
	}
	if ownership.Owner != caller {
		return types.NewUnauthorizedError(types.ErrCodeNotRecordOwner, "only the record owner or the grantee may read this").
			WithDetail("record", record.String())
	}
	return nil
}

// getAccessGrantHandler returns a grant to its grantee or the record owner
func (s *Server) getAccessGrantHandler(w http.ResponseWriter, r *http.Request) {
	record, err := pathRecord(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	grantee := pathIdentity(r, "grantee")
	if err := s.requireOwnerOrSubject(r, record, grantee); err != nil {
		s.writeError(w, r, err)
		return
	}
	grant, err := s.access.GetAccessGrant(r.Context(), record, grantee)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

func (s *Server) revokeAccessHandler(w http.ResponseWriter, r *http.Request) {
	record, err := pathRecord(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	grantee := pathIdentity(r, "grantee")
	if err := s.access.RevokeAccess(r.Context(), callerFrom(r), record, grantee); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"record": record, "grantee": grantee, "revoked": true})
}

// checkAccessHandler evaluates an access decision. A caller checking their own
// access is audited; the owner may dry-run the check for another accessor.
func (s *Server) checkAccessHandler(w http.ResponseWriter, r *http.Request) {
	record, err := pathRecord(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	caller := callerFrom(r)
	accessor := caller
	if q := r.URL.Query().Get("accessor"); q != "" {
		accessor = types.Identity(q)
	}

	var opts []access.CheckOption
	if accessor != caller {
		if err := s.requireOwnerOrSubject(r, record, accessor); err != nil {
			s.writeError(w, r, err)
			return
		}
		opts = append(opts, access.DryRun())
	}
	if emergency, _ := strconv.ParseBool(r.URL.Query().Get("emergency")); emergency {
		opts = append(opts, access.WithEmergencyIntent())
	}

	decision, err := s.access.CheckAccess(r.Context(), record, accessor, opts...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

// accessHistoryHandler pages through a record's access log. Only the owner may read it.
func (s *Server) accessHistoryHandler(w http.ResponseWriter, r *http.Request) {
	record, err := pathRecord(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var after uint64
	if q := r.URL.Query().Get("after"); q != "" {
		if after, err = strconv.ParseUint(q, 10, 64); err != nil {
			s.writeError(w, r, badRequest("after must be a sequence number"))
			return
		}
	}
	limit := 0
	if q := r.URL.Query().Get("limit"); q != "" {
		if limit, err = strconv.Atoi(q); err != nil || limit < 0 {
			s.writeError(w, r, badRequest("limit must be a non-negative integer"))
			return
		}
	}

	ownership, err := s.access.GetRecordOwner(r.Context(), record)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if ownership.Owner != callerFrom(r) {
		s.writeError(w, r, types.NewUnauthorizedError(types.ErrCodeNotRecordOwner, "only the record owner may read its access history"))
		return
	}

	entries, err := s.access.GetAccessHistory(r.Context(), record, after, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries, "count": len(entries)})
}

type contactRequest struct {
	Contact types.Identity `json:"contact" validate:"required"`
}

func (s *Server) addEmergencyContactHandler(w http.ResponseWriter, r *http.Request) {
	var req contactRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.access.AddEmergencyContact(r.Context(), callerFrom(r), req.Contact); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) removeEmergencyContactHandler(w http.ResponseWriter, r *http.Request) {
	contact := pathIdentity(r, "contact")
	if err := s.access.RemoveEmergencyContact(r.Context(), callerFrom(r), contact); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"contact": contact, "removed": true})
}

func (s *Server) getEmergencyContactsHandler(w http.ResponseWriter, r *http.Request) {
	patient := pathIdentity(r, "id")
	if patient != callerFrom(r) {
		s.writeError(w, r, types.NewUnauthorizedError(types.ErrCodeNotParticipant, "patients may only list their own emergency contacts"))
		return
	}
	contacts, err := s.access.GetEmergencyContacts(r.Context(), patient)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"contacts": contacts, "count": len(contacts)})
}

// emergencyAccessHandler lets an emergency contact of the patient open a record
func (s *Server) emergencyAccessHandler(w http.ResponseWriter, r *http.Request) {
	record, err := types.ParseRecordHash(mux.Vars(r)["hash"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	grant, err := s.access.EmergencyAccess(r.Context(), callerFrom(r), pathIdentity(r, "id"), record)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, grant)
}
