// Package api exposes the registry, escrow and access engines over HTTP.
// Every /api/v1 route requires a bearer token whose subject is the caller.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/medrex/dlt-telehealth/internal/access"
	"github.com/medrex/dlt-telehealth/internal/escrow"
	"github.com/medrex/dlt-telehealth/internal/registry"
	"github.com/medrex/dlt-telehealth/pkg/config"
	"github.com/medrex/dlt-telehealth/pkg/logger"
	"github.com/medrex/dlt-telehealth/pkg/monitoring"
	"github.com/medrex/dlt-telehealth/pkg/types"
)

// Deps are the collaborators of a Server. Metrics, Tracer and Health are optional.
type Deps struct {
	Config   *config.Config
	Logger   *logger.Logger
	Registry *registry.Service
	Escrow   *escrow.Engine
	Access   *access.Engine
	Metrics  *monitoring.MetricsCollector
	Tracer   *monitoring.TracingManager
	Health   *monitoring.HealthManager
}

// Server is the HTTP front of the telehealth engines
type Server struct {
	cfg      *config.Config
	logger   *logger.Logger
	tokens   *TokenValidator
	registry *registry.Service
	escrow   *escrow.Engine
	access   *access.Engine
	metrics  *monitoring.MetricsCollector
	tracer   *monitoring.TracingManager
	health   *monitoring.HealthManager
	limiter  *RateLimiter
	router   *mux.Router
	server   *http.Server
}

// NewServer wires the routes and middleware
func NewServer(deps Deps) *Server {
	s := &Server{
		cfg:      deps.Config,
		logger:   deps.Logger,
		tokens:   NewTokenValidator(deps.Config.JWT),
		registry: deps.Registry,
		escrow:   deps.Escrow,
		access:   deps.Access,
		metrics:  deps.Metrics,
		tracer:   deps.Tracer,
		health:   deps.Health,
	}
	if s.logger == nil {
		s.logger = logger.Discard()
	}
	if s.tracer == nil {
		s.tracer = monitoring.NewNoopTracingManager()
	}

	if deps.Config.Server.RateLimit > 0 && deps.Config.Server.RateLimitPeriod > 0 {
		s.limiter = NewRateLimiter(deps.Config.Server.RateLimit, deps.Config.Server.RateLimitPeriod, nil)
	}

	s.router = mux.NewRouter()
	s.setupRoutes(s.router)
	return s
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Tokens returns the validator used to authenticate callers
func (s *Server) Tokens() *TokenValidator {
	return s.tokens
}

// Start serves HTTP on addr until Shutdown is called
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(s.cfg.Server.IdleTimeout) * time.Second,
	}

	s.logger.Infof("Starting telehealth API on %s", addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// PruneLimiter drops idle rate limit buckets every interval until ctx is done
func (s *Server) PruneLimiter(ctx context.Context, interval time.Duration) {
	if s.limiter == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.limiter.Prune()
		}
	}
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("Stopping telehealth API")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes(router *mux.Router) {
	router.Use(
		s.tracer.HTTPMiddleware(routeTemplate),
		monitoring.RequestLogging(s.logger),
		s.metrics.HTTPMiddleware(routeTemplate),
	)

	healthPath, metricsPath := "/health", "/metrics"
	if s.cfg.Monitoring.HealthPath != "" {
		healthPath = s.cfg.Monitoring.HealthPath
	}
	if s.cfg.Monitoring.MetricsPath != "" {
		metricsPath = s.cfg.Monitoring.MetricsPath
	}
	if s.health != nil {
		router.Handle(healthPath, s.health.HTTPHandler()).Methods(http.MethodGet)
	} else {
		router.HandleFunc(healthPath, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]interface{}{"status": "healthy", "timestamp": time.Now().UTC()})
		}).Methods(http.MethodGet)
	}
	if s.metrics != nil {
		router.Handle(metricsPath, s.metrics.Handler()).Methods(http.MethodGet)
	}

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	if s.limiter != nil {
		api.Use(s.rateLimitMiddleware)
	}

	// Registry
	api.HandleFunc("/doctors", s.registerDoctorHandler).Methods(http.MethodPost)
	api.HandleFunc("/doctors/fee", s.updateDoctorFeeHandler).Methods(http.MethodPut)
	api.HandleFunc("/doctors/availability", s.setAvailabilityHandler).Methods(http.MethodPut)
	api.HandleFunc("/doctors/{id}", s.getDoctorHandler).Methods(http.MethodGet)
	api.HandleFunc("/doctors/{id}/verify", s.verifyDoctorHandler).Methods(http.MethodPost)
	api.HandleFunc("/doctors/{id}/stats", s.getDoctorStatsHandler).Methods(http.MethodGet)
	api.HandleFunc("/doctors/{id}/slots", s.getAvailableSlotsHandler).Methods(http.MethodGet)
	api.HandleFunc("/patients", s.registerPatientHandler).Methods(http.MethodPost)
	api.HandleFunc("/patients/records-pointer", s.updateRecordsPointerHandler).Methods(http.MethodPut)
	api.HandleFunc("/patients/{id}", s.getPatientHandler).Methods(http.MethodGet)
	api.HandleFunc("/totals", s.totalsHandler).Methods(http.MethodGet)

	// Escrow
	api.HandleFunc("/escrow/settings", s.escrowSettingsHandler).Methods(http.MethodGet)
	api.HandleFunc("/consultations", s.bookConsultationHandler).Methods(http.MethodPost)
	api.HandleFunc("/consultations/{id}", s.getConsultationHandler).Methods(http.MethodGet)
	api.HandleFunc("/consultations/{id}/start", s.startConsultationHandler).Methods(http.MethodPost)
	api.HandleFunc("/consultations/{id}/complete", s.markCompletedHandler).Methods(http.MethodPost)
	api.HandleFunc("/consultations/{id}/release", s.releasePaymentHandler).Methods(http.MethodPost)
	api.HandleFunc("/consultations/{id}/dispute", s.disputeConsultationHandler).Methods(http.MethodPost)
	api.HandleFunc("/consultations/{id}/resolve", s.resolveDisputeHandler).Methods(http.MethodPost)
	api.HandleFunc("/consultations/{id}/cancel", s.cancelConsultationHandler).Methods(http.MethodPost)
	api.HandleFunc("/consultations/{id}/no-show", s.reportNoShowHandler).Methods(http.MethodPost)
	api.HandleFunc("/consultations/{id}/rating", s.rateConsultationHandler).Methods(http.MethodPost)
	api.HandleFunc("/consultations/{id}/escrow", s.escrowBalanceHandler).Methods(http.MethodGet)
	api.HandleFunc("/consultations/{id}/events", s.consultationEventsHandler).Methods(http.MethodGet)
	api.HandleFunc("/consultations/{id}/record-access/{hash}", s.doctorRecordAccessHandler).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{id}/balance", s.balanceHandler).Methods(http.MethodGet)

	// Access control
	api.HandleFunc("/records", s.registerRecordHandler).Methods(http.MethodPost)
	api.HandleFunc("/records/grants", s.grantAccessBulkHandler).Methods(http.MethodPost)
	api.HandleFunc("/records/{hash}", s.getRecordOwnerHandler).Methods(http.MethodGet)
	api.HandleFunc("/records/{hash}/grants", s.grantAccessHandler).Methods(http.MethodPost)
	api.HandleFunc("/records/{hash}/grants/{grantee}", s.getAccessGrantHandler).Methods(http.MethodGet)
	api.HandleFunc("/records/{hash}/grants/{grantee}", s.revokeAccessHandler).Methods(http.MethodDelete)
	api.HandleFunc("/records/{hash}/access", s.checkAccessHandler).Methods(http.MethodGet)
	api.HandleFunc("/records/{hash}/history", s.accessHistoryHandler).Methods(http.MethodGet)
	api.HandleFunc("/emergency-contacts", s.addEmergencyContactHandler).Methods(http.MethodPost)
	api.HandleFunc("/emergency-contacts/{contact}", s.removeEmergencyContactHandler).Methods(http.MethodDelete)
	api.HandleFunc("/patients/{id}/emergency-contacts", s.getEmergencyContactsHandler).Methods(http.MethodGet)
	api.HandleFunc("/patients/{id}/records/{hash}/emergency-access", s.emergencyAccessHandler).Methods(http.MethodPost)

	s.logger.Info("Telehealth API routes configured")
}

// routeTemplate names a request by its matched route so ids stay out of metric labels
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Kind    types.ErrorKind        `json:"kind,omitempty"`
	Code    string                 `json:"code,omitempty"`
	Status  int                    `json:"status"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// writeError maps err onto an HTTP status and writes it
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Status: status, Kind: types.KindOf(err), Code: types.CodeOf(err)}

	var domainErr *types.Error
	if errors.As(err, &domainErr) {
		resp.Error = domainErr.Message
		resp.Details = domainErr.Details
	} else {
		resp.Error = err.Error()
	}

	if status >= http.StatusInternalServerError {
		s.logger.WithContext(r.Context()).WithError(err).Error("Request failed")
		if domainErr != nil && domainErr.Kind == types.ErrorKindUnavailable {
			resp.Error = "ledger is unavailable"
		}
	}
	writeJSON(w, status, resp)
}

// statusFor maps an error kind onto an HTTP status
func statusFor(err error) int {
	switch types.KindOf(err) {
	case types.ErrorKindUnauthorized:
		if types.CodeOf(err) == types.ErrCodeUnauthenticated {
			return http.StatusUnauthorized
		}
		return http.StatusForbidden
	case types.ErrorKindGrantExpiredOrRevoked:
		return http.StatusForbidden
	case types.ErrorKindNotFound:
		return http.StatusNotFound
	case types.ErrorKindInvalidState, types.ErrorKindAlreadyFinalized:
		return http.StatusConflict
	case types.ErrorKindInsufficientFunds:
		return http.StatusPaymentRequired
	case types.ErrorKindPolicyViolation:
		switch types.CodeOf(err) {
		case types.ErrCodeInvalidInput:
			return http.StatusBadRequest
		case types.ErrCodeDoctorExists, types.ErrCodePatientExists, types.ErrCodeRecordExists, types.ErrCodeSlotTaken:
			return http.StatusConflict
		}
		return http.StatusUnprocessableEntity
	case types.ErrorKindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// badRequest reports a malformed request
func badRequest(message string) error {
	return types.NewPolicyViolationError(types.ErrCodeInvalidInput, message)
}
