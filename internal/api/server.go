package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/azure/mentions-responder/internal/models"
	"github.com/azure/mentions-responder/internal/monitoring"
	"github.com/azure/mentions-responder/internal/scheduler"
	"github.com/azure/mentions-responder/internal/storage"
)

const defaultLimit = 100

// DecisionEngine is the part of the pipeline engine exposed over HTTP
type DecisionEngine interface {
	RecordDecision(ctx context.Context, id models.Identity, decision models.Decision) error
	Retrigger(ctx context.Context, id models.Identity) error
	Advance(ctx context.Context, id models.Identity) error
}

// CycleTrigger starts a cycle outside the schedule
type CycleTrigger interface {
	State() scheduler.State
	TriggerCycle() (*monitoring.CycleResult, error)
}

// StatusProvider reports the monitoring status snapshot
type StatusProvider interface {
	GetMetrics() string
}

// Server serves health, metrics, the read-only mention query surface and
// the decision surface.
type Server struct {
	store    storage.MentionStore
	engine   DecisionEngine
	trigger  CycleTrigger
	status   StatusProvider
	gatherer prometheus.Gatherer
	validate *validator.Validate
}

func NewServer(store storage.MentionStore, engine DecisionEngine, trigger CycleTrigger, status StatusProvider, gatherer prometheus.Gatherer) *Server {
	validate := validator.New()
	// Registration only fails for an empty tag or nil func
	_ = validate.RegisterValidation("mention_state", func(fl validator.FieldLevel) bool {
		return models.State(fl.Field().String()).Valid()
	})

	return &Server{
		store:    store,
		engine:   engine,
		trigger:  trigger,
		status:   status,
		gatherer: gatherer,
		validate: validate,
	}
}

// Router wires the HTTP routes
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()

	// Health check endpoint
	router.HandleFunc("/health", healthCheckHandler).Methods("GET")

	router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	router.HandleFunc("/status", s.statusHandler).Methods("GET")

	// Manual trigger endpoint
	router.HandleFunc("/trigger", s.triggerHandler).Methods("POST")

	router.HandleFunc("/mentions", s.listMentionsHandler).Methods("GET")
	router.HandleFunc("/mentions/{platform}/{id}", s.getMentionHandler).Methods("GET")
	router.HandleFunc("/mentions/{platform}/{id}/decision", s.decisionHandler).Methods("POST")
	router.HandleFunc("/mentions/{platform}/{id}/retrigger", s.retriggerHandler).Methods("POST")

	return router
}

func healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(s.status.GetMetrics()))
}

func (s *Server) triggerHandler(w http.ResponseWriter, r *http.Request) {
	switch s.trigger.State() {
	case scheduler.StateRunning:
		writeError(w, http.StatusConflict, scheduler.ErrCycleRunning.Error())
		return
	case scheduler.StateStopping, scheduler.StateStopped:
		writeError(w, http.StatusServiceUnavailable, scheduler.ErrStopped.Error())
		return
	}

	go func() {
		if _, err := s.trigger.TriggerCycle(); err != nil {
			logrus.Errorf("Manual cycle trigger failed: %v", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"message": "Cycle triggered"})
}

type mentionQuery struct {
	Platform  string `validate:"omitempty,alphanum"`
	Sentiment string `validate:"omitempty,oneof=unclassified positive negative neutral"`
	State     string `validate:"omitempty,mention_state"`
	Term      string `validate:"omitempty,max=200"`
	Since     string `validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	Until     string `validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	Limit     int    `validate:"gte=0,lte=1000"`
}

func (q mentionQuery) filter() models.Filter {
	f := models.Filter{
		Platform:  q.Platform,
		Sentiment: models.Sentiment(q.Sentiment),
		State:     models.State(q.State),
		Term:      q.Term,
		Limit:     q.Limit,
	}
	if q.Since != "" {
		since, _ := time.Parse(time.RFC3339, q.Since)
		f.Since = &since
	}
	if q.Until != "" {
		until, _ := time.Parse(time.RFC3339, q.Until)
		f.Until = &until
	}
	if f.Limit == 0 {
		f.Limit = defaultLimit
	}
	return f
}

func (s *Server) listMentionsHandler(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()
	q := mentionQuery{
		Platform:  values.Get("platform"),
		Sentiment: values.Get("sentiment"),
		State:     values.Get("state"),
		Term:      values.Get("term"),
		Since:     values.Get("since"),
		Until:     values.Get("until"),
	}
	if raw := values.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be a number")
			return
		}
		q.Limit = limit
	}
	if err := s.validate.Struct(q); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	mentions, err := s.store.Query(r.Context(), q.filter())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if mentions == nil {
		mentions = []*models.Mention{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(mentions),
		"mentions": mentions,
	})
}

type mentionDetail struct {
	*models.Mention
	Events []models.Event `json:"events"`
}

func (s *Server) getMentionHandler(w http.ResponseWriter, r *http.Request) {
	id := identity(r)

	m, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	events, err := s.store.Events(r.Context(), id)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mentionDetail{Mention: m, Events: events})
}

type decisionRequest struct {
	Decision string `json:"decision" validate:"required,oneof=approved rejected"`
}

func (s *Server) decisionHandler(w http.ResponseWriter, r *http.Request) {
	id := identity(r)

	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	decision := models.Decision(req.Decision)
	if err := s.engine.RecordDecision(r.Context(), id, decision); err != nil {
		s.writeFailure(w, err)
		return
	}

	// Approval publishes right away; the retry tick picks it up otherwise
	if decision == models.DecisionApproved {
		if err := s.engine.Advance(r.Context(), id); err != nil {
			logrus.WithField("mention", id.String()).Errorf("Failed to advance approved mention: %v", err)
		}
	}

	s.writeMention(w, r, id)
}

func (s *Server) retriggerHandler(w http.ResponseWriter, r *http.Request) {
	id := identity(r)

	if err := s.engine.Retrigger(r.Context(), id); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeMention(w, r, id)
}

func (s *Server) writeMention(w http.ResponseWriter, r *http.Request, id models.Identity) {
	m, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrDecisionConflict), errors.Is(err, models.ErrStateConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		logrus.Errorf("Request failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func identity(r *http.Request) models.Identity {
	vars := mux.Vars(r)
	return models.Identity{Platform: vars["platform"], ItemID: vars["id"]}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.Warnf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
