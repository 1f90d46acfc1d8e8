// Package api is the HTTP ingress. It validates requests and translates
// them into bus events; job status is only ever written by the
// coordinator, never here.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"redaction-pipeline/internal/bus"
	"redaction-pipeline/internal/config"
	"redaction-pipeline/internal/ledger"
	"redaction-pipeline/internal/models"
	"redaction-pipeline/internal/ratelimit"
	"redaction-pipeline/internal/store"
	"redaction-pipeline/internal/telemetry"
)

// DefaultOrg backs requests that carry no org id, matching the bootstrap
// fixture org.
const DefaultOrg = "00000000-0000-0000-0000-000000000001"

// Server wires HTTP handlers for the ingress API.
type Server struct {
	cfg     config.Config
	store   store.JobStore
	pub     bus.Publisher
	ledger  *ledger.Ledger
	limiter *ratelimit.OrgBucket
	log     *zap.Logger
}

// New constructs the API server. limiter may be nil to disable rate
// limiting (tests).
func New(cfg config.Config, st store.JobStore, pub bus.Publisher, led *ledger.Ledger, limiter *ratelimit.OrgBucket, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{cfg: cfg, store: st, pub: pub, ledger: led, limiter: limiter, log: log}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/v1/jobs", s.handleSubmit)
	r.Get("/v1/jobs/{id}", s.handleGetJob)
	r.Post("/v1/review/{job_id}/approve", s.handleApprove)
	r.Post("/v1/audit", s.handleAuditRecord)
	r.Get("/v1/audit/verify", s.handleAuditVerify)
	return r
}

type submitRequest struct {
	OrgID string `json:"org_id"`
	Kind  string `json:"kind"`
}

type submitResponse struct {
	ID     string            `json:"id"`
	Status string            `json:"status"`
	Links  map[string]string `json:"links"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if !models.ValidKind(req.Kind) {
		http.Error(w, "kind must be document|audio|video", http.StatusBadRequest)
		return
	}
	if req.OrgID == "" {
		req.OrgID = DefaultOrg
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), req.OrgID, 1)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.SubmitRateRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	jobID := uuid.New().String()
	evt := models.NewLifecycleEvent(models.EventJobSubmitted, jobID, req.OrgID, req.Kind)
	if err := s.pub.Publish(r.Context(), models.SubjectJobSubmitted, evt); err != nil {
		s.log.Error("publish submission failed", zap.Error(err))
		http.Error(w, "submission failed", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{
		ID:     jobID,
		Status: models.StatusQueued,
		Links:  map[string]string{"self": "/v1/jobs/" + jobID},
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleApprove translates a manual review approval into the bus trigger.
// The coordinator validates the transition and appends the audit record
// before the packager sees anything.
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "job_id")
	job, err := s.store.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}

	evt := models.NewLifecycleEvent(models.EventReviewApproved, job.ID, job.OrgID, job.Kind)
	if err := s.pub.Publish(r.Context(), models.SubjectReviewApproved, evt); err != nil {
		s.log.Error("publish approval failed", zap.String("job_id", id), zap.Error(err))
		http.Error(w, "approval failed", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID, "status": "approval_requested"})
}

type auditRequest struct {
	Actor     string         `json:"actor"`
	Action    string         `json:"action"`
	ObjectRef string         `json:"object_ref"`
	Payload   map[string]any `json:"payload"`
}

func (s *Server) handleAuditRecord(w http.ResponseWriter, r *http.Request) {
	var req auditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Actor == "" {
		req.Actor = "api"
	}
	if req.Action == "" {
		req.Action = "EVENT"
	}
	if req.ObjectRef == "" {
		req.ObjectRef = "-"
	}
	rec, err := s.ledger.Append(r.Context(), req.Actor, req.Action, req.ObjectRef, req.Payload)
	if err != nil {
		s.log.Error("audit append failed", zap.Error(err))
		http.Error(w, "audit append failed", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"ok":        true,
		"sequence":  rec.Sequence,
		"this_hash": rec.ThisHash,
	})
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	from := queryUint(r, "from", 0)
	to := queryUint(r, "to", 0)
	res, err := s.ledger.Verify(r.Context(), from, to)
	if err != nil {
		http.Error(w, "verify failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func queryUint(r *http.Request, key string, def uint64) uint64 {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
