package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"redaction-pipeline/internal/config"
	"redaction-pipeline/internal/ledger"
	"redaction-pipeline/internal/models"
	"redaction-pipeline/internal/store"
)

type published struct {
	subject string
	event   models.LifecycleEvent
}

type fakeBus struct {
	mu        sync.Mutex
	published []published
}

func (f *fakeBus) Publish(_ context.Context, subject string, evt models.LifecycleEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, published{subject: subject, event: evt})
	return nil
}

func (f *fakeBus) last(t *testing.T) published {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.published)
	return f.published[len(f.published)-1]
}

type testServer struct {
	router http.Handler
	store  *store.Memory
	bus    *fakeBus
	ledger *ledger.Ledger
	lstore *ledger.MemoryStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st := store.NewMemory()
	fb := &fakeBus{}
	ls := ledger.NewMemoryStore()
	led := ledger.New(ls, 3, zap.NewNop())
	srv := New(config.Config{}, st, fb, led, nil, zap.NewNop())
	return &testServer{router: srv.Router(), store: st, bus: fb, ledger: led, lstore: ls}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func TestSubmitJobPublishesEvent(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/v1/jobs", map[string]string{"kind": "document", "org_id": "org-1"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		ID     string            `json:"id"`
		Status string            `json:"status"`
		Links  map[string]string `json:"links"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ID)
	require.Equal(t, models.StatusQueued, resp.Status)
	require.Equal(t, "/v1/jobs/"+resp.ID, resp.Links["self"])

	pub := ts.bus.last(t)
	require.Equal(t, models.SubjectJobSubmitted, pub.subject)
	require.Equal(t, models.EventJobSubmitted, pub.event.Name)
	require.Equal(t, resp.ID, pub.event.JobID)
	require.Equal(t, "org-1", pub.event.OrgID)
	require.NotEmpty(t, pub.event.MessageID)
}

func TestSubmitJobRejectsBadKind(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/v1/jobs", map[string]string{"kind": "spreadsheet"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Empty(t, ts.bus.published)
}

func TestSubmitJobDefaultsOrg(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/v1/jobs", map[string]string{"kind": "audio"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, DefaultOrg, ts.bus.last(t).event.OrgID)
}

func TestGetJob(t *testing.T) {
	ts := newTestServer(t)
	now := time.Now().UTC()
	require.NoError(t, ts.store.Create(context.Background(), models.Job{
		ID: "j-1", OrgID: "org-1", Kind: models.KindDocument,
		Status: models.StatusRunning, CreatedAt: now, UpdatedAt: now,
	}))

	rec := ts.do(t, http.MethodGet, "/v1/jobs/j-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var job models.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	require.Equal(t, models.StatusRunning, job.Status)

	rec = ts.do(t, http.MethodGet, "/v1/jobs/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApprovePublishesTrigger(t *testing.T) {
	ts := newTestServer(t)
	now := time.Now().UTC()
	require.NoError(t, ts.store.Create(context.Background(), models.Job{
		ID: "j-1", OrgID: "org-1", Kind: models.KindVideo,
		Status: models.StatusWaitingReview, CreatedAt: now, UpdatedAt: now,
	}))

	rec := ts.do(t, http.MethodPost, "/v1/review/j-1/approve", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	pub := ts.bus.last(t)
	require.Equal(t, models.SubjectReviewApproved, pub.subject)
	require.Equal(t, models.EventReviewApproved, pub.event.Name)
	require.Equal(t, models.KindVideo, pub.event.Kind)

	rec = ts.do(t, http.MethodPost, "/v1/review/missing/approve", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuditRecordAndVerify(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/v1/audit", map[string]any{
		"actor":      "reviewer",
		"action":     "export",
		"object_ref": "jobs/j-1",
		"payload":    map[string]any{"job_id": "j-1"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var resp struct {
		OK       bool   `json:"ok"`
		Sequence uint64 `json:"sequence"`
		ThisHash string `json:"this_hash"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.OK)
	require.Equal(t, uint64(1), resp.Sequence)
	require.Len(t, resp.ThisHash, 64)

	rec = ts.do(t, http.MethodGet, "/v1/audit/verify", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var verify ledger.VerifyResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &verify))
	require.True(t, verify.Valid)
	require.Equal(t, 1, verify.Checked)
}

func TestAuditVerifyReportsTampering(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := ts.ledger.Append(ctx, "coordinator", "job.submitted", "jobs/j-1", map[string]any{"i": i})
		require.NoError(t, err)
	}
	require.True(t, ts.lstore.Tamper(3, func(r *ledger.Record) {
		r.PayloadDigest = "deadbeef" + r.PayloadDigest[8:]
	}))

	rec := ts.do(t, http.MethodGet, "/v1/audit/verify?from=1&to=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var verify ledger.VerifyResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &verify))
	require.False(t, verify.Valid)
	require.Equal(t, uint64(3), verify.FirstInvalid)
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
