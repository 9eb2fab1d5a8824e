package rpcserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/JailtonJunior94/datadispatch/pkg/catalog"
	"github.com/JailtonJunior94/datadispatch/pkg/progress"

	"github.com/go-chi/chi/v5"
)

type fakeJobService struct {
	jobs     map[string]catalog.Job
	unitID   string
	runErr   error
	testRows int
	testErr  error

	ranJob     string
	ranSubset  []string
	testedJob  string
	testedConn string
}

func newFakeJobService() *fakeJobService {
	return &fakeJobService{jobs: make(map[string]catalog.Job), unitID: "unit-1"}
}

func (f *fakeJobService) GetJobs() []catalog.Job {
	out := make([]catalog.Job, 0, len(f.jobs))
	for _, job := range f.jobs {
		out = append(out, job)
	}
	return out
}

func (f *fakeJobService) GetJob(jobID string) (catalog.Job, error) {
	job, ok := f.jobs[jobID]
	if !ok {
		return catalog.Job{}, fmt.Errorf("job %q: %w", jobID, catalog.ErrNotFound)
	}
	return job, nil
}

func (f *fakeJobService) AddJob(job catalog.Job) (catalog.Job, error) {
	if job.Name == "" {
		return catalog.Job{}, fmt.Errorf("%w: name is required", catalog.ErrConfigInvalid)
	}
	if job.ID == "" {
		job.ID = fmt.Sprintf("job-%d", len(f.jobs)+1)
	}
	f.jobs[job.ID] = job
	return job, nil
}

func (f *fakeJobService) UpdateJob(job catalog.Job) (catalog.Job, error) {
	if _, ok := f.jobs[job.ID]; !ok {
		return catalog.Job{}, fmt.Errorf("job %q: %w", job.ID, catalog.ErrNotFound)
	}
	f.jobs[job.ID] = job
	return job, nil
}

func (f *fakeJobService) DeleteJob(jobID string) error {
	if _, ok := f.jobs[jobID]; !ok {
		return fmt.Errorf("job %q: %w", jobID, catalog.ErrNotFound)
	}
	delete(f.jobs, jobID)
	return nil
}

func (f *fakeJobService) RunJobNow(ctx context.Context, jobID string) (string, error) {
	if f.runErr != nil {
		return "", f.runErr
	}
	f.ranJob = jobID
	return f.unitID, nil
}

func (f *fakeJobService) RunJobForConnections(ctx context.Context, jobID string, connectionIDs []string) (string, error) {
	if f.runErr != nil {
		return "", f.runErr
	}
	f.ranJob = jobID
	f.ranSubset = connectionIDs
	return f.unitID, nil
}

func (f *fakeJobService) TestJob(ctx context.Context, job catalog.Job, connID string) (int, error) {
	f.testedJob = job.Name
	f.testedConn = connID
	return f.testRows, f.testErr
}

func (f *fakeJobService) TestJobByID(ctx context.Context, jobID, connID string) (int, error) {
	f.testedJob = jobID
	f.testedConn = connID
	return f.testRows, f.testErr
}

func (f *fakeJobService) NextRuns() map[string]time.Time {
	return map[string]time.Time{"job-1": time.Date(2025, 6, 1, 6, 0, 0, 0, time.UTC)}
}

type fakeRunProgress struct {
	snapshots map[string]progress.Snapshot
	cancelled []string
	cancelOK  bool
}

func (f *fakeRunProgress) Snapshot(jobID string) (progress.Snapshot, bool) {
	snap, ok := f.snapshots[jobID]
	return snap, ok
}

func (f *fakeRunProgress) Snapshots() []progress.Snapshot {
	out := make([]progress.Snapshot, 0, len(f.snapshots))
	for _, snap := range f.snapshots {
		out = append(out, snap)
	}
	return out
}

func (f *fakeRunProgress) CancelJob(jobID string) bool {
	f.cancelled = append(f.cancelled, jobID)
	return f.cancelOK
}

func newJobsHandler(jobs JobService, prog RunProgress) http.Handler {
	r := chi.NewRouter()
	NewJobsRouter(jobs, prog).Register(r)
	return r
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestJobsRouterCRUD(t *testing.T) {
	svc := newFakeJobService()
	handler := newJobsHandler(svc, &fakeRunProgress{})

	t.Run("create", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodPost, "/api/v1/jobs", catalog.Job{Name: "vendas"})
		if rec.Code != http.StatusCreated {
			t.Fatalf("POST /jobs = %d, want 201: %s", rec.Code, rec.Body.String())
		}

		var created catalog.Job
		if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if created.ID == "" {
			t.Error("created job should carry an id")
		}
	})

	t.Run("create invalid is 422", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodPost, "/api/v1/jobs", catalog.Job{})
		if rec.Code != http.StatusUnprocessableEntity {
			t.Errorf("invalid job = %d, want 422", rec.Code)
		}
	})

	t.Run("create malformed body is 400", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", bytes.NewReader([]byte("{nope")))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("malformed body = %d, want 400", rec.Code)
		}
	})

	t.Run("get missing is 404", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodGet, "/api/v1/jobs/ghost", nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("GET missing = %d, want 404", rec.Code)
		}
	})

	t.Run("update takes the id from the URL", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodPut, "/api/v1/jobs/job-1", catalog.Job{ID: "other", Name: "renamed"})
		if rec.Code != http.StatusOK {
			t.Fatalf("PUT /jobs/job-1 = %d: %s", rec.Code, rec.Body.String())
		}
		if svc.jobs["job-1"].Name != "renamed" {
			t.Errorf("job name = %q, want renamed", svc.jobs["job-1"].Name)
		}
	})

	t.Run("delete", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodDelete, "/api/v1/jobs/job-1", nil)
		if rec.Code != http.StatusNoContent {
			t.Errorf("DELETE = %d, want 204", rec.Code)
		}
	})
}

func TestJobsRouterRunVerbs(t *testing.T) {
	t.Run("run answers 202 with the unit id", func(t *testing.T) {
		svc := newFakeJobService()
		handler := newJobsHandler(svc, &fakeRunProgress{})

		rec := doJSON(t, handler, http.MethodPost, "/api/v1/jobs/job-9/run", nil)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("POST run = %d, want 202", rec.Code)
		}

		var resp runResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.UnitID != "unit-1" || svc.ranJob != "job-9" {
			t.Errorf("unit = %q ran = %q", resp.UnitID, svc.ranJob)
		}
	})

	t.Run("run-subset forwards the connection ids", func(t *testing.T) {
		svc := newFakeJobService()
		handler := newJobsHandler(svc, &fakeRunProgress{})

		rec := doJSON(t, handler, http.MethodPost, "/api/v1/jobs/job-9/run-subset",
			runSubsetRequest{ConnectionIDs: []string{"c1", "c2"}})
		if rec.Code != http.StatusAccepted {
			t.Fatalf("POST run-subset = %d, want 202", rec.Code)
		}
		if len(svc.ranSubset) != 2 || svc.ranSubset[0] != "c1" {
			t.Errorf("subset = %v", svc.ranSubset)
		}
	})

	t.Run("overlapping run maps to 409", func(t *testing.T) {
		svc := newFakeJobService()
		svc.runErr = fmt.Errorf("%w: job already queued", catalog.ErrConflict)
		handler := newJobsHandler(svc, &fakeRunProgress{})

		rec := doJSON(t, handler, http.MethodPost, "/api/v1/jobs/job-9/run", nil)
		if rec.Code != http.StatusConflict {
			t.Errorf("overlapping run = %d, want 409", rec.Code)
		}
	})

	t.Run("cancel is idempotent", func(t *testing.T) {
		prog := &fakeRunProgress{cancelOK: true}
		handler := newJobsHandler(newFakeJobService(), prog)

		rec := doJSON(t, handler, http.MethodPost, "/api/v1/jobs/job-9/cancel", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("POST cancel = %d, want 200", rec.Code)
		}

		prog.cancelOK = false
		rec = doJSON(t, handler, http.MethodPost, "/api/v1/jobs/job-9/cancel", nil)
		if rec.Code != http.StatusOK {
			t.Errorf("repeated cancel = %d, want 200", rec.Code)
		}

		var resp cancelResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.CancelRequested {
			t.Error("repeated cancel should report the flag unset")
		}
	})
}

func TestJobsRouterTestVerbs(t *testing.T) {
	t.Run("saved job probe returns the row count", func(t *testing.T) {
		svc := newFakeJobService()
		svc.testRows = 42
		handler := newJobsHandler(svc, &fakeRunProgress{})

		rec := doJSON(t, handler, http.MethodPost, "/api/v1/jobs/job-1/test",
			testJobRequest{ConnectionID: "c1"})
		if rec.Code != http.StatusOK {
			t.Fatalf("POST test = %d, want 200", rec.Code)
		}

		var resp testJobResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !resp.Success || resp.RowCount != 42 {
			t.Errorf("resp = %+v", resp)
		}
		if svc.testedConn != "c1" {
			t.Errorf("tested conn = %q", svc.testedConn)
		}
	})

	t.Run("probe failure is an outcome, not a 5xx", func(t *testing.T) {
		svc := newFakeJobService()
		svc.testErr = fmt.Errorf("%w: login failed", catalog.ErrConnectFailed)
		handler := newJobsHandler(svc, &fakeRunProgress{})

		rec := doJSON(t, handler, http.MethodPost, "/api/v1/jobs/job-1/test",
			testJobRequest{ConnectionID: "c1"})
		if rec.Code != http.StatusOK {
			t.Fatalf("failed probe = %d, want 200", rec.Code)
		}

		var resp testJobResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.Success || resp.Error == "" {
			t.Errorf("resp = %+v", resp)
		}
	})

	t.Run("draft probe requires the job payload", func(t *testing.T) {
		handler := newJobsHandler(newFakeJobService(), &fakeRunProgress{})

		rec := doJSON(t, handler, http.MethodPost, "/api/v1/jobs/test",
			testJobRequest{ConnectionID: "c1"})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("draft without job = %d, want 400", rec.Code)
		}
	})

	t.Run("draft probe runs the supplied job", func(t *testing.T) {
		svc := newFakeJobService()
		svc.testRows = 7
		handler := newJobsHandler(svc, &fakeRunProgress{})

		rec := doJSON(t, handler, http.MethodPost, "/api/v1/jobs/test",
			testJobRequest{ConnectionID: "c1", Job: &catalog.Job{Name: "draft"}})
		if rec.Code != http.StatusOK {
			t.Fatalf("draft probe = %d, want 200", rec.Code)
		}
		if svc.testedJob != "draft" {
			t.Errorf("tested job = %q, want draft", svc.testedJob)
		}
	})
}

func TestJobsRouterProgress(t *testing.T) {
	prog := &fakeRunProgress{snapshots: map[string]progress.Snapshot{
		"job-1": {JobID: "job-1", Status: progress.JobRunning},
	}}
	handler := newJobsHandler(newFakeJobService(), prog)

	t.Run("live job", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodGet, "/api/v1/jobs/job-1/progress", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("GET progress = %d, want 200", rec.Code)
		}

		var snap progress.Snapshot
		if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if snap.Status != progress.JobRunning {
			t.Errorf("status = %q", snap.Status)
		}
	})

	t.Run("idle job is 404", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodGet, "/api/v1/jobs/idle/progress", nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("GET idle progress = %d, want 404", rec.Code)
		}
	})

	t.Run("all live runs", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodGet, "/api/v1/progress", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("GET /progress = %d, want 200", rec.Code)
		}

		var snaps []progress.Snapshot
		if err := json.Unmarshal(rec.Body.Bytes(), &snaps); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(snaps) != 1 {
			t.Errorf("snapshots = %d, want 1", len(snaps))
		}
	})

	t.Run("next runs", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodGet, "/api/v1/jobs/next-runs", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("GET next-runs = %d, want 200", rec.Code)
		}

		var runs map[string]time.Time
		if err := json.Unmarshal(rec.Body.Bytes(), &runs); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if _, ok := runs["job-1"]; !ok {
			t.Errorf("runs = %v", runs)
		}
	})
}
