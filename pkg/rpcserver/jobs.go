package rpcserver

import (
	"context"
	"net/http"
	"time"

	"github.com/JailtonJunior94/datadispatch/pkg/catalog"
	"github.com/JailtonJunior94/datadispatch/pkg/progress"
	"github.com/JailtonJunior94/datadispatch/pkg/responses"

	"github.com/go-chi/chi/v5"
)

// JobService is the slice of the scheduler the jobs router depends on.
type JobService interface {
	GetJobs() []catalog.Job
	GetJob(jobID string) (catalog.Job, error)
	AddJob(job catalog.Job) (catalog.Job, error)
	UpdateJob(job catalog.Job) (catalog.Job, error)
	DeleteJob(jobID string) error
	RunJobNow(ctx context.Context, jobID string) (string, error)
	RunJobForConnections(ctx context.Context, jobID string, connectionIDs []string) (string, error)
	TestJob(ctx context.Context, job catalog.Job, connID string) (int, error)
	TestJobByID(ctx context.Context, jobID, connID string) (int, error)
	NextRuns() map[string]time.Time
}

// RunProgress is the slice of the progress tracker the jobs router depends on.
type RunProgress interface {
	Snapshot(jobID string) (progress.Snapshot, bool)
	Snapshots() []progress.Snapshot
	CancelJob(jobID string) bool
}

// JobsRouter serves job CRUD, run verbs, cancellation and live progress.
type JobsRouter struct {
	jobs     JobService
	progress RunProgress
}

// NewJobsRouter creates the jobs resource router.
func NewJobsRouter(jobs JobService, prog RunProgress) *JobsRouter {
	return &JobsRouter{jobs: jobs, progress: prog}
}

// Register mounts the routes.
func (h *JobsRouter) Register(r chi.Router) {
	r.Route("/api/v1/jobs", func(r chi.Router) {
		r.Get("/", h.list)
		r.Post("/", h.create)
		r.Get("/next-runs", h.nextRuns)
		r.Post("/test", h.testDraft)

		r.Route("/{jobID}", func(r chi.Router) {
			r.Get("/", h.get)
			r.Put("/", h.update)
			r.Delete("/", h.remove)
			r.Post("/run", h.run)
			r.Post("/run-subset", h.runSubset)
			r.Post("/cancel", h.cancel)
			r.Post("/test", h.test)
			r.Get("/progress", h.progressOne)
		})
	})

	r.Get("/api/v1/progress", h.progressAll)
}

func (h *JobsRouter) list(w http.ResponseWriter, r *http.Request) {
	responses.JSON(w, http.StatusOK, h.jobs.GetJobs())
}

func (h *JobsRouter) get(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.GetJob(chi.URLParam(r, "jobID"))
	if err != nil {
		respondError(w, err)
		return
	}
	responses.JSON(w, http.StatusOK, job)
}

func (h *JobsRouter) create(w http.ResponseWriter, r *http.Request) {
	var job catalog.Job
	if err := decodeJSON(r, &job); err != nil {
		responses.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := h.jobs.AddJob(job)
	if err != nil {
		respondError(w, err)
		return
	}
	responses.JSON(w, http.StatusCreated, created)
}

func (h *JobsRouter) update(w http.ResponseWriter, r *http.Request) {
	var job catalog.Job
	if err := decodeJSON(r, &job); err != nil {
		responses.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	job.ID = chi.URLParam(r, "jobID")

	updated, err := h.jobs.UpdateJob(job)
	if err != nil {
		respondError(w, err)
		return
	}
	responses.JSON(w, http.StatusOK, updated)
}

func (h *JobsRouter) remove(w http.ResponseWriter, r *http.Request) {
	if err := h.jobs.DeleteJob(chi.URLParam(r, "jobID")); err != nil {
		respondError(w, err)
		return
	}
	responses.NoContent(w)
}

type runResponse struct {
	UnitID string `json:"unitId"`
}

func (h *JobsRouter) run(w http.ResponseWriter, r *http.Request) {
	unitID, err := h.jobs.RunJobNow(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		respondError(w, err)
		return
	}
	responses.JSON(w, http.StatusAccepted, runResponse{UnitID: unitID})
}

type runSubsetRequest struct {
	ConnectionIDs []string `json:"connectionIds"`
}

func (h *JobsRouter) runSubset(w http.ResponseWriter, r *http.Request) {
	var req runSubsetRequest
	if err := decodeJSON(r, &req); err != nil {
		responses.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	unitID, err := h.jobs.RunJobForConnections(r.Context(), chi.URLParam(r, "jobID"), req.ConnectionIDs)
	if err != nil {
		respondError(w, err)
		return
	}
	responses.JSON(w, http.StatusAccepted, runResponse{UnitID: unitID})
}

type cancelResponse struct {
	CancelRequested bool `json:"cancelRequested"`
}

// cancel is idempotent: repeating it, or cancelling a job that is not
// running, answers 200 with the flag unset.
func (h *JobsRouter) cancel(w http.ResponseWriter, r *http.Request) {
	requested := h.progress.CancelJob(chi.URLParam(r, "jobID"))
	responses.JSON(w, http.StatusOK, cancelResponse{CancelRequested: requested})
}

type testJobRequest struct {
	ConnectionID string       `json:"connectionId"`
	Job          *catalog.Job `json:"job,omitempty"`
}

type testJobResponse struct {
	Success  bool   `json:"success"`
	RowCount int    `json:"rowCount"`
	Error    string `json:"error,omitempty"`
}

// test runs a saved job's query against one connection without dispatching.
func (h *JobsRouter) test(w http.ResponseWriter, r *http.Request) {
	var req testJobRequest
	if err := decodeJSON(r, &req); err != nil {
		responses.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	rows, err := h.jobs.TestJobByID(r.Context(), chi.URLParam(r, "jobID"), req.ConnectionID)
	h.respondTest(w, rows, err)
}

// testDraft runs an unsaved job payload, so the UI can probe before saving.
func (h *JobsRouter) testDraft(w http.ResponseWriter, r *http.Request) {
	var req testJobRequest
	if err := decodeJSON(r, &req); err != nil {
		responses.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Job == nil {
		responses.Error(w, http.StatusBadRequest, "job payload is required")
		return
	}

	rows, err := h.jobs.TestJob(r.Context(), *req.Job, req.ConnectionID)
	h.respondTest(w, rows, err)
}

func (h *JobsRouter) respondTest(w http.ResponseWriter, rows int, err error) {
	if err != nil {
		status := statusFromError(err)
		if status == http.StatusNotFound || status == http.StatusUnprocessableEntity {
			responses.Error(w, status, err.Error())
			return
		}
		// Probe failures are an outcome, not a transport error.
		responses.JSON(w, http.StatusOK, testJobResponse{Success: false, Error: err.Error()})
		return
	}
	responses.JSON(w, http.StatusOK, testJobResponse{Success: true, RowCount: rows})
}

func (h *JobsRouter) progressOne(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.progress.Snapshot(chi.URLParam(r, "jobID"))
	if !ok {
		responses.Error(w, http.StatusNotFound, "no live progress for job")
		return
	}
	responses.JSON(w, http.StatusOK, snap)
}

func (h *JobsRouter) progressAll(w http.ResponseWriter, r *http.Request) {
	responses.JSON(w, http.StatusOK, h.progress.Snapshots())
}

func (h *JobsRouter) nextRuns(w http.ResponseWriter, r *http.Request) {
	responses.JSON(w, http.StatusOK, h.jobs.NextRuns())
}
