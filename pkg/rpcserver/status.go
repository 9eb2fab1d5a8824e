package rpcserver

import (
	"net/http"
	"strconv"
	"time"

	"github.com/JailtonJunior94/datadispatch/pkg/history"
	"github.com/JailtonJunior94/datadispatch/pkg/jobqueue"
	"github.com/JailtonJunior94/datadispatch/pkg/responses"
	"github.com/JailtonJunior94/datadispatch/pkg/sqlpool"

	"github.com/go-chi/chi/v5"
)

// QueueControl is the slice of the job queue the status router depends on.
type QueueControl interface {
	Metrics() jobqueue.Stats
	GetRunning() []jobqueue.UnitSnapshot
	GetPending() []jobqueue.UnitSnapshot
	ClearPending() int
	UpdateConfig(cfg jobqueue.Config)
}

// PoolControl is the slice of the pool manager the status router depends on.
type PoolControl interface {
	Metrics() sqlpool.Snapshot
	UpdateConfig(cfg sqlpool.Config)
}

// HistorySource lists finished-run records.
type HistorySource interface {
	Recent(n int) []history.Entry
	ByJob(jobID string) []history.Entry
}

// LogTailer reads the tail of the operator job log.
type LogTailer interface {
	Tail(n int) ([]string, error)
}

// StatusRouter serves history, the job-log tail, queue and pool state and
// the runtime tuning verbs.
type StatusRouter struct {
	queue   QueueControl
	pools   PoolControl
	history HistorySource
	logs    LogTailer
}

// NewStatusRouter creates the status resource router.
func NewStatusRouter(queue QueueControl, pools PoolControl, hist HistorySource, logs LogTailer) *StatusRouter {
	return &StatusRouter{queue: queue, pools: pools, history: hist, logs: logs}
}

// Register mounts the routes.
func (h *StatusRouter) Register(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/history", h.recentHistory)
		r.Get("/history/{jobID}", h.jobHistory)
		r.Get("/logs/tail", h.tailLogs)

		r.Get("/queue", h.queueState)
		r.Post("/queue/clear-pending", h.clearPending)
		r.Get("/pools", h.poolState)

		r.Post("/config/queue", h.updateQueueConfig)
		r.Post("/config/pool", h.updatePoolConfig)
	})
}

const defaultHistoryWindow = 50

func (h *StatusRouter) recentHistory(w http.ResponseWriter, r *http.Request) {
	n := queryInt(r, "limit", defaultHistoryWindow)
	responses.JSON(w, http.StatusOK, h.history.Recent(n))
}

func (h *StatusRouter) jobHistory(w http.ResponseWriter, r *http.Request) {
	responses.JSON(w, http.StatusOK, h.history.ByJob(chi.URLParam(r, "jobID")))
}

const defaultTailLines = 200

type tailResponse struct {
	Lines []string `json:"lines"`
}

func (h *StatusRouter) tailLogs(w http.ResponseWriter, r *http.Request) {
	n := queryInt(r, "lines", defaultTailLines)

	lines, err := h.logs.Tail(n)
	if err != nil {
		respondError(w, err)
		return
	}
	responses.JSON(w, http.StatusOK, tailResponse{Lines: lines})
}

type queueStateResponse struct {
	Stats   jobqueue.Stats          `json:"stats"`
	Running []jobqueue.UnitSnapshot `json:"running"`
	Pending []jobqueue.UnitSnapshot `json:"pending"`
}

func (h *StatusRouter) queueState(w http.ResponseWriter, r *http.Request) {
	responses.JSON(w, http.StatusOK, queueStateResponse{
		Stats:   h.queue.Metrics(),
		Running: h.queue.GetRunning(),
		Pending: h.queue.GetPending(),
	})
}

type clearPendingResponse struct {
	Cleared int `json:"cleared"`
}

func (h *StatusRouter) clearPending(w http.ResponseWriter, r *http.Request) {
	responses.JSON(w, http.StatusOK, clearPendingResponse{Cleared: h.queue.ClearPending()})
}

func (h *StatusRouter) poolState(w http.ResponseWriter, r *http.Request) {
	responses.JSON(w, http.StatusOK, h.pools.Metrics())
}

type queueConfigRequest struct {
	MaxConcurrent     int     `json:"maxConcurrent"`
	RetryDelayMs      int     `json:"retryDelayMs"`
	BackoffMultiplier float64 `json:"backoffMultiplier"`
}

// updateQueueConfig applies queue tuning immediately; raising maxConcurrent
// wakes the scheduling loop.
func (h *StatusRouter) updateQueueConfig(w http.ResponseWriter, r *http.Request) {
	var req queueConfigRequest
	if err := decodeJSON(r, &req); err != nil {
		responses.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	h.queue.UpdateConfig(jobqueue.Config{
		MaxConcurrent:     req.MaxConcurrent,
		RetryDelay:        time.Duration(req.RetryDelayMs) * time.Millisecond,
		BackoffMultiplier: req.BackoffMultiplier,
	})
	responses.JSON(w, http.StatusOK, h.queue.Metrics())
}

type poolConfigRequest struct {
	PoolMax          int `json:"poolMax"`
	IdleCloseMs      int `json:"idleCloseMs"`
	ConnectTimeoutMs int `json:"connectTimeoutMs"`
	RequestTimeoutMs int `json:"requestTimeoutMs"`
}

// updatePoolConfig applies pool tuning to pools built from now on; existing
// pools keep the limits they were built with.
func (h *StatusRouter) updatePoolConfig(w http.ResponseWriter, r *http.Request) {
	var req poolConfigRequest
	if err := decodeJSON(r, &req); err != nil {
		responses.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	h.pools.UpdateConfig(sqlpool.Config{
		PoolMax:        req.PoolMax,
		IdleClose:      time.Duration(req.IdleCloseMs) * time.Millisecond,
		ConnectTimeout: time.Duration(req.ConnectTimeoutMs) * time.Millisecond,
		RequestTimeout: time.Duration(req.RequestTimeoutMs) * time.Millisecond,
	})
	responses.JSON(w, http.StatusOK, h.pools.Metrics())
}

// queryInt reads a positive integer query parameter, falling back to def.
func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
