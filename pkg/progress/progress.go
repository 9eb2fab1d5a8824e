// Package progress é a fonte única do estado vivo de cada job em execução.
// Toda transição vira um evento para observadores (UI, histórico) e um
// checkpoint durável que permite retomar execuções multi-conexão
// interrompidas.
package progress

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JailtonJunior94/datadispatch/pkg/catalog"
	"github.com/JailtonJunior94/datadispatch/pkg/events"
	"github.com/JailtonJunior94/datadispatch/pkg/observability"
)

// JobStatus é o estado do job: pending → running → terminal.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal informa se o estado é final.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// ConnectionStatus é o estado por conexão: pending → running → terminal.
type ConnectionStatus string

const (
	ConnPending   ConnectionStatus = "pending"
	ConnRunning   ConnectionStatus = "running"
	ConnCompleted ConnectionStatus = "completed"
	ConnFailed    ConnectionStatus = "failed"
)

// Terminal informa se o estado da conexão é final.
func (s ConnectionStatus) Terminal() bool {
	return s == ConnCompleted || s == ConnFailed
}

// ConnectionSnapshot é a visão imutável do avanço de uma conexão.
type ConnectionSnapshot struct {
	ConnectionID   string           `json:"connectionId"`
	ConnectionName string           `json:"connectionName,omitempty"`
	Status         ConnectionStatus `json:"status"`
	Step           string           `json:"step,omitempty"`
	RowsProcessed  int              `json:"rowsProcessed"`
	TotalRows      int              `json:"totalRows"`
	Percentage     float64          `json:"percentage"`
	Error          string           `json:"error,omitempty"`
}

// Snapshot é a visão imutável do avanço de um job.
type Snapshot struct {
	JobID                string                        `json:"jobId"`
	JobName              string                        `json:"jobName"`
	Status               JobStatus                     `json:"status"`
	Step                 string                        `json:"step,omitempty"`
	StartedAt            time.Time                     `json:"startedAt"`
	EndedAt              *time.Time                    `json:"endedAt,omitempty"`
	TotalConnections     int                           `json:"totalConnections"`
	CompletedConnections int                           `json:"completedConnections"`
	FailedConnections    int                           `json:"failedConnections"`
	Connections          map[string]ConnectionSnapshot `json:"connections"`
	Errors               []string                      `json:"errors,omitempty"`
	CancelRequested      bool                          `json:"cancelRequested"`
	Result               any                           `json:"result,omitempty"`
}

type connState struct {
	name      string
	status    ConnectionStatus
	step      string
	rows      int
	totalRows int
	errMsg    string
}

func (c *connState) percentage() float64 {
	if c.totalRows <= 0 {
		return 0
	}
	pct := 100 * float64(c.rows) / float64(c.totalRows)
	if pct > 100 {
		return 100
	}
	return pct
}

type record struct {
	mu sync.Mutex

	jobID     string
	jobName   string
	status    JobStatus
	step      string
	startedAt time.Time
	endedAt   *time.Time

	total       int
	completed   int
	failed      int
	connections map[string]*connState
	errors      []string
	cancel      bool
	result      any

	checkpoint  Checkpoint
	retainTimer *time.Timer
}

func (r *record) snapshotLocked() Snapshot {
	snap := Snapshot{
		JobID:                r.jobID,
		JobName:              r.jobName,
		Status:               r.status,
		Step:                 r.step,
		StartedAt:            r.startedAt,
		TotalConnections:     r.total,
		CompletedConnections: r.completed,
		FailedConnections:    r.failed,
		Connections:          make(map[string]ConnectionSnapshot, len(r.connections)),
		CancelRequested:      r.cancel,
		Result:               r.result,
	}
	if r.endedAt != nil {
		ended := *r.endedAt
		snap.EndedAt = &ended
	}
	if len(r.errors) > 0 {
		snap.Errors = append([]string(nil), r.errors...)
	}
	for id, conn := range r.connections {
		snap.Connections[id] = ConnectionSnapshot{
			ConnectionID:   id,
			ConnectionName: conn.name,
			Status:         conn.status,
			Step:           conn.step,
			RowsProcessed:  conn.rows,
			TotalRows:      conn.totalRows,
			Percentage:     conn.percentage(),
			Error:          conn.errMsg,
		}
	}
	return snap
}

// DefaultRetention é a janela em que um registro terminado permanece em
// memória para consumidores tardios de eventos.
const DefaultRetention = 5 * time.Minute

// Tracker mantém os registros de progresso e publica eventos.
type Tracker struct {
	mu   sync.RWMutex
	jobs map[string]*record

	store      *CheckpointStore
	dispatcher *events.Dispatcher
	obs        observability.Observability
	retention  time.Duration
	now        func() time.Time
}

// Option configura o Tracker.
type Option func(*Tracker)

// WithRetention ajusta a janela de retenção pós-terminal. Usado em testes.
func WithRetention(d time.Duration) Option {
	return func(t *Tracker) { t.retention = d }
}

// WithClock substitui a fonte de tempo. Usado em testes.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker cria o tracker ligado ao store de checkpoints e ao barramento
// de eventos.
func NewTracker(store *CheckpointStore, dispatcher *events.Dispatcher, obs observability.Observability, opts ...Option) *Tracker {
	t := &Tracker{
		jobs:       make(map[string]*record),
		store:      store,
		dispatcher: dispatcher,
		obs:        obs,
		retention:  DefaultRetention,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// StartJob cria o registro de progresso de uma execução. Com resume, um
// checkpoint existente em disco semeia as listas de conexões concluídas e
// falhas e preserva o início original.
func (t *Tracker) StartJob(ctx context.Context, jobID, jobName string, totalConnections int, resume bool) (Snapshot, error) {
	now := t.now()

	rec := &record{
		jobID:       jobID,
		jobName:     jobName,
		status:      JobRunning,
		startedAt:   now,
		total:       totalConnections,
		connections: make(map[string]*connState),
		checkpoint: Checkpoint{
			JobID:            jobID,
			StartedAt:        now,
			TotalConnections: totalConnections,
			UpdatedAt:        now,
		},
	}

	if resume {
		cp, err := t.store.Load(jobID)
		if err != nil {
			t.obs.Logger().Warn(ctx, "checkpoint unreadable, starting fresh",
				observability.String("job_id", jobID), observability.Error(err))
		}
		if cp != nil {
			rec.startedAt = cp.StartedAt
			rec.checkpoint.StartedAt = cp.StartedAt
			rec.checkpoint.CompletedConnectionIDs = append([]string(nil), cp.CompletedConnectionIDs...)
			rec.checkpoint.FailedConnectionIDs = append([]string(nil), cp.FailedConnectionIDs...)
			for _, id := range cp.CompletedConnectionIDs {
				rec.connections[id] = &connState{status: ConnCompleted}
				rec.completed++
			}
			for _, id := range cp.FailedConnectionIDs {
				rec.connections[id] = &connState{status: ConnFailed}
				rec.failed++
			}
		}
	}

	t.mu.Lock()
	if existing, ok := t.jobs[jobID]; ok {
		existing.mu.Lock()
		terminal := existing.status.Terminal()
		if terminal && existing.retainTimer != nil {
			existing.retainTimer.Stop()
		}
		existing.mu.Unlock()
		if !terminal {
			t.mu.Unlock()
			return Snapshot{}, fmt.Errorf("%w: job %q already has a live run", catalog.ErrConflict, jobID)
		}
	}
	t.jobs[jobID] = rec
	t.mu.Unlock()

	t.persistCheckpoint(ctx, rec)

	snap := t.snapshotOf(rec)
	t.emit(ctx, EventJobStarted, JobEvent{JobID: jobID, Snapshot: snap})
	return snap, nil
}

func (t *Tracker) record(jobID string) (*record, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: progress record %q", catalog.ErrNotFound, jobID)
	}
	return rec, nil
}

func (t *Tracker) snapshotOf(rec *record) Snapshot {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.snapshotLocked()
}

// StartConnection marca a conexão como em execução.
func (t *Tracker) StartConnection(ctx context.Context, jobID, connID, connName string) error {
	rec, err := t.record(jobID)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	conn, ok := rec.connections[connID]
	if !ok {
		conn = &connState{}
		rec.connections[connID] = conn
	}
	if conn.status.Terminal() {
		rec.mu.Unlock()
		t.obs.Logger().Warn(ctx, "connection already terminal, transition ignored",
			observability.String("job_id", jobID),
			observability.String("connection_id", connID),
			observability.String("status", string(conn.status)))
		return nil
	}
	conn.name = connName
	conn.status = ConnRunning
	snap := rec.snapshotLocked()
	rec.mu.Unlock()

	t.emit(ctx, EventConnectionStarted, JobEvent{JobID: jobID, ConnectionID: connID, Snapshot: snap})
	return nil
}

// UpdateOption descreve um campo opcional de atualização de conexão.
type UpdateOption func(*connUpdate)

type connUpdate struct {
	step      *string
	rows      *int
	totalRows *int
}

// WithStep define o rótulo de etapa exibido na UI.
func WithStep(step string) UpdateOption {
	return func(u *connUpdate) { u.step = &step }
}

// WithRows define o total de linhas processadas até aqui.
func WithRows(processed int) UpdateOption {
	return func(u *connUpdate) { u.rows = &processed }
}

// WithTotalRows define a expectativa de linhas da conexão.
func WithTotalRows(total int) UpdateOption {
	return func(u *connUpdate) { u.totalRows = &total }
}

// UpdateConnectionProgress aplica campos opcionais ao avanço da conexão.
// rowsProcessed é monotônico: valores menores que o corrente são ignorados.
func (t *Tracker) UpdateConnectionProgress(ctx context.Context, jobID, connID string, opts ...UpdateOption) error {
	rec, err := t.record(jobID)
	if err != nil {
		return err
	}

	var update connUpdate
	for _, opt := range opts {
		opt(&update)
	}

	rec.mu.Lock()
	conn, ok := rec.connections[connID]
	if !ok || conn.status.Terminal() {
		rec.mu.Unlock()
		return nil
	}
	if update.step != nil {
		conn.step = *update.step
	}
	if update.rows != nil && *update.rows > conn.rows {
		conn.rows = *update.rows
	}
	if update.totalRows != nil {
		conn.totalRows = *update.totalRows
	}
	snap := rec.snapshotLocked()
	rec.mu.Unlock()

	t.emit(ctx, EventConnectionProgress, JobEvent{JobID: jobID, ConnectionID: connID, Snapshot: snap})
	return nil
}

// CompleteConnection move a conexão para o estado concluído e persiste o
// checkpoint.
func (t *Tracker) CompleteConnection(ctx context.Context, jobID, connID string, rows int) error {
	rec, err := t.record(jobID)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	conn, ok := rec.connections[connID]
	if !ok {
		conn = &connState{}
		rec.connections[connID] = conn
	}
	if conn.status.Terminal() {
		rec.mu.Unlock()
		return nil
	}
	conn.status = ConnCompleted
	if rows > conn.rows {
		conn.rows = rows
	}
	if conn.totalRows < conn.rows {
		conn.totalRows = conn.rows
	}
	rec.completed++
	rec.checkpoint.CompletedConnectionIDs = appendUnique(rec.checkpoint.CompletedConnectionIDs, connID)
	rec.checkpoint.UpdatedAt = t.now()
	snap := rec.snapshotLocked()
	rec.mu.Unlock()

	t.persistCheckpoint(ctx, rec)
	t.emit(ctx, EventConnectionCompleted, JobEvent{JobID: jobID, ConnectionID: connID, Snapshot: snap})
	return nil
}

// FailConnection move a conexão para o estado de falha, acumula o erro no
// job e persiste o checkpoint. Cria o registro da conexão se necessário.
func (t *Tracker) FailConnection(ctx context.Context, jobID, connID string, connErr error) error {
	rec, err := t.record(jobID)
	if err != nil {
		return err
	}

	message := ""
	if connErr != nil {
		message = connErr.Error()
	}

	rec.mu.Lock()
	conn, ok := rec.connections[connID]
	if !ok {
		conn = &connState{}
		rec.connections[connID] = conn
	}
	if conn.status.Terminal() {
		rec.mu.Unlock()
		return nil
	}
	conn.status = ConnFailed
	conn.errMsg = message
	rec.failed++
	label := conn.name
	if label == "" {
		label = connID
	}
	rec.errors = append(rec.errors, fmt.Sprintf("%s: %s", label, message))
	rec.checkpoint.FailedConnectionIDs = appendUnique(rec.checkpoint.FailedConnectionIDs, connID)
	rec.checkpoint.UpdatedAt = t.now()
	snap := rec.snapshotLocked()
	rec.mu.Unlock()

	t.persistCheckpoint(ctx, rec)
	t.emit(ctx, EventConnectionFailed, JobEvent{JobID: jobID, ConnectionID: connID, Snapshot: snap})
	return nil
}

// UpdateJobStep define o rótulo de etapa do job.
func (t *Tracker) UpdateJobStep(ctx context.Context, jobID, step string) error {
	rec, err := t.record(jobID)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	if rec.status.Terminal() {
		rec.mu.Unlock()
		return nil
	}
	rec.step = step
	snap := rec.snapshotLocked()
	rec.mu.Unlock()

	t.emit(ctx, EventJobProgress, JobEvent{JobID: jobID, Snapshot: snap})
	return nil
}

// CompleteJob encerra o job com sucesso. Recusa a transição enquanto alguma
// conexão ainda estiver em execução; remove o checkpoint.
func (t *Tracker) CompleteJob(ctx context.Context, jobID string, result any) error {
	rec, err := t.record(jobID)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	if rec.status.Terminal() {
		rec.mu.Unlock()
		return nil
	}
	for id, conn := range rec.connections {
		if conn.status == ConnRunning {
			rec.mu.Unlock()
			return fmt.Errorf("%w: connection %q still running", catalog.ErrConflict, id)
		}
	}
	now := t.now()
	rec.status = JobCompleted
	rec.endedAt = &now
	rec.result = result
	snap := rec.snapshotLocked()
	rec.mu.Unlock()

	if err := t.store.Delete(jobID); err != nil {
		t.obs.Logger().Warn(ctx, "checkpoint delete failed",
			observability.String("job_id", jobID), observability.Error(err))
	}

	t.emit(ctx, EventJobCompleted, JobEvent{JobID: jobID, Snapshot: snap})
	t.finish(ctx, rec, snap)
	return nil
}

// FailJob encerra o job com falha. O checkpoint é mantido como candidato a
// retomada.
func (t *Tracker) FailJob(ctx context.Context, jobID string, jobErr error) error {
	rec, err := t.record(jobID)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	if rec.status.Terminal() {
		rec.mu.Unlock()
		return nil
	}
	now := t.now()
	rec.status = JobFailed
	rec.endedAt = &now
	if jobErr != nil {
		rec.errors = append(rec.errors, jobErr.Error())
	}
	snap := rec.snapshotLocked()
	rec.mu.Unlock()

	t.emit(ctx, EventJobFailed, JobEvent{JobID: jobID, Snapshot: snap})
	t.finish(ctx, rec, snap)
	return nil
}

// CancelJobComplete encerra o job como cancelado.
func (t *Tracker) CancelJobComplete(ctx context.Context, jobID string) error {
	rec, err := t.record(jobID)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	if rec.status.Terminal() {
		rec.mu.Unlock()
		return nil
	}
	now := t.now()
	rec.status = JobCancelled
	rec.endedAt = &now
	snap := rec.snapshotLocked()
	rec.mu.Unlock()

	t.emit(ctx, EventJobCancelled, JobEvent{JobID: jobID, Snapshot: snap})
	t.finish(ctx, rec, snap)
	return nil
}

// CancelJob liga a flag de cancelamento se e somente se o job está em
// execução; retorna se a flag foi ligada.
func (t *Tracker) CancelJob(jobID string) bool {
	rec, err := t.record(jobID)
	if err != nil {
		return false
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.status != JobRunning {
		return false
	}
	rec.cancel = true
	return true
}

// IsCancellationRequested informa se o cancelamento foi pedido. O executor
// consulta isto nos pontos de verificação definidos.
func (t *Tracker) IsCancellationRequested(jobID string) bool {
	rec, err := t.record(jobID)
	if err != nil {
		return false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.cancel
}

// Snapshot retorna a visão corrente do job, se existir.
func (t *Tracker) Snapshot(jobID string) (Snapshot, bool) {
	rec, err := t.record(jobID)
	if err != nil {
		return Snapshot{}, false
	}
	return t.snapshotOf(rec), true
}

// Snapshots retorna todos os registros vivos, ordenados por início.
func (t *Tracker) Snapshots() []Snapshot {
	t.mu.RLock()
	records := make([]*record, 0, len(t.jobs))
	for _, rec := range t.jobs {
		records = append(records, rec)
	}
	t.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(records))
	for _, rec := range records {
		snaps = append(snaps, t.snapshotOf(rec))
	}
	sort.Slice(snaps, func(i, j int) bool {
		if snaps[i].StartedAt.Equal(snaps[j].StartedAt) {
			return snaps[i].JobID < snaps[j].JobID
		}
		return snaps[i].StartedAt.Before(snaps[j].StartedAt)
	})
	return snaps
}

// ResumeCandidates lista checkpoints em disco sem registro vivo: execuções
// interrompidas que o scan de inicialização pode retomar.
func (t *Tracker) ResumeCandidates() ([]*Checkpoint, error) {
	all, err := t.store.List()
	if err != nil {
		return nil, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	var candidates []*Checkpoint
	for _, cp := range all {
		if _, live := t.jobs[cp.JobID]; !live {
			candidates = append(candidates, cp)
		}
	}
	return candidates, nil
}

// DiscardCheckpoint remove um checkpoint órfão (por exemplo, de um job que
// já não existe no catálogo).
func (t *Tracker) DiscardCheckpoint(jobID string) error {
	return t.store.Delete(jobID)
}

func (t *Tracker) finish(ctx context.Context, rec *record, snap Snapshot) {
	duration := time.Duration(0)
	if snap.EndedAt != nil {
		duration = snap.EndedAt.Sub(snap.StartedAt)
	}
	t.emit(ctx, EventJobFinished, FinishedEvent{
		JobID:    snap.JobID,
		JobName:  snap.JobName,
		Status:   snap.Status,
		Duration: duration,
		Snapshot: snap,
	})

	rec.mu.Lock()
	rec.retainTimer = time.AfterFunc(t.retention, func() {
		t.mu.Lock()
		if current, ok := t.jobs[rec.jobID]; ok && current == rec {
			delete(t.jobs, rec.jobID)
		}
		t.mu.Unlock()
	})
	rec.mu.Unlock()
}

func (t *Tracker) persistCheckpoint(ctx context.Context, rec *record) {
	rec.mu.Lock()
	cp := rec.checkpoint
	cp.CompletedConnectionIDs = append([]string(nil), rec.checkpoint.CompletedConnectionIDs...)
	cp.FailedConnectionIDs = append([]string(nil), rec.checkpoint.FailedConnectionIDs...)
	rec.mu.Unlock()

	if err := t.store.Save(&cp); err != nil {
		t.obs.Logger().Warn(ctx, "checkpoint write failed",
			observability.String("job_id", rec.jobID), observability.Error(err))
	}
}

func (t *Tracker) emit(ctx context.Context, eventType string, payload any) {
	if t.dispatcher == nil {
		return
	}
	_ = t.dispatcher.Dispatch(ctx, events.New(eventType, payload))
}

func appendUnique(list []string, id string) []string {
	for _, existing := range list {
		if existing == id {
			return list
		}
	}
	return append(list, id)
}
