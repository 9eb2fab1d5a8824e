// Package jobqueue serializa as execuções de jobs: concorrência limitada,
// prioridade e retry com backoff exponencial. Uma única goroutine consumidora
// inicia unidades conforme a capacidade permite; falhas voltam à frente da
// fila e viram failedPermanent quando esgotam as tentativas.
package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/JailtonJunior94/datadispatch/pkg/events"
	"github.com/JailtonJunior94/datadispatch/pkg/observability"
)

const (
	// DefaultMaxConcurrent limita quantas unidades executam ao mesmo tempo.
	DefaultMaxConcurrent = 3

	// DefaultRetryDelay é a espera antes do primeiro retry de uma unidade.
	DefaultRetryDelay = 5 * time.Second

	// DefaultBackoffMultiplier multiplica a espera a cada retry.
	DefaultBackoffMultiplier = 2.0
)

// Eventos publicados no dispatcher quando uma unidade termina.
const (
	EventCompleted       = "queue:completed"
	EventFailedPermanent = "queue:failedPermanent"
)

// ErrQueueClosed é retornado por Enqueue após o shutdown.
var ErrQueueClosed = errors.New("job queue is shut down")

// Thunk é o corpo de uma unidade. O ctx é cancelado quando a fila abandona
// a unidade no shutdown.
type Thunk func(ctx context.Context) error

// Config são os knobs da fila. Zero vale o default.
type Config struct {
	MaxConcurrent     int
	RetryDelay        time.Duration
	BackoffMultiplier float64
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.BackoffMultiplier <= 1 {
		c.BackoffMultiplier = DefaultBackoffMultiplier
	}
	return c
}

// EnqueueOptions parametriza uma unidade. Priority menor executa antes;
// MaxRetries zero significa sem retries.
type EnqueueOptions struct {
	Priority   int
	MaxRetries int
}

// UnitSnapshot é a visão externa de uma unidade, para inspeção via RPC.
type UnitSnapshot struct {
	ID         string     `json:"id"`
	JobID      string     `json:"jobId"`
	Priority   int        `json:"priority"`
	Attempt    int        `json:"attempt"`
	MaxRetries int        `json:"maxRetries"`
	CreatedAt  time.Time  `json:"createdAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	NotBefore  *time.Time `json:"notBefore,omitempty"`
	LastError  string     `json:"lastError,omitempty"`
}

// UnitEvent é o payload de queue:completed e queue:failedPermanent.
type UnitEvent struct {
	UnitID   string        `json:"unitId"`
	JobID    string        `json:"jobId"`
	Attempt  int           `json:"attempt"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Stats é o retrato dos contadores da fila.
type Stats struct {
	Enqueued        uint64 `json:"enqueued"`
	Completed       uint64 `json:"completed"`
	Retried         uint64 `json:"retried"`
	FailedPermanent uint64 `json:"failedPermanent"`
	Running         int    `json:"running"`
	Pending         int    `json:"pending"`
}

// unit é o estado interno de um trabalho enfileirado. attempt conta as
// execuções que já falharam; a unidade roda maxRetries+1 vezes no total.
type unit struct {
	id         string
	jobID      string
	priority   int
	attempt    int
	maxRetries int
	thunk      Thunk
	createdAt  time.Time
	startedAt  time.Time
	notBefore  time.Time
	lastErr    error
}

func (u *unit) snapshot() UnitSnapshot {
	out := UnitSnapshot{
		ID:         u.id,
		JobID:      u.jobID,
		Priority:   u.priority,
		Attempt:    u.attempt,
		MaxRetries: u.maxRetries,
		CreatedAt:  u.createdAt,
	}
	if !u.startedAt.IsZero() {
		started := u.startedAt
		out.StartedAt = &started
	}
	if !u.notBefore.IsZero() {
		notBefore := u.notBefore
		out.NotBefore = &notBefore
	}
	if u.lastErr != nil {
		out.LastError = u.lastErr.Error()
	}
	return out
}

// Queue é a fila de execução. Crie com New; o loop consumidor sobe junto e
// só para no Shutdown.
type Queue struct {
	obs        observability.Observability
	dispatcher *events.Dispatcher
	metrics    *queueMetrics
	reg        prometheus.Registerer
	now        func() time.Time
	newID      func() string

	ctx      context.Context
	cancel   context.CancelFunc
	wake     chan struct{}
	loopDone chan struct{}
	drained  chan struct{}

	mu       sync.Mutex
	cfg      Config
	pending  []*unit
	running  map[string]*unit
	closed   bool
	draining bool
	stats    Stats
}

// Option configura a fila.
type Option func(*Queue)

// WithConfig substitui os knobs default.
func WithConfig(cfg Config) Option {
	return func(q *Queue) { q.cfg = cfg }
}

// WithDispatcher publica os eventos de término no dispatcher dado.
func WithDispatcher(d *events.Dispatcher) Option {
	return func(q *Queue) { q.dispatcher = d }
}

// WithClock substitui o relógio nos testes.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// WithRegisterer aponta as métricas para outro registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(q *Queue) {
		if reg != nil {
			q.reg = reg
		}
	}
}

// New cria a fila e liga o loop consumidor.
func New(obs observability.Observability, opts ...Option) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		obs:      obs,
		reg:      prometheus.DefaultRegisterer,
		now:      time.Now,
		newID:    uuid.NewString,
		ctx:      ctx,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
		loopDone: make(chan struct{}),
		drained:  make(chan struct{}),
		running:  make(map[string]*unit),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.cfg = q.cfg.withDefaults()
	q.metrics = newQueueMetrics(q.reg, q)
	go q.run()
	return q
}

// Enqueue adiciona uma unidade mantendo a ordem: prioridade ascendente,
// FIFO dentro da mesma prioridade.
func (q *Queue) Enqueue(jobID string, thunk Thunk, opts EnqueueOptions) (string, error) {
	if thunk == nil {
		return "", errors.New("thunk cannot be nil")
	}

	u := &unit{
		id:         q.newID(),
		jobID:      jobID,
		priority:   opts.Priority,
		maxRetries: opts.MaxRetries,
		thunk:      thunk,
		createdAt:  q.now(),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", ErrQueueClosed
	}
	idx := len(q.pending)
	for idx > 0 && q.pending[idx-1].priority > u.priority {
		idx--
	}
	q.pending = slices.Insert(q.pending, idx, u)
	q.stats.Enqueued++
	q.mu.Unlock()

	q.metrics.enqueued.Inc()
	q.wakeLoop()
	return u.id, nil
}

// UpdateConfig aplica os campos não-zero imediatamente. Aumentar
// MaxConcurrent acorda o loop para ocupar a capacidade nova.
func (q *Queue) UpdateConfig(cfg Config) {
	q.mu.Lock()
	if cfg.MaxConcurrent > 0 {
		q.cfg.MaxConcurrent = cfg.MaxConcurrent
	}
	if cfg.RetryDelay > 0 {
		q.cfg.RetryDelay = cfg.RetryDelay
	}
	if cfg.BackoffMultiplier > 1 {
		q.cfg.BackoffMultiplier = cfg.BackoffMultiplier
	}
	q.mu.Unlock()
	q.wakeLoop()
}

// HasActive informa se o job tem unidade pendente ou em execução. É o
// teste de não-sobreposição usado pelo scheduler antes de um novo fire.
func (q *Queue) HasActive(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, u := range q.pending {
		if u.jobID == jobID {
			return true
		}
	}
	for _, u := range q.running {
		if u.jobID == jobID {
			return true
		}
	}
	return false
}

// GetPending lista as unidades aguardando, na ordem da fila.
func (q *Queue) GetPending() []UnitSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]UnitSnapshot, 0, len(q.pending))
	for _, u := range q.pending {
		out = append(out, u.snapshot())
	}
	return out
}

// GetRunning lista as unidades em execução, da mais antiga para a mais nova.
func (q *Queue) GetRunning() []UnitSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]UnitSnapshot, 0, len(q.running))
	for _, u := range q.running {
		out = append(out, u.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt == nil || out[j].StartedAt == nil {
			return out[i].ID < out[j].ID
		}
		if !out[i].StartedAt.Equal(*out[j].StartedAt) {
			return out[i].StartedAt.Before(*out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ClearPending descarta as unidades ainda não iniciadas e devolve quantas.
func (q *Queue) ClearPending() int {
	q.mu.Lock()
	cleared := len(q.pending)
	q.pending = nil
	q.mu.Unlock()
	if cleared > 0 {
		q.obs.Logger().Warn(context.Background(), "pending queue cleared",
			observability.Int("units", cleared),
		)
	}
	return cleared
}

// Metrics devolve o retrato atual dos contadores.
func (q *Queue) Metrics() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.stats
	out.Running = len(q.running)
	out.Pending = len(q.pending)
	return out
}

// Shutdown para de aceitar unidades, descarta as pendentes e espera as em
// execução terminarem até o timeout. O que restar é cancelado e abandonado.
func (q *Queue) Shutdown(timeout time.Duration) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.loopDone
		return nil
	}
	q.closed = true
	abandoned := len(q.pending)
	q.pending = nil
	if len(q.running) == 0 && !q.draining {
		q.draining = true
		close(q.drained)
	}
	q.mu.Unlock()

	if abandoned > 0 {
		q.obs.Logger().Warn(context.Background(), "shutdown discarding pending units",
			observability.Int("units", abandoned),
		)
	}

	var err error
	select {
	case <-q.drained:
	case <-time.After(timeout):
		q.mu.Lock()
		remaining := len(q.running)
		q.mu.Unlock()
		q.obs.Logger().Error(context.Background(), "shutdown timed out, abandoning running units",
			observability.Int("units", remaining),
		)
		err = fmt.Errorf("queue shutdown timed out with %d running units", remaining)
	}

	q.cancel()
	<-q.loopDone
	return err
}

func (q *Queue) wakeLoop() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// run é o único consumidor: ocupa a capacidade disponível e espera por um
// wake, pelo próximo notBefore ou pelo cancelamento.
func (q *Queue) run() {
	defer close(q.loopDone)
	for {
		q.mu.Lock()
		q.startRunnableLocked()
		wait, hasDelayed := q.nextWakeLocked()
		q.mu.Unlock()

		var timer *time.Timer
		var timerC <-chan time.Time
		if hasDelayed {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}

		select {
		case <-q.ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-q.wake:
			if timer != nil {
				timer.Stop()
			}
		case <-timerC:
		}
	}
}

// startRunnableLocked inicia, em ordem de fila, toda unidade elegível que
// caiba na capacidade. Unidades em espera de backoff são puladas.
func (q *Queue) startRunnableLocked() {
	if q.closed {
		return
	}
	now := q.now()
	for len(q.running) < q.cfg.MaxConcurrent {
		idx := -1
		for i, u := range q.pending {
			if u.notBefore.IsZero() || !u.notBefore.After(now) {
				idx = i
				break
			}
		}
		if idx < 0 {
			return
		}
		u := q.pending[idx]
		q.pending = slices.Delete(q.pending, idx, idx+1)
		u.startedAt = now
		u.notBefore = time.Time{}
		q.running[u.id] = u
		go q.execute(u)
	}
}

// nextWakeLocked devolve quanto falta para o notBefore mais próximo.
func (q *Queue) nextWakeLocked() (time.Duration, bool) {
	var earliest time.Time
	for _, u := range q.pending {
		if u.notBefore.IsZero() {
			continue
		}
		if earliest.IsZero() || u.notBefore.Before(earliest) {
			earliest = u.notBefore
		}
	}
	if earliest.IsZero() {
		return 0, false
	}
	wait := earliest.Sub(q.now())
	if wait < 0 {
		wait = 0
	}
	return wait, true
}

func (q *Queue) execute(u *unit) {
	err := q.runThunk(u)
	now := q.now()
	duration := now.Sub(u.startedAt)

	q.mu.Lock()
	delete(q.running, u.id)
	switch {
	case err == nil:
		q.stats.Completed++
		q.finishDrainLocked()
		q.mu.Unlock()

		q.metrics.completed.Inc()
		q.emit(EventCompleted, UnitEvent{
			UnitID:   u.id,
			JobID:    u.jobID,
			Attempt:  u.attempt + 1,
			Duration: duration,
		})

	default:
		u.lastErr = err
		u.attempt++
		if u.attempt > u.maxRetries {
			q.stats.FailedPermanent++
			q.finishDrainLocked()
			q.mu.Unlock()

			q.metrics.failed.Inc()
			q.obs.Logger().Error(q.ctx, "unit failed permanently",
				observability.String("unit_id", u.id),
				observability.String("job_id", u.jobID),
				observability.Int("attempts", u.attempt),
				observability.Error(err),
			)
			q.emit(EventFailedPermanent, UnitEvent{
				UnitID:   u.id,
				JobID:    u.jobID,
				Attempt:  u.attempt,
				Duration: duration,
				Error:    err.Error(),
			})
		} else {
			delay := retryDelay(q.cfg, u.attempt)
			u.startedAt = time.Time{}
			u.notBefore = now.Add(delay)
			if q.closed {
				// O shutdown já descartou a fila; não readmitir.
				q.finishDrainLocked()
				q.mu.Unlock()

				q.obs.Logger().Warn(context.Background(), "unit failed during shutdown, retry discarded",
					observability.String("unit_id", u.id),
					observability.String("job_id", u.jobID),
					observability.Error(err),
				)
			} else {
				q.pending = append([]*unit{u}, q.pending...)
				q.stats.Retried++
				q.mu.Unlock()

				q.metrics.retried.Inc()
				q.obs.Logger().Warn(q.ctx, "unit failed, retry scheduled",
					observability.String("unit_id", u.id),
					observability.String("job_id", u.jobID),
					observability.Int("attempt", u.attempt),
					observability.Duration("delay", delay),
					observability.Error(err),
				)
			}
		}
	}

	q.wakeLoop()
}

// runThunk transforma um panic da unidade em erro comum, para que um job
// defeituoso entre no circuito normal de retry em vez de derrubar o processo.
func (q *Queue) runThunk(u *unit) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("unit panicked: %v", r)
		}
	}()
	return u.thunk(q.ctx)
}

func (q *Queue) finishDrainLocked() {
	if q.closed && len(q.running) == 0 && !q.draining {
		q.draining = true
		close(q.drained)
	}
}

func (q *Queue) emit(eventType string, payload UnitEvent) {
	if q.dispatcher == nil {
		return
	}
	_ = q.dispatcher.Dispatch(context.Background(), events.New(eventType, payload))
}

// retryDelay calcula a espera antes da tentativa attempt+1.
func retryDelay(cfg Config, attempt int) time.Duration {
	factor := math.Pow(cfg.BackoffMultiplier, float64(attempt-1))
	return time.Duration(float64(cfg.RetryDelay) * factor)
}

// pendingDepth e runningDepth alimentam as gauges.
func (q *Queue) pendingDepth() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return float64(len(q.pending))
}

func (q *Queue) runningDepth() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return float64(len(q.running))
}
