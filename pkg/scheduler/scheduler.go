// Package scheduler é o dono operacional do catálogo: traduz a recorrência
// dos jobs em agendamentos cron, dispara execuções na fila respeitando a
// não-sobreposição por job e expõe o CRUD de jobs, conexões e settings que a
// superfície RPC consome.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/JailtonJunior94/datadispatch/pkg/catalog"
	"github.com/JailtonJunior94/datadispatch/pkg/jobqueue"
	"github.com/JailtonJunior94/datadispatch/pkg/observability"
	"github.com/JailtonJunior94/datadispatch/pkg/progress"
)

const (
	// PriorityInteractive adianta execuções pedidas pelo operador sobre o
	// backlog de disparos do relógio.
	PriorityInteractive = 0

	// PriorityScheduled é a prioridade dos disparos de recorrência.
	PriorityScheduled = 10

	// scheduledMaxRetries dá a um disparo de recorrência uma nova tentativa
	// pela fila antes do failedPermanent. Execuções manuais não repetem: o
	// operador está olhando e decide.
	scheduledMaxRetries = 1
)

// ExecQueue é o recorte da fila de execução que o scheduler aciona.
type ExecQueue interface {
	Enqueue(jobID string, thunk jobqueue.Thunk, opts jobqueue.EnqueueOptions) (string, error)
	HasActive(jobID string) bool
	UpdateConfig(cfg jobqueue.Config)
}

// JobRunner é o recorte do executor que as unidades enfileiradas invocam.
type JobRunner interface {
	RunJob(ctx context.Context, job catalog.Job, conns []catalog.Connection) error
	ResumeJob(ctx context.Context, job catalog.Job, conns []catalog.Connection) error
	RunJobForConnections(ctx context.Context, jobID string, connectionIDs []string) error
	TestConnection(ctx context.Context, conn catalog.Connection) (catalog.EndpointType, error)
	TestJob(ctx context.Context, job catalog.Job, conn catalog.Connection) (int, error)
}

// ResumeSource lista execuções interrompidas deixadas por um processo
// anterior, tipicamente o progress.Tracker sobre o CheckpointStore.
type ResumeSource interface {
	ResumeCandidates() ([]*progress.Checkpoint, error)
	DiscardCheckpoint(jobID string) error
}

// SettingsApplier recebe as settings recém-persistidas para afinar
// componentes vivos (fila, pools) sem reiniciar o processo.
type SettingsApplier func(catalog.Settings)

// Scheduler agenda e dispara jobs. Crie com New; o relógio só anda entre
// StartAll e StopAll, mas o CRUD funciona o tempo todo.
type Scheduler struct {
	obs      observability.Observability
	store    *catalog.FileStore
	queue    ExecQueue
	runner   JobRunner
	cron     *cron.Cron
	apply    SettingsApplier
	location *time.Location
	now      func() time.Time
	newID    func() string

	mu      sync.Mutex
	entries map[string]cron.EntryID
	started bool
}

// Option configura o scheduler.
type Option func(*Scheduler)

// WithClock substitui o relógio nos testes.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator substitui a geração de ids nos testes.
func WithIDGenerator(newID func() string) Option {
	return func(s *Scheduler) {
		if newID != nil {
			s.newID = newID
		}
	}
}

// WithLocation fixa o fuso dos agendamentos; o default é o local do processo.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.location = loc
		}
	}
}

// WithSettingsApplier registra o propagador de settings para componentes
// vivos.
func WithSettingsApplier(apply SettingsApplier) Option {
	return func(s *Scheduler) {
		if apply != nil {
			s.apply = apply
		}
	}
}

// New cria o scheduler sobre o catálogo, a fila e o executor.
func New(
	obs observability.Observability,
	store *catalog.FileStore,
	queue ExecQueue,
	runner JobRunner,
	opts ...Option,
) *Scheduler {
	s := &Scheduler{
		obs:     obs,
		store:   store,
		queue:   queue,
		runner:  runner,
		now:     time.Now,
		newID:   uuid.NewString,
		entries: make(map[string]cron.EntryID),
	}
	for _, opt := range opts {
		opt(s)
	}

	logger := newCronLogger(obs)
	cronOpts := []cron.Option{
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger)),
	}
	if s.location != nil {
		cronOpts = append(cronOpts, cron.WithLocation(s.location))
	}
	s.cron = cron.New(cronOpts...)
	return s
}

// StartAll rederiva o agendamento de todos os jobs e liga o relógio.
func (s *Scheduler) StartAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.rescheduleAllLocked()
	s.cron.Start()
	s.started = true
	s.obs.Logger().Info(context.Background(), "scheduler started",
		observability.Int("scheduled_jobs", len(s.entries)),
	)
}

// StopAll para o relógio e espera os disparos em andamento terminarem de
// enfileirar. As unidades já na fila seguem por conta dela.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.obs.Logger().Info(context.Background(), "scheduler stopped")
}

// RescheduleAll rederiva todos os agendamentos a partir do catálogo vivo.
// Jobs com regra inválida ficam sem agendamento, com a causa no log.
func (s *Scheduler) RescheduleAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rescheduleAllLocked()
}

func (s *Scheduler) rescheduleAllLocked() {
	for jobID, entry := range s.entries {
		s.cron.Remove(entry)
		delete(s.entries, jobID)
	}
	for _, job := range s.store.Jobs() {
		s.scheduleLocked(job)
	}
}

// LoadConfig recarrega o catálogo do disco e rederiva os agendamentos.
func (s *Scheduler) LoadConfig() error {
	if err := s.store.Load(); err != nil {
		return err
	}
	s.RescheduleAll()
	return nil
}

// SaveConfig força a persistência atômica do catálogo corrente.
func (s *Scheduler) SaveConfig() error {
	return s.store.Save()
}

// NextRuns devolve o próximo disparo previsto de cada job agendado.
func (s *Scheduler) NextRuns() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]time.Time, len(s.entries))
	for jobID, id := range s.entries {
		entry := s.cron.Entry(id)
		if !entry.Next.IsZero() {
			out[jobID] = entry.Next
		}
	}
	return out
}

// scheduleLocked registra o disparo cron de um job habilitado. Regras
// inválidas não derrubam nada: o job fica sem agendamento e a causa no log.
func (s *Scheduler) scheduleLocked(job catalog.Job) {
	if !job.Enabled {
		return
	}

	rule, err := ParseRecurrence(job)
	if err != nil {
		s.obs.Logger().Warn(context.Background(), "job left unscheduled",
			observability.String("job_id", job.ID),
			observability.String("job_name", job.Name),
			observability.Error(err),
		)
		return
	}
	if rule.OnDemand {
		return
	}
	if rule.Warning != "" {
		s.obs.Logger().Warn(context.Background(), "legacy schedule coerced",
			observability.String("job_id", job.ID),
			observability.String("job_name", job.Name),
			observability.String("detail", rule.Warning),
		)
	}

	jobID := job.ID
	entry, err := s.cron.AddFunc(rule.Spec, func() { s.fire(jobID) })
	if err != nil {
		// ParseRecurrence valida com o mesmo parser; chegar aqui é um bug.
		s.obs.Logger().Error(context.Background(), "cron rejected a validated expression",
			observability.String("job_id", job.ID),
			observability.String("spec", rule.Spec),
			observability.Error(err),
		)
		return
	}
	s.entries[jobID] = entry
}

func (s *Scheduler) unscheduleLocked(jobID string) {
	if entry, ok := s.entries[jobID]; ok {
		s.cron.Remove(entry)
		delete(s.entries, jobID)
	}
}

// reschedule aplica o agendamento novo de um job recém-gravado.
func (s *Scheduler) reschedule(job catalog.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unscheduleLocked(job.ID)
	s.scheduleLocked(job)
}

// fire é o callback do cron: resolve o job vivo e enfileira uma execução.
// Disparos de jobs removidos, desabilitados ou ainda ativos na fila são
// descartados.
func (s *Scheduler) fire(jobID string) {
	ctx := context.Background()

	job, err := s.store.Job(jobID)
	if err != nil {
		s.obs.Logger().Warn(ctx, "fired job no longer in catalogue",
			observability.String("job_id", jobID),
		)
		return
	}
	if !job.Enabled {
		return
	}

	if _, err := s.enqueueRun(job, false, PriorityScheduled, scheduledMaxRetries); err != nil {
		s.obs.Logger().Warn(ctx, "scheduled fire dropped",
			observability.String("job_id", jobID),
			observability.String("job_name", job.Name),
			observability.Error(err),
		)
	}
}

// RunJobNow enfileira uma execução imediata pedida pelo operador.
func (s *Scheduler) RunJobNow(ctx context.Context, jobID string) (string, error) {
	job, err := s.store.Job(jobID)
	if err != nil {
		return "", err
	}
	if !job.Enabled {
		return "", fmt.Errorf("%w: job %q is disabled", catalog.ErrConfigInvalid, job.Name)
	}

	unitID, err := s.enqueueRun(job, false, PriorityInteractive, 0)
	if err != nil {
		return "", err
	}
	s.obs.Logger().Info(ctx, "manual run queued",
		observability.String("job_id", jobID),
		observability.String("unit_id", unitID),
	)
	return unitID, nil
}

// RunJobForConnections enfileira uma execução restrita a um subconjunto das
// conexões do job, o caminho do "retry failed" da UI.
func (s *Scheduler) RunJobForConnections(ctx context.Context, jobID string, connectionIDs []string) (string, error) {
	job, err := s.store.Job(jobID)
	if err != nil {
		return "", err
	}
	if !job.Enabled {
		return "", fmt.Errorf("%w: job %q is disabled", catalog.ErrConfigInvalid, job.Name)
	}
	if len(connectionIDs) == 0 {
		return "", fmt.Errorf("%w: no connections requested", catalog.ErrConfigInvalid)
	}
	if s.queue.HasActive(jobID) {
		return "", fmt.Errorf("%w: job %q already queued or running", catalog.ErrConflict, job.Name)
	}

	ids := append([]string(nil), connectionIDs...)
	unitID, err := s.queue.Enqueue(jobID, func(ctx context.Context) error {
		err := s.runner.RunJobForConnections(ctx, jobID, ids)
		if errors.Is(err, catalog.ErrCancelled) {
			return nil
		}
		return err
	}, jobqueue.EnqueueOptions{Priority: PriorityInteractive})
	if err != nil {
		return "", &ScheduleError{Op: "enqueue_subset", Message: fmt.Sprintf("job %q", job.Name), Err: err}
	}

	s.obs.Logger().Info(ctx, "subset run queued",
		observability.String("job_id", jobID),
		observability.String("unit_id", unitID),
		observability.Int("connections", len(ids)),
	)
	return unitID, nil
}

// RecoverInterrupted examina os checkpoints deixados por um processo anterior
// e reenfileira cada job interrompido em modo resume. Checkpoints de jobs que
// já não existem no catálogo são descartados. Retorna quantas execuções
// voltaram à fila.
func (s *Scheduler) RecoverInterrupted(ctx context.Context, source ResumeSource) int {
	candidates, err := source.ResumeCandidates()
	if err != nil {
		s.obs.Logger().Warn(ctx, "resume scan failed", observability.Error(err))
		return 0
	}

	resumed := 0
	for _, cp := range candidates {
		job, err := s.store.Job(cp.JobID)
		if err != nil {
			s.obs.Logger().Warn(ctx, "checkpoint for unknown job discarded",
				observability.String("job_id", cp.JobID),
			)
			if discardErr := source.DiscardCheckpoint(cp.JobID); discardErr != nil {
				s.obs.Logger().Debug(ctx, "could not discard stray checkpoint",
					observability.String("job_id", cp.JobID),
					observability.Error(discardErr),
				)
			}
			continue
		}

		if _, err := s.enqueueRun(job, true, PriorityInteractive, 0); err != nil {
			s.obs.Logger().Warn(ctx, "interrupted job not requeued",
				observability.String("job_id", cp.JobID),
				observability.Error(err),
			)
			continue
		}
		s.obs.Logger().Info(ctx, "interrupted job requeued for resume",
			observability.String("job_id", cp.JobID),
			observability.String("job_name", job.Name),
		)
		resumed++
	}
	return resumed
}

// enqueueRun aplica as pré-condições de disparo (conexões vivas,
// não-sobreposição) e entrega a unidade à fila.
func (s *Scheduler) enqueueRun(job catalog.Job, resume bool, priority, maxRetries int) (string, error) {
	conns := s.store.ConnectionsByIDs(job.DedupedConnectionIDs())
	if len(conns) == 0 {
		return "", fmt.Errorf("%w: job %q has no live connections", catalog.ErrConfigInvalid, job.Name)
	}
	if s.queue.HasActive(job.ID) {
		return "", fmt.Errorf("%w: job %q already queued or running", catalog.ErrConflict, job.Name)
	}

	jobID := job.ID
	unitID, err := s.queue.Enqueue(jobID, func(ctx context.Context) error {
		return s.runUnit(ctx, jobID, resume)
	}, jobqueue.EnqueueOptions{Priority: priority, MaxRetries: maxRetries})
	if err != nil {
		return "", &ScheduleError{Op: "enqueue", Message: fmt.Sprintf("job %q", job.Name), Err: err}
	}
	return unitID, nil
}

// runUnit é o corpo da unidade enfileirada. O catálogo é resolvido de novo na
// hora de executar, para que edições feitas enquanto a unidade esperava
// valham. Cancelamento pelo operador é um desfecho deliberado, não uma falha:
// não entra no circuito de retry da fila.
func (s *Scheduler) runUnit(ctx context.Context, jobID string, resume bool) error {
	job, err := s.store.Job(jobID)
	if err != nil {
		return err
	}
	conns := s.store.ConnectionsByIDs(job.DedupedConnectionIDs())
	if len(conns) == 0 {
		return fmt.Errorf("%w: job %q has no live connections", catalog.ErrConfigInvalid, job.Name)
	}

	if resume {
		err = s.runner.ResumeJob(ctx, job, conns)
	} else {
		err = s.runner.RunJob(ctx, job, conns)
	}
	if errors.Is(err, catalog.ErrCancelled) {
		return nil
	}
	return err
}
