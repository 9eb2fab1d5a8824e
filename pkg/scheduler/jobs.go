package scheduler

import (
	"context"
	"fmt"

	"github.com/JailtonJunior94/datadispatch/pkg/catalog"
	"github.com/JailtonJunior94/datadispatch/pkg/linq"
	"github.com/JailtonJunior94/datadispatch/pkg/observability"
)

// GetJobs lista os jobs do catálogo.
func (s *Scheduler) GetJobs() []catalog.Job {
	return s.store.Jobs()
}

// GetJob devolve um job pelo id, ou ErrNotFound.
func (s *Scheduler) GetJob(jobID string) (catalog.Job, error) {
	return s.store.Job(jobID)
}

// AddJob valida, atribui id quando falta, persiste e agenda o job. Diferente
// da carga de catálogos legados, uma recorrência inválida aqui é rejeitada:
// o chamador está criando o job agora e pode corrigir.
func (s *Scheduler) AddJob(job catalog.Job) (catalog.Job, error) {
	if err := job.Validate(); err != nil {
		return catalog.Job{}, err
	}
	if _, err := ParseRecurrence(job); err != nil {
		return catalog.Job{}, err
	}
	if job.ID == "" {
		job.ID = s.newID()
	}

	err := s.store.Mutate(func(c *catalog.Catalog) error {
		exists := linq.Contains(c.Jobs, func(j catalog.Job) bool { return j.ID == job.ID })
		if exists {
			return fmt.Errorf("%w: job %q already exists", catalog.ErrConflict, job.ID)
		}
		c.Jobs = append(c.Jobs, job)
		return nil
	})
	if err != nil {
		return catalog.Job{}, err
	}

	s.reschedule(job)
	s.obs.Logger().Info(context.Background(), "job added",
		observability.String("job_id", job.ID),
		observability.String("job_name", job.Name),
	)
	return job, nil
}

// UpdateJob substitui o job e rederiva o agendamento. Os carimbos
// operacionais (lastRun, lastHash) são do daemon e sobrevivem à edição.
func (s *Scheduler) UpdateJob(job catalog.Job) (catalog.Job, error) {
	if job.ID == "" {
		return catalog.Job{}, fmt.Errorf("%w: job id is required", catalog.ErrConfigInvalid)
	}
	if err := job.Validate(); err != nil {
		return catalog.Job{}, err
	}
	if _, err := ParseRecurrence(job); err != nil {
		return catalog.Job{}, err
	}

	err := s.store.Mutate(func(c *catalog.Catalog) error {
		idx := linq.FindIndex(c.Jobs, func(j catalog.Job) bool { return j.ID == job.ID })
		if idx < 0 {
			return fmt.Errorf("job %q: %w", job.ID, catalog.ErrNotFound)
		}
		job.LastRun = c.Jobs[idx].LastRun
		job.LastHash = c.Jobs[idx].LastHash
		c.Jobs[idx] = job
		return nil
	})
	if err != nil {
		return catalog.Job{}, err
	}

	s.reschedule(job)
	return job, nil
}

// DeleteJob remove o job do catálogo e do relógio. Uma execução já em
// andamento segue até o fim com a cópia que o executor tem.
func (s *Scheduler) DeleteJob(jobID string) error {
	err := s.store.Mutate(func(c *catalog.Catalog) error {
		idx := linq.FindIndex(c.Jobs, func(j catalog.Job) bool { return j.ID == jobID })
		if idx < 0 {
			return fmt.Errorf("job %q: %w", jobID, catalog.ErrNotFound)
		}
		c.Jobs = append(c.Jobs[:idx], c.Jobs[idx+1:]...)
		return nil
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.unscheduleLocked(jobID)
	s.mu.Unlock()

	s.obs.Logger().Info(context.Background(), "job deleted",
		observability.String("job_id", jobID),
	)
	return nil
}

// TestJob roda as queries de um job contra uma única conexão e devolve o
// total de linhas, sem tocar nos destinos. Aceita um job ainda não salvo,
// para o "testar antes de gravar" da UI.
func (s *Scheduler) TestJob(ctx context.Context, job catalog.Job, connID string) (int, error) {
	if err := job.Validate(); err != nil {
		return 0, err
	}
	conn, err := s.store.Connection(connID)
	if err != nil {
		return 0, err
	}
	return s.runner.TestJob(ctx, job, conn)
}

// TestJobByID resolve o job salvo e delega para TestJob.
func (s *Scheduler) TestJobByID(ctx context.Context, jobID, connID string) (int, error) {
	job, err := s.store.Job(jobID)
	if err != nil {
		return 0, err
	}
	return s.TestJob(ctx, job, connID)
}
