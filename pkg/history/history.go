// Package history guarda o registro das execuções terminadas: um por run,
// append-only, limitado às N mais recentes e persistido em history.json.
// O store se inscreve nos eventos job:finished do tracker de progresso.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/JailtonJunior94/datadispatch/pkg/events"
	"github.com/JailtonJunior94/datadispatch/pkg/linq"
	"github.com/JailtonJunior94/datadispatch/pkg/observability"
	"github.com/JailtonJunior94/datadispatch/pkg/progress"
	"github.com/JailtonJunior94/datadispatch/pkg/vos"
)

// DefaultLimit é o teto de registros retidos.
const DefaultLimit = 1000

// ConnectionOutcome resume o desfecho de uma conexão dentro de um run.
type ConnectionOutcome struct {
	ConnectionID   string                    `json:"connectionId"`
	ConnectionName string                    `json:"connectionName,omitempty"`
	Status         progress.ConnectionStatus `json:"status"`
	RowsProcessed  int                       `json:"rowsProcessed"`
	Error          string                    `json:"error,omitempty"`
}

// Entry é um registro de execução.
type Entry struct {
	ID                   vos.ULID            `json:"id"`
	JobID                string              `json:"jobId"`
	JobName              string              `json:"jobName"`
	Status               progress.JobStatus  `json:"status"`
	StartedAt            time.Time           `json:"startedAt"`
	EndedAt              time.Time           `json:"endedAt"`
	DurationMs           int64               `json:"durationMs"`
	TotalConnections     int                 `json:"totalConnections"`
	CompletedConnections int                 `json:"completedConnections"`
	FailedConnections    int                 `json:"failedConnections"`
	Connections          []ConnectionOutcome `json:"connections,omitempty"`
	Errors               []string            `json:"errors,omitempty"`
}

// Store mantém os registros em memória (mais antigos primeiro) e espelha em
// disco quando um caminho é configurado.
type Store struct {
	mu      sync.Mutex
	path    string
	entries []Entry
	limit   int
	obs     observability.Observability
}

// Option configura o Store.
type Option func(*Store)

// WithLimit ajusta o teto de registros retidos. Usado em testes.
func WithLimit(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.limit = n
		}
	}
}

// NewStore cria o store. path vazio mantém o histórico apenas em memória.
func NewStore(path string, obs observability.Observability, opts ...Option) *Store {
	s := &Store{
		path:  path,
		limit: DefaultLimit,
		obs:   obs,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load carrega o histórico persistido. Arquivo ausente não é erro.
func (s *Store) Load() error {
	if s.path == "" {
		return nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("history: read %s: %w", s.path, err)
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("history: decode %s: %w", s.path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(entries) > s.limit {
		entries = entries[len(entries)-s.limit:]
	}
	s.entries = entries
	return nil
}

// Append adiciona um registro, descartando o mais antigo quando o teto é
// atingido, e persiste.
func (s *Store) Append(ctx context.Context, entry Entry) error {
	s.mu.Lock()
	s.entries = append(s.entries, entry)
	if len(s.entries) > s.limit {
		s.entries = append([]Entry(nil), s.entries[len(s.entries)-s.limit:]...)
	}
	snapshot := append([]Entry(nil), s.entries...)
	s.mu.Unlock()

	if err := s.persist(snapshot); err != nil {
		s.obs.Logger().Warn(ctx, "history write failed", observability.Error(err))
	}
	return nil
}

// Record converte um evento job:finished em registro e o acrescenta.
func (s *Store) Record(ctx context.Context, finished progress.FinishedEvent) error {
	id, err := vos.NewULID()
	if err != nil {
		return fmt.Errorf("history: generate id: %w", err)
	}

	snap := finished.Snapshot
	entry := Entry{
		ID:                   id,
		JobID:                finished.JobID,
		JobName:              finished.JobName,
		Status:               finished.Status,
		StartedAt:            snap.StartedAt,
		DurationMs:           finished.Duration.Milliseconds(),
		TotalConnections:     snap.TotalConnections,
		CompletedConnections: snap.CompletedConnections,
		FailedConnections:    snap.FailedConnections,
		Errors:               snap.Errors,
	}
	if snap.EndedAt != nil {
		entry.EndedAt = *snap.EndedAt
	}
	for connID, conn := range snap.Connections {
		entry.Connections = append(entry.Connections, ConnectionOutcome{
			ConnectionID:   connID,
			ConnectionName: conn.ConnectionName,
			Status:         conn.Status,
			RowsProcessed:  conn.RowsProcessed,
			Error:          conn.Error,
		})
	}

	return s.Append(ctx, entry)
}

// Subscribe registra o store como consumidor de job:finished no barramento.
func (s *Store) Subscribe(dispatcher *events.Dispatcher) error {
	return dispatcher.Register(progress.EventJobFinished, events.HandlerFunc(s.handleFinished))
}

func (s *Store) handleFinished(ctx context.Context, event events.Event) error {
	finished, ok := event.Payload.(progress.FinishedEvent)
	if !ok {
		return fmt.Errorf("history: unexpected payload %T for %s", event.Payload, event.Type)
	}
	return s.Record(ctx, finished)
}

// Recent retorna os n registros mais recentes, do mais novo para o mais
// antigo. n não positivo retorna todos.
func (s *Store) Recent(n int) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := len(s.entries)
	if n <= 0 || n > total {
		n = total
	}
	result := make([]Entry, 0, n)
	for i := total - 1; i >= total-n; i-- {
		result = append(result, s.entries[i])
	}
	return result
}

// ByJob retorna os registros de um job, do mais novo para o mais antigo.
func (s *Store) ByJob(jobID string) []Entry {
	all := s.Recent(0)
	return linq.Filter(all, func(e Entry) bool { return e.JobID == jobID })
}

// Len retorna a quantidade de registros retidos.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) persist(entries []Entry) error {
	if s.path == "" {
		return nil
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("history: encode: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("history: create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("history: create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("history: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("history: close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("history: rename temp file: %w", err)
	}
	return nil
}
