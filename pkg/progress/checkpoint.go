package progress

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Checkpoint registra o avanço durável de um job multi-conexão. É gravado a
// cada transição de conexão e permite retomar uma execução interrompida.
type Checkpoint struct {
	JobID                  string    `json:"jobId"`
	StartedAt              time.Time `json:"startedAt"`
	CompletedConnectionIDs []string  `json:"completedConnectionIds"`
	FailedConnectionIDs    []string  `json:"failedConnectionIds"`
	TotalConnections       int       `json:"totalConnections"`
	UpdatedAt              time.Time `json:"updatedAt"`
}

// Completed informa se a conexão já consta como concluída.
func (c *Checkpoint) Completed(connID string) bool {
	for _, id := range c.CompletedConnectionIDs {
		if id == connID {
			return true
		}
	}
	return false
}

// CheckpointStore persiste um arquivo JSON por job em um diretório dedicado.
type CheckpointStore struct {
	dir string
}

// NewCheckpointStore cria o store apontando para dir.
func NewCheckpointStore(dir string) *CheckpointStore {
	return &CheckpointStore{dir: dir}
}

// Dir retorna o diretório de checkpoints.
func (s *CheckpointStore) Dir() string { return s.dir }

func (s *CheckpointStore) path(jobID string) string {
	return filepath.Join(s.dir, sanitizeFileName(jobID)+".json")
}

// Save grava o checkpoint de forma atômica (temporário + rename).
func (s *CheckpointStore) Save(cp *Checkpoint) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("checkpoint: create directory: %w", err)
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: encode: %w", err)
	}

	target := s.path(cp.JobID)
	tmp, err := os.CreateTemp(s.dir, filepath.Base(target)+".tmp-*")
	if err != nil {
		return fmt.Errorf("checkpoint: create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("checkpoint: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("checkpoint: close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("checkpoint: rename temp file: %w", err)
	}
	return nil
}

// Load carrega o checkpoint do job. Retorna (nil, nil) quando não existe.
func (s *CheckpointStore) Load(jobID string) (*Checkpoint, error) {
	data, err := os.ReadFile(s.path(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("checkpoint: read: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("checkpoint: decode %s: %w", jobID, err)
	}
	return &cp, nil
}

// Delete remove o checkpoint do job. Ausência não é erro.
func (s *CheckpointStore) Delete(jobID string) error {
	err := os.Remove(s.path(jobID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("checkpoint: delete: %w", err)
	}
	return nil
}

// List devolve todos os checkpoints presentes no diretório. Arquivos
// ilegíveis são pulados.
func (s *CheckpointStore) List() ([]*Checkpoint, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("checkpoint: list directory: %w", err)
	}

	var result []*Checkpoint
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}
		var cp Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			continue
		}
		result = append(result, &cp)
	}
	return result, nil
}

// sanitizeFileName restringe o id ao conjunto seguro para nomes de arquivo.
func sanitizeFileName(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}
