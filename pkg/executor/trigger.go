package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/JailtonJunior94/datadispatch/pkg/catalog"
	"github.com/JailtonJunior94/datadispatch/pkg/destination"
	"github.com/JailtonJunior94/datadispatch/pkg/observability"
)

// HashRows produz o hash estável de um rowset: JSON canônico (chaves de mapa
// em ordem) passado pelo SHA-256.
func HashRows(rows []destination.Row) (string, error) {
	raw, err := json.Marshal(rows)
	if err != nil {
		return "", fmt.Errorf("hash rows: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// ChangeTracker decide se um rowset deve ser despachado segundo a política
// de trigger do job. Com onChange, o hash do rowset é comparado com o
// lastHash persistido; divergência (ou primeira execução) atualiza o hash e
// libera o dispatch, igualdade pula o dispatch daquela conexão.
type ChangeTracker struct {
	store CatalogStore
	obs   observability.Observability
}

// NewChangeTracker cria o avaliador sobre o catálogo dado.
func NewChangeTracker(store CatalogStore, obs observability.Observability) *ChangeTracker {
	return &ChangeTracker{store: store, obs: obs}
}

// Evaluate aplica a política do job ao rowset de uma conexão. A assinatura
// casa com o TriggerFunc do databuffer.
func (c *ChangeTracker) Evaluate(job catalog.Job, conn catalog.Connection, rows []destination.Row) (bool, error) {
	if job.Trigger != catalog.TriggerOnChange {
		return true, nil
	}

	hash, err := HashRows(rows)
	if err != nil {
		return false, err
	}

	// O lastHash vivo pode ter avançado desde que o job foi carregado.
	current := job
	if live, err := c.store.Job(job.ID); err == nil {
		current = live
	}
	if current.LastHash == hash {
		return false, nil
	}

	if err := c.store.UpdateJobHash(job.ID, hash); err != nil {
		c.obs.Logger().Warn(context.Background(), "failed to persist rowset hash",
			observability.String("job_id", job.ID),
			observability.Error(err),
		)
	}
	return true, nil
}
