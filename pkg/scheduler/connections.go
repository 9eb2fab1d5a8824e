package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/JailtonJunior94/datadispatch/pkg/catalog"
	"github.com/JailtonJunior94/datadispatch/pkg/linq"
	"github.com/JailtonJunior94/datadispatch/pkg/observability"
)

// bulkTestFloor é o mínimo do deadline por conexão no teste em massa; um
// connectionTimeout apertado nas settings não pode abortar testes de rede
// lentos que o operador pediu de propósito.
const bulkTestFloor = 30 * time.Second

// TestOutcome é o resultado de uma conexão no teste em massa.
type TestOutcome struct {
	ConnectionID string               `json:"connectionId"`
	Name         string               `json:"name"`
	Status       catalog.TestStatus   `json:"status"`
	Endpoint     catalog.EndpointType `json:"endpoint,omitempty"`
	Error        string               `json:"error,omitempty"`
	DurationMs   int64                `json:"durationMs"`
}

// GetConnections lista as conexões do catálogo.
func (s *Scheduler) GetConnections() []catalog.Connection {
	return s.store.Connections()
}

// GetConnection devolve uma conexão pelo id, ou ErrNotFound.
func (s *Scheduler) GetConnection(connID string) (catalog.Connection, error) {
	return s.store.Connection(connID)
}

// DuplicateEndpoints expõe o aviso de endpoints compartilhados do catálogo.
func (s *Scheduler) DuplicateEndpoints() map[string][]string {
	return s.store.DuplicateEndpoints()
}

// AddConnection acrescenta uma conexão. Quando já existe outra com a mesma
// identidade canônica de endpoint (host:porta/banco@usuário), os metadados da
// nova são fundidos na existente em vez de criar uma duplicata; o bool
// devolvido informa qual caminho foi tomado.
func (s *Scheduler) AddConnection(conn catalog.Connection) (catalog.Connection, bool, error) {
	if err := validateConnection(conn); err != nil {
		return catalog.Connection{}, false, err
	}
	if conn.ID == "" {
		conn.ID = s.newID()
	}

	merged := false
	var result catalog.Connection
	err := s.store.Mutate(func(c *catalog.Catalog) error {
		key := conn.PoolKey()
		for i := range c.Connections {
			if c.Connections[i].PoolKey() == key {
				c.Connections[i] = mergeConnection(c.Connections[i], conn)
				result = c.Connections[i]
				merged = true
				return nil
			}
		}
		c.Connections = append(c.Connections, conn)
		result = conn
		return nil
	})
	if err != nil {
		return catalog.Connection{}, false, err
	}

	if merged {
		s.obs.Logger().Info(context.Background(), "connection merged into existing endpoint",
			observability.String("connection_id", result.ID),
			observability.String("pool_key", result.PoolKey()),
		)
	}
	return result, merged, nil
}

// DuplicateConnection copia uma conexão existente sob um id novo, pulando o
// merge por endpoint: duplicatas deliberadas são legais (o mesmo banco em
// dois papéis) e ficam visíveis via DuplicateEndpoints.
func (s *Scheduler) DuplicateConnection(connID string) (catalog.Connection, error) {
	original, err := s.store.Connection(connID)
	if err != nil {
		return catalog.Connection{}, err
	}

	dup := original
	dup.ID = s.newID()
	dup.Name = original.Name + " (copy)"
	dup.LastTested = nil
	dup.TestStatus = catalog.TestStatusUntested
	dup.ActiveEndpointType = ""

	err = s.store.Mutate(func(c *catalog.Catalog) error {
		c.Connections = append(c.Connections, dup)
		return nil
	})
	if err != nil {
		return catalog.Connection{}, err
	}
	return dup, nil
}

// UpdateConnection substitui a conexão. Os carimbos de teste são do daemon e
// sobrevivem à edição.
func (s *Scheduler) UpdateConnection(conn catalog.Connection) (catalog.Connection, error) {
	if conn.ID == "" {
		return catalog.Connection{}, fmt.Errorf("%w: connection id is required", catalog.ErrConfigInvalid)
	}
	if err := validateConnection(conn); err != nil {
		return catalog.Connection{}, err
	}

	err := s.store.Mutate(func(c *catalog.Catalog) error {
		for i := range c.Connections {
			if c.Connections[i].ID == conn.ID {
				conn.LastTested = c.Connections[i].LastTested
				conn.TestStatus = c.Connections[i].TestStatus
				conn.ActiveEndpointType = c.Connections[i].ActiveEndpointType
				c.Connections[i] = conn
				return nil
			}
		}
		return fmt.Errorf("connection %q: %w", conn.ID, catalog.ErrNotFound)
	})
	if err != nil {
		return catalog.Connection{}, err
	}
	return conn, nil
}

// DeleteConnection remove a conexão, recusando enquanto algum job ainda a
// referencia.
func (s *Scheduler) DeleteConnection(connID string) error {
	return s.store.Mutate(func(c *catalog.Catalog) error {
		var holders []string
		for _, j := range c.Jobs {
			inUse := linq.Contains(j.ConnectionIDs, func(id string) bool { return id == connID })
			if inUse {
				holders = append(holders, j.Name)
			}
		}
		if len(holders) > 0 {
			return fmt.Errorf("%w: connection %q is referenced by job(s): %s",
				catalog.ErrConflict, connID, strings.Join(holders, ", "))
		}

		for i := range c.Connections {
			if c.Connections[i].ID == connID {
				c.Connections = append(c.Connections[:i], c.Connections[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("connection %q: %w", connID, catalog.ErrNotFound)
	})
}

// TestConnection valida a conectividade de uma conexão, possivelmente ainda
// não salva — por isso não exige os campos de cadastro. Conexões com id têm
// o resultado carimbado no catálogo pelo executor.
func (s *Scheduler) TestConnection(ctx context.Context, conn catalog.Connection) (catalog.EndpointType, error) {
	return s.runner.TestConnection(ctx, conn)
}

// TestConnectionByID resolve a conexão no catálogo e testa.
func (s *Scheduler) TestConnectionByID(ctx context.Context, connID string) (catalog.EndpointType, error) {
	conn, err := s.store.Connection(connID)
	if err != nil {
		return "", err
	}
	return s.runner.TestConnection(ctx, conn)
}

// BulkTestConnections testa as conexões dadas em paralelo, todas quando ids
// é vazio. O deadline por conexão é o connectionTimeout das settings com piso
// de 30s. O argumento maxConcurrent é histórico e ignorado.
func (s *Scheduler) BulkTestConnections(ctx context.Context, ids []string, maxConcurrent int) []TestOutcome {
	if maxConcurrent > 0 {
		s.obs.Logger().Warn(ctx, "bulk test maxConcurrent is ignored, tests run fully parallel",
			observability.Int("max_concurrent", maxConcurrent),
		)
	}

	conns := s.store.Connections()
	if len(ids) > 0 {
		conns = s.store.ConnectionsByIDs(ids)
	}

	deadline := s.store.Settings().ConnectionTimeout()
	if deadline < bulkTestFloor {
		deadline = bulkTestFloor
	}

	outcomes := make([]TestOutcome, len(conns))
	var wg sync.WaitGroup
	for i, conn := range conns {
		wg.Add(1)
		go func(i int, conn catalog.Connection) {
			defer wg.Done()

			tctx, cancel := context.WithTimeout(ctx, deadline)
			defer cancel()

			started := s.now()
			endpoint, err := s.runner.TestConnection(tctx, conn)

			outcome := TestOutcome{
				ConnectionID: conn.ID,
				Name:         conn.Name,
				DurationMs:   s.now().Sub(started).Milliseconds(),
			}
			if err != nil {
				outcome.Status = catalog.TestStatusFailed
				outcome.Error = err.Error()
			} else {
				outcome.Status = catalog.TestStatusConnected
				outcome.Endpoint = endpoint
			}
			outcomes[i] = outcome
		}(i, conn)
	}
	wg.Wait()
	return outcomes
}

// validateConnection confere o mínimo para uma conexão ser utilizável.
func validateConnection(conn catalog.Connection) error {
	if strings.TrimSpace(conn.Name) == "" {
		return fmt.Errorf("%w: connection name is required", catalog.ErrConfigInvalid)
	}
	if !conn.HasPrimary() && !conn.HasFallback() {
		return fmt.Errorf("%w: connection %q needs a primary or fallback host", catalog.ErrConfigInvalid, conn.Name)
	}
	if strings.TrimSpace(conn.Database) == "" {
		return fmt.Errorf("%w: connection %q needs a database", catalog.ErrConfigInvalid, conn.Name)
	}
	if strings.TrimSpace(conn.User) == "" {
		return fmt.Errorf("%w: connection %q needs a user", catalog.ErrConfigInvalid, conn.Name)
	}
	return nil
}

// mergeConnection aplica os metadados editáveis da conexão nova sobre a
// existente, preservando id e carimbos de teste.
func mergeConnection(existing, incoming catalog.Connection) catalog.Connection {
	out := existing
	if strings.TrimSpace(incoming.Name) != "" {
		out.Name = incoming.Name
	}
	if incoming.Password != "" {
		out.Password = incoming.Password
	}
	if incoming.FallbackHost != "" {
		out.FallbackHost = incoming.FallbackHost
		out.FallbackPort = incoming.FallbackPort
	}
	if incoming.Grouping != "" {
		out.Grouping = incoming.Grouping
	}
	if incoming.Partner != "" {
		out.Partner = incoming.Partner
	}
	if incoming.FinancialYear != "" {
		out.FinancialYear = incoming.FinancialYear
	}
	if incoming.StoreShortName != "" {
		out.StoreShortName = incoming.StoreShortName
	}
	return out
}
