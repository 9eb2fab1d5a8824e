package sqlpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
)

// Pool é uma entrada do gerenciador: um pool de sessões para um endpoint
// lógico. Os campos refcount, lastUsed, idleTimer e idleGen são protegidos
// pelo mutex do Manager; o handle de banco pelo mutex próprio.
type Pool struct {
	key       string
	host      string
	limits    Config
	createdAt time.Time

	refcount  int
	lastUsed  time.Time
	idleTimer *time.Timer
	idleGen   uint64

	connMu sync.Mutex
	mu     sync.Mutex
	db     *sqlx.DB
	closed bool
}

func newPool(key, host string, limits Config) *Pool {
	return &Pool{
		key:       key,
		host:      host,
		limits:    limits,
		createdAt: time.Now(),
	}
}

// Key retorna a chave canônica do pool.
func (p *Pool) Key() string { return p.key }

// Host retorna o host normalizado do endpoint.
func (p *Pool) Host() string { return p.host }

// Limits retorna os limites vigentes na construção do pool.
func (p *Pool) Limits() Config { return p.limits }

// Connected informa se o pool tem um handle de banco aberto.
func (p *Pool) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.db != nil && !p.closed
}

// QueryRows executa a query e materializa cada linha como um mapa
// coluna→valor. Valores []byte são convertidos para string para que o
// resultado serialize de forma estável em JSON.
func (p *Pool) QueryRows(ctx context.Context, query string) ([]map[string]any, error) {
	p.mu.Lock()
	db := p.db
	closed := p.closed
	p.mu.Unlock()

	if closed || db == nil {
		return nil, fmt.Errorf("sqlpool: %s is not connected", p.key)
	}

	rows, err := db.QueryxContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []map[string]any
	for rows.Next() {
		row := make(map[string]any)
		if err := rows.MapScan(row); err != nil {
			return nil, err
		}
		for column, value := range row {
			if raw, ok := value.([]byte); ok {
				row[column] = string(raw)
			}
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (p *Pool) database() *sqlx.DB {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.db
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool) setDatabase(db *sqlx.DB) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.db = db
	return true
}

func (p *Pool) dropDatabase() {
	p.mu.Lock()
	db := p.db
	p.db = nil
	p.mu.Unlock()
	if db != nil {
		_ = db.Close()
	}
}

func (p *Pool) openSessions() int {
	p.mu.Lock()
	db := p.db
	p.mu.Unlock()
	if db == nil {
		return 0
	}
	return db.Stats().OpenConnections
}

func (p *Pool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	db := p.db
	p.db = nil
	p.mu.Unlock()

	if db != nil {
		_ = db.Close()
	}
}
