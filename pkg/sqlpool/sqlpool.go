// Package sqlpool gerencia pools de sessão SQL Server compartilhados por
// endpoint lógico. Conexões equivalentes (mesmo host, porta, database e
// usuário após normalização) compartilham um único pool; um semáforo global
// limita quantas aquisições de sessão podem estar em andamento ao mesmo
// tempo no processo inteiro.
package sqlpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JailtonJunior94/datadispatch/pkg/catalog"
	"github.com/JailtonJunior94/datadispatch/pkg/observability"

	"github.com/prometheus/client_golang/prometheus"
)

var errPoolClosed = errors.New("sqlpool: pool closed")

// ErrManagerClosed é retornado por Acquire após DestroyAll.
var ErrManagerClosed = errors.New("sqlpool: manager closed")

// Config carrega os limites aplicados a pools recém-construídos.
// Pools existentes retêm os limites vigentes na construção.
type Config struct {
	// PoolMax é o número máximo de sessões simultâneas por pool.
	PoolMax int
	// IdleClose é a janela ociosa após a qual um pool sem referências é fechado.
	IdleClose time.Duration
	// ConnectTimeout limita o estabelecimento e a verificação de sessões.
	ConnectTimeout time.Duration
	// RequestTimeout é o teto de execução de uma query.
	RequestTimeout time.Duration
}

// DefaultConfig retorna os limites padrão.
func DefaultConfig() Config {
	return Config{
		PoolMax:        10,
		IdleClose:      60 * time.Second,
		ConnectTimeout: 15 * time.Second,
		RequestTimeout: 300 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PoolMax <= 0 {
		c.PoolMax = def.PoolMax
	}
	if c.IdleClose <= 0 {
		c.IdleClose = def.IdleClose
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	return c
}

// DefaultMaxConcurrent limita aquisições de sessão em andamento no processo.
const DefaultMaxConcurrent = 50

// Manager mantém o mapa de pools por chave canônica.
type Manager struct {
	mu     sync.Mutex
	pools  map[string]*Pool
	cfg    Config
	closed bool

	sem     chan struct{}
	opener  Opener
	obs     observability.Observability
	metrics *managerMetrics
}

// Option configura o Manager.
type Option func(*options)

type options struct {
	cfg           Config
	maxConcurrent int
	opener        Opener
	registerer    prometheus.Registerer
}

// WithConfig define os limites iniciais para novos pools.
func WithConfig(cfg Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithMaxConcurrent dimensiona o semáforo global de aquisições.
func WithMaxConcurrent(n int) Option {
	return func(o *options) { o.maxConcurrent = n }
}

// WithOpener substitui o estabelecimento de sessões. Usado em testes.
func WithOpener(opener Opener) Option {
	return func(o *options) { o.opener = opener }
}

// WithRegisterer define onde as métricas Prometheus são registradas.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// NewManager cria o gerenciador de pools.
func NewManager(obs observability.Observability, opts ...Option) *Manager {
	cfg := options{
		cfg:           DefaultConfig(),
		maxConcurrent: DefaultMaxConcurrent,
		opener:        NewMSSQLOpener(),
		registerer:    prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.maxConcurrent <= 0 {
		cfg.maxConcurrent = DefaultMaxConcurrent
	}

	m := &Manager{
		pools:  make(map[string]*Pool),
		cfg:    cfg.cfg.withDefaults(),
		sem:    make(chan struct{}, cfg.maxConcurrent),
		opener: cfg.opener,
		obs:    obs,
	}
	m.metrics = newManagerMetrics(cfg.registerer, m)
	return m
}

// Acquire retorna um pool pronto para a chave canônica de conn. Na primeira
// utilização de uma chave o pool é construído com os limites vigentes; em
// reuso, qualquer fechamento ocioso pendente é cancelado e a contagem de
// referências é incrementada. Falha com catalog.ErrConnectFailed quando o
// estabelecimento da sessão é rejeitado.
func (m *Manager) Acquire(ctx context.Context, conn catalog.Connection) (*Pool, error) {
	key := conn.PoolKey()
	host, _ := catalog.NormalizeEndpoint(conn.Host, conn.Port)

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrManagerClosed
		}
		pool, ok := m.pools[key]
		if !ok {
			pool = newPool(key, host, m.cfg)
			m.pools[key] = pool
		}
		pool.refcount++
		pool.lastUsed = time.Now()
		if pool.idleTimer != nil {
			pool.idleTimer.Stop()
			pool.idleTimer = nil
			pool.idleGen++
		}
		m.mu.Unlock()

		err := m.connect(ctx, pool, conn)
		if err == nil {
			m.metrics.acquireOK()
			return pool, nil
		}
		if errors.Is(err, errPoolClosed) {
			// Perdemos a corrida para um fechamento; a entrada já saiu do
			// mapa, então a próxima volta constrói uma nova.
			continue
		}

		m.Release(conn)
		m.metrics.acquireFailed()
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", catalog.ErrConnectFailed, host, err)
	}
}

// connect garante que o pool tem uma sessão alcançável, respeitando o
// semáforo global durante o estabelecimento e a verificação.
func (m *Manager) connect(ctx context.Context, pool *Pool, conn catalog.Connection) error {
	pool.connMu.Lock()
	defer pool.connMu.Unlock()

	if pool.isClosed() {
		return errPoolClosed
	}

	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-m.sem }()

	if db := pool.database(); db != nil {
		pingCtx, cancel := context.WithTimeout(ctx, pool.limits.ConnectTimeout)
		err := db.PingContext(pingCtx)
		cancel()
		if err == nil {
			return nil
		}
		m.obs.Logger().Warn(ctx, "pool unreachable, rebuilding sessions",
			observability.String("pool_key", pool.key),
			observability.Error(err),
		)
		pool.dropDatabase()
	}

	db, err := m.opener.Open(ctx, conn, pool.limits)
	if err != nil {
		return err
	}
	if !pool.setDatabase(db) {
		_ = db.Close()
		return errPoolClosed
	}
	return nil
}

// Release decrementa a contagem de referências; ao chegar a zero arma o
// fechamento ocioso, a menos que outra aquisição pela mesma chave ocorra
// antes da janela expirar.
func (m *Manager) Release(conn catalog.Connection) {
	key := conn.PoolKey()

	m.mu.Lock()
	defer m.mu.Unlock()

	pool, ok := m.pools[key]
	if !ok {
		return
	}
	if pool.refcount > 0 {
		pool.refcount--
	}
	pool.lastUsed = time.Now()

	if pool.refcount == 0 && pool.idleTimer == nil {
		pool.idleGen++
		gen := pool.idleGen
		pool.idleTimer = time.AfterFunc(pool.limits.IdleClose, func() {
			m.closeIdle(pool, gen)
		})
	}
}

func (m *Manager) closeIdle(pool *Pool, gen uint64) {
	m.mu.Lock()
	current, ok := m.pools[pool.key]
	if !ok || current != pool || pool.refcount > 0 || pool.idleGen != gen {
		m.mu.Unlock()
		return
	}
	delete(m.pools, pool.key)
	pool.idleTimer = nil
	m.mu.Unlock()

	pool.close()
	m.metrics.idleClosed()
}

// UpdateConfig aplica novos limites a pools construídos daqui em diante.
// Campos zerados mantêm o valor atual.
func (m *Manager) UpdateConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cfg.PoolMax > 0 {
		m.cfg.PoolMax = cfg.PoolMax
	}
	if cfg.IdleClose > 0 {
		m.cfg.IdleClose = cfg.IdleClose
	}
	if cfg.ConnectTimeout > 0 {
		m.cfg.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.RequestTimeout > 0 {
		m.cfg.RequestTimeout = cfg.RequestTimeout
	}
}

// Snapshot agrega os totais correntes do gerenciador.
type Snapshot struct {
	Pools        int            `json:"pools"`
	ActivePools  int            `json:"activePools"`
	OpenSessions int            `json:"openSessions"`
	PoolsByHost  map[string]int `json:"poolsByHost"`
}

// Metrics retorna os totais correntes.
func (m *Manager) Metrics() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	snap := Snapshot{
		Pools:       len(m.pools),
		PoolsByHost: make(map[string]int, len(m.pools)),
	}
	for _, pool := range m.pools {
		if pool.refcount > 0 {
			snap.ActivePools++
		}
		snap.OpenSessions += pool.openSessions()
		snap.PoolsByHost[pool.host]++
	}
	return snap
}

// DestroyAll cancela todos os fechamentos ociosos pendentes, fecha todos os
// pools e limpa o mapa. Usado no shutdown; aquisições posteriores falham com
// ErrManagerClosed.
func (m *Manager) DestroyAll() {
	m.mu.Lock()
	m.closed = true
	pools := make([]*Pool, 0, len(m.pools))
	for _, pool := range m.pools {
		if pool.idleTimer != nil {
			pool.idleTimer.Stop()
			pool.idleTimer = nil
		}
		pool.idleGen++
		pools = append(pools, pool)
	}
	m.pools = make(map[string]*Pool)
	m.mu.Unlock()

	for _, pool := range pools {
		pool.close()
	}
}
