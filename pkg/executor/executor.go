// Package executor executa um job de ponta a ponta: adquire pools por
// conexão, roda as queries com timeout, alimenta o progresso e o buffer de
// streaming e despacha o acumulado para os destinos restantes. O cancelamento
// é cooperativo, conferido nos pontos documentados do algoritmo.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JailtonJunior94/datadispatch/pkg/catalog"
	"github.com/JailtonJunior94/datadispatch/pkg/destination"
	"github.com/JailtonJunior94/datadispatch/pkg/linq"
	"github.com/JailtonJunior94/datadispatch/pkg/observability"
	"github.com/JailtonJunior94/datadispatch/pkg/progress"
	"github.com/JailtonJunior94/datadispatch/pkg/sqlpool"
)

// ErrNoData marca a execução em que nenhuma conexão produziu dados.
var ErrNoData = errors.New("no data retrieved")

// Session é a superfície mínima de um pool adquirido.
type Session interface {
	QueryRows(ctx context.Context, query string) ([]map[string]any, error)
}

// PoolManager abstrai o gerenciador de pools para o executor.
type PoolManager interface {
	Acquire(ctx context.Context, conn catalog.Connection) (Session, error)
	Release(conn catalog.Connection)
}

type poolAdapter struct {
	manager *sqlpool.Manager
}

func (a poolAdapter) Acquire(ctx context.Context, conn catalog.Connection) (Session, error) {
	pool, err := a.manager.Acquire(ctx, conn)
	if err != nil {
		return nil, err
	}
	return pool, nil
}

func (a poolAdapter) Release(conn catalog.Connection) {
	a.manager.Release(conn)
}

// NewPoolManager embrulha o gerenciador real no contrato do executor.
func NewPoolManager(m *sqlpool.Manager) PoolManager {
	return poolAdapter{manager: m}
}

// CatalogStore é o recorte do catálogo que o executor consome.
type CatalogStore interface {
	Settings() catalog.Settings
	Job(id string) (catalog.Job, error)
	ConnectionsByIDs(ids []string) []catalog.Connection
	UpdateJobHash(jobID, hash string) error
	StampJobLastRun(jobID string, t time.Time) error
	StampConnectionTest(connID string, status catalog.TestStatus, endpoint catalog.EndpointType, t time.Time) error
}

// RowBuffer é o recorte do databuffer que o executor aciona.
type RowBuffer interface {
	EligibleDestinations(job catalog.Job) []catalog.Destination
	StartBuffering(jobID string, job catalog.Job)
	AddToBuffer(ctx context.Context, jobID string, job catalog.Job, conn catalog.Connection, rows []destination.Row) error
	StopBuffering(ctx context.Context, jobID string) error
	RecoverBuffers(jobID string, job catalog.Job) (int, error)
}

// RunSummary é o resultado anexado ao progresso quando a execução completa.
type RunSummary struct {
	RowCount    int `json:"rowCount"`
	Connections int `json:"connections"`
	Completed   int `json:"completed"`
	Failed      int `json:"failed"`
}

// Executor é o componente de execução. Crie com New.
type Executor struct {
	obs      observability.Observability
	store    CatalogStore
	pools    PoolManager
	tracker  *progress.Tracker
	buffer   RowBuffer
	registry *destination.Registry
	trigger  *ChangeTracker
	metrics  *executorMetrics
	reg      prometheus.Registerer
	now      func() time.Time
}

// Option configura o executor.
type Option func(*Executor)

// WithChangeTracker compartilha um avaliador de trigger já construído,
// tipicamente o mesmo injetado no databuffer.
func WithChangeTracker(ct *ChangeTracker) Option {
	return func(e *Executor) {
		if ct != nil {
			e.trigger = ct
		}
	}
}

// WithClock substitui o relógio nos testes.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// WithRegisterer aponta as métricas para outro registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(e *Executor) {
		if reg != nil {
			e.reg = reg
		}
	}
}

// New cria o executor sobre o catálogo, os pools, o progresso, o buffer e o
// registry de adapters.
func New(
	obs observability.Observability,
	store CatalogStore,
	pools PoolManager,
	tracker *progress.Tracker,
	buffer RowBuffer,
	registry *destination.Registry,
	opts ...Option,
) *Executor {
	e := &Executor{
		obs:      obs,
		store:    store,
		pools:    pools,
		tracker:  tracker,
		buffer:   buffer,
		registry: registry,
		reg:      prometheus.DefaultRegisterer,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.trigger == nil {
		e.trigger = NewChangeTracker(store, obs)
	}
	e.metrics = newExecutorMetrics(e.reg)
	return e
}

// Trigger devolve o avaliador de trigger do executor, para injeção no
// databuffer.
func (e *Executor) Trigger() *ChangeTracker {
	return e.trigger
}

// RunJob é a entrada multi-conexão: executa o job sobre as conexões dadas.
// Job desabilitado é no-op; as conexões são deduplicadas por id.
func (e *Executor) RunJob(ctx context.Context, job catalog.Job, conns []catalog.Connection) error {
	return e.run(ctx, job, conns, false)
}

// ResumeJob retoma uma execução interrompida: recarrega os backups do buffer
// e pula as conexões que o checkpoint registra como terminadas.
func (e *Executor) ResumeJob(ctx context.Context, job catalog.Job, conns []catalog.Connection) error {
	recovered, err := e.buffer.RecoverBuffers(job.ID, job)
	if err != nil {
		e.obs.Logger().Warn(ctx, "buffer recovery failed",
			observability.String("job_id", job.ID),
			observability.Error(err),
		)
	} else if recovered > 0 {
		e.obs.Logger().Info(ctx, "buffered items recovered from disk",
			observability.String("job_id", job.ID),
			observability.Int("items", recovered),
		)
	}
	return e.run(ctx, job, conns, true)
}

// RunJobForConnections executa o job restrito a um subconjunto das próprias
// conexões, o caminho do "retry failed".
func (e *Executor) RunJobForConnections(ctx context.Context, jobID string, connectionIDs []string) error {
	job, err := e.store.Job(jobID)
	if err != nil {
		return err
	}

	allowed := make(map[string]struct{})
	for _, id := range job.DedupedConnectionIDs() {
		allowed[id] = struct{}{}
	}
	subset := make([]string, 0, len(connectionIDs))
	for _, id := range connectionIDs {
		if _, ok := allowed[id]; ok {
			subset = append(subset, id)
			continue
		}
		e.obs.Logger().Warn(ctx, "connection not part of job, ignored",
			observability.String("job_id", jobID),
			observability.String("connection_id", id),
		)
	}

	conns := e.store.ConnectionsByIDs(subset)
	if len(conns) == 0 {
		return fmt.Errorf("%w: none of the requested connections belong to job %q", catalog.ErrConfigInvalid, jobID)
	}
	return e.run(ctx, job, conns, false)
}

// TestConnection tenta o endpoint primário e, na falha, o fallback. O
// resultado é gravado de volta na conexão quando ela existe no catálogo.
func (e *Executor) TestConnection(ctx context.Context, conn catalog.Connection) (catalog.EndpointType, error) {
	_, used, endpoint, err := e.acquire(ctx, conn)
	if err != nil {
		if conn.ID != "" {
			if stampErr := e.store.StampConnectionTest(conn.ID, catalog.TestStatusFailed, "", e.now()); stampErr != nil {
				e.obs.Logger().Debug(ctx, "could not stamp failed test",
					observability.String("connection_id", conn.ID),
					observability.Error(stampErr),
				)
			}
		}
		return "", err
	}

	e.pools.Release(used)
	e.stampEndpoint(ctx, conn, endpoint)
	return endpoint, nil
}

// TestJob executa as queries do job contra uma única conexão e devolve o
// total de linhas, sem enviar nada aos destinos.
func (e *Executor) TestJob(ctx context.Context, job catalog.Job, conn catalog.Connection) (int, error) {
	session, used, _, err := e.acquire(ctx, conn)
	if err != nil {
		return 0, err
	}
	defer e.pools.Release(used)

	timeout := e.store.Settings().RequestTimeout()
	if !job.MultiQuery() {
		rows, err := e.queryRows(ctx, session, job.Query, timeout)
		if err != nil {
			return 0, err
		}
		return len(rows), nil
	}

	total := 0
	for _, q := range job.Queries {
		rows, err := e.queryRows(ctx, session, q.Query, timeout)
		if err != nil {
			return 0, fmt.Errorf("query %q: %w", q.Name, err)
		}
		total += len(rows)
	}
	return total, nil
}

func (e *Executor) run(ctx context.Context, job catalog.Job, conns []catalog.Connection, resume bool) error {
	if !job.Enabled {
		e.obs.Logger().Info(ctx, "job disabled, run skipped",
			observability.String("job_id", job.ID),
			observability.String("job_name", job.Name),
		)
		return nil
	}

	seen := make(map[string]struct{}, len(conns))
	conns = linq.Filter(conns, func(c catalog.Connection) bool {
		if _, ok := seen[c.ID]; ok {
			return false
		}
		seen[c.ID] = struct{}{}
		return true
	})
	if len(conns) == 0 {
		return fmt.Errorf("%w: job %q has no connections to run", catalog.ErrConfigInvalid, job.Name)
	}

	snap, err := e.tracker.StartJob(ctx, job.ID, job.Name, len(conns), resume)
	if err != nil {
		return err
	}

	settings := e.store.Settings()
	meta := destination.NewMeta(job, settings, e.now())
	queryTimeout := settings.RequestTimeout()

	buffering := len(e.buffer.EligibleDestinations(job)) > 0
	if buffering {
		e.buffer.StartBuffering(job.ID, job)
	}

	var accumulator []destination.Item
	for _, conn := range conns {
		if resume {
			if prior, ok := snap.Connections[conn.ID]; ok && prior.Status.Terminal() {
				continue
			}
		}

		if e.tracker.IsCancellationRequested(job.ID) {
			return e.finishCancelled(ctx, job, buffering)
		}

		item, keep, err := e.runConnection(ctx, job, conn, buffering, queryTimeout)
		if err != nil {
			return e.finishCancelled(ctx, job, buffering)
		}
		if keep {
			accumulator = append(accumulator, item)
		}
	}

	// Entradas sintéticas de conexões falhas não contam como dado: uma
	// execução em que nenhuma conexão produziu linhas falha como um todo.
	yielded := false
	for _, item := range accumulator {
		if item.ConnectionFailedMessage == "" {
			yielded = true
			break
		}
	}
	if !yielded {
		if buffering {
			_ = e.buffer.StopBuffering(ctx, job.ID)
		}
		_ = e.tracker.FailJob(ctx, job.ID, ErrNoData)
		e.metrics.runs.WithLabelValues("failed").Inc()
		return ErrNoData
	}

	if err := e.store.StampJobLastRun(job.ID, e.now()); err != nil {
		e.obs.Logger().Warn(ctx, "failed to stamp lastRun",
			observability.String("job_id", job.ID),
			observability.Error(err),
		)
	}

	if e.tracker.IsCancellationRequested(job.ID) {
		return e.finishCancelled(ctx, job, buffering)
	}

	_ = e.tracker.UpdateJobStep(ctx, job.ID, "dispatching")

	streamed := make(map[catalog.DestinationType]struct{})
	if buffering {
		for _, dest := range e.buffer.EligibleDestinations(job) {
			streamed[dest.Type] = struct{}{}
		}
	}

	var dispatchErrs []error
	for _, dest := range job.Destinations {
		if _, ok := streamed[dest.Type]; ok {
			continue
		}
		if err := e.dispatchAccumulator(ctx, job, dest, meta, accumulator); err != nil {
			dispatchErrs = append(dispatchErrs, fmt.Errorf("%s: %w", dest.Type, err))
		}
	}

	if buffering {
		if err := e.buffer.StopBuffering(ctx, job.ID); err != nil {
			// Itens não entregues permanecem no backup em disco.
			e.obs.Logger().Warn(ctx, "final buffer flush failed, items kept on disk",
				observability.String("job_id", job.ID),
				observability.Error(err),
			)
		}
	}

	if err := errors.Join(dispatchErrs...); err != nil {
		_ = e.tracker.FailJob(ctx, job.ID, err)
		e.metrics.runs.WithLabelValues("failed").Inc()
		return err
	}

	rowCount := destination.TotalRows(accumulator)
	summary := RunSummary{RowCount: rowCount, Connections: len(conns)}
	if final, ok := e.tracker.Snapshot(job.ID); ok {
		summary.Completed = final.CompletedConnections
		summary.Failed = final.FailedConnections
	}
	_ = e.tracker.CompleteJob(ctx, job.ID, summary)
	e.metrics.runs.WithLabelValues("completed").Inc()
	return nil
}

// runConnection cobre os passos por conexão do algoritmo: progresso, pool,
// queries, buffer e estado terminal. Falhas viram a entrada sintética do
// acumulado; o único erro propagado é o cancelamento.
func (e *Executor) runConnection(ctx context.Context, job catalog.Job, conn catalog.Connection, buffering bool, timeout time.Duration) (destination.Item, bool, error) {
	_ = e.tracker.StartConnection(ctx, job.ID, conn.ID, conn.Name)
	_ = e.tracker.UpdateConnectionProgress(ctx, job.ID, conn.ID, progress.WithStep("connecting"))

	session, used, endpoint, err := e.acquire(ctx, conn)
	if err != nil {
		return e.failConnection(ctx, job, conn, err)
	}
	defer e.pools.Release(used)

	e.stampEndpoint(ctx, conn, endpoint)

	if e.tracker.IsCancellationRequested(job.ID) {
		return destination.Item{}, false, catalog.ErrCancelled
	}

	_ = e.tracker.UpdateConnectionProgress(ctx, job.ID, conn.ID, progress.WithStep("querying"))

	item, rowCount, err := e.collectRowsets(ctx, job, conn, session, timeout)
	if err != nil {
		if errors.Is(err, catalog.ErrCancelled) {
			return destination.Item{}, false, err
		}
		return e.failConnection(ctx, job, conn, err)
	}

	_ = e.tracker.UpdateConnectionProgress(ctx, job.ID, conn.ID,
		progress.WithRows(rowCount), progress.WithTotalRows(rowCount))

	if buffering && rowCount > 0 {
		if err := e.buffer.AddToBuffer(ctx, job.ID, job, conn, item.Rows()); err != nil {
			e.obs.Logger().Warn(ctx, "failed to buffer rowset",
				observability.String("job_id", job.ID),
				observability.String("connection_id", conn.ID),
				observability.Error(err),
			)
		}
	}

	_ = e.tracker.CompleteConnection(ctx, job.ID, conn.ID, rowCount)
	e.metrics.connections.WithLabelValues("completed").Inc()
	e.metrics.rows.Add(float64(rowCount))

	if rowCount == 0 {
		return destination.Item{}, false, nil
	}
	return item, true, nil
}

// failConnection registra a falha no progresso e materializa a entrada
// sintética que permite aos adapters renderizar "esta conexão falhou".
func (e *Executor) failConnection(ctx context.Context, job catalog.Job, conn catalog.Connection, connErr error) (destination.Item, bool, error) {
	_ = e.tracker.FailConnection(ctx, job.ID, conn.ID, connErr)
	e.metrics.connections.WithLabelValues("failed").Inc()

	item := destination.Item{
		Connection:              destination.InfoFor(conn),
		Data:                    []destination.Row{{"message": connErr.Error()}},
		ConnectionFailedMessage: connErr.Error(),
	}
	return item, true, nil
}

// collectRowsets roda a query única ou, no modo multi-query, cada query
// nomeada na ordem configurada, conferindo o cancelamento antes de cada uma.
func (e *Executor) collectRowsets(ctx context.Context, job catalog.Job, conn catalog.Connection, session Session, timeout time.Duration) (destination.Item, int, error) {
	info := destination.InfoFor(conn)

	if !job.MultiQuery() {
		rows, err := e.queryRows(ctx, session, job.Query, timeout)
		if err != nil {
			return destination.Item{}, 0, err
		}
		return destination.Item{Connection: info, Data: rows}, len(rows), nil
	}

	results := make(map[string][]destination.Row, len(job.Queries))
	total := 0
	for _, q := range job.Queries {
		if e.tracker.IsCancellationRequested(job.ID) {
			return destination.Item{}, 0, catalog.ErrCancelled
		}
		rows, err := e.queryRows(ctx, session, q.Query, timeout)
		if err != nil {
			return destination.Item{}, 0, fmt.Errorf("query %q: %w", q.Name, err)
		}
		results[q.Name] = rows
		total += len(rows)
	}
	return destination.Item{Connection: info, QueryResults: results}, total, nil
}

// queryRows aplica o timeout por query e classifica o erro: estouro do
// deadline próprio vira ErrQueryTimeout, cancelamento do pai vira
// ErrCancelled, o resto ErrQueryFailed.
func (e *Executor) queryRows(ctx context.Context, session Session, query string, timeout time.Duration) ([]destination.Row, error) {
	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	raw, err := session.QueryRows(qctx, query)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, fmt.Errorf("%w: %v", catalog.ErrCancelled, err)
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(qctx.Err(), context.DeadlineExceeded):
			return nil, fmt.Errorf("%w: query exceeded %s", catalog.ErrQueryTimeout, timeout)
		default:
			return nil, fmt.Errorf("%w: %v", catalog.ErrQueryFailed, err)
		}
	}

	rows := make([]destination.Row, len(raw))
	for i, r := range raw {
		rows[i] = destination.Row(r)
	}
	return rows, nil
}

// acquire tenta o endpoint primário e, em falha de conexão com fallback
// configurado, reconstrói a config com o host/porta de fallback e tenta uma
// única vez. Devolve a variante de conexão usada, para o Release simétrico.
func (e *Executor) acquire(ctx context.Context, conn catalog.Connection) (Session, catalog.Connection, catalog.EndpointType, error) {
	connectTimeout := e.store.Settings().ConnectionTimeout()

	var primaryErr error
	if conn.HasPrimary() {
		session, err := e.acquireEndpoint(ctx, conn, connectTimeout)
		if err == nil {
			return session, conn, catalog.EndpointPrimary, nil
		}
		primaryErr = err
	} else {
		primaryErr = fmt.Errorf("%w: connection %q has no primary endpoint", catalog.ErrConfigInvalid, conn.Name)
	}

	if !conn.HasFallback() {
		return nil, catalog.Connection{}, "", primaryErr
	}

	e.obs.Logger().Warn(ctx, "primary endpoint failed, trying fallback",
		observability.String("connection_id", conn.ID),
		observability.String("fallback_host", conn.FallbackHost),
		observability.Error(primaryErr),
	)

	fallback := conn.FallbackConnection()
	session, err := e.acquireEndpoint(ctx, fallback, connectTimeout)
	if err != nil {
		return nil, catalog.Connection{}, "", fmt.Errorf("primary: %v; fallback: %w", primaryErr, err)
	}
	return session, fallback, catalog.EndpointFallback, nil
}

func (e *Executor) acquireEndpoint(ctx context.Context, conn catalog.Connection, timeout time.Duration) (Session, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return e.pools.Acquire(actx, conn)
}

func (e *Executor) stampEndpoint(ctx context.Context, conn catalog.Connection, endpoint catalog.EndpointType) {
	if conn.ID == "" {
		return
	}
	if err := e.store.StampConnectionTest(conn.ID, catalog.TestStatusConnected, endpoint, e.now()); err != nil {
		e.obs.Logger().Debug(ctx, "could not stamp active endpoint",
			observability.String("connection_id", conn.ID),
			observability.Error(err),
		)
	}
}

// dispatchAccumulator entrega o acumulado a um destino: em uma chamada pelo
// envio multi-conexão quando o adapter o expõe, senão item a item aplicando
// a política de trigger por conexão.
func (e *Executor) dispatchAccumulator(ctx context.Context, job catalog.Job, dest catalog.Destination, meta destination.Meta, items []destination.Item) error {
	adapter, ok := e.registry.Lookup(dest.Type)
	if !ok {
		return fmt.Errorf("%w: no adapter registered for %s", catalog.ErrAdapterFailed, dest.Type)
	}

	meta.RowCount = destination.TotalRows(items)

	if multi, ok := adapter.(destination.MultiSender); ok {
		result, err := multi.SendMulti(ctx, items, dest, meta)
		if err != nil {
			return err
		}
		if !result.Success {
			return fmt.Errorf("%w: %s", catalog.ErrAdapterFailed, result.Message)
		}
		return nil
	}

	for _, item := range items {
		rows := item.Rows()
		if item.ConnectionFailedMessage == "" {
			proceed, err := e.trigger.Evaluate(job, catalog.Connection{ID: item.Connection.ID, Name: item.Connection.Name}, rows)
			if err != nil {
				// Falha ao avaliar o trigger não pode descartar dados.
				e.obs.Logger().Warn(ctx, "trigger evaluation failed, dispatching anyway",
					observability.String("job_id", job.ID),
					observability.String("connection_id", item.Connection.ID),
					observability.Error(err),
				)
				proceed = true
			}
			if !proceed {
				e.obs.Logger().Debug(ctx, "rowset unchanged, dispatch skipped",
					observability.String("job_id", job.ID),
					observability.String("connection_id", item.Connection.ID),
				)
				continue
			}
		}

		result, err := adapter.Send(ctx, rows, dest, meta.ForConnection(item.Connection, len(rows)))
		if err != nil {
			return err
		}
		if !result.Success {
			return fmt.Errorf("%w: %s", catalog.ErrAdapterFailed, result.Message)
		}
	}
	return nil
}

func (e *Executor) finishCancelled(ctx context.Context, job catalog.Job, buffering bool) error {
	if buffering {
		if err := e.buffer.StopBuffering(ctx, job.ID); err != nil {
			e.obs.Logger().Warn(ctx, "buffer flush during cancellation failed",
				observability.String("job_id", job.ID),
				observability.Error(err),
			)
		}
	}
	_ = e.tracker.CancelJobComplete(ctx, job.ID)
	e.metrics.runs.WithLabelValues("cancelled").Inc()
	e.obs.Logger().Info(ctx, "job run cancelled",
		observability.String("job_id", job.ID),
		observability.String("job_name", job.Name),
	)
	return catalog.ErrCancelled
}
