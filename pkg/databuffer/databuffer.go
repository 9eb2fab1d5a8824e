// Package databuffer acumula rowsets pequenos dos destinos elegíveis para
// streaming e os entrega em lotes, um write-behind com entrega
// at-least-once. Cada sub-buffer (job, tipo de destino) tem backup em disco
// reescrito a cada mutação; uma queda no meio de um flush nunca perde itens.
package databuffer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/JailtonJunior94/datadispatch/pkg/catalog"
	"github.com/JailtonJunior94/datadispatch/pkg/destination"
	"github.com/JailtonJunior94/datadispatch/pkg/observability"
)

const (
	// DefaultFlushInterval é o período do flusher de cada job.
	DefaultFlushInterval = 10 * time.Second

	// DefaultSizeThreshold dispara um flush imediato quando o total de linhas
	// de um sub-buffer o alcança.
	DefaultSizeThreshold = 150

	// DefaultMaxAttempts limita as tentativas de um flush (1 inicial + retries).
	DefaultMaxAttempts = 3

	// DefaultInitialDelay é a espera antes do primeiro retry; dobra a cada
	// tentativa.
	DefaultInitialDelay = time.Second

	// DefaultDispatchTimeout limita cada tentativa de entrega.
	DefaultDispatchTimeout = 2 * time.Minute
)

// CatalogSource resolve a versão viva de um job e as settings do operador.
type CatalogSource interface {
	Job(id string) (catalog.Job, error)
	Settings() catalog.Settings
}

// TriggerFunc aplica a política de trigger do job ao rowset de uma conexão.
// Retornar false pula o enfileiramento sem erro.
type TriggerFunc func(job catalog.Job, conn catalog.Connection, rows []destination.Row) (bool, error)

// Config são os knobs do buffer. Zero vale o default.
type Config struct {
	FlushInterval   time.Duration
	SizeThreshold   int
	MaxAttempts     int
	InitialDelay    time.Duration
	DispatchTimeout time.Duration
	BackupDir       string
}

func (c Config) withDefaults() Config {
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.SizeThreshold <= 0 {
		c.SizeThreshold = DefaultSizeThreshold
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = DefaultInitialDelay
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = DefaultDispatchTimeout
	}
	if c.BackupDir == "" {
		c.BackupDir = "buffer-backup"
	}
	return c
}

// backupFile é a forma em disco de um sub-buffer.
type backupFile struct {
	Timestamp       time.Time               `json:"timestamp"`
	DestinationType catalog.DestinationType `json:"destinationType"`
	Destination     catalog.Destination     `json:"destination"`
	Buffer          []destination.Item      `json:"buffer"`
}

type subBuffer struct {
	jobID    string
	destType catalog.DestinationType
	dest     catalog.Destination

	mu    sync.Mutex
	items []destination.Item
	rows  int

	// inflight é o snapshot de um flush em andamento. Até a entrega ser
	// confirmada os itens continuam cobertos pelo backup em disco.
	inflight []destination.Item

	// gate serializa flushes da mesma chave: try-acquire coalesce gatilhos
	// sobrepostos, acquire bloqueante garante o flush final do stop.
	gate chan struct{}
}

func newSubBuffer(jobID string, dest catalog.Destination) *subBuffer {
	return &subBuffer{
		jobID:    jobID,
		destType: dest.Type,
		dest:     dest,
		gate:     make(chan struct{}, 1),
	}
}

// take move os itens atuais para o snapshot em voo e os devolve; chegadas
// durante o flush ficam para o próximo ciclo.
func (sb *subBuffer) take() []destination.Item {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	items := sb.items
	sb.items = nil
	sb.rows = 0
	sb.inflight = items
	return items
}

// confirm descarta o snapshot em voo após a entrega.
func (sb *subBuffer) confirm() {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.inflight = nil
}

// restore devolve o snapshot de um flush falho à frente do buffer vivo.
func (sb *subBuffer) restore() {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	items := sb.inflight
	sb.inflight = nil
	sb.items = append(append([]destination.Item(nil), items...), sb.items...)
	for _, item := range items {
		sb.rows += len(item.Rows())
	}
}

// persisted é o que o backup precisa cobrir: o snapshot em voo, ainda não
// confirmado, seguido dos itens vivos.
func (sb *subBuffer) persisted() []destination.Item {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	out := make([]destination.Item, 0, len(sb.inflight)+len(sb.items))
	out = append(out, sb.inflight...)
	out = append(out, sb.items...)
	return out
}

func (sb *subBuffer) append(item destination.Item) int {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.items = append(sb.items, item)
	sb.rows += len(item.Rows())
	return sb.rows
}

func (sb *subBuffer) snapshot() ([]destination.Item, int) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return append([]destination.Item(nil), sb.items...), sb.rows
}

type jobBuffers struct {
	jobID  string
	meta   destination.Meta
	cancel context.CancelFunc
	ctx    context.Context
	done   chan struct{}

	mu   sync.Mutex
	subs map[catalog.DestinationType]*subBuffer
}

func (jb *jobBuffers) sub(destType catalog.DestinationType) (*subBuffer, bool) {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	sb, ok := jb.subs[destType]
	return sb, ok
}

func (jb *jobBuffers) all() []*subBuffer {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	out := make([]*subBuffer, 0, len(jb.subs))
	for _, sb := range jb.subs {
		out = append(out, sb)
	}
	return out
}

// Buffer coalesce rowsets por (job, tipo de destino elegível) e os entrega
// via adapters com retry exponencial.
type Buffer struct {
	registry *destination.Registry
	source   CatalogSource
	obs      observability.Observability
	trigger  TriggerFunc
	eligible map[catalog.DestinationType]struct{}
	cfg      Config
	metrics  *bufferMetrics
	reg      prometheus.Registerer
	now      func() time.Time

	mu     sync.Mutex
	active map[string]*jobBuffers
}

// Option configura o buffer.
type Option func(*Buffer)

// WithConfig substitui os knobs default.
func WithConfig(cfg Config) Option {
	return func(b *Buffer) { b.cfg = cfg }
}

// WithEligible substitui o conjunto de destinos elegíveis para streaming.
func WithEligible(types ...catalog.DestinationType) Option {
	return func(b *Buffer) {
		b.eligible = make(map[catalog.DestinationType]struct{}, len(types))
		for _, t := range types {
			b.eligible[t] = struct{}{}
		}
	}
}

// WithTrigger injeta a avaliação da política de trigger do job.
func WithTrigger(fn TriggerFunc) Option {
	return func(b *Buffer) {
		if fn != nil {
			b.trigger = fn
		}
	}
}

// WithClock substitui o relógio nos testes.
func WithClock(now func() time.Time) Option {
	return func(b *Buffer) {
		if now != nil {
			b.now = now
		}
	}
}

// WithRegisterer aponta as métricas para outro registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(b *Buffer) {
		if reg != nil {
			b.reg = reg
		}
	}
}

// New cria o buffer. O conjunto elegível default contém apenas googleSheets;
// os demais destinos recebem o acumulador completo direto do executor.
func New(obs observability.Observability, registry *destination.Registry, source CatalogSource, opts ...Option) *Buffer {
	b := &Buffer{
		registry: registry,
		source:   source,
		obs:      obs,
		trigger:  func(catalog.Job, catalog.Connection, []destination.Row) (bool, error) { return true, nil },
		eligible: map[catalog.DestinationType]struct{}{catalog.DestinationGoogleSheets: {}},
		reg:      prometheus.DefaultRegisterer,
		now:      time.Now,
		active:   make(map[string]*jobBuffers),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.cfg = b.cfg.withDefaults()
	b.metrics = newBufferMetrics(b.reg, b)
	return b
}

// EligibleDestinations devolve os destinos do job cobertos pelo streaming.
func (b *Buffer) EligibleDestinations(job catalog.Job) []catalog.Destination {
	var out []catalog.Destination
	for _, dest := range job.Destinations {
		if _, ok := b.eligible[dest.Type]; ok {
			out = append(out, dest)
		}
	}
	return out
}

// StartBuffering inicializa um sub-buffer por destino elegível do job e
// liga o flusher periódico. Chamadas repetidas para o mesmo job são no-op.
func (b *Buffer) StartBuffering(jobID string, job catalog.Job) {
	eligible := b.EligibleDestinations(job)
	if len(eligible) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.active[jobID]; ok {
		return
	}

	jb := b.newJobBuffers(jobID, job)
	for _, dest := range eligible {
		if _, ok := jb.subs[dest.Type]; ok {
			// Chave é (job, tipo): um segundo destino do mesmo tipo não ganha
			// sub-buffer próprio.
			continue
		}
		jb.subs[dest.Type] = newSubBuffer(jobID, dest)
	}
	b.active[jobID] = jb
	go b.runFlusher(jb)
}

func (b *Buffer) newJobBuffers(jobID string, job catalog.Job) *jobBuffers {
	ctx, cancel := context.WithCancel(context.Background())
	return &jobBuffers{
		jobID:  jobID,
		meta:   destination.NewMeta(job, b.source.Settings(), b.now()),
		cancel: cancel,
		ctx:    ctx,
		done:   make(chan struct{}),
		subs:   make(map[catalog.DestinationType]*subBuffer),
	}
}

func (b *Buffer) runFlusher(jb *jobBuffers) {
	defer close(jb.done)
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-jb.ctx.Done():
			return
		case <-ticker.C:
			for _, sb := range jb.all() {
				b.tryFlush(jb, sb)
			}
		}
	}
}

// AddToBuffer aplica a política de trigger, confere se a conexão ainda faz
// parte do job e enfileira o rowset em cada sub-buffer elegível. Alcançar o
// limite de linhas dispara um flush imediato só daquele sub-buffer.
func (b *Buffer) AddToBuffer(ctx context.Context, jobID string, job catalog.Job, conn catalog.Connection, rows []destination.Row) error {
	b.mu.Lock()
	jb, ok := b.active[jobID]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("buffering not started for job %s", jobID)
	}

	proceed, err := b.trigger(job, conn, rows)
	if err != nil {
		// Falha ao avaliar o trigger não pode descartar dados.
		b.obs.Logger().Warn(ctx, "trigger evaluation failed, dispatching anyway",
			observability.String("job_id", jobID),
			observability.String("connection_id", conn.ID),
			observability.Error(err),
		)
		proceed = true
	}
	if !proceed {
		b.obs.Logger().Debug(ctx, "rowset unchanged, skipping buffer",
			observability.String("job_id", jobID),
			observability.String("connection_id", conn.ID),
		)
		return nil
	}

	if !b.connectionStillListed(jobID, job, conn.ID) {
		b.obs.Logger().Warn(ctx, "connection no longer part of job, dropping rowset",
			observability.String("job_id", jobID),
			observability.String("connection_id", conn.ID),
		)
		return nil
	}

	item := destination.Item{Connection: destination.InfoFor(conn), Data: rows}
	for _, sb := range jb.all() {
		total := sb.append(item)
		b.writeBackup(sb)
		if total >= b.cfg.SizeThreshold {
			go b.tryFlush(jb, sb)
		}
	}
	return nil
}

func (b *Buffer) connectionStillListed(jobID string, fallback catalog.Job, connID string) bool {
	job, err := b.source.Job(jobID)
	if err != nil {
		job = fallback
	}
	for _, id := range job.DedupedConnectionIDs() {
		if id == connID {
			return true
		}
	}
	return false
}

// StopBuffering cancela o flusher do job e faz um último flush de cada
// sub-buffer. Itens que ainda falharem permanecem no backup em disco.
func (b *Buffer) StopBuffering(ctx context.Context, jobID string) error {
	b.mu.Lock()
	jb, ok := b.active[jobID]
	delete(b.active, jobID)
	b.mu.Unlock()
	if !ok {
		return nil
	}

	jb.cancel()
	<-jb.done

	var errs []error
	for _, sb := range jb.all() {
		sb.gate <- struct{}{}
		err := b.flushLocked(ctx, jb, sb)
		<-sb.gate
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sb.destType, err))
		}
	}
	return errors.Join(errs...)
}

// RecoverBuffers recarrega os backups em disco do job e volta a bufferizar.
// Usado na retomada após queda; os itens entram à frente de novas chegadas
// via o flusher periódico.
func (b *Buffer) RecoverBuffers(jobID string, job catalog.Job) (int, error) {
	entries, err := os.ReadDir(b.cfg.BackupDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read backup directory: %w", err)
	}

	prefix := sanitizeFileName(jobID) + "_"
	recovered := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(b.cfg.BackupDir, entry.Name()))
		if err != nil {
			b.obs.Logger().Warn(context.Background(), "unreadable buffer backup, skipping",
				observability.String("file", entry.Name()),
				observability.Error(err),
			)
			continue
		}
		var backup backupFile
		if err := json.Unmarshal(raw, &backup); err != nil {
			b.obs.Logger().Warn(context.Background(), "malformed buffer backup, skipping",
				observability.String("file", entry.Name()),
				observability.Error(err),
			)
			continue
		}
		if len(backup.Buffer) == 0 {
			continue
		}

		b.ensureStarted(jobID, job)
		b.mu.Lock()
		jb := b.active[jobID]
		b.mu.Unlock()

		jb.mu.Lock()
		sb, ok := jb.subs[backup.DestinationType]
		if !ok {
			sb = newSubBuffer(jobID, backup.Destination)
			jb.subs[backup.DestinationType] = sb
		}
		jb.mu.Unlock()

		for _, item := range backup.Buffer {
			sb.append(item)
		}
		recovered += len(backup.Buffer)
		b.metrics.recoveries.Inc()
	}
	return recovered, nil
}

// ensureStarted cria o estado do job mesmo quando os destinos elegíveis
// atuais não cobrem o backup recuperado.
func (b *Buffer) ensureStarted(jobID string, job catalog.Job) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.active[jobID]; ok {
		return
	}
	jb := b.newJobBuffers(jobID, job)
	for _, dest := range b.EligibleDestinations(job) {
		if _, ok := jb.subs[dest.Type]; !ok {
			jb.subs[dest.Type] = newSubBuffer(jobID, dest)
		}
	}
	b.active[jobID] = jb
	go b.runFlusher(jb)
}

// Close encerra todos os jobs ativos, flushando o que der dentro do ctx.
func (b *Buffer) Close(ctx context.Context) error {
	b.mu.Lock()
	ids := make([]string, 0, len(b.active))
	for id := range b.active {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := b.StopBuffering(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// tryFlush coalesce: se já houver flush em andamento para a chave, retorna.
func (b *Buffer) tryFlush(jb *jobBuffers, sb *subBuffer) {
	select {
	case sb.gate <- struct{}{}:
	default:
		return
	}
	defer func() { <-sb.gate }()
	if err := b.flushLocked(jb.ctx, jb, sb); err != nil {
		b.obs.Logger().Warn(context.Background(), "buffer flush failed, items kept for next cycle",
			observability.String("job_id", sb.jobID),
			observability.String("destination_type", string(sb.destType)),
			observability.Error(err),
		)
	}
}

// flushLocked executa o algoritmo de flush; o chamador segura o gate. O ctx
// governa as esperas entre tentativas, nunca a tentativa em si, que corre
// sob o próprio timeout e tem direito de terminar mesmo durante um stop.
func (b *Buffer) flushLocked(ctx context.Context, jb *jobBuffers, sb *subBuffer) error {
	snapshot := sb.take()
	if len(snapshot) == 0 {
		return nil
	}

	adapter, ok := b.registry.Lookup(sb.destType)
	if !ok {
		sb.restore()
		b.writeBackup(sb)
		return fmt.Errorf("no adapter registered for %s", sb.destType)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(b.cfg.InitialDelay),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxElapsedTime(0),
	), uint64(b.cfg.MaxAttempts-1)), ctx)

	err := backoff.Retry(func() error {
		return b.dispatch(adapter, jb.meta, sb, snapshot)
	}, policy)
	if err != nil {
		sb.restore()
		b.writeBackup(sb)
		b.metrics.flushes.WithLabelValues("failure").Inc()
		return err
	}

	sb.confirm()
	b.writeBackup(sb)
	b.metrics.flushes.WithLabelValues("success").Inc()
	b.metrics.flushedRows.Add(float64(destination.TotalRows(snapshot)))
	return nil
}

func (b *Buffer) dispatch(adapter destination.Adapter, meta destination.Meta, sb *subBuffer, snapshot []destination.Item) error {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.DispatchTimeout)
	defer cancel()

	meta.RowCount = destination.TotalRows(snapshot)
	if multi, ok := adapter.(destination.MultiSender); ok {
		result, err := multi.SendMulti(ctx, snapshot, sb.dest, meta)
		if err != nil {
			return err
		}
		if !result.Success {
			return fmt.Errorf("%w: %s", catalog.ErrAdapterFailed, result.Message)
		}
		return nil
	}

	for _, item := range snapshot {
		rows := item.Rows()
		result, err := adapter.Send(ctx, rows, sb.dest, meta.ForConnection(item.Connection, len(rows)))
		if err != nil {
			return err
		}
		if !result.Success {
			return fmt.Errorf("%w: %s", catalog.ErrAdapterFailed, result.Message)
		}
	}
	return nil
}

// writeBackup reescreve (ou apaga, quando vazio) o arquivo de backup da
// chave, cobrindo itens vivos e o snapshot em voo ainda não confirmado.
// Escrita atômica via tmp + rename.
func (b *Buffer) writeBackup(sb *subBuffer) {
	items := sb.persisted()
	path := b.backupPath(sb.jobID, sb.destType)

	if len(items) == 0 {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			b.obs.Logger().Warn(context.Background(), "failed to remove buffer backup",
				observability.String("file", path),
				observability.Error(err),
			)
		}
		return
	}

	backup := backupFile{
		Timestamp:       b.now(),
		DestinationType: sb.destType,
		Destination:     sb.dest,
		Buffer:          items,
	}
	raw, err := json.MarshalIndent(backup, "", "  ")
	if err != nil {
		b.obs.Logger().Error(context.Background(), "failed to encode buffer backup",
			observability.String("file", path),
			observability.Error(err),
		)
		return
	}
	if err := os.MkdirAll(b.cfg.BackupDir, 0o755); err != nil {
		b.obs.Logger().Error(context.Background(), "failed to create backup directory",
			observability.Error(err),
		)
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err == nil {
		err = os.Rename(tmp, path)
		if err != nil {
			b.obs.Logger().Error(context.Background(), "failed to persist buffer backup",
				observability.String("file", path),
				observability.Error(err),
			)
		}
	} else {
		b.obs.Logger().Error(context.Background(), "failed to write buffer backup",
			observability.String("file", path),
			observability.Error(err),
		)
	}
}

func (b *Buffer) backupPath(jobID string, destType catalog.DestinationType) string {
	name := fmt.Sprintf("%s_%s.json", sanitizeFileName(jobID), sanitizeFileName(string(destType)))
	return filepath.Join(b.cfg.BackupDir, name)
}

// bufferedRows soma as linhas vivas de todos os sub-buffers, para a gauge.
func (b *Buffer) bufferedRows() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for _, jb := range b.active {
		for _, sb := range jb.all() {
			_, rows := sb.snapshot()
			total += rows
		}
	}
	return float64(total)
}

func sanitizeFileName(name string) string {
	var sb strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			sb.WriteRune(r)
		default:
			sb.WriteRune('~')
		}
	}
	return sb.String()
}
