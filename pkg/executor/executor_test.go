package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JailtonJunior94/datadispatch/pkg/catalog"
	"github.com/JailtonJunior94/datadispatch/pkg/destination"
	"github.com/JailtonJunior94/datadispatch/pkg/events"
	"github.com/JailtonJunior94/datadispatch/pkg/observability/noop"
	"github.com/JailtonJunior94/datadispatch/pkg/progress"
)

type fakeSession struct {
	rows    []map[string]any
	err     error
	onQuery func()
}

func (s *fakeSession) QueryRows(ctx context.Context, query string) ([]map[string]any, error) {
	if s.onQuery != nil {
		s.onQuery()
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.rows, nil
}

// blockingSession waits out the query context, the shape of a driver call
// that never returns before its deadline.
type blockingSession struct{}

func (blockingSession) QueryRows(ctx context.Context, query string) ([]map[string]any, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type fakePools struct {
	mu       sync.Mutex
	sessions map[string]Session // by host
	failing  map[string]error   // by host
	acquired []string
	released []string
}

func (p *fakePools) Acquire(ctx context.Context, conn catalog.Connection) (Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err, ok := p.failing[conn.Host]; ok {
		return nil, err
	}
	session, ok := p.sessions[conn.Host]
	if !ok {
		return nil, fmt.Errorf("%w: unknown host %q", catalog.ErrConnectFailed, conn.Host)
	}
	p.acquired = append(p.acquired, conn.Host)
	return session, nil
}

func (p *fakePools) Release(conn catalog.Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = append(p.released, conn.Host)
}

func (p *fakePools) acquiredHosts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.acquired...)
}

func (p *fakePools) releasedHosts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.released...)
}

type connStamp struct {
	connID   string
	status   catalog.TestStatus
	endpoint catalog.EndpointType
}

type fakeCatalog struct {
	mu       sync.Mutex
	settings catalog.Settings
	jobs     map[string]catalog.Job
	conns    map[string]catalog.Connection
	stamps   []connStamp
	lastRuns []string
}

func (f *fakeCatalog) Settings() catalog.Settings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings
}

func (f *fakeCatalog) Job(id string) (catalog.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return catalog.Job{}, fmt.Errorf("%w: job %q", catalog.ErrNotFound, id)
	}
	return job, nil
}

func (f *fakeCatalog) ConnectionsByIDs(ids []string) []catalog.Connection {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]catalog.Connection, 0, len(ids))
	for _, id := range ids {
		if conn, ok := f.conns[id]; ok {
			out = append(out, conn)
		}
	}
	return out
}

func (f *fakeCatalog) UpdateJobHash(jobID, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return catalog.ErrNotFound
	}
	job.LastHash = hash
	f.jobs[jobID] = job
	return nil
}

func (f *fakeCatalog) StampJobLastRun(jobID string, t time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastRuns = append(f.lastRuns, jobID)
	return nil
}

func (f *fakeCatalog) StampConnectionTest(connID string, status catalog.TestStatus, endpoint catalog.EndpointType, t time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stamps = append(f.stamps, connStamp{connID: connID, status: status, endpoint: endpoint})
	return nil
}

func (f *fakeCatalog) lastStamp() (connStamp, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.stamps) == 0 {
		return connStamp{}, false
	}
	return f.stamps[len(f.stamps)-1], true
}

// noBuffer reports no streaming-eligible destinations; the direct-dispatch
// path is exercised instead.
type noBuffer struct {
	mu        sync.Mutex
	recovered []string
}

func (b *noBuffer) EligibleDestinations(catalog.Job) []catalog.Destination { return nil }
func (b *noBuffer) StartBuffering(string, catalog.Job)                     {}
func (b *noBuffer) AddToBuffer(context.Context, string, catalog.Job, catalog.Connection, []destination.Row) error {
	return nil
}
func (b *noBuffer) StopBuffering(context.Context, string) error { return nil }
func (b *noBuffer) RecoverBuffers(jobID string, _ catalog.Job) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recovered = append(b.recovered, jobID)
	return 0, nil
}

type multiAdapter struct {
	mu    sync.Mutex
	name  string
	calls [][]destination.Item
}

func (a *multiAdapter) Name() string { return a.name }

func (a *multiAdapter) Send(context.Context, []destination.Row, catalog.Destination, destination.Meta) (destination.Result, error) {
	return destination.Result{Success: true}, nil
}

func (a *multiAdapter) SendMulti(_ context.Context, items []destination.Item, _ catalog.Destination, _ destination.Meta) (destination.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	copied := make([]destination.Item, len(items))
	copy(copied, items)
	a.calls = append(a.calls, copied)
	return destination.Result{Success: true}, nil
}

func (a *multiAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

func (a *multiAdapter) call(i int) []destination.Item {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[i]
}

type singleAdapter struct {
	mu    sync.Mutex
	name  string
	sends []destination.Meta
	rows  [][]destination.Row
}

func (a *singleAdapter) Name() string { return a.name }

func (a *singleAdapter) Send(_ context.Context, rows []destination.Row, _ catalog.Destination, meta destination.Meta) (destination.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sends = append(a.sends, meta)
	a.rows = append(a.rows, rows)
	return destination.Result{Success: true}, nil
}

func (a *singleAdapter) sendCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sends)
}

type eventLog struct {
	mu    sync.Mutex
	types []string
}

func (l *eventLog) Handle(_ context.Context, event events.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.types = append(l.types, event.Type)
	return nil
}

func (l *eventLog) count(eventType string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, t := range l.types {
		if t == eventType {
			n++
		}
	}
	return n
}

type harness struct {
	exec    *Executor
	tracker *progress.Tracker
	store   *fakeCatalog
	pools   *fakePools
	buffer  *noBuffer
	log     *eventLog
}

func newHarness(t *testing.T, store *fakeCatalog, pools *fakePools, adapter destination.Adapter) *harness {
	t.Helper()

	dispatcher := events.NewDispatcher()
	log := &eventLog{}
	for _, eventType := range []string{
		progress.EventJobStarted, progress.EventJobCompleted, progress.EventJobFailed,
		progress.EventJobCancelled, progress.EventJobFinished,
		progress.EventConnectionStarted, progress.EventConnectionCompleted,
		progress.EventConnectionFailed,
	} {
		if err := dispatcher.Register(eventType, log); err != nil {
			t.Fatalf("register %s: %v", eventType, err)
		}
	}

	obs := noop.NewProvider()
	tracker := progress.NewTracker(progress.NewCheckpointStore(t.TempDir()), dispatcher, obs)
	registry := destination.NewRegistry()
	if adapter != nil {
		registry.Register(adapter)
	}
	buffer := &noBuffer{}

	exec := New(obs, store, pools, tracker, buffer, registry,
		WithRegisterer(prometheus.NewRegistry()),
	)
	return &harness{exec: exec, tracker: tracker, store: store, pools: pools, buffer: buffer, log: log}
}

func webhookDest() catalog.Destination {
	return catalog.Destination{Type: catalog.DestinationWebhook, Webhook: &catalog.WebhookConfig{URL: "http://sink"}}
}

func testJob(id string, connIDs ...string) catalog.Job {
	return catalog.Job{
		ID:            id,
		Name:          "job " + id,
		Enabled:       true,
		ConnectionIDs: connIDs,
		Query:         "SELECT 1 AS x",
		Destinations:  []catalog.Destination{webhookDest()},
	}
}

func testConn(id, host string) catalog.Connection {
	return catalog.Connection{ID: id, Name: "store " + id, Host: host, Database: "erp", User: "svc"}
}

func TestExecutor_HappyPathSingleConnection(t *testing.T) {
	store := &fakeCatalog{
		jobs:  map[string]catalog.Job{"j1": testJob("j1", "c1")},
		conns: map[string]catalog.Connection{"c1": testConn("c1", "db1")},
	}
	pools := &fakePools{sessions: map[string]Session{
		"db1": &fakeSession{rows: []map[string]any{{"x": 1}}},
	}}
	adapter := &multiAdapter{name: string(catalog.DestinationWebhook)}
	h := newHarness(t, store, pools, adapter)

	job := store.jobs["j1"]
	if err := h.exec.RunJob(context.Background(), job, store.ConnectionsByIDs(job.ConnectionIDs)); err != nil {
		t.Fatalf("RunJob: %v", err)
	}

	for eventType, want := range map[string]int{
		progress.EventJobStarted:          1,
		progress.EventConnectionStarted:   1,
		progress.EventConnectionCompleted: 1,
		progress.EventJobCompleted:        1,
		progress.EventJobFinished:         1,
		progress.EventConnectionFailed:    0,
		progress.EventJobFailed:           0,
	} {
		if got := h.log.count(eventType); got != want {
			t.Errorf("%s: expected %d events, got %d", eventType, want, got)
		}
	}

	snap, ok := h.tracker.Snapshot("j1")
	if !ok {
		t.Fatal("progress record missing")
	}
	if snap.Status != progress.JobCompleted || snap.TotalConnections != 1 ||
		snap.CompletedConnections != 1 || snap.FailedConnections != 0 {
		t.Fatalf("unexpected final snapshot: %+v", snap)
	}
	if got := snap.Connections["c1"].RowsProcessed; got != 1 {
		t.Fatalf("expected rowsProcessed=1, got %d", got)
	}

	if adapter.callCount() != 1 {
		t.Fatalf("expected one multi-connection dispatch, got %d", adapter.callCount())
	}
	if got := destination.TotalRows(adapter.call(0)); got != 1 {
		t.Fatalf("expected 1 row delivered, got %d", got)
	}

	if len(pools.acquiredHosts()) != 1 || len(pools.releasedHosts()) != 1 {
		t.Fatalf("acquire/release must pair up: %v / %v", pools.acquiredHosts(), pools.releasedHosts())
	}
}

func TestExecutor_PartialFailure(t *testing.T) {
	store := &fakeCatalog{
		jobs: map[string]catalog.Job{"j2": testJob("j2", "c1", "c2", "c3")},
		conns: map[string]catalog.Connection{
			"c1": testConn("c1", "db1"),
			"c2": testConn("c2", "db2"),
			"c3": testConn("c3", "db3"),
		},
	}
	pools := &fakePools{
		sessions: map[string]Session{
			"db1": &fakeSession{rows: []map[string]any{{"x": 1}}},
			"db3": &fakeSession{rows: []map[string]any{{"x": 3}}},
		},
		failing: map[string]error{"db2": fmt.Errorf("%w: host unreachable", catalog.ErrConnectFailed)},
	}
	adapter := &multiAdapter{name: string(catalog.DestinationWebhook)}
	h := newHarness(t, store, pools, adapter)

	job := store.jobs["j2"]
	if err := h.exec.RunJob(context.Background(), job, store.ConnectionsByIDs(job.ConnectionIDs)); err != nil {
		t.Fatalf("a partial failure must not fail the run: %v", err)
	}

	snap, _ := h.tracker.Snapshot("j2")
	if snap.Status != progress.JobCompleted {
		t.Fatalf("expected completed, got %s", snap.Status)
	}
	if snap.CompletedConnections != 2 || snap.FailedConnections != 1 {
		t.Fatalf("expected 2 completed / 1 failed, got %d / %d",
			snap.CompletedConnections, snap.FailedConnections)
	}
	if len(snap.Errors) != 1 || !strings.Contains(snap.Errors[0], "host unreachable") {
		t.Fatalf("expected the c2 error in the errors list, got %v", snap.Errors)
	}

	if adapter.callCount() != 1 {
		t.Fatalf("expected one dispatch, got %d", adapter.callCount())
	}
	items := adapter.call(0)
	if len(items) != 3 {
		t.Fatalf("expected all three connections in the dispatch, got %d", len(items))
	}
	if items[1].ConnectionFailedMessage == "" {
		t.Fatal("c2 must carry the synthetic failed entry")
	}
	if items[0].ConnectionFailedMessage != "" || items[2].ConnectionFailedMessage != "" {
		t.Fatal("successful connections must not carry a failure message")
	}
}

func TestExecutor_AllConnectionsFail(t *testing.T) {
	store := &fakeCatalog{
		jobs: map[string]catalog.Job{"j": testJob("j", "c1", "c2")},
		conns: map[string]catalog.Connection{
			"c1": testConn("c1", "db1"),
			"c2": testConn("c2", "db2"),
		},
	}
	pools := &fakePools{failing: map[string]error{
		"db1": fmt.Errorf("%w: db1 down", catalog.ErrConnectFailed),
		"db2": fmt.Errorf("%w: db2 down", catalog.ErrConnectFailed),
	}}
	adapter := &multiAdapter{name: string(catalog.DestinationWebhook)}
	h := newHarness(t, store, pools, adapter)

	job := store.jobs["j"]
	err := h.exec.RunJob(context.Background(), job, store.ConnectionsByIDs(job.ConnectionIDs))
	if !errors.Is(err, ErrNoData) {
		t.Fatalf("expected ErrNoData, got %v", err)
	}

	snap, _ := h.tracker.Snapshot("j")
	if snap.Status != progress.JobFailed {
		t.Fatalf("expected failed, got %s", snap.Status)
	}
	if snap.CompletedConnections != 0 || snap.FailedConnections != 2 {
		t.Fatalf("expected 0 completed / 2 failed, got %d / %d",
			snap.CompletedConnections, snap.FailedConnections)
	}
	if len(snap.Errors) == 0 {
		t.Fatal("errors list must not be empty")
	}
	if adapter.callCount() != 0 {
		t.Fatal("nothing may be dispatched when no connection yielded data")
	}
}

func TestExecutor_CancellationBetweenConnections(t *testing.T) {
	store := &fakeCatalog{
		jobs: map[string]catalog.Job{"j3": testJob("j3", "c1", "c2")},
		conns: map[string]catalog.Connection{
			"c1": testConn("c1", "db1"),
			"c2": testConn("c2", "db2"),
		},
	}
	var h *harness
	pools := &fakePools{sessions: map[string]Session{
		"db2": &fakeSession{rows: []map[string]any{{"x": 2}}},
	}}
	// The cancel request lands while c1's query is running.
	pools.sessions["db1"] = &fakeSession{
		rows:    []map[string]any{{"x": 1}},
		onQuery: func() { h.tracker.CancelJob("j3") },
	}
	adapter := &multiAdapter{name: string(catalog.DestinationWebhook)}
	h = newHarness(t, store, pools, adapter)

	job := store.jobs["j3"]
	err := h.exec.RunJob(context.Background(), job, store.ConnectionsByIDs(job.ConnectionIDs))
	if !errors.Is(err, catalog.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}

	snap, _ := h.tracker.Snapshot("j3")
	if snap.Status != progress.JobCancelled {
		t.Fatalf("expected cancelled, got %s", snap.Status)
	}
	if snap.Connections["c1"].Status != progress.ConnCompleted {
		t.Fatalf("c1 finished before the cancel, got %s", snap.Connections["c1"].Status)
	}
	if got := h.log.count(progress.EventConnectionStarted); got != 1 {
		t.Fatalf("c2 must never start, got %d connection:started events", got)
	}
	if got := h.log.count(progress.EventJobCancelled); got != 1 {
		t.Fatalf("expected one job:cancelled event, got %d", got)
	}
	if adapter.callCount() != 0 {
		t.Fatal("a cancelled run must not dispatch")
	}
	if got := pools.acquiredHosts(); len(got) != 1 || got[0] != "db1" {
		t.Fatalf("only db1 may be acquired, got %v", got)
	}
}

func TestExecutor_CancelJobIsIdempotent(t *testing.T) {
	store := &fakeCatalog{
		jobs:  map[string]catalog.Job{"j": testJob("j", "c1")},
		conns: map[string]catalog.Connection{"c1": testConn("c1", "db1")},
	}
	var h *harness
	pools := &fakePools{}
	pools.sessions = map[string]Session{"db1": &fakeSession{
		rows: []map[string]any{{"x": 1}},
		onQuery: func() {
			// Two cancel requests while running: one cancelled event.
			h.tracker.CancelJob("j")
			h.tracker.CancelJob("j")
		},
	}}
	adapter := &multiAdapter{name: string(catalog.DestinationWebhook)}
	h = newHarness(t, store, pools, adapter)

	job := store.jobs["j"]
	_ = h.exec.RunJob(context.Background(), job, store.ConnectionsByIDs(job.ConnectionIDs))

	if got := h.log.count(progress.EventJobCancelled); got != 1 {
		t.Fatalf("double cancel must produce one cancelled event, got %d", got)
	}
	if h.tracker.CancelJob("j") {
		t.Fatal("cancel after terminal must report false")
	}
}

func TestExecutor_ResumeFromCheckpoint(t *testing.T) {
	store := &fakeCatalog{
		jobs: map[string]catalog.Job{"j4": testJob("j4", "c1", "c2", "c3", "c4")},
		conns: map[string]catalog.Connection{
			"c1": testConn("c1", "db1"),
			"c2": testConn("c2", "db2"),
			"c3": testConn("c3", "db3"),
			"c4": testConn("c4", "db4"),
		},
	}
	pools := &fakePools{sessions: map[string]Session{
		"db1": &fakeSession{rows: []map[string]any{{"x": 1}}},
		"db2": &fakeSession{rows: []map[string]any{{"x": 2}}},
		"db3": &fakeSession{rows: []map[string]any{{"x": 3}}},
		"db4": &fakeSession{rows: []map[string]any{{"x": 4}}},
	}}
	adapter := &multiAdapter{name: string(catalog.DestinationWebhook)}

	dispatcher := events.NewDispatcher()
	obs := noop.NewProvider()
	checkpoints := progress.NewCheckpointStore(t.TempDir())
	started := time.Now().Add(-time.Minute).Truncate(time.Second)
	if err := checkpoints.Save(&progress.Checkpoint{
		JobID:                  "j4",
		StartedAt:              started,
		CompletedConnectionIDs: []string{"c1", "c2"},
		TotalConnections:       4,
		UpdatedAt:              started,
	}); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}

	tracker := progress.NewTracker(checkpoints, dispatcher, obs)
	registry := destination.NewRegistry()
	registry.Register(adapter)
	buffer := &noBuffer{}
	exec := New(obs, store, pools, tracker, buffer, registry,
		WithRegisterer(prometheus.NewRegistry()))

	job := store.jobs["j4"]
	if err := exec.ResumeJob(context.Background(), job, store.ConnectionsByIDs(job.ConnectionIDs)); err != nil {
		t.Fatalf("ResumeJob: %v", err)
	}

	if got := pools.acquiredHosts(); len(got) != 2 || got[0] != "db3" || got[1] != "db4" {
		t.Fatalf("only c3 and c4 may be driven, got %v", got)
	}
	buffer.mu.Lock()
	recovered := append([]string(nil), buffer.recovered...)
	buffer.mu.Unlock()
	if len(recovered) != 1 || recovered[0] != "j4" {
		t.Fatalf("resume must reload buffer backups, got %v", recovered)
	}

	snap, _ := tracker.Snapshot("j4")
	if snap.Status != progress.JobCompleted || snap.CompletedConnections != 4 {
		t.Fatalf("expected 4 completed after resume, got %+v", snap)
	}
	if !snap.StartedAt.Equal(started) {
		t.Fatalf("resume must keep the original start time, got %v", snap.StartedAt)
	}
	if cp, err := checkpoints.Load("j4"); err != nil || cp != nil {
		t.Fatalf("checkpoint must be deleted on completion, got %v / %v", cp, err)
	}
}

func TestExecutor_RunJobForConnectionsSubset(t *testing.T) {
	job := testJob("j5", "c1", "c2", "c3", "c4", "c5", "c6")
	store := &fakeCatalog{
		jobs:  map[string]catalog.Job{"j5": job},
		conns: map[string]catalog.Connection{},
	}
	pools := &fakePools{sessions: map[string]Session{}}
	for i := 1; i <= 6; i++ {
		id := fmt.Sprintf("c%d", i)
		host := fmt.Sprintf("db%d", i)
		store.conns[id] = testConn(id, host)
		pools.sessions[host] = &fakeSession{rows: []map[string]any{{"x": i}}}
	}
	adapter := &multiAdapter{name: string(catalog.DestinationWebhook)}
	h := newHarness(t, store, pools, adapter)

	if err := h.exec.RunJobForConnections(context.Background(), "j5", []string{"c2", "c5"}); err != nil {
		t.Fatalf("RunJobForConnections: %v", err)
	}

	if got := pools.acquiredHosts(); len(got) != 2 || got[0] != "db2" || got[1] != "db5" {
		t.Fatalf("exactly c2 and c5 must run, got %v", got)
	}
	snap, _ := h.tracker.Snapshot("j5")
	if snap.TotalConnections != 2 || snap.CompletedConnections != 2 {
		t.Fatalf("subset run must track only the subset: %+v", snap)
	}
}

func TestExecutor_RunJobForConnectionsRejectsForeignIDs(t *testing.T) {
	store := &fakeCatalog{
		jobs:  map[string]catalog.Job{"j": testJob("j", "c1")},
		conns: map[string]catalog.Connection{"c1": testConn("c1", "db1")},
	}
	pools := &fakePools{sessions: map[string]Session{}}
	h := newHarness(t, store, pools, &multiAdapter{name: string(catalog.DestinationWebhook)})

	err := h.exec.RunJobForConnections(context.Background(), "j", []string{"not-mine"})
	if !errors.Is(err, catalog.ErrConfigInvalid) {
		t.Fatalf("expected ErrConfigInvalid for foreign connection ids, got %v", err)
	}
}

func TestExecutor_DisabledJobIsNoOp(t *testing.T) {
	job := testJob("j", "c1")
	job.Enabled = false
	store := &fakeCatalog{
		jobs:  map[string]catalog.Job{"j": job},
		conns: map[string]catalog.Connection{"c1": testConn("c1", "db1")},
	}
	pools := &fakePools{}
	h := newHarness(t, store, pools, &multiAdapter{name: string(catalog.DestinationWebhook)})

	if err := h.exec.RunJob(context.Background(), job, store.ConnectionsByIDs(job.ConnectionIDs)); err != nil {
		t.Fatalf("disabled job must be a silent no-op, got %v", err)
	}
	if _, ok := h.tracker.Snapshot("j"); ok {
		t.Fatal("no progress record may be created for a disabled job")
	}
}

func TestExecutor_EndpointFallback(t *testing.T) {
	conn := testConn("c1", "primary-host")
	conn.FallbackHost = "vpn-host"
	conn.FallbackPort = 1433

	store := &fakeCatalog{
		jobs:  map[string]catalog.Job{"j": testJob("j", "c1")},
		conns: map[string]catalog.Connection{"c1": conn},
	}
	pools := &fakePools{
		sessions: map[string]Session{"vpn-host": &fakeSession{rows: []map[string]any{{"x": 1}}}},
		failing:  map[string]error{"primary-host": fmt.Errorf("%w: refused", catalog.ErrConnectFailed)},
	}
	h := newHarness(t, store, pools, &multiAdapter{name: string(catalog.DestinationWebhook)})

	job := store.jobs["j"]
	if err := h.exec.RunJob(context.Background(), job, store.ConnectionsByIDs(job.ConnectionIDs)); err != nil {
		t.Fatalf("RunJob over fallback: %v", err)
	}

	if got := pools.acquiredHosts(); len(got) != 1 || got[0] != "vpn-host" {
		t.Fatalf("expected the fallback endpoint, got %v", got)
	}
	if got := pools.releasedHosts(); len(got) != 1 || got[0] != "vpn-host" {
		t.Fatalf("release must target the endpoint actually acquired, got %v", got)
	}
	stamp, ok := store.lastStamp()
	if !ok || stamp.endpoint != catalog.EndpointFallback || stamp.status != catalog.TestStatusConnected {
		t.Fatalf("activeEndpointType must be stamped fallback, got %+v", stamp)
	}
}

func TestExecutor_FallbackOnlyConnection(t *testing.T) {
	conn := catalog.Connection{ID: "c1", Name: "vpn only", Database: "erp", User: "svc",
		FallbackHost: "vpn-host"}
	store := &fakeCatalog{conns: map[string]catalog.Connection{"c1": conn}}
	pools := &fakePools{sessions: map[string]Session{"vpn-host": &fakeSession{}}}
	h := newHarness(t, store, pools, nil)

	endpoint, err := h.exec.TestConnection(context.Background(), conn)
	if err != nil {
		t.Fatalf("TestConnection: %v", err)
	}
	if endpoint != catalog.EndpointFallback {
		t.Fatalf("expected fallback endpoint, got %s", endpoint)
	}
}

func TestExecutor_TestConnectionFailureStamps(t *testing.T) {
	conn := testConn("c1", "down-host")
	store := &fakeCatalog{conns: map[string]catalog.Connection{"c1": conn}}
	pools := &fakePools{failing: map[string]error{"down-host": fmt.Errorf("%w: refused", catalog.ErrConnectFailed)}}
	h := newHarness(t, store, pools, nil)

	if _, err := h.exec.TestConnection(context.Background(), conn); !errors.Is(err, catalog.ErrConnectFailed) {
		t.Fatalf("expected ErrConnectFailed, got %v", err)
	}
	stamp, ok := store.lastStamp()
	if !ok || stamp.status != catalog.TestStatusFailed {
		t.Fatalf("failed test must be stamped, got %+v", stamp)
	}
}

func TestExecutor_OnChangeTriggerSkipsUnchangedRowset(t *testing.T) {
	job := testJob("j", "c1")
	job.Trigger = catalog.TriggerOnChange
	store := &fakeCatalog{
		jobs:  map[string]catalog.Job{"j": job},
		conns: map[string]catalog.Connection{"c1": testConn("c1", "db1")},
	}
	pools := &fakePools{sessions: map[string]Session{
		"db1": &fakeSession{rows: []map[string]any{{"x": 1}}},
	}}
	adapter := &singleAdapter{name: string(catalog.DestinationWebhook)}
	h := newHarness(t, store, pools, adapter)

	conns := store.ConnectionsByIDs(job.ConnectionIDs)

	// First run always dispatches and stores the hash.
	if err := h.exec.RunJob(context.Background(), job, conns); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if adapter.sendCount() != 1 {
		t.Fatalf("first run must dispatch, got %d sends", adapter.sendCount())
	}
	updated, _ := store.Job("j")
	if updated.LastHash == "" {
		t.Fatal("first run must persist the rowset hash")
	}

	// Same rowset again: connection completes, dispatch is skipped.
	if err := h.exec.RunJob(context.Background(), job, conns); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if adapter.sendCount() != 1 {
		t.Fatalf("unchanged rowset must not dispatch again, got %d sends", adapter.sendCount())
	}
	snap, _ := h.tracker.Snapshot("j")
	if snap.Status != progress.JobCompleted || snap.CompletedConnections != 1 {
		t.Fatalf("skipped dispatch must still complete the connection: %+v", snap)
	}

	// Different rowset: hash differs, dispatch happens.
	pools.mu.Lock()
	pools.sessions["db1"] = &fakeSession{rows: []map[string]any{{"x": 2}}}
	pools.mu.Unlock()
	if err := h.exec.RunJob(context.Background(), job, conns); err != nil {
		t.Fatalf("third run: %v", err)
	}
	if adapter.sendCount() != 2 {
		t.Fatalf("changed rowset must dispatch, got %d sends", adapter.sendCount())
	}
}

func TestExecutor_QueryTimeoutIsDistinct(t *testing.T) {
	store := &fakeCatalog{
		settings: catalog.Settings{RequestTimeoutMs: 30},
		jobs:     map[string]catalog.Job{"j": testJob("j", "c1")},
		conns:    map[string]catalog.Connection{"c1": testConn("c1", "db1")},
	}
	pools := &fakePools{sessions: map[string]Session{"db1": blockingSession{}}}
	h := newHarness(t, store, pools, &multiAdapter{name: string(catalog.DestinationWebhook)})

	job := store.jobs["j"]
	err := h.exec.RunJob(context.Background(), job, store.ConnectionsByIDs(job.ConnectionIDs))
	if !errors.Is(err, ErrNoData) {
		t.Fatalf("the only connection timing out fails the run, got %v", err)
	}

	snap, _ := h.tracker.Snapshot("j")
	connErr := snap.Connections["c1"].Error
	if !strings.Contains(connErr, catalog.ErrQueryTimeout.Error()) {
		t.Fatalf("expected a query-timeout error, got %q", connErr)
	}
}

func TestExecutor_MultiQueryOrderAndCollection(t *testing.T) {
	job := catalog.Job{
		ID:            "j",
		Name:          "multi",
		Enabled:       true,
		ConnectionIDs: []string{"c1"},
		Queries: []catalog.NamedQuery{
			{Name: "sales", Query: "SELECT * FROM sales"},
			{Name: "stock", Query: "SELECT * FROM stock"},
		},
		Destinations: []catalog.Destination{webhookDest()},
	}
	store := &fakeCatalog{
		jobs:  map[string]catalog.Job{"j": job},
		conns: map[string]catalog.Connection{"c1": testConn("c1", "db1")},
	}

	var mu sync.Mutex
	var order []string
	session := &sessionByQuery{rows: map[string][]map[string]any{
		"SELECT * FROM sales": {{"sku": "a"}, {"sku": "b"}},
		"SELECT * FROM stock": {{"sku": "a", "qty": 3}},
	}, observe: func(q string) {
		mu.Lock()
		order = append(order, q)
		mu.Unlock()
	}}
	pools := &fakePools{sessions: map[string]Session{"db1": session}}
	adapter := &multiAdapter{name: string(catalog.DestinationWebhook)}
	h := newHarness(t, store, pools, adapter)

	if err := h.exec.RunJob(context.Background(), job, store.ConnectionsByIDs(job.ConnectionIDs)); err != nil {
		t.Fatalf("RunJob: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "SELECT * FROM sales" || order[1] != "SELECT * FROM stock" {
		t.Fatalf("queries must run in configured order, got %v", order)
	}

	items := adapter.call(0)
	if len(items) != 1 {
		t.Fatalf("expected one item, got %d", len(items))
	}
	if got := len(items[0].QueryResults["sales"]); got != 2 {
		t.Fatalf("expected 2 sales rows, got %d", got)
	}
	if got := len(items[0].QueryResults["stock"]); got != 1 {
		t.Fatalf("expected 1 stock row, got %d", got)
	}
	snap, _ := h.tracker.Snapshot("j")
	if got := snap.Connections["c1"].RowsProcessed; got != 3 {
		t.Fatalf("rowsProcessed must sum all named queries, got %d", got)
	}
}

type sessionByQuery struct {
	rows    map[string][]map[string]any
	observe func(string)
}

func (s *sessionByQuery) QueryRows(_ context.Context, query string) ([]map[string]any, error) {
	if s.observe != nil {
		s.observe(query)
	}
	rows, ok := s.rows[query]
	if !ok {
		return nil, fmt.Errorf("unexpected query %q", query)
	}
	return rows, nil
}

func TestExecutor_TestJobCountsWithoutDispatch(t *testing.T) {
	store := &fakeCatalog{conns: map[string]catalog.Connection{}}
	pools := &fakePools{sessions: map[string]Session{
		"db1": &fakeSession{rows: []map[string]any{{"x": 1}, {"x": 2}}},
	}}
	adapter := &multiAdapter{name: string(catalog.DestinationWebhook)}
	h := newHarness(t, store, pools, adapter)

	job := testJob("j", "c1")
	count, err := h.exec.TestJob(context.Background(), job, testConn("c1", "db1"))
	if err != nil {
		t.Fatalf("TestJob: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 rows, got %d", count)
	}
	if adapter.callCount() != 0 {
		t.Fatal("TestJob must not touch destinations")
	}
}

func TestHashRows_StableAcrossRuns(t *testing.T) {
	rows := []destination.Row{{"b": 2, "a": 1}, {"c": "x"}}
	first, err := HashRows(rows)
	if err != nil {
		t.Fatalf("HashRows: %v", err)
	}
	second, err := HashRows([]destination.Row{{"a": 1, "b": 2}, {"c": "x"}})
	if err != nil {
		t.Fatalf("HashRows: %v", err)
	}
	if first != second {
		t.Fatal("hash must not depend on map iteration order")
	}
	changed, _ := HashRows([]destination.Row{{"a": 1, "b": 3}, {"c": "x"}})
	if changed == first {
		t.Fatal("different values must hash differently")
	}
}
