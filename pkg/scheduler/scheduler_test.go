package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/JailtonJunior94/datadispatch/pkg/catalog"
	"github.com/JailtonJunior94/datadispatch/pkg/jobqueue"
	"github.com/JailtonJunior94/datadispatch/pkg/observability/noop"
	"github.com/JailtonJunior94/datadispatch/pkg/progress"
)

// fakeQueue captura unidades sem executá-las; os testes disparam os thunks
// na mão para observar o que a unidade faz.
type fakeQueue struct {
	mu     sync.Mutex
	units  []queuedUnit
	active map[string]bool
	cfg    *jobqueue.Config
}

type queuedUnit struct {
	jobID string
	opts  jobqueue.EnqueueOptions
	thunk jobqueue.Thunk
}

func (q *fakeQueue) Enqueue(jobID string, thunk jobqueue.Thunk, opts jobqueue.EnqueueOptions) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.units = append(q.units, queuedUnit{jobID: jobID, opts: opts, thunk: thunk})
	return fmt.Sprintf("unit-%d", len(q.units)), nil
}

func (q *fakeQueue) HasActive(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active[jobID]
}

func (q *fakeQueue) UpdateConfig(cfg jobqueue.Config) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cfg = &cfg
}

func (q *fakeQueue) markActive(jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active == nil {
		q.active = make(map[string]bool)
	}
	q.active[jobID] = true
}

func (q *fakeQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.units)
}

func (q *fakeQueue) unit(t *testing.T, idx int) queuedUnit {
	t.Helper()
	q.mu.Lock()
	defer q.mu.Unlock()
	if idx >= len(q.units) {
		t.Fatalf("queue holds %d unit(s), wanted index %d", len(q.units), idx)
	}
	return q.units[idx]
}

// fakeRunner registra as chamadas que as unidades fazem no executor.
type fakeRunner struct {
	mu          sync.Mutex
	runs        []runCall
	testCalls   []string
	testErrs    map[string]error
	endpoint    catalog.EndpointType
	runErr      error
	testJobRows int
}

type runCall struct {
	jobID   string
	query   string
	connIDs []string
	resume  bool
	subset  bool
}

func (r *fakeRunner) RunJob(_ context.Context, job catalog.Job, conns []catalog.Connection) error {
	r.record(runCall{jobID: job.ID, query: job.Query, connIDs: connIDs(conns)})
	return r.runErr
}

func (r *fakeRunner) ResumeJob(_ context.Context, job catalog.Job, conns []catalog.Connection) error {
	r.record(runCall{jobID: job.ID, query: job.Query, connIDs: connIDs(conns), resume: true})
	return r.runErr
}

func (r *fakeRunner) RunJobForConnections(_ context.Context, jobID string, ids []string) error {
	r.record(runCall{jobID: jobID, connIDs: append([]string(nil), ids...), subset: true})
	return r.runErr
}

func (r *fakeRunner) TestConnection(_ context.Context, conn catalog.Connection) (catalog.EndpointType, error) {
	r.mu.Lock()
	r.testCalls = append(r.testCalls, conn.ID)
	err := r.testErrs[conn.ID]
	endpoint := r.endpoint
	r.mu.Unlock()
	if err != nil {
		return "", err
	}
	if endpoint == "" {
		endpoint = catalog.EndpointPrimary
	}
	return endpoint, nil
}

func (r *fakeRunner) TestJob(_ context.Context, _ catalog.Job, _ catalog.Connection) (int, error) {
	return r.testJobRows, r.runErr
}

func (r *fakeRunner) record(call runCall) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, call)
}

func (r *fakeRunner) calls() []runCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]runCall(nil), r.runs...)
}

func connIDs(conns []catalog.Connection) []string {
	out := make([]string, len(conns))
	for i, c := range conns {
		out[i] = c.ID
	}
	return out
}

type fixture struct {
	sched  *Scheduler
	store  *catalog.FileStore
	queue  *fakeQueue
	runner *fakeRunner
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	store := catalog.NewFileStore(filepath.Join(t.TempDir(), "catalog.json"))
	if err := store.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	queue := &fakeQueue{}
	runner := &fakeRunner{}

	seq := 0
	base := []Option{
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("id-%d", seq)
		}),
	}
	sched := New(noop.NewProvider(), store, queue, runner, append(base, opts...)...)
	t.Cleanup(sched.StopAll)

	return &fixture{sched: sched, store: store, queue: queue, runner: runner}
}

func (f *fixture) seedConnection(t *testing.T, name string) catalog.Connection {
	t.Helper()
	conn, merged, err := f.sched.AddConnection(catalog.Connection{
		Name:     name,
		Host:     name + ".db.local",
		Database: "erp",
		User:     "reader",
		Password: "secret",
	})
	if err != nil {
		t.Fatalf("AddConnection %s: %v", name, err)
	}
	if merged {
		t.Fatalf("seed connection %s unexpectedly merged", name)
	}
	return conn
}

func (f *fixture) seedJob(t *testing.T, name string, connIDs ...string) catalog.Job {
	t.Helper()
	job, err := f.sched.AddJob(catalog.Job{
		Name:           name,
		Enabled:        true,
		ConnectionIDs:  connIDs,
		Query:          "SELECT 1",
		RecurrenceType: catalog.RecurrenceDaily,
		TimeOfDay:      "06:00",
	})
	if err != nil {
		t.Fatalf("AddJob %s: %v", name, err)
	}
	return job
}

func TestScheduler_AddJobRejectsInvalidRecurrence(t *testing.T) {
	f := newFixture(t)
	conn := f.seedConnection(t, "alpha")

	_, err := f.sched.AddJob(catalog.Job{
		Name:           "broken",
		Enabled:        true,
		ConnectionIDs:  []string{conn.ID},
		Query:          "SELECT 1",
		RecurrenceType: catalog.RecurrenceCustom,
		CronExpression: "every little while",
	})
	if !errors.Is(err, catalog.ErrConfigInvalid) {
		t.Fatalf("got %v, want ErrConfigInvalid", err)
	}
	if jobs := f.sched.GetJobs(); len(jobs) != 0 {
		t.Fatalf("rejected job must not be persisted, found %d", len(jobs))
	}
}

func TestScheduler_StartAllSchedulesEnabledJobs(t *testing.T) {
	f := newFixture(t)
	conn := f.seedConnection(t, "alpha")
	scheduled := f.seedJob(t, "daily", conn.ID)

	onDemand, err := f.sched.AddJob(catalog.Job{
		Name:           "manual",
		Enabled:        true,
		ConnectionIDs:  []string{conn.ID},
		Query:          "SELECT 1",
		RecurrenceType: catalog.RecurrenceOnce,
	})
	if err != nil {
		t.Fatalf("AddJob manual: %v", err)
	}

	disabled := catalog.Job{
		Name:           "off",
		Enabled:        false,
		ConnectionIDs:  []string{conn.ID},
		Query:          "SELECT 1",
		RecurrenceType: catalog.RecurrenceDaily,
		TimeOfDay:      "07:00",
	}
	if _, err := f.sched.AddJob(disabled); err != nil {
		t.Fatalf("AddJob off: %v", err)
	}

	f.sched.StartAll()

	next := f.sched.NextRuns()
	if _, ok := next[scheduled.ID]; !ok {
		t.Fatal("daily job should have a next run")
	}
	if _, ok := next[onDemand.ID]; ok {
		t.Fatal("on-demand job must not be scheduled")
	}
	if len(next) != 1 {
		t.Fatalf("only the daily job should be scheduled, got %d entries", len(next))
	}
}

func TestScheduler_InvalidStoredRuleLeavesJobUnscheduled(t *testing.T) {
	f := newFixture(t)
	conn := f.seedConnection(t, "alpha")

	// Um catálogo antigo pode carregar uma regra que o parser atual rejeita;
	// a carga não pode falhar por causa disso.
	err := f.store.Mutate(func(c *catalog.Catalog) error {
		c.Jobs = append(c.Jobs, catalog.Job{
			ID:            "legacy-1",
			Name:          "legacy",
			Enabled:       true,
			ConnectionIDs: []string{conn.ID},
			Query:         "SELECT 1",
			Schedule:      "every full moon",
		})
		return nil
	})
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}

	f.sched.StartAll()
	if next := f.sched.NextRuns(); len(next) != 0 {
		t.Fatalf("invalid rule must not schedule, got %v", next)
	}
	if _, err := f.sched.GetJob("legacy-1"); err != nil {
		t.Fatalf("job must be retained: %v", err)
	}
}

func TestScheduler_RunJobNow(t *testing.T) {
	f := newFixture(t)
	conn := f.seedConnection(t, "alpha")
	job := f.seedJob(t, "daily", conn.ID)

	unitID, err := f.sched.RunJobNow(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("RunJobNow: %v", err)
	}
	if unitID == "" {
		t.Fatal("expected the queue unit id")
	}

	unit := f.queue.unit(t, 0)
	if unit.jobID != job.ID {
		t.Fatalf("unit bound to %q, want %q", unit.jobID, job.ID)
	}
	if unit.opts.Priority != PriorityInteractive {
		t.Fatalf("manual runs should be interactive priority, got %d", unit.opts.Priority)
	}
	if unit.opts.MaxRetries != 0 {
		t.Fatalf("manual runs must not retry, got %d", unit.opts.MaxRetries)
	}

	if err := unit.thunk(context.Background()); err != nil {
		t.Fatalf("thunk: %v", err)
	}
	calls := f.runner.calls()
	if len(calls) != 1 || calls[0].jobID != job.ID || calls[0].resume {
		t.Fatalf("unexpected runner calls: %+v", calls)
	}
	if len(calls[0].connIDs) != 1 || calls[0].connIDs[0] != conn.ID {
		t.Fatalf("unit should resolve the job's connections, got %v", calls[0].connIDs)
	}
}

func TestScheduler_RunJobNowRefusals(t *testing.T) {
	f := newFixture(t)
	conn := f.seedConnection(t, "alpha")
	job := f.seedJob(t, "daily", conn.ID)

	t.Run("unknown job", func(t *testing.T) {
		if _, err := f.sched.RunJobNow(context.Background(), "nope"); !errors.Is(err, catalog.ErrNotFound) {
			t.Fatalf("got %v, want ErrNotFound", err)
		}
	})

	t.Run("already active", func(t *testing.T) {
		f.queue.markActive(job.ID)
		if _, err := f.sched.RunJobNow(context.Background(), job.ID); !errors.Is(err, catalog.ErrConflict) {
			t.Fatalf("got %v, want ErrConflict", err)
		}
	})

	t.Run("disabled job", func(t *testing.T) {
		job.Enabled = false
		if _, err := f.sched.UpdateJob(job); err != nil {
			t.Fatalf("UpdateJob: %v", err)
		}
		if _, err := f.sched.RunJobNow(context.Background(), job.ID); !errors.Is(err, catalog.ErrConfigInvalid) {
			t.Fatalf("got %v, want ErrConfigInvalid", err)
		}
	})
}

func TestScheduler_FireRespectsNonOverlap(t *testing.T) {
	f := newFixture(t)
	conn := f.seedConnection(t, "alpha")
	job := f.seedJob(t, "daily", conn.ID)

	f.sched.fire(job.ID)
	if got := f.queue.len(); got != 1 {
		t.Fatalf("first fire should enqueue, got %d units", got)
	}
	unit := f.queue.unit(t, 0)
	if unit.opts.Priority != PriorityScheduled || unit.opts.MaxRetries != scheduledMaxRetries {
		t.Fatalf("scheduled fire options: %+v", unit.opts)
	}

	f.queue.markActive(job.ID)
	f.sched.fire(job.ID)
	if got := f.queue.len(); got != 1 {
		t.Fatalf("overlapping fire must be dropped, got %d units", got)
	}
}

func TestScheduler_FireSkipsGoneOrDisabled(t *testing.T) {
	f := newFixture(t)
	conn := f.seedConnection(t, "alpha")
	job := f.seedJob(t, "daily", conn.ID)

	f.sched.fire("deleted-job")
	if got := f.queue.len(); got != 0 {
		t.Fatalf("fire of unknown job enqueued %d units", got)
	}

	job.Enabled = false
	if _, err := f.sched.UpdateJob(job); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	f.sched.fire(job.ID)
	if got := f.queue.len(); got != 0 {
		t.Fatalf("fire of disabled job enqueued %d units", got)
	}
}

func TestScheduler_UnitResolvesFreshCatalogue(t *testing.T) {
	f := newFixture(t)
	conn := f.seedConnection(t, "alpha")
	job := f.seedJob(t, "daily", conn.ID)

	if _, err := f.sched.RunJobNow(context.Background(), job.ID); err != nil {
		t.Fatalf("RunJobNow: %v", err)
	}

	// Edição feita enquanto a unidade esperava na fila vale na execução.
	job.Query = "SELECT 2"
	if _, err := f.sched.UpdateJob(job); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	unit := f.queue.unit(t, 0)
	if err := unit.thunk(context.Background()); err != nil {
		t.Fatalf("thunk: %v", err)
	}
	calls := f.runner.calls()
	if len(calls) != 1 || calls[0].query != "SELECT 2" {
		t.Fatalf("unit should run the edited query, got %+v", calls)
	}
}

func TestScheduler_CancelledRunDoesNotFailTheUnit(t *testing.T) {
	f := newFixture(t)
	conn := f.seedConnection(t, "alpha")
	job := f.seedJob(t, "daily", conn.ID)

	f.runner.runErr = fmt.Errorf("%w: stopped by operator", catalog.ErrCancelled)
	if _, err := f.sched.RunJobNow(context.Background(), job.ID); err != nil {
		t.Fatalf("RunJobNow: %v", err)
	}

	unit := f.queue.unit(t, 0)
	if err := unit.thunk(context.Background()); err != nil {
		t.Fatalf("cancellation must not enter the retry circuit, got %v", err)
	}
}

func TestScheduler_RunJobForConnections(t *testing.T) {
	f := newFixture(t)
	alpha := f.seedConnection(t, "alpha")
	beta := f.seedConnection(t, "beta")
	job := f.seedJob(t, "daily", alpha.ID, beta.ID)

	if _, err := f.sched.RunJobForConnections(context.Background(), job.ID, nil); !errors.Is(err, catalog.ErrConfigInvalid) {
		t.Fatalf("empty subset: got %v, want ErrConfigInvalid", err)
	}

	if _, err := f.sched.RunJobForConnections(context.Background(), job.ID, []string{beta.ID}); err != nil {
		t.Fatalf("RunJobForConnections: %v", err)
	}

	unit := f.queue.unit(t, 0)
	if err := unit.thunk(context.Background()); err != nil {
		t.Fatalf("thunk: %v", err)
	}
	calls := f.runner.calls()
	if len(calls) != 1 || !calls[0].subset {
		t.Fatalf("expected a subset run, got %+v", calls)
	}
	if len(calls[0].connIDs) != 1 || calls[0].connIDs[0] != beta.ID {
		t.Fatalf("subset should carry the requested ids, got %v", calls[0].connIDs)
	}
}

func TestScheduler_RecoverInterrupted(t *testing.T) {
	f := newFixture(t)
	conn := f.seedConnection(t, "alpha")
	job := f.seedJob(t, "daily", conn.ID)

	source := &fakeResumeSource{
		candidates: []*progress.Checkpoint{
			{JobID: job.ID},
			{JobID: "vanished"},
		},
	}

	resumed := f.sched.RecoverInterrupted(context.Background(), source)
	if resumed != 1 {
		t.Fatalf("expected 1 resumed job, got %d", resumed)
	}
	if len(source.discarded) != 1 || source.discarded[0] != "vanished" {
		t.Fatalf("stray checkpoint should be discarded, got %v", source.discarded)
	}

	unit := f.queue.unit(t, 0)
	if err := unit.thunk(context.Background()); err != nil {
		t.Fatalf("thunk: %v", err)
	}
	calls := f.runner.calls()
	if len(calls) != 1 || !calls[0].resume {
		t.Fatalf("recovered unit should resume, got %+v", calls)
	}
}

type fakeResumeSource struct {
	candidates []*progress.Checkpoint
	discarded  []string
}

func (s *fakeResumeSource) ResumeCandidates() ([]*progress.Checkpoint, error) {
	return s.candidates, nil
}

func (s *fakeResumeSource) DiscardCheckpoint(jobID string) error {
	s.discarded = append(s.discarded, jobID)
	return nil
}

func TestScheduler_UpdateJobPreservesOperationalStamps(t *testing.T) {
	f := newFixture(t)
	conn := f.seedConnection(t, "alpha")
	job := f.seedJob(t, "daily", conn.ID)

	lastRun := time.Date(2025, 6, 1, 6, 0, 0, 0, time.UTC)
	if err := f.store.StampJobLastRun(job.ID, lastRun); err != nil {
		t.Fatalf("StampJobLastRun: %v", err)
	}
	if err := f.store.UpdateJobHash(job.ID, "abc123"); err != nil {
		t.Fatalf("UpdateJobHash: %v", err)
	}

	job.Query = "SELECT 42"
	updated, err := f.sched.UpdateJob(job)
	if err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	if updated.LastRun == nil || !updated.LastRun.Equal(lastRun) {
		t.Fatalf("lastRun lost on update: %+v", updated.LastRun)
	}
	if updated.LastHash != "abc123" {
		t.Fatalf("lastHash lost on update: %q", updated.LastHash)
	}
}

func TestScheduler_DeleteJobUnschedules(t *testing.T) {
	f := newFixture(t)
	conn := f.seedConnection(t, "alpha")
	job := f.seedJob(t, "daily", conn.ID)

	f.sched.StartAll()
	if _, ok := f.sched.NextRuns()[job.ID]; !ok {
		t.Fatal("job should be scheduled before deletion")
	}

	if err := f.sched.DeleteJob(job.ID); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	if _, ok := f.sched.NextRuns()[job.ID]; ok {
		t.Fatal("deleted job must not keep a cron entry")
	}
	if _, err := f.sched.GetJob(job.ID); !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestScheduler_AddConnectionMergesOnSameEndpoint(t *testing.T) {
	f := newFixture(t)
	first := f.seedConnection(t, "alpha")

	merged, wasMerged, err := f.sched.AddConnection(catalog.Connection{
		Name:          "alpha renamed",
		Host:          "ALPHA.db.local", // identidade canônica ignora caixa
		Database:      "erp",
		User:          "reader",
		Password:      "rotated",
		FinancialYear: "2025/26",
	})
	if err != nil {
		t.Fatalf("AddConnection: %v", err)
	}
	if !wasMerged {
		t.Fatal("same endpoint should merge, not duplicate")
	}
	if merged.ID != first.ID {
		t.Fatalf("merge must keep the existing id, got %q want %q", merged.ID, first.ID)
	}
	if merged.Name != "alpha renamed" || merged.Password != "rotated" || merged.FinancialYear != "2025/26" {
		t.Fatalf("merge should take the incoming metadata: %+v", merged)
	}
	if got := len(f.sched.GetConnections()); got != 1 {
		t.Fatalf("catalogue should hold one connection, got %d", got)
	}
}

func TestScheduler_DuplicateConnectionBypassesMerge(t *testing.T) {
	f := newFixture(t)
	first := f.seedConnection(t, "alpha")

	now := time.Now()
	if err := f.store.StampConnectionTest(first.ID, catalog.TestStatusConnected, catalog.EndpointPrimary, now); err != nil {
		t.Fatalf("StampConnectionTest: %v", err)
	}

	dup, err := f.sched.DuplicateConnection(first.ID)
	if err != nil {
		t.Fatalf("DuplicateConnection: %v", err)
	}
	if dup.ID == first.ID {
		t.Fatal("duplicate must carry a new id")
	}
	if dup.Name != "alpha (copy)" {
		t.Fatalf("duplicate name: %q", dup.Name)
	}
	if dup.LastTested != nil || dup.TestStatus != catalog.TestStatusUntested || dup.ActiveEndpointType != "" {
		t.Fatalf("duplicate should reset test stamps: %+v", dup)
	}
	if got := len(f.sched.GetConnections()); got != 2 {
		t.Fatalf("catalogue should hold both connections, got %d", got)
	}

	dupes := f.sched.DuplicateEndpoints()
	if len(dupes) != 1 {
		t.Fatalf("shared endpoint should be flagged, got %v", dupes)
	}
}

func TestScheduler_DeleteConnectionRefusesWhileReferenced(t *testing.T) {
	f := newFixture(t)
	conn := f.seedConnection(t, "alpha")
	job := f.seedJob(t, "daily", conn.ID)

	err := f.sched.DeleteConnection(conn.ID)
	if !errors.Is(err, catalog.ErrConflict) {
		t.Fatalf("got %v, want ErrConflict", err)
	}

	if err := f.sched.DeleteJob(job.ID); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	if err := f.sched.DeleteConnection(conn.ID); err != nil {
		t.Fatalf("DeleteConnection after release: %v", err)
	}
	if got := len(f.sched.GetConnections()); got != 0 {
		t.Fatalf("connection should be gone, got %d", got)
	}
}

func TestScheduler_BulkTestConnections(t *testing.T) {
	f := newFixture(t)
	alpha := f.seedConnection(t, "alpha")
	beta := f.seedConnection(t, "beta")

	f.runner.testErrs = map[string]error{
		beta.ID: fmt.Errorf("%w: refused", catalog.ErrConnectFailed),
	}

	outcomes := f.sched.BulkTestConnections(context.Background(), nil, 5)
	if len(outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(outcomes))
	}

	byID := make(map[string]TestOutcome, len(outcomes))
	for _, o := range outcomes {
		byID[o.ConnectionID] = o
	}
	if got := byID[alpha.ID]; got.Status != catalog.TestStatusConnected || got.Endpoint != catalog.EndpointPrimary {
		t.Fatalf("alpha outcome: %+v", got)
	}
	if got := byID[beta.ID]; got.Status != catalog.TestStatusFailed || got.Error == "" {
		t.Fatalf("beta outcome: %+v", got)
	}
}

func TestScheduler_BulkTestSubset(t *testing.T) {
	f := newFixture(t)
	_ = f.seedConnection(t, "alpha")
	beta := f.seedConnection(t, "beta")

	outcomes := f.sched.BulkTestConnections(context.Background(), []string{beta.ID}, 0)
	if len(outcomes) != 1 || outcomes[0].ConnectionID != beta.ID {
		t.Fatalf("subset outcomes: %+v", outcomes)
	}
}

func TestScheduler_UpdateSettingsPropagatesAndKeepsTaxonomy(t *testing.T) {
	f := newFixture(t)

	var applied []catalog.Settings
	f.sched.apply = func(s catalog.Settings) { applied = append(applied, s) }

	if err := f.sched.AddFinancialYear("2025/26"); err != nil {
		t.Fatalf("AddFinancialYear: %v", err)
	}

	updated, err := f.sched.UpdateSettings(catalog.Settings{
		MaxConcurrentJobs: 5,
		RetryDelayMs:      250,
	})
	if err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}
	if updated.MaxConcurrentJobs != 5 || updated.RetryDelayMs != 250 {
		t.Fatalf("settings not applied: %+v", updated)
	}
	if len(updated.FinancialYears) != 1 || updated.FinancialYears[0] != "2025/26" {
		t.Fatalf("taxonomy must survive a settings update: %+v", updated.FinancialYears)
	}
	if len(applied) != 1 || applied[0].MaxConcurrentJobs != 5 {
		t.Fatalf("applier should receive the new settings: %+v", applied)
	}

	if _, err := f.sched.UpdateSettings(catalog.Settings{RetryDelayMs: -1}); !errors.Is(err, catalog.ErrConfigInvalid) {
		t.Fatalf("negative knobs: got %v, want ErrConfigInvalid", err)
	}
}

func TestScheduler_TaxonomyCRUD(t *testing.T) {
	f := newFixture(t)

	t.Run("string lists refuse duplicates", func(t *testing.T) {
		if err := f.sched.AddPartner("Acme"); err != nil {
			t.Fatalf("AddPartner: %v", err)
		}
		if err := f.sched.AddPartner("acme"); !errors.Is(err, catalog.ErrConflict) {
			t.Fatalf("got %v, want ErrConflict", err)
		}
		if err := f.sched.DeletePartner("ACME"); err != nil {
			t.Fatalf("DeletePartner: %v", err)
		}
		if err := f.sched.DeletePartner("Acme"); !errors.Is(err, catalog.ErrNotFound) {
			t.Fatalf("got %v, want ErrNotFound", err)
		}
	})

	t.Run("stores key on shortName", func(t *testing.T) {
		store, err := f.sched.AddStore(catalog.Store{Name: "Main Street", ShortName: "MAIN"})
		if err != nil {
			t.Fatalf("AddStore: %v", err)
		}
		if store.ID == "" {
			t.Fatal("store should receive an id")
		}
		if _, err := f.sched.AddStore(catalog.Store{Name: "Another", ShortName: "main"}); !errors.Is(err, catalog.ErrConflict) {
			t.Fatalf("got %v, want ErrConflict", err)
		}

		store.Name = "Main Street Store"
		if _, err := f.sched.UpdateStore(store); err != nil {
			t.Fatalf("UpdateStore: %v", err)
		}
		if err := f.sched.DeleteStore(store.ID); err != nil {
			t.Fatalf("DeleteStore: %v", err)
		}
	})

	t.Run("operators and channels", func(t *testing.T) {
		op, err := f.sched.AddOperator(catalog.Operator{Name: "Dana", Phone: "+44 7700 900000"})
		if err != nil {
			t.Fatalf("AddOperator: %v", err)
		}
		if _, err := f.sched.AddOperator(catalog.Operator{Name: "dana"}); !errors.Is(err, catalog.ErrConflict) {
			t.Fatalf("got %v, want ErrConflict", err)
		}
		if err := f.sched.DeleteOperator(op.ID); err != nil {
			t.Fatalf("DeleteOperator: %v", err)
		}

		ch, err := f.sched.AddNotificationChannel(catalog.NotificationChannel{
			Name:   "ops-webhook",
			Kind:   "webhook",
			Target: "https://hooks.local/ops",
		})
		if err != nil {
			t.Fatalf("AddNotificationChannel: %v", err)
		}
		ch.Target = "https://hooks.local/ops2"
		if _, err := f.sched.UpdateNotificationChannel(ch); err != nil {
			t.Fatalf("UpdateNotificationChannel: %v", err)
		}
		if err := f.sched.DeleteNotificationChannel(ch.ID); err != nil {
			t.Fatalf("DeleteNotificationChannel: %v", err)
		}
	})
}

func TestScheduler_CataloguePersistsAcrossReload(t *testing.T) {
	f := newFixture(t)
	conn := f.seedConnection(t, "alpha")
	job := f.seedJob(t, "daily", conn.ID)

	// Um segundo scheduler sobre o mesmo arquivo enxerga tudo e agenda igual.
	reloaded := catalog.NewFileStore(f.store.Path())
	if err := reloaded.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sched2 := New(noop.NewProvider(), reloaded, &fakeQueue{}, &fakeRunner{})
	t.Cleanup(sched2.StopAll)

	sched2.StartAll()
	if _, ok := sched2.NextRuns()[job.ID]; !ok {
		t.Fatal("reloaded catalogue should schedule the same job")
	}
	got, err := sched2.GetConnection(conn.ID)
	if err != nil || got.Name != "alpha" {
		t.Fatalf("reloaded connection: %+v, %v", got, err)
	}
}
