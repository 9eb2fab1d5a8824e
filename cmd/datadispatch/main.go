// O comando datadispatch sobe o daemon completo: catálogo, pools SQL, fila
// de execução, scheduler, buffer de streaming, histórico e a superfície RPC,
// com desligamento gracioso na ordem inversa da subida.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/JailtonJunior94/datadispatch/pkg/catalog"
	"github.com/JailtonJunior94/datadispatch/pkg/config"
	"github.com/JailtonJunior94/datadispatch/pkg/databuffer"
	"github.com/JailtonJunior94/datadispatch/pkg/destination"
	"github.com/JailtonJunior94/datadispatch/pkg/destination/csvfile"
	"github.com/JailtonJunior94/datadispatch/pkg/destination/customapi"
	"github.com/JailtonJunior94/datadispatch/pkg/destination/excelfile"
	"github.com/JailtonJunior94/datadispatch/pkg/destination/sheets"
	"github.com/JailtonJunior94/datadispatch/pkg/destination/webhook"
	"github.com/JailtonJunior94/datadispatch/pkg/events"
	"github.com/JailtonJunior94/datadispatch/pkg/executor"
	"github.com/JailtonJunior94/datadispatch/pkg/history"
	"github.com/JailtonJunior94/datadispatch/pkg/joblog"
	"github.com/JailtonJunior94/datadispatch/pkg/jobqueue"
	"github.com/JailtonJunior94/datadispatch/pkg/observability"
	"github.com/JailtonJunior94/datadispatch/pkg/observability/zapprom"
	"github.com/JailtonJunior94/datadispatch/pkg/progress"
	"github.com/JailtonJunior94/datadispatch/pkg/rpcserver"
	"github.com/JailtonJunior94/datadispatch/pkg/scheduler"
	"github.com/JailtonJunior94/datadispatch/pkg/sqlpool"
)

// version é preenchida no build via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "caminho do arquivo de configuração")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Fatal(err)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	obs, err := newObservability(cfg.Log)
	if err != nil {
		return err
	}
	ctx := context.Background()
	defer obs.Shutdown(ctx)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	// Catálogo: conexões, jobs e settings, com as settings semeando os
	// limites iniciais de pools e fila.
	store := catalog.NewFileStore(cfg.CataloguePath())
	if err := store.Load(); err != nil {
		return fmt.Errorf("load catalogue: %w", err)
	}
	settings := store.Settings()

	dispatcher := events.NewDispatcher(events.WithErrorObserver(func(eventType string, err error) {
		obs.Logger().Warn(ctx, "event subscriber failed",
			observability.String("event_type", eventType),
			observability.Error(err),
		)
	}))

	checkpoints := progress.NewCheckpointStore(cfg.CheckpointDir())
	tracker := progress.NewTracker(checkpoints, dispatcher, obs)

	hist := history.NewStore(cfg.HistoryPath(), obs)
	if err := hist.Load(); err != nil {
		obs.Logger().Warn(ctx, "history unavailable, starting empty", observability.Error(err))
	}
	if err := hist.Subscribe(dispatcher); err != nil {
		return fmt.Errorf("subscribe history: %w", err)
	}

	jlog, err := joblog.New(cfg.JobLogPath())
	if err != nil {
		return fmt.Errorf("open operator log: %w", err)
	}
	defer jlog.Close()
	if err := newJobLogObserver(jlog).Subscribe(dispatcher); err != nil {
		return fmt.Errorf("subscribe operator log: %w", err)
	}

	pools := sqlpool.NewManager(obs,
		sqlpool.WithConfig(poolConfig(settings)),
		sqlpool.WithMaxConcurrent(settings.MaxConcurrentConnections),
	)

	registry := destination.NewRegistry()
	registry.Register(webhook.New())
	registry.Register(customapi.New())
	registry.Register(sheets.New())
	registry.Register(excelfile.New())
	registry.Register(csvfile.New())

	// O avaliador de trigger é compartilhado: o executor o usa no caminho
	// direto e o buffer no caminho de streaming.
	trigger := executor.NewChangeTracker(store, obs)

	buffer := databuffer.New(obs, registry, store,
		databuffer.WithConfig(databuffer.Config{
			FlushInterval: cfg.Buffer.FlushInterval.Std(),
			SizeThreshold: cfg.Buffer.SizeThreshold,
			MaxAttempts:   cfg.Buffer.MaxAttempts,
			InitialDelay:  cfg.Buffer.InitialDelay.Std(),
			BackupDir:     cfg.BufferBackupDir(),
		}),
		databuffer.WithTrigger(trigger.Evaluate),
	)

	exec := executor.New(obs, store, executor.NewPoolManager(pools), tracker, buffer, registry,
		executor.WithChangeTracker(trigger),
	)

	queue := jobqueue.New(obs,
		jobqueue.WithConfig(queueConfig(settings)),
		jobqueue.WithDispatcher(dispatcher),
	)

	sched := scheduler.New(obs, store, queue, exec,
		scheduler.WithSettingsApplier(func(s catalog.Settings) {
			queue.UpdateConfig(queueConfig(s))
			pools.UpdateConfig(poolConfig(s))
		}),
	)

	// Execuções que uma queda anterior deixou pela metade voltam para a fila
	// antes do relógio ligar.
	if resumed := sched.RecoverInterrupted(ctx, tracker); resumed > 0 {
		obs.Logger().Info(ctx, "interrupted runs re-enqueued", observability.Int("count", resumed))
	}

	hub := rpcserver.NewEventHub(obs)
	if err := hub.Subscribe(dispatcher); err != nil {
		return fmt.Errorf("subscribe event stream: %w", err)
	}

	server, err := rpcserver.New(obs,
		rpcserver.WithAddress(cfg.HTTP.Addr),
		rpcserver.WithReadTimeout(cfg.HTTP.ReadTimeout.Std()),
		rpcserver.WithWriteTimeout(cfg.HTTP.WriteTimeout.Std()),
		rpcserver.WithIdleTimeout(cfg.HTTP.IdleTimeout.Std()),
		rpcserver.WithBodyLimit(cfg.HTTP.BodyLimit),
		rpcserver.WithRequestTimeout(cfg.HTTP.RequestTimeout.Std()),
		rpcserver.WithRouteTimeout(rpcserver.EventStreamPath, 0),
		rpcserver.WithServiceName("datadispatch"),
		rpcserver.WithServiceVersion(version),
		rpcserver.WithHealthCheck("data_dir", func(ctx context.Context) error {
			info, err := os.Stat(cfg.DataDir)
			if err != nil {
				return err
			}
			if !info.IsDir() {
				return fmt.Errorf("%s is not a directory", cfg.DataDir)
			}
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	server.RegisterRouters(
		rpcserver.NewJobsRouter(sched, tracker),
		rpcserver.NewConnectionsRouter(sched),
		rpcserver.NewSettingsRouter(sched),
		rpcserver.NewStatusRouter(queue, pools, hist, jlog),
		rpcserver.NewEventsRouter(hub),
	)

	sched.StartAll()
	jlog.Info("", "datadispatch started", map[string]any{"address": cfg.HTTP.Addr, "version": version})

	serveErr := server.Start(ctx)

	// Ordem de desligamento: relógio, fila (drena até o timeout), buffer
	// (flush final), pools. O log do operador fecha por último via defer.
	sched.StopAll()
	if err := queue.Shutdown(cfg.Queue.ShutdownTimeout.Std()); err != nil {
		obs.Logger().Warn(ctx, "queue shutdown incomplete", observability.Error(err))
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout.Std())
	defer cancel()
	if err := buffer.Close(closeCtx); err != nil {
		obs.Logger().Warn(ctx, "buffer close incomplete", observability.Error(err))
	}

	pools.DestroyAll()
	jlog.Info("", "datadispatch stopped", nil)
	return serveErr
}

func newObservability(cfg config.Log) (*zapprom.Provider, error) {
	format := observability.LogFormatJSON
	if cfg.Format == "console" {
		format = observability.LogFormatText
	}
	return zapprom.NewProvider(
		zapprom.WithLevel(observability.LogLevel(cfg.Level)),
		zapprom.WithFormat(format),
		zapprom.WithServiceName("datadispatch"),
	)
}

// poolConfig projeta as settings do operador nos limites do pool manager.
func poolConfig(s catalog.Settings) sqlpool.Config {
	return sqlpool.Config{
		PoolMax:        s.PoolMax,
		IdleClose:      s.IdleClose(),
		ConnectTimeout: s.ConnectionTimeout(),
		RequestTimeout: s.RequestTimeout(),
	}
}

// queueConfig projeta as settings do operador nos knobs da fila.
func queueConfig(s catalog.Settings) jobqueue.Config {
	return jobqueue.Config{
		MaxConcurrent:     s.MaxJobs(),
		RetryDelay:        s.RetryDelay(),
		BackoffMultiplier: s.Backoff(),
	}
}
