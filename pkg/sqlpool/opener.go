package sqlpool

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"

	"github.com/JailtonJunior94/datadispatch/pkg/catalog"

	"github.com/XSAM/otelsql"
	"github.com/jmoiron/sqlx"
	_ "github.com/microsoft/go-mssqldb"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Opener estabelece o pool de sessões subjacente para um endpoint.
type Opener interface {
	Open(ctx context.Context, conn catalog.Connection, cfg Config) (*sqlx.DB, error)
}

var (
	registerOnce     sync.Once
	registeredDriver string
	registerErr      error
)

// instrumentedDriver registra o driver sqlserver embrulhado pelo otelsql.
// O registro é global no database/sql, então acontece uma única vez.
func instrumentedDriver() (string, error) {
	registerOnce.Do(func() {
		registeredDriver, registerErr = otelsql.Register(
			"sqlserver",
			otelsql.WithAttributes(semconv.DBSystemMSSQL),
			otelsql.WithSpanOptions(otelsql.SpanOptions{
				DisableErrSkip: false,
			}),
		)
	})
	return registeredDriver, registerErr
}

type mssqlOpener struct{}

// NewMSSQLOpener retorna o Opener padrão, que disca SQL Server com o driver
// instrumentado e verifica a conectividade antes de entregar o pool.
func NewMSSQLOpener() Opener {
	return mssqlOpener{}
}

func (mssqlOpener) Open(ctx context.Context, conn catalog.Connection, cfg Config) (*sqlx.DB, error) {
	driverName, err := instrumentedDriver()
	if err != nil {
		return nil, fmt.Errorf("register instrumented driver: %w", err)
	}

	raw, err := sql.Open(driverName, BuildDSN(conn, cfg))
	if err != nil {
		return nil, fmt.Errorf("open session pool: %w", err)
	}

	db := sqlx.NewDb(raw, "sqlserver")
	db.SetMaxOpenConns(cfg.PoolMax)
	db.SetMaxIdleConns(cfg.PoolMax)
	db.SetConnMaxIdleTime(cfg.IdleClose)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	// Métricas de pool (db.client.connections.*) via provider global do otel.
	if _, err := otelsql.RegisterDBStatsMetrics(raw); err != nil {
		// Não fatal: o pool funciona sem as métricas de driver.
		_ = err
	}
	return db, nil
}

// BuildDSN monta a URL de conexão sqlserver:// para o endpoint normalizado
// da conexão.
func BuildDSN(conn catalog.Connection, cfg Config) string {
	host, port := catalog.NormalizeEndpoint(conn.Host, conn.Port)

	query := url.Values{}
	query.Set("database", conn.Database)
	query.Set("app name", "datadispatch")
	if cfg.ConnectTimeout > 0 {
		query.Set("dial timeout", strconv.Itoa(int(cfg.ConnectTimeout.Seconds())))
	}

	u := url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(conn.User, conn.Password),
		Host:     net.JoinHostPort(host, strconv.Itoa(port)),
		RawQuery: query.Encode(),
	}
	return u.String()
}
