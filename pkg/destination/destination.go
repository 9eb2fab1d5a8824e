// Package destination define o contrato entre o executor/buffer e os sinks
// concretos (webhook, custom API, Google Sheets, Excel, CSV). Adapters
// recebem linhas já coletadas e nunca veem credenciais de banco.
package destination

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/JailtonJunior94/datadispatch/pkg/catalog"
)

// Row é uma linha de resultado: nome da coluna → valor.
type Row map[string]any

// ConnectionInfo é o subconjunto não sensível de uma conexão que os adapters
// podem renderizar ou serializar.
type ConnectionInfo struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Host           string `json:"host,omitempty"`
	Database       string `json:"database,omitempty"`
	Grouping       string `json:"grouping,omitempty"`
	Partner        string `json:"partner,omitempty"`
	FinancialYear  string `json:"financialYear,omitempty"`
	StoreShortName string `json:"storeShortName,omitempty"`
}

// InfoFor projeta uma conexão do catálogo no subconjunto visível a adapters.
func InfoFor(conn catalog.Connection) ConnectionInfo {
	return ConnectionInfo{
		ID:             conn.ID,
		Name:           conn.Name,
		Host:           conn.Host,
		Database:       conn.Database,
		Grouping:       string(conn.Grouping),
		Partner:        conn.Partner,
		FinancialYear:  conn.FinancialYear,
		StoreShortName: conn.StoreShortName,
	}
}

// Item é a contribuição de uma conexão num dispatch multi-conexão. Data
// carrega o rowset do modo query única; QueryResults o do modo multi-query.
// ConnectionFailedMessage marca a entrada sintética de uma conexão que
// falhou antes de produzir dados.
type Item struct {
	Connection              ConnectionInfo   `json:"connection"`
	Data                    []Row            `json:"data,omitempty"`
	QueryResults            map[string][]Row `json:"queryResults,omitempty"`
	ConnectionFailedMessage string           `json:"connectionFailedMessage,omitempty"`
}

// Rows devolve as linhas do item independente do modo de query: Data quando
// presente, senão os rowsets de QueryResults concatenados em ordem de nome.
func (i Item) Rows() []Row {
	if len(i.Data) > 0 || len(i.QueryResults) == 0 {
		return i.Data
	}
	names := make([]string, 0, len(i.QueryResults))
	for name := range i.QueryResults {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []Row
	for _, name := range names {
		out = append(out, i.QueryResults[name]...)
	}
	return out
}

// TotalRows soma as linhas de todos os itens.
func TotalRows(items []Item) int {
	total := 0
	for _, item := range items {
		total += len(item.Rows())
	}
	return total
}

// Meta carrega o contexto de um dispatch: identidade do job, conexão de
// origem (quando single-connection) e o recorte de settings visível a
// adapters.
type Meta struct {
	JobID           string    `json:"jobId"`
	JobName         string    `json:"jobName"`
	Group           string    `json:"group,omitempty"`
	RunAt           time.Time `json:"runAt"`
	RowCount        int       `json:"rowCount"`
	ConnectionID    string    `json:"connectionId,omitempty"`
	ConnectionName  string    `json:"connectionName,omitempty"`
	Database        string    `json:"database,omitempty"`
	Server          string    `json:"server,omitempty"`
	FinancialYear   string    `json:"financialYear,omitempty"`
	Partner         string    `json:"partner,omitempty"`
	SheetNameFormat string    `json:"-"`
}

// NewMeta monta a meta de um dispatch a partir do job e das settings.
func NewMeta(job catalog.Job, settings catalog.Settings, runAt time.Time) Meta {
	return Meta{
		JobID:           job.ID,
		JobName:         job.Name,
		Group:           job.Group,
		RunAt:           runAt,
		SheetNameFormat: settings.SheetNameFormat,
	}
}

// ForConnection devolve uma cópia da meta apontando para uma conexão.
func (m Meta) ForConnection(info ConnectionInfo, rowCount int) Meta {
	out := m
	out.ConnectionID = info.ID
	out.ConnectionName = info.Name
	out.Database = info.Database
	out.Server = info.Host
	out.FinancialYear = info.FinancialYear
	out.Partner = info.Partner
	out.RowCount = rowCount
	return out
}

// Result é o desfecho de um dispatch.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// Adapter é o contrato de dispatch de uma conexão só.
type Adapter interface {
	Name() string
	Send(ctx context.Context, rows []Row, dest catalog.Destination, meta Meta) (Result, error)
}

// MultiSender é a capacidade opcional de dispatch multi-conexão. Quando o
// adapter a implementa, executor e buffer preferem essa entrada.
type MultiSender interface {
	SendMulti(ctx context.Context, items []Item, dest catalog.Destination, meta Meta) (Result, error)
}

// Registry resolve o tipo de destino para o adapter registrado.
type Registry struct {
	mu       sync.RWMutex
	adapters map[catalog.DestinationType]Adapter
}

// NewRegistry cria um registry vazio.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[catalog.DestinationType]Adapter)}
}

// Register registra o adapter sob o próprio Name. Registro repetido
// substitui o anterior.
func (r *Registry) Register(adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[catalog.DestinationType(adapter.Name())] = adapter
}

// Lookup devolve o adapter do tipo, se registrado.
func (r *Registry) Lookup(destType catalog.DestinationType) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[destType]
	return adapter, ok
}

// Types lista os tipos registrados em ordem estável.
func (r *Registry) Types() []catalog.DestinationType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]catalog.DestinationType, 0, len(r.adapters))
	for destType := range r.adapters {
		out = append(out, destType)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Columns devolve a união ordenada das chaves de todas as linhas, o header
// determinístico dos sinks tabulares.
func Columns(rows []Row) []string {
	seen := make(map[string]struct{})
	for _, row := range rows {
		for key := range row {
			seen[key] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for key := range seen {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// CellString renderiza um valor de célula para sinks texto (CSV, Sheets).
func CellString(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case []byte:
		return string(value)
	case bool:
		return strconv.FormatBool(value)
	case int64:
		return strconv.FormatInt(value, 10)
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case time.Time:
		return value.Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", value)
	}
}

// SheetName expande o formato de nome de aba para uma conexão. Placeholders:
// {connection}, {database}, {store}, {year}, {partner}, {job} e {date}
// (AAAA-MM-DD do runAt). Sem formato, ou com expansão vazia, vale fallback.
func SheetName(format string, meta Meta, info ConnectionInfo, fallback string) string {
	if strings.TrimSpace(format) == "" {
		if fallback != "" {
			return fallback
		}
		return info.Name
	}

	replacer := strings.NewReplacer(
		"{connection}", info.Name,
		"{database}", info.Database,
		"{store}", info.StoreShortName,
		"{year}", info.FinancialYear,
		"{partner}", info.Partner,
		"{job}", meta.JobName,
		"{date}", meta.RunAt.Format("2006-01-02"),
	)
	name := strings.TrimSpace(replacer.Replace(format))
	if name == "" {
		if fallback != "" {
			return fallback
		}
		return info.Name
	}
	return name
}
