package catalog

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultPort is the SQL Server default when a connection omits the port.
const DefaultPort = 1433

// TestStatus is the outcome of the most recent connectivity test.
type TestStatus string

const (
	TestStatusConnected TestStatus = "connected"
	TestStatusFailed    TestStatus = "failed"
	TestStatusUntested  TestStatus = "untested"
)

// EndpointType identifies which of a connection's endpoints last succeeded.
type EndpointType string

const (
	EndpointPrimary  EndpointType = "primary"
	EndpointFallback EndpointType = "fallback"
)

// Grouping classifies who owns the database behind a connection.
type Grouping string

const (
	GroupingSelf    Grouping = "self"
	GroupingPartner Grouping = "partner"
)

// Connection is a configured database endpoint with credentials and
// operator-facing metadata. The fallback host/port, when set, is tried after
// a primary connect failure (typically a VPN route).
type Connection struct {
	ID                 string       `json:"id"`
	Name               string       `json:"name"`
	Host               string       `json:"host"`
	Port               int          `json:"port,omitempty"`
	Database           string       `json:"database"`
	User               string       `json:"user"`
	Password           string       `json:"password"`
	FallbackHost       string       `json:"fallbackHost,omitempty"`
	FallbackPort       int          `json:"fallbackPort,omitempty"`
	Grouping           Grouping     `json:"grouping,omitempty"`
	Partner            string       `json:"partner,omitempty"`
	FinancialYear      string       `json:"financialYear,omitempty"`
	StoreShortName     string       `json:"storeShortName,omitempty"`
	LastTested         *time.Time   `json:"lastTested,omitempty"`
	TestStatus         TestStatus   `json:"testStatus,omitempty"`
	ActiveEndpointType EndpointType `json:"activeEndpointType,omitempty"`
}

// HasPrimary reports whether a primary endpoint is configured. A connection
// may carry only a fallback endpoint.
func (c Connection) HasPrimary() bool {
	return strings.TrimSpace(c.Host) != ""
}

// HasFallback reports whether a fallback endpoint is configured.
func (c Connection) HasFallback() bool {
	return strings.TrimSpace(c.FallbackHost) != ""
}

// WithEndpoint returns a copy of the connection pointed at the given
// host/port. Used to rebuild a config when falling back.
func (c Connection) WithEndpoint(host string, port int) Connection {
	out := c
	out.Host = host
	out.Port = port
	return out
}

// FallbackConnection returns a copy targeting the fallback endpoint.
func (c Connection) FallbackConnection() Connection {
	return c.WithEndpoint(c.FallbackHost, c.FallbackPort)
}

// NormalizeEndpoint lower-cases the host, splits an embedded "host:port"
// into its parts, and coerces a missing port to the protocol default.
func NormalizeEndpoint(host string, port int) (string, int) {
	host = strings.ToLower(strings.TrimSpace(host))
	if idx := strings.LastIndex(host, ":"); idx >= 0 {
		if p, err := strconv.Atoi(host[idx+1:]); err == nil {
			host = host[:idx]
			if port == 0 {
				port = p
			}
		}
	}
	if port == 0 {
		port = DefaultPort
	}
	return host, port
}

// PoolKey is the canonical identity of a connection's endpoint. Two
// connections with the same key share one session pool.
func (c Connection) PoolKey() string {
	host, port := NormalizeEndpoint(c.Host, c.Port)
	return fmt.Sprintf("%s:%d/%s@%s", host, port, strings.ToLower(c.Database), c.User)
}

// EndpointKey identifies the logical endpoint without the user, used to flag
// duplicate (host, port, database) triples across the catalogue.
func (c Connection) EndpointKey() string {
	host, port := NormalizeEndpoint(c.Host, c.Port)
	return fmt.Sprintf("%s:%d/%s", host, port, strings.ToLower(c.Database))
}
