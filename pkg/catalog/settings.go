package catalog

import (
	"encoding/json"
	"time"
)

// StringList is a list of plain strings that also accepts the legacy
// persisted shape, a list of {id, name|year} objects. Readers normalise to
// strings; writers always emit strings.
type StringList []string

func (l *StringList) UnmarshalJSON(data []byte) error {
	var plain []string
	if err := json.Unmarshal(data, &plain); err == nil {
		*l = plain
		return nil
	}

	var objects []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		Year string `json:"year"`
	}
	if err := json.Unmarshal(data, &objects); err != nil {
		return err
	}

	out := make([]string, 0, len(objects))
	for _, o := range objects {
		switch {
		case o.Name != "":
			out = append(out, o.Name)
		case o.Year != "":
			out = append(out, o.Year)
		}
	}
	*l = out
	return nil
}

// Store is a physical store a connection can be tagged with.
type Store struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ShortName string `json:"shortName"`
}

// Operator is a person notified about run outcomes.
type Operator struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
}

// NotificationChannel is a configured outbound notification target.
type NotificationChannel struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Kind   string `json:"kind"`
	Target string `json:"target"`
}

// Settings carries runtime tuning knobs plus the operator taxonomy.
// Zero values mean "use the built-in default".
type Settings struct {
	ConnectionTimeoutMs      int     `json:"connectionTimeoutMs,omitempty"`
	RequestTimeoutMs         int     `json:"requestTimeoutMs,omitempty"`
	PoolMax                  int     `json:"poolMax,omitempty"`
	IdleCloseMs              int     `json:"idleCloseMs,omitempty"`
	MaxConcurrentConnections int     `json:"maxConcurrentConnections,omitempty"`
	MaxConcurrentJobs        int     `json:"maxConcurrentJobs,omitempty"`
	RetryDelayMs             int     `json:"retryDelayMs,omitempty"`
	BackoffMultiplier        float64 `json:"backoffMultiplier,omitempty"`
	SheetNameFormat          string  `json:"sheetNameFormat,omitempty"`

	FinancialYears       StringList            `json:"financialYears,omitempty"`
	Partners             StringList            `json:"partners,omitempty"`
	JobGroups            StringList            `json:"jobGroups,omitempty"`
	Stores               []Store               `json:"stores,omitempty"`
	Operators            []Operator            `json:"operators,omitempty"`
	NotificationChannels []NotificationChannel `json:"notificationChannels,omitempty"`
}

func (s Settings) clone() Settings {
	out := s
	out.FinancialYears = append(StringList(nil), s.FinancialYears...)
	out.Partners = append(StringList(nil), s.Partners...)
	out.JobGroups = append(StringList(nil), s.JobGroups...)
	out.Stores = append([]Store(nil), s.Stores...)
	out.Operators = append([]Operator(nil), s.Operators...)
	out.NotificationChannels = append([]NotificationChannel(nil), s.NotificationChannels...)
	return out
}

// ConnectionTimeout returns the connect deadline, defaulting to 15s.
func (s Settings) ConnectionTimeout() time.Duration {
	if s.ConnectionTimeoutMs <= 0 {
		return 15 * time.Second
	}
	return time.Duration(s.ConnectionTimeoutMs) * time.Millisecond
}

// RequestTimeout returns the per-query deadline, defaulting to 300s.
func (s Settings) RequestTimeout() time.Duration {
	if s.RequestTimeoutMs <= 0 {
		return 300 * time.Second
	}
	return time.Duration(s.RequestTimeoutMs) * time.Millisecond
}

// IdleClose returns the pool idle-close window, defaulting to 60s.
func (s Settings) IdleClose() time.Duration {
	if s.IdleCloseMs <= 0 {
		return 60 * time.Second
	}
	return time.Duration(s.IdleCloseMs) * time.Millisecond
}

// MaxJobs returns the queue's concurrent-run cap, defaulting to 3.
func (s Settings) MaxJobs() int {
	if s.MaxConcurrentJobs <= 0 {
		return 3
	}
	return s.MaxConcurrentJobs
}

// RetryDelay returns the queue's initial retry delay, defaulting to 5s.
func (s Settings) RetryDelay() time.Duration {
	if s.RetryDelayMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(s.RetryDelayMs) * time.Millisecond
}

// Backoff returns the queue's retry multiplier, defaulting to 2.
func (s Settings) Backoff() float64 {
	if s.BackoffMultiplier <= 1 {
		return 2
	}
	return s.BackoffMultiplier
}
