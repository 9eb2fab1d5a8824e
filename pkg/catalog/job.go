package catalog

import (
	"fmt"
	"strings"
	"time"
)

// RecurrenceType selects how a job's firing schedule is derived.
type RecurrenceType string

const (
	RecurrenceOnce       RecurrenceType = "once"
	RecurrenceDaily      RecurrenceType = "daily"
	RecurrenceEveryNDays RecurrenceType = "everyNDays"
	RecurrenceCustom     RecurrenceType = "custom"
)

// TriggerPolicy decides whether a rowset is dispatched to destinations.
type TriggerPolicy string

const (
	TriggerAlways   TriggerPolicy = "always"
	TriggerOnChange TriggerPolicy = "onChange"
)

// NamedQuery is one entry of a job's multi-query form.
type NamedQuery struct {
	Name  string `json:"name"`
	Query string `json:"query"`
}

// Job binds queries, connections, and destinations under a recurrence rule.
// Either Query or Queries is used, never both: when Queries is non-empty the
// executor runs the multi-query form and ignores Query.
//
// Schedule and TimeOfDay without a RecurrenceType carry the legacy grammar
// kept for catalogues written by earlier versions (see scheduler).
type Job struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Enabled        bool           `json:"enabled"`
	ConnectionIDs  []string       `json:"connectionIds"`
	Query          string         `json:"query,omitempty"`
	Queries        []NamedQuery   `json:"queries,omitempty"`
	RecurrenceType RecurrenceType `json:"recurrenceType,omitempty"`
	TimeOfDay      string         `json:"timeOfDay,omitempty"`
	EveryNDays     int            `json:"everyNDays,omitempty"`
	CronExpression string         `json:"cronExpression,omitempty"`
	Schedule       string         `json:"schedule,omitempty"`
	Trigger        TriggerPolicy  `json:"trigger,omitempty"`
	LastHash       string         `json:"lastHash,omitempty"`
	Destinations   []Destination  `json:"destinations"`
	Group          string         `json:"group,omitempty"`
	LastRun        *time.Time     `json:"lastRun,omitempty"`
}

func (j Job) clone() Job {
	out := j
	out.ConnectionIDs = append([]string(nil), j.ConnectionIDs...)
	out.Queries = append([]NamedQuery(nil), j.Queries...)
	out.Destinations = append([]Destination(nil), j.Destinations...)
	return out
}

// MultiQuery reports whether the job uses the ordered named-query form.
func (j Job) MultiQuery() bool {
	return len(j.Queries) > 0
}

// DedupedConnectionIDs returns the connection ids with duplicates removed,
// first occurrence wins, order preserved.
func (j Job) DedupedConnectionIDs() []string {
	seen := make(map[string]struct{}, len(j.ConnectionIDs))
	out := make([]string, 0, len(j.ConnectionIDs))
	for _, id := range j.ConnectionIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Validate checks the structural constraints that do not depend on the
// recurrence grammar (the scheduler validates that part).
func (j Job) Validate() error {
	if strings.TrimSpace(j.Name) == "" {
		return fmt.Errorf("%w: job name is required", ErrConfigInvalid)
	}
	if strings.TrimSpace(j.Query) != "" && len(j.Queries) > 0 {
		return fmt.Errorf("%w: job %q sets both query and queries", ErrConfigInvalid, j.Name)
	}
	if strings.TrimSpace(j.Query) == "" && len(j.Queries) == 0 {
		return fmt.Errorf("%w: job %q has no query", ErrConfigInvalid, j.Name)
	}
	for _, q := range j.Queries {
		if strings.TrimSpace(q.Name) == "" || strings.TrimSpace(q.Query) == "" {
			return fmt.Errorf("%w: job %q has an unnamed or empty query entry", ErrConfigInvalid, j.Name)
		}
	}
	return nil
}
