package progress

import "time"

// Tipos de evento publicados pelo tracker a cada transição.
const (
	EventJobStarted          = "job:started"
	EventJobProgress         = "job:progress"
	EventJobCompleted        = "job:completed"
	EventJobFailed           = "job:failed"
	EventJobCancelled        = "job:cancelled"
	EventJobFinished         = "job:finished"
	EventConnectionStarted   = "connection:started"
	EventConnectionProgress  = "connection:progress"
	EventConnectionCompleted = "connection:completed"
	EventConnectionFailed    = "connection:failed"
)

// JobEvent é o payload dos eventos de transição. ConnectionID fica vazio em
// eventos de nível de job.
type JobEvent struct {
	JobID        string   `json:"jobId"`
	ConnectionID string   `json:"connectionId,omitempty"`
	Snapshot     Snapshot `json:"snapshot"`
}

// FinishedEvent é o payload de job:finished, emitido em toda transição
// terminal com o estado final e a duração da execução.
type FinishedEvent struct {
	JobID    string        `json:"jobId"`
	JobName  string        `json:"jobName"`
	Status   JobStatus     `json:"status"`
	Duration time.Duration `json:"duration"`
	Snapshot Snapshot      `json:"snapshot"`
}
