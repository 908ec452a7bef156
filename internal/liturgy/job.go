package liturgy

import "time"

// Status is the state recorded with each run-log entry.
type Status string

// Run-log statuses.
const (
	StatusStart   Status = "START"
	StatusRunning Status = "RUNNING"
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
)

// Coarse phase codes recorded as the step of each run-log entry. Dashboards
// read progress from these without parsing messages.
const (
	PhaseStart = 0
	PhaseCheck = 1000
	PhaseFetch = 1100
	PhaseSave  = 1200
	PhaseSend  = 1300
	PhaseDone  = 2000
)

// JobInput is the key a run was dispatched for.
type JobInput struct {
	Date    string `json:"date" bson:"date"`
	Lang    string `json:"lang" bson:"lang"`
	ToEmail string `json:"toEmail,omitempty" bson:"to_email,omitempty"`
}

// LogEntry is one append-only step of a job run.
type LogEntry struct {
	Step      int       `json:"step" bson:"step"`
	Status    Status    `json:"status" bson:"status"`
	Message   string    `json:"message" bson:"message"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
}

// JobRun is the audit record for one dispatched job.
type JobRun struct {
	ID        string     `json:"id" bson:"_id"`
	Kind      string     `json:"kind" bson:"kind"`
	Input     JobInput   `json:"input" bson:"input"`
	Attempt   int        `json:"attempt" bson:"attempt"`
	Logs      []LogEntry `json:"logs" bson:"logs"`
	CreatedAt time.Time  `json:"created_at" bson:"created_at"`
}

// Last returns the most recent log entry, if any.
func (r JobRun) Last() (LogEntry, bool) {
	if len(r.Logs) == 0 {
		return LogEntry{}, false
	}
	return r.Logs[len(r.Logs)-1], true
}

// Finished reports whether the run ended in SUCCESS or FAILURE.
func (r JobRun) Finished() bool {
	last, ok := r.Last()
	if !ok {
		return false
	}
	return last.Status == StatusSuccess || last.Status == StatusFailure
}
