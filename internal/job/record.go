// SPDX-License-Identifier: MIT

// Package job holds the canonical job record, the in-memory registry with
// its durable meta/ replica, and the background flusher that reconciles the
// two.
package job

// Status is the job lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusError || s == StatusCancelled
}

// Payload carries the immutable input parameters of a job.
type Payload struct {
	FilePath     string         `json:"file_path"`
	Language     string         `json:"language"`
	Model        string         `json:"model"`
	OriginalName string         `json:"original_name"`
	Options      map[string]any `json:"options"`
}

// LogLine is one entry of the per-job progress log. Seq is strictly
// increasing within a job and drives the status endpoint's cursor.
type LogLine struct {
	Seq int64  `json:"seq"`
	TS  string `json:"ts"`
	Msg string `json:"msg"`
}

// Record is the canonical unit of work. All timestamps are wall-clock epoch
// seconds; zero means unset.
type Record struct {
	ID       string  `json:"id"`
	Status   Status  `json:"status"`
	Progress float64 `json:"progress"`

	CreatedAt     float64 `json:"created_at"`
	UpdatedAt     float64 `json:"updated_at"`
	StartedAt     float64 `json:"started_at,omitempty"`
	FinishedAt    float64 `json:"finished_at,omitempty"`
	LastHeartbeat float64 `json:"last_heartbeat"`
	DownloadedAt  float64 `json:"downloaded_at,omitempty"`

	Payload Payload   `json:"payload"`
	Logs    []LogLine `json:"logs"`
	LogSeq  int64     `json:"log_seq"`

	Error        string `json:"error,omitempty"`
	ResultPath   string `json:"result_path,omitempty"`
	DownloadName string `json:"download_name,omitempty"`

	CancelRequested bool `json:"cancel_requested"`
}

// clone returns a deep copy safe to hand outside the registry lock.
func (r *Record) clone() *Record {
	cp := *r
	cp.Logs = make([]LogLine, len(r.Logs))
	copy(cp.Logs, r.Logs)
	if r.Payload.Options != nil {
		opts := make(map[string]any, len(r.Payload.Options))
		for k, v := range r.Payload.Options {
			opts[k] = v
		}
		cp.Payload.Options = opts
	}
	return &cp
}

// LogsAfter returns log lines with seq greater than the cursor, plus the new
// cursor value.
func (r *Record) LogsAfter(since int64) ([]LogLine, int64) {
	out := make([]LogLine, 0, len(r.Logs))
	next := since
	for _, l := range r.Logs {
		if l.Seq > since {
			out = append(out, l)
		}
		if l.Seq > next {
			next = l.Seq
		}
	}
	return out, next
}
