package punchagent

import (
	"time"

	"github.com/httprunner/PunchAgent/pkg/journal"
)

// CycleResult summarises one sync cycle.
type CycleResult struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Station    string    `json:"station"`
	Success    bool      `json:"success"`
	Extracted  int       `json:"records_extracted"`
	Discarded  int       `json:"records_discarded"`
	Delivered  int       `json:"records_delivered"`
	ErrorKind  ErrorKind `json:"error_kind,omitempty"`
	Error      string    `json:"error,omitempty"`
	StatusCode int       `json:"status_code,omitempty"`
	Message    string    `json:"message,omitempty"`

	err error
}

// Err returns the cycle failure as a *CycleError, or nil on success.
func (r CycleResult) Err() error { return r.err }

// Duration is the wall time of the cycle.
func (r CycleResult) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

func (r *CycleResult) fail(kind ErrorKind, err error) {
	ce := &CycleError{Kind: kind, Err: err}
	r.Success = false
	r.ErrorKind = kind
	r.Error = ce.Error()
	r.err = ce
}

func (r CycleResult) journalEntry() journal.Entry {
	return journal.Entry{
		ID:         r.ID,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Station:    r.Station,
		Success:    r.Success,
		Extracted:  r.Extracted,
		Discarded:  r.Discarded,
		Delivered:  r.Delivered,
		ErrorKind:  string(r.ErrorKind),
		Error:      r.Error,
		StatusCode: r.StatusCode,
	}
}
