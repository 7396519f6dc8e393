package runner

import (
	"time"

	"realtime-e2e/internal/models"
	"realtime-e2e/internal/preflight"
	"realtime-e2e/internal/session"
)

// Hints printed when a run receives nothing
var defaultDiagnostics = []string{
	"Publication might not include the target table",
	"Trigger functions might not be set up correctly",
	"RLS policies might be blocking access",
}

// StepResult is the outcome of one write and its wait window
type StepResult struct {
	Expected     models.EventType `json:"expected"`
	RowsAffected int64            `json:"rows_affected"`
	Observed     bool             `json:"observed"`
	Elapsed      time.Duration    `json:"elapsed"`
}

// Report summarises one iteration
type Report struct {
	RunID       string                    `json:"run_id"`
	Iteration   int                       `json:"iteration"`
	StartedAt   time.Time                 `json:"started_at"`
	Duration    time.Duration             `json:"duration"`
	Status      models.SubscriptionStatus `json:"status"`
	Established bool                      `json:"established"`
	Received    int                       `json:"received"`
	LastType    models.EventType          `json:"last_type,omitempty"`
	Counts      map[models.EventType]int  `json:"counts"`
	Steps       []StepResult              `json:"steps"`
	Findings    []preflight.Finding       `json:"findings,omitempty"`
	Diagnostics []string                  `json:"diagnostics,omitempty"`

	finished bool
}

// Complete reports whether each of the three writes was followed by a
// notification of its own type
func (r *Report) Complete() bool {
	if len(r.Steps) != 3 {
		return false
	}
	for _, step := range r.Steps {
		if !step.Observed {
			return false
		}
	}
	return true
}

// finish snapshots the session once; later calls are no-ops. runOnce calls
// it before unsubscribing so the CLOSED status from cleanup is not recorded.
func (r *Report) finish(sess *session.Session, now time.Time) {
	if r.finished {
		return
	}
	r.finished = true
	r.Duration = now.Sub(r.StartedAt)
	r.Status = sess.Status()
	r.Established = sess.Established()
	r.Received = sess.Received()
	r.LastType = sess.LastType()
	r.Counts = sess.Counts()

	r.Diagnostics = nil
	if r.Received > 0 {
		return
	}
	if !r.Established {
		r.Diagnostics = append(r.Diagnostics, "Subscription never reached "+string(models.StatusSubscribed))
	}
	r.Diagnostics = append(r.Diagnostics, preflight.Problems(r.Findings)...)
	r.Diagnostics = append(r.Diagnostics, defaultDiagnostics...)
}
