package build

import (
	"fmt"
	"sync"
	"time"
)

// Event is one recorded build occurrence. Events exist so operators can
// follow a running job; the durable outcome lives on the BuildJob record.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"` // "info", "warn" or "error"
	Message   string    `json:"message"`
}

// JobLog is a thread-safe ring buffer of recent build events keyed by job
// ID. Each job keeps its last maxEntries events; once maxJobs jobs are
// tracked, the job that started longest ago is dropped wholesale.
type JobLog struct {
	mu         sync.RWMutex
	maxEntries int
	maxJobs    int
	order      []string
	rings      map[string][]Event
}

// NewJobLog creates a job log retaining up to maxEntries events for each
// of up to maxJobs jobs. Non-positive limits fall back to defaults.
func NewJobLog(maxEntries, maxJobs int) *JobLog {
	if maxEntries <= 0 {
		maxEntries = 200
	}
	if maxJobs <= 0 {
		maxJobs = 64
	}
	return &JobLog{
		maxEntries: maxEntries,
		maxJobs:    maxJobs,
		rings:      make(map[string][]Event),
	}
}

// Infof records an info-level event for jobID.
func (l *JobLog) Infof(jobID, format string, args ...interface{}) {
	l.write(jobID, "info", fmt.Sprintf(format, args...))
}

// Warnf records a warn-level event for jobID.
func (l *JobLog) Warnf(jobID, format string, args ...interface{}) {
	l.write(jobID, "warn", fmt.Sprintf(format, args...))
}

// Errorf records an error-level event for jobID.
func (l *JobLog) Errorf(jobID, format string, args ...interface{}) {
	l.write(jobID, "error", fmt.Sprintf(format, args...))
}

func (l *JobLog) write(jobID, level, msg string) {
	entry := Event{Timestamp: time.Now().UTC(), Level: level, Message: msg}

	l.mu.Lock()
	ring, ok := l.rings[jobID]
	if !ok {
		if len(l.order) >= l.maxJobs {
			// Drop the oldest job's ring
			oldest := l.order[0]
			l.order = l.order[1:]
			delete(l.rings, oldest)
		}
		l.order = append(l.order, jobID)
	}
	if len(ring) >= l.maxEntries {
		// Drop oldest entry
		ring = ring[1:]
	}
	l.rings[jobID] = append(ring, entry)
	l.mu.Unlock()
}

// Recent returns the last n events for jobID, oldest first. n <= 0 returns
// everything retained for the job.
func (l *JobLog) Recent(jobID string, n int) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ring := l.rings[jobID]
	if n <= 0 || n > len(ring) {
		n = len(ring)
	}
	out := make([]Event, n)
	copy(out, ring[len(ring)-n:])
	return out
}
