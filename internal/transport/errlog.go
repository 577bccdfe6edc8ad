package transport

import (
	"sync"
	"time"

	"collabtext/journalsync/internal/syncerr"
)

// DefaultErrorLogSize bounds the rolling error log.
const DefaultErrorLogSize = 50

// ErrorRecord is one logged failure.
type ErrorRecord struct {
	Time    time.Time    `json:"time"`
	Kind    syncerr.Kind `json:"kind"`
	Source  string       `json:"source"`
	Message string       `json:"message"`
}

// ErrorLog keeps the most recent failures. Older records are evicted first.
//
// Thread-safety: ErrorLog is safe for concurrent use.
type ErrorLog struct {
	mu      sync.Mutex
	max     int
	records []ErrorRecord
}

// NewErrorLog creates a log holding at most max records.
func NewErrorLog(max int) *ErrorLog {
	if max <= 0 {
		max = DefaultErrorLogSize
	}
	return &ErrorLog{max: max}
}

// Add records err. Errors without a kind are logged as transport errors.
func (l *ErrorLog) Add(source string, err error) {
	if err == nil {
		return
	}
	kind := syncerr.KindOf(err)
	if kind == "" {
		kind = syncerr.KindTransport
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, ErrorRecord{
		Time:    time.Now(),
		Kind:    kind,
		Source:  source,
		Message: err.Error(),
	})
	if over := len(l.records) - l.max; over > 0 {
		l.records = append([]ErrorRecord(nil), l.records[over:]...)
	}
}

// Records returns a copy of the log, oldest first.
func (l *ErrorLog) Records() []ErrorRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ErrorRecord(nil), l.records...)
}
