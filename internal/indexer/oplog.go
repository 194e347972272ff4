package indexer

import (
	"fmt"
	"sync"
	"time"
)

// OpType tags an operation log entry.
type OpType string

const (
	OpSync    OpType = "sync"
	OpSearch  OpType = "search"
	OpUpload  OpType = "upload"
	OpWatch   OpType = "watch"
	OpEnhance OpType = "enhance"
)

// OpLog is a single in-memory operation record, exposed over the status API.
type OpLog struct {
	ID       int64     `json:"id"`
	Time     time.Time `json:"time"`
	Type     OpType    `json:"type"`
	Project  string    `json:"project,omitempty"`
	Message  string    `json:"message"`
	Duration int64     `json:"duration_ms,omitempty"`
	Success  bool      `json:"success"`
	Count    int       `json:"count,omitempty"`
}

// OpLogger is a bounded in-memory ring of recent operations.
type OpLogger struct {
	mu     sync.RWMutex
	logs   []OpLog
	max    int
	nextID int64
}

func NewOpLogger(max int) *OpLogger {
	if max <= 0 {
		max = 200
	}
	return &OpLogger{logs: make([]OpLog, 0, max), max: max, nextID: 1}
}

func (l *OpLogger) append(entry OpLog) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.ID = l.nextID
	entry.Time = time.Now()
	l.nextID++
	l.logs = append(l.logs, entry)
	if len(l.logs) > l.max {
		l.logs = l.logs[len(l.logs)-l.max:]
	}
}

// Record logs a completed operation with its duration and item count.
func (l *OpLogger) Record(op OpType, project string, d time.Duration, success bool, count int, format string, args ...any) {
	l.append(OpLog{
		Type:     op,
		Project:  project,
		Message:  fmt.Sprintf(format, args...),
		Duration: d.Milliseconds(),
		Success:  success,
		Count:    count,
	})
}

// Infof logs an informational event with no duration.
func (l *OpLogger) Infof(op OpType, project, format string, args ...any) {
	l.append(OpLog{Type: op, Project: project, Message: fmt.Sprintf(format, args...), Success: true})
}

// Errorf logs a failure event.
func (l *OpLogger) Errorf(op OpType, project, format string, args ...any) {
	l.append(OpLog{Type: op, Project: project, Message: fmt.Sprintf(format, args...)})
}

// Recent returns the newest n entries, newest first.
func (l *OpLogger) Recent(n int) []OpLog {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n <= 0 || n > len(l.logs) {
		n = len(l.logs)
	}
	out := make([]OpLog, n)
	for i := 0; i < n; i++ {
		out[i] = l.logs[len(l.logs)-1-i]
	}
	return out
}

// Since returns entries with an ID greater than afterID, newest first.
func (l *OpLogger) Since(afterID int64) []OpLog {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []OpLog
	for i := len(l.logs) - 1; i >= 0; i-- {
		if l.logs[i].ID > afterID {
			out = append(out, l.logs[i])
		}
	}
	return out
}
