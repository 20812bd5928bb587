package report

import "sync"

// MemoryLogger is an in-memory Logger used by tests and by any host
// application that has not yet wired a real logging sink.
type MemoryLogger struct {
	mu      sync.Mutex
	records []Record
}

func (l *MemoryLogger) Log(rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	return nil
}

// Records returns a copy of every record logged so far.
func (l *MemoryLogger) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out
}

// MemoryMinidumpWriter is an in-memory MinidumpWriter used the same way
// as MemoryLogger.
type MemoryMinidumpWriter struct {
	mu      sync.Mutex
	written []Record
}

func (w *MemoryMinidumpWriter) Write(rec Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.written = append(w.written, rec)
	return nil
}

// Written returns a copy of every record written so far.
func (w *MemoryMinidumpWriter) Written() []Record {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Record, len(w.written))
	copy(out, w.written)
	return out
}
