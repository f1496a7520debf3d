package security

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// AuditLogger writes violations as append-only JSONL.
// Each violation is a single JSON line followed by a newline.
// Thread-safe: multiple goroutines can record concurrently.
type AuditLogger struct {
	mu     sync.Mutex
	file   *os.File
	logger *slog.Logger
}

// NewAuditLogger opens (or creates) the audit log file in append-only mode.
// File permissions are 0600 (owner read/write only).
func NewAuditLogger(path string, logger *slog.Logger) (*AuditLogger, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	return &AuditLogger{
		file:   f,
		logger: logger,
	}, nil
}

// RecordViolation serializes the violation as JSON and appends it to the log.
// Marshal happens outside the lock; only the file write is serialized.
func (a *AuditLogger) RecordViolation(ctx context.Context, v Violation) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling violation: %w", err)
	}
	data = append(data, '\n')

	a.mu.Lock()
	_, writeErr := a.file.Write(data)
	a.mu.Unlock()

	if writeErr != nil {
		return fmt.Errorf("writing violation: %w", writeErr)
	}

	a.logger.DebugContext(ctx, "violation audited",
		slog.String("id", v.ID),
		slog.String("outcome", v.Outcome.String()),
		slog.String("type", v.CapabilityType),
	)
	return nil
}

// Close closes the underlying file.
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}

// ReadAuditLog decodes the violations in a JSONL audit log, oldest first.
// Malformed lines are skipped.
func ReadAuditLog(path string) ([]Violation, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	defer f.Close()

	var out []Violation
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var v Violation
		if err := json.Unmarshal(sc.Bytes(), &v); err != nil {
			continue
		}
		out = append(out, v)
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("reading audit log %s: %w", path, err)
	}
	return out, nil
}
