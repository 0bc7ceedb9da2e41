package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Transport delivers one alert. Implementations must be safe for use from
// the dispatcher goroutine only; the dispatcher serializes sends.
type Transport interface {
	Send(ctx context.Context, alert Alert) error
	Name() string
}

// FileTransport writes each alert as an indented JSON artifact. The default
// directory is out/alerts; files are never overwritten because the alert id
// is part of the name.
type FileTransport struct {
	dir string
}

func NewFileTransport(dir string) (*FileTransport, error) {
	if dir == "" {
		dir = filepath.Join("out", "alerts")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create alerts directory %s: %w", dir, err)
	}
	return &FileTransport{dir: dir}, nil
}

func (t *FileTransport) Name() string { return "file" }

func (t *FileTransport) Send(_ context.Context, alert Alert) error {
	name := fmt.Sprintf("alert_%s_%s_%s.json",
		alert.Kind,
		alert.CreatedAt.Format("20060102_150405"),
		shortID(alert.ID))
	path := filepath.Join(t.dir, name)

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create alert file: %w", err)
	}
	defer file.Close()

	doc := map[string]any{
		"id":         alert.ID,
		"kind":       alert.Kind,
		"title":      alert.Title,
		"body":       alert.Body,
		"created_at": alert.CreatedAt,
		"payload":    alert.Payload,
	}

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode alert JSON: %w", err)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// MemoryTransport collects alerts for tests. FailFirst makes the first N
// sends error so retry behavior can be exercised.
type MemoryTransport struct {
	mu        sync.Mutex
	sent      []Alert
	FailFirst int
	attempts  int
}

func NewMemoryTransport() *MemoryTransport { return &MemoryTransport{} }

func (t *MemoryTransport) Name() string { return "memory" }

func (t *MemoryTransport) Send(_ context.Context, alert Alert) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts++
	if t.attempts <= t.FailFirst {
		return fmt.Errorf("transport unavailable (attempt %d)", t.attempts)
	}
	t.sent = append(t.sent, alert)
	return nil
}

// Sent returns a copy of everything delivered so far.
func (t *MemoryTransport) Sent() []Alert {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Alert, len(t.sent))
	copy(out, t.sent)
	return out
}

// Attempts counts Send calls including failures.
func (t *MemoryTransport) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}
