// Package usage accounts model tokens per model, operation and session and
// persists the totals under the data directory.
package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"hobbes/internal/logging"
)

// Operation names passed to Track.
const (
	OperationChat      = "chat"
	OperationSummary   = "summary"
	OperationEmbedding = "embedding"
)

const unknown = "unknown"

type trackerKey struct{}
type sessionKey struct{}

// Tracker records token usage. It is safe for concurrent use.
type Tracker struct {
	mu            sync.Mutex
	data          UsageData
	filePath      string
	saveDelay     time.Duration
	autoSaveTimer *time.Timer
}

// NewTracker loads <dir>/usage.json if it exists. A corrupt file is logged
// and replaced on the next save.
func NewTracker(dir string) (*Tracker, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create usage dir: %w", err)
	}
	t := &Tracker{
		filePath:  filepath.Join(dir, "usage.json"),
		saveDelay: 5 * time.Second,
		data:      UsageData{Version: "1.0"},
	}
	t.data.Aggregate.ensureMaps()
	if err := t.Load(); err != nil {
		logging.Get(logging.CategoryAPI).Warn("usage file unreadable, starting fresh: %v", err)
	}
	return t, nil
}

// Load reads the usage data from disk.
func (t *Tracker) Load() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := os.ReadFile(t.filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var loaded UsageData
	if err := json.Unmarshal(data, &loaded); err != nil {
		return err
	}
	loaded.Aggregate.ensureMaps()
	t.data = loaded
	return nil
}

func (s *AggregatedStats) ensureMaps() {
	if s.ByModel == nil {
		s.ByModel = make(map[string]TokenCounts)
	}
	if s.ByOperation == nil {
		s.ByOperation = make(map[string]TokenCounts)
	}
	if s.BySession == nil {
		s.BySession = make(map[string]TokenCounts)
	}
}

// Save writes the usage data to disk.
func (t *Tracker) Save() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.saveLocked()
}

func (t *Tracker) saveLocked() error {
	data, err := json.MarshalIndent(t.data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(t.filePath, data, 0644)
}

// Close cancels a pending autosave and saves now.
func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.autoSaveTimer != nil {
		t.autoSaveTimer.Stop()
		t.autoSaveTimer = nil
	}
	return t.saveLocked()
}

// Track records one model response. The session comes from ctx (see WithSession).
func (t *Tracker) Track(ctx context.Context, model string, input, output int, operation string) {
	if model == "" {
		model = unknown
	}
	sessionID := SessionFromContext(ctx)
	if sessionID == "" {
		sessionID = unknown
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.data.Aggregate.Total.Add(input, output)
	addToMap(t.data.Aggregate.ByModel, model, input, output)
	addToMap(t.data.Aggregate.ByOperation, operation, input, output)
	addToMap(t.data.Aggregate.BySession, sessionID, input, output)

	// Debounced auto-save
	if t.autoSaveTimer == nil {
		t.autoSaveTimer = time.AfterFunc(t.saveDelay, func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			t.autoSaveTimer = nil
			if err := t.saveLocked(); err != nil {
				logging.APIError("failed to save usage: %v", err)
			}
		})
	}
}

// Stats returns a copy of the aggregated stats.
func (t *Tracker) Stats() AggregatedStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	stats := t.data.Aggregate
	stats.ByModel = copyTokenCountsMap(stats.ByModel)
	stats.ByOperation = copyTokenCountsMap(stats.ByOperation)
	stats.BySession = copyTokenCountsMap(stats.BySession)
	return stats
}

func copyTokenCountsMap(src map[string]TokenCounts) map[string]TokenCounts {
	dst := make(map[string]TokenCounts, len(src))
	for key, counts := range src {
		dst[key] = counts
	}
	return dst
}

func addToMap(m map[string]TokenCounts, key string, input, output int) {
	entry := m[key]
	entry.Add(input, output)
	m[key] = entry
}

// NewContext returns a context carrying the tracker.
func NewContext(ctx context.Context, t *Tracker) context.Context {
	return context.WithValue(ctx, trackerKey{}, t)
}

// FromContext retrieves the tracker from the context, or nil.
func FromContext(ctx context.Context) *Tracker {
	t, _ := ctx.Value(trackerKey{}).(*Tracker)
	return t
}

// WithSession tags ctx with the session that usage is billed to.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionID)
}

// SessionFromContext returns the session set by WithSession, or "".
func SessionFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}

// TrackFromContext records usage on the tracker carried by ctx, if any.
func TrackFromContext(ctx context.Context, model string, input, output int, operation string) {
	if t := FromContext(ctx); t != nil && (input > 0 || output > 0) {
		t.Track(ctx, model, input, output, operation)
	}
}
