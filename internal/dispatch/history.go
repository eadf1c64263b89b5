package dispatch

import (
	"context"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/BTreeMap/GuardianPipe/internal/models"
	"github.com/BTreeMap/GuardianPipe/internal/store"
)

// DefaultHistorySize is the number of alerts retained.
const DefaultHistorySize = 100

// History keeps the most recent alerts and mirrors them to the store.
type History struct {
	mu    sync.Mutex
	cache *lru.Cache[string, models.SOSAlert]
	docs  *store.Documents
}

// NewHistory creates a History holding up to size alerts. docs may be nil.
func NewHistory(size int, docs *store.Documents) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	cache, err := lru.New[string, models.SOSAlert](size)
	if err != nil {
		// only returned for non-positive sizes
		panic(err)
	}
	return &History{cache: cache, docs: docs}
}

// Restore loads persisted alerts, keeping the newest when more than size were saved.
func (h *History) Restore(ctx context.Context) error {
	if h.docs == nil {
		return nil
	}
	alerts, err := h.docs.AlertHistory(ctx)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, a := range alerts {
		h.cache.Add(a.ID, a)
	}
	slog.Debug("History.Restore: loaded alerts", "count", h.cache.Len())
	return nil
}

// Record appends the alert and persists the history.
func (h *History) Record(ctx context.Context, alert models.SOSAlert) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cache.Add(alert.ID, alert)
	if h.docs == nil {
		return
	}
	if err := h.docs.SaveAlertHistory(ctx, h.listLocked()); err != nil {
		slog.Error("History.Record: failed to persist alert history", "alertID", alert.ID, "error", err)
	}
}

// List returns the retained alerts, oldest first.
func (h *History) List() []models.SOSAlert {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.listLocked()
}

// Len returns the number of retained alerts.
func (h *History) Len() int {
	return h.cache.Len()
}

func (h *History) listLocked() []models.SOSAlert {
	keys := h.cache.Keys()
	out := make([]models.SOSAlert, 0, len(keys))
	for _, k := range keys {
		if a, ok := h.cache.Peek(k); ok {
			out = append(out, a)
		}
	}
	return out
}
