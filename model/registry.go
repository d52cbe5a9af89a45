package model

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ErrVersionNotFound is returned when a swap or lookup names an unknown
// model version.
var ErrVersionNotFound = errors.New("model version not found")

// Prediction is one inference result for a ticker.
type Prediction struct {
	Probability  float64 `json:"probability"` // P(up move) in [0,1]
	Direction    string  `json:"direction"`   // "long", "short" or "none"
	Strength     float64 `json:"strength"`
	FeatureCount int     `json:"feature_count"`
	NaNCount     int     `json:"nan_count"`
}

// Predictor computes a directional estimate from the latest features/bars.
// Implementations live in the inference service; the engine only consumes.
type Predictor interface {
	Predict(ctx context.Context, ticker string) (Prediction, error)
}

// Version is one registered model build with its offline metrics.
type Version struct {
	ID           string    `json:"version_id"`
	Ticker       string    `json:"ticker"`
	TrainedAt    time.Time `json:"trained_at"`
	AUC          float64   `json:"auc"`
	ProfitFactor float64   `json:"profit_factor"`
	Predictor    Predictor `json:"-"`
}

// VersionInfo is the API-facing view of a version, with the current-selection
// marker resolved against a handle.
type VersionInfo struct {
	ID           string    `json:"version_id"`
	Ticker       string    `json:"ticker"`
	TrainedAt    time.Time `json:"trained_at"`
	AUC          float64   `json:"auc"`
	ProfitFactor float64   `json:"profit_factor"`
	IsCurrent    bool      `json:"is_current"`
}

// Registry indexes model versions by ticker and by version ID.
type Registry struct {
	mu       sync.RWMutex
	byID     map[string]*Version
	byTicker map[string][]*Version
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:     make(map[string]*Version),
		byTicker: make(map[string][]*Version),
	}
}

// Register adds a version. Duplicate IDs are rejected.
func (r *Registry) Register(v *Version) error {
	if v == nil || v.ID == "" {
		return fmt.Errorf("model version requires an id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[v.ID]; exists {
		return fmt.Errorf("model version '%s' already registered", v.ID)
	}
	r.byID[v.ID] = v
	r.byTicker[v.Ticker] = append(r.byTicker[v.Ticker], v)
	return nil
}

// Lookup resolves a version by ID.
func (r *Registry) Lookup(versionID string) (*Version, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.byID[versionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrVersionNotFound, versionID)
	}
	return v, nil
}

// List returns all versions for a ticker, newest first, with IsCurrent
// resolved against the given handle (nil handle marks nothing current).
func (r *Registry) List(ticker string, h *Handle) []VersionInfo {
	r.mu.RLock()
	versions := append([]*Version(nil), r.byTicker[ticker]...)
	r.mu.RUnlock()

	sort.Slice(versions, func(i, j int) bool {
		return versions[i].TrainedAt.After(versions[j].TrainedAt)
	})

	currentID := ""
	if h != nil {
		if cur := h.Load(); cur != nil {
			currentID = cur.ID
		}
	}

	infos := make([]VersionInfo, 0, len(versions))
	for _, v := range versions {
		infos = append(infos, VersionInfo{
			ID:           v.ID,
			Ticker:       v.Ticker,
			TrainedAt:    v.TrainedAt,
			AUC:          v.AUC,
			ProfitFactor: v.ProfitFactor,
			IsCurrent:    v.ID == currentID,
		})
	}
	return infos
}

// Latest returns the most recently trained version for a ticker.
func (r *Registry) Latest(ticker string) (*Version, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var latest *Version
	for _, v := range r.byTicker[ticker] {
		if latest == nil || v.TrainedAt.After(latest.TrainedAt) {
			latest = v
		}
	}
	return latest, latest != nil
}

// Handle is the atomically swappable model pointer a controller reads once
// per decision cycle. In-flight cycles keep the version they loaded; the
// next cycle sees the swap.
type Handle struct {
	current atomic.Pointer[Version]
}

// NewHandle constructs a handle pointing at the given version.
func NewHandle(v *Version) *Handle {
	h := &Handle{}
	h.current.Store(v)
	return h
}

// Load returns the current version.
func (h *Handle) Load() *Version {
	return h.current.Load()
}

// Swap atomically replaces the current version.
func (h *Handle) Swap(v *Version) {
	h.current.Store(v)
}
