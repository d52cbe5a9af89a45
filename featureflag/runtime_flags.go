package featureflag

import "sync/atomic"

// RuntimeFlags exposes engine toggles that can be flipped without restarting
// the process. Atomic primitives guarantee visibility across goroutines
// without requiring heavyweight locks.
type RuntimeFlags struct {
	autoEntry       atomic.Bool
	persistence     atomic.Bool
	staleQuoteGuard atomic.Bool
	mutexProtection atomic.Bool
}

// State is a materialized snapshot of the current feature flag values.
type State struct {
	EnableAutoEntry       bool `json:"enable_auto_entry"`
	EnablePersistence     bool `json:"enable_persistence"`
	EnableStaleQuoteGuard bool `json:"enable_stale_quote_guard"`
	EnableMutexProtection bool `json:"enable_mutex_protection"`
}

// Update represents a partial mutation to the runtime flags. Nil values mean
// "leave untouched" so callers can update a subset of flags.
type Update struct {
	EnableAutoEntry       *bool `json:"enable_auto_entry"`
	EnablePersistence     *bool `json:"enable_persistence"`
	EnableStaleQuoteGuard *bool `json:"enable_stale_quote_guard"`
	EnableMutexProtection *bool `json:"enable_mutex_protection"`
}

// DefaultState returns the flag values the engine boots with.
func DefaultState() State {
	return State{
		EnableAutoEntry:       true,
		EnablePersistence:     false,
		EnableStaleQuoteGuard: true,
		EnableMutexProtection: true,
	}
}

// NewRuntimeFlags constructs a RuntimeFlags container initialized with the
// provided defaults.
func NewRuntimeFlags(initial State) *RuntimeFlags {
	flags := &RuntimeFlags{}
	flags.SetAutoEntry(initial.EnableAutoEntry)
	flags.SetPersistence(initial.EnablePersistence)
	flags.SetStaleQuoteGuard(initial.EnableStaleQuoteGuard)
	flags.SetMutexProtection(initial.EnableMutexProtection)
	return flags
}

// AutoEntryEnabled reports whether controllers may submit entry orders. It is
// the global kill switch over every per-ticker auto_entry setting.
func (f *RuntimeFlags) AutoEntryEnabled() bool {
	if f == nil {
		return false
	}
	return f.autoEntry.Load()
}

// SetAutoEntry toggles the global entry kill switch.
func (f *RuntimeFlags) SetAutoEntry(enabled bool) {
	if f == nil {
		return
	}
	f.autoEntry.Store(enabled)
}

// PersistenceEnabled reports whether closed positions should be written to
// the ledger store.
func (f *RuntimeFlags) PersistenceEnabled() bool {
	if f == nil {
		return false
	}
	return f.persistence.Load()
}

// SetPersistence toggles ledger persistence.
func (f *RuntimeFlags) SetPersistence(enabled bool) {
	if f == nil {
		return
	}
	f.persistence.Store(enabled)
}

// StaleQuoteGuardEnabled reports whether controllers must skip entries while
// the quote for a candidate contract is stale. Risk managers always keep
// operating on stale quotes regardless of this flag.
func (f *RuntimeFlags) StaleQuoteGuardEnabled() bool {
	if f == nil {
		return false
	}
	return f.staleQuoteGuard.Load()
}

// SetStaleQuoteGuard toggles the stale-quote entry guard.
func (f *RuntimeFlags) SetStaleQuoteGuard(enabled bool) {
	if f == nil {
		return
	}
	f.staleQuoteGuard.Store(enabled)
}

// MutexProtectionEnabled reports whether position-state mutations should use
// the mutex guard to avoid data races.
func (f *RuntimeFlags) MutexProtectionEnabled() bool {
	if f == nil {
		return false
	}
	return f.mutexProtection.Load()
}

// SetMutexProtection toggles the position-state mutex usage.
func (f *RuntimeFlags) SetMutexProtection(enabled bool) {
	if f == nil {
		return
	}
	f.mutexProtection.Store(enabled)
}

// Snapshot takes a consistent snapshot of all flags.
func (f *RuntimeFlags) Snapshot() State {
	if f == nil {
		return State{}
	}
	return State{
		EnableAutoEntry:       f.AutoEntryEnabled(),
		EnablePersistence:     f.PersistenceEnabled(),
		EnableStaleQuoteGuard: f.StaleQuoteGuardEnabled(),
		EnableMutexProtection: f.MutexProtectionEnabled(),
	}
}

// Apply merges a partial update into the flags and returns the new snapshot.
func (f *RuntimeFlags) Apply(update Update) State {
	if f == nil {
		return State{}
	}
	if update.EnableAutoEntry != nil {
		f.SetAutoEntry(*update.EnableAutoEntry)
	}
	if update.EnablePersistence != nil {
		f.SetPersistence(*update.EnablePersistence)
	}
	if update.EnableStaleQuoteGuard != nil {
		f.SetStaleQuoteGuard(*update.EnableStaleQuoteGuard)
	}
	if update.EnableMutexProtection != nil {
		f.SetMutexProtection(*update.EnableMutexProtection)
	}
	return f.Snapshot()
}
