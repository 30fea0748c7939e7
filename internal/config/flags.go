package config

import "sync/atomic"

// Flags holds the process-wide governance switches. The store and export
// gate read flags at call time; an external configuration mechanism may
// swap the snapshot without a restart.
type Flags struct {
	allowRedOverride atomic.Bool
}

// NewFlags seeds flags from a loaded config. A nil config yields the
// fail-closed defaults.
func NewFlags(cfg *Config) *Flags {
	f := &Flags{}
	f.Reload(cfg)
	return f
}

// Reload replaces the flag snapshot from cfg.
func (f *Flags) Reload(cfg *Config) {
	if cfg == nil {
		f.allowRedOverride.Store(false)
		return
	}
	f.allowRedOverride.Store(cfg.Overrides.AllowRed)
}

// AllowRedOverride reports whether RED/UNKNOWN/ERROR runs may be unblocked
// for export by an override attachment.
func (f *Flags) AllowRedOverride() bool {
	if f == nil {
		return false
	}
	return f.allowRedOverride.Load()
}
