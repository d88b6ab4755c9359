// Package replog is the structured logger shared by every package in the
// puller pipeline. It wraps a *zap.Logger so call sites can attach a
// component name once and stop worrying about field plumbing.
package replog

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu   sync.RWMutex
	base *zap.Logger = zap.NewNop()
)

// Init installs the process-wide base logger. Call once from main(); tests
// that want to observe log output can call Init with an observer core instead.
func Init(level zapcore.Level, development bool) error {
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	lg, err := cfg.Build()
	if err != nil {
		return err
	}
	mu.Lock()
	base = lg
	mu.Unlock()
	return nil
}

// SetForTest installs lg as the base logger and returns a restore func.
func SetForTest(lg *zap.Logger) (restore func()) {
	mu.Lock()
	prev := base
	base = lg
	mu.Unlock()
	return func() {
		mu.Lock()
		base = prev
		mu.Unlock()
	}
}

// Component returns a logger tagged with the given subsystem name, e.g.
// replog.Component("puller").
func Component(name string) *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base.Named(name)
}
