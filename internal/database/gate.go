package database

import (
	"context"
	"sync"
)

// VersionSource reports the applied schema version
type VersionSource interface {
	Version() (uint, bool, error)
}

// MigrationGate reports whether the schema is at exactly the version this binary expects.
// Once ready it stays ready for the life of the process.
type MigrationGate struct {
	source VersionSource
	target uint

	mu    sync.Mutex
	ready bool
}

// NewMigrationGate creates a gate that opens only at the target version
func NewMigrationGate(source VersionSource, target uint) *MigrationGate {
	return &MigrationGate{source: source, target: target}
}

// Ready returns true when the applied version equals the target and is not dirty.
// A schema ahead of the binary stays closed.
func (g *MigrationGate) Ready(ctx context.Context) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.ready {
		return true, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	version, dirty, err := g.source.Version()
	if err != nil {
		return false, err
	}
	if dirty || version != g.target {
		return false, nil
	}

	g.ready = true
	return true, nil
}
