// Package contracts defines the interfaces at the gateway's external
// boundary.
//
// The gateway itself never talks to an LLM or to the secrets vault directly;
// it admits, sandboxes, and audits work that flows through these interfaces.
// Deployments wire concrete implementations in main.go, and tests substitute
// in-process fakes.
package contracts

import (
	"context"

	"github.com/hearthlink/hearthlink/gateway/pkg/models"
)

// ── Plugin Runner ───────────────────────────────────────────

// PluginRunner performs the actual plugin work. The gateway treats it as
// opaque: it passes a vetted payload in and receives output plus the
// resource usage observed during the run.
//
// Run must honor ctx cancellation; the sandbox applies the execution
// timeout and the kill switch through it.
type PluginRunner interface {
	// Run executes the plugin against the payload envelope and returns its
	// raw output along with the peak resource usage of the run.
	Run(ctx context.Context, plugin *models.Plugin, payload *models.PayloadEnvelope) ([]byte, *models.ResourceUsage, error)
}

// ── Key-Value Store ─────────────────────────────────────────

// KVStore is the persistence boundary for lifecycle state (plugins,
// permission requests, grants). Semantics are last-write-wins; the gateway
// serializes writes per entity through its own locks.
//
// Get returns *models.NotFoundError when the key is absent.
type KVStore interface {
	// Get reads the value stored under key.
	Get(key string) ([]byte, error)

	// Set stores value under key, replacing any previous value.
	Set(key string, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(key string) error

	// List returns all keys with the given prefix.
	List(prefix string) ([]string, error)

	// Close flushes pending writes and releases resources.
	Close() error
}
