package storage

import (
	"context"
	"time"
)

// EventKind classifies a journal entry.
type EventKind string

const (
	EventKernelCreated       EventKind = "kernel_created"
	EventKernelCreateFailed  EventKind = "kernel_create_failed"
	EventKernelRestarted     EventKind = "kernel_restarted"
	EventKernelRestartFailed EventKind = "kernel_restart_failed"
	EventKernelInterrupted   EventKind = "kernel_interrupted"
	EventToolException       EventKind = "tool_exception"
	EventMatplotlibFallback  EventKind = "matplotlib_fallback"
)

// Event is one diagnostics journal entry. Events describe the kernel's
// lifecycle and helper failures; code and outputs are never journaled.
type Event struct {
	ID        string         `json:"id" yaml:"id"`
	Kind      EventKind      `json:"kind" yaml:"kind"`
	KernelID  string         `json:"kernel_id,omitempty" yaml:"kernel_id,omitempty"`
	Message   string         `json:"message" yaml:"message"`
	Details   map[string]any `json:"details,omitempty" yaml:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at" yaml:"created_at"`
}

// EventListOptions controls filtering and pagination for ListEvents.
type EventListOptions struct {
	Kind  EventKind
	Limit int
	// Offset skips the newest Offset events.
	Offset int
}

// Store is the persistence interface for the diagnostics journal.
type Store interface {
	// RecordEvent inserts an event. An empty ID or zero CreatedAt is filled in.
	RecordEvent(ctx context.Context, e *Event) error

	// GetEvent returns an event by ID or unique ID prefix.
	GetEvent(ctx context.Context, id string) (*Event, error)

	// ListEvents returns events ordered by created_at descending.
	ListEvents(ctx context.Context, opts EventListOptions) ([]Event, error)

	// PruneEvents deletes events created before the cutoff and returns
	// how many were removed.
	PruneEvents(ctx context.Context, before time.Time) (int64, error)

	// Close releases resources.
	Close() error
}
