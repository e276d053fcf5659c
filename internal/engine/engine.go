// Package engine defines the read-only accessor for the entity
// resolution engine's repository. The replicator only ever asks the
// engine two questions: "what is your current view of entity E?" and
// "what version are you?". The concrete accessor (native SDK, gRPC,
// or the mock used in tests) is chosen at wiring time.
package engine

import (
	"context"
	"errors"

	"github.com/entresolve/martd/internal/types"
)

// ErrNotFound is returned by FetchEntity when the engine no longer
// resolves the entity. This is a normal outcome, not a failure: the
// refresh handler responds by deleting the entity from the mart.
var ErrNotFound = errors.New("entity not found")

// ErrUnavailable is returned when the engine is not ready to answer.
// Callers treat it as retryable.
var ErrUnavailable = errors.New("engine unavailable")

// Info describes the engine build answering Version calls.
type Info struct {
	Name        string
	Version     string
	BuildNumber string
}

// Repository is the read-only capability set the replicator consumes.
// Implementations must be safe for concurrent use.
type Repository interface {
	// FetchEntity returns the engine's current view of one entity.
	// Returns ErrNotFound when the entity does not currently resolve
	// and ErrUnavailable when the engine cannot answer right now.
	FetchEntity(ctx context.Context, entityID int64) (*types.EntityView, error)

	// Version reports the engine build.
	Version(ctx context.Context) (Info, error)
}

// Config carries the engine accessor options recognized on the command
// line. Settings is the raw engine configuration JSON (or the contents
// of the file it pointed at).
type Config struct {
	InstanceName   string
	Settings       []byte
	ConfigID       int64 // 0 = unpinned
	Verbose        bool
	RefreshSeconds int // >0 periodic, 0 on-demand, <0 manual
}
