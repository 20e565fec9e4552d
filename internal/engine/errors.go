package engine

import "errors"

// Sentinel errors the engine can return, comparable with errors.Is.
// Configuration and wiring mistakes are returned here rather than
// panicked; only a detected protocol corruption (spec §7) aborts the
// process, via internal/logging.ProtocolCorruption.
var (
	// ErrNoLPs is returned when the configuration names zero LPs.
	ErrNoLPs = errors.New("engine: no logical processes configured")
	// ErrModelFactoryRequired is returned when no model constructor was
	// registered before Run.
	ErrModelFactoryRequired = errors.New("engine: no model factory registered")
	// ErrAlreadyRunning is returned by Run if called more than once on
	// the same Engine.
	ErrAlreadyRunning = errors.New("engine: already running")
)
