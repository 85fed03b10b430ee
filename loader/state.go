package loader

// State is the position of a load attempt in its lifecycle.
type State int

const (
	StateManifestAcquired State = iota + 1
	StateGraphResolved
	StateModulesMaterialized
	StateExecuting
	StateSucceeded
	StateFallbackLoaded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateManifestAcquired:
		return "ManifestAcquired"
	case StateGraphResolved:
		return "GraphResolved"
	case StateModulesMaterialized:
		return "ModulesMaterialized"
	case StateExecuting:
		return "Executing"
	case StateSucceeded:
		return "Succeeded"
	case StateFallbackLoaded:
		return "FallbackLoaded"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}
