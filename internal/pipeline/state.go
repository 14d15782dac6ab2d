package pipeline

// State is a step of one normalization run.
type State int

const (
	StateIdle State = iota
	StateBackendLoaded
	StateConverted
	StateResized
	StateCompressed
	StateCommitted
	StateSkipped
	StateFailed
)

var stateNames = [...]string{
	StateIdle:          "idle",
	StateBackendLoaded: "backend_loaded",
	StateConverted:     "converted",
	StateResized:       "resized",
	StateCompressed:    "compressed",
	StateCommitted:     "committed",
	StateSkipped:       "skipped",
	StateFailed:        "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateSkipped || s == StateFailed
}
