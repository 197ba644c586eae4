package match

// State is the coordinator's running state.
type State int

const (
	Idle State = iota
	Scanning
	AwaitingValidation
	Matched
	Stopped
)

var stateNames = [...]string{
	Idle:               "idle",
	Scanning:           "scanning",
	AwaitingValidation: "awaitingValidation",
	Matched:            "matched",
	Stopped:            "stopped",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// MarshalText renders the state name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Active reports whether the loop is working toward a match.
func (s State) Active() bool {
	return s != Idle && s != Stopped
}

// running excludes Matched, where the loop is already on its way out.
func (s State) running() bool {
	return s == Scanning || s == AwaitingValidation
}
