package entity

// SessionState is the refresh scheduler's view of the user session.
type SessionState int

const (
	// StateUnauthenticated means no user is bound; nothing is refreshed.
	StateUnauthenticated SessionState = iota
	// StateLoading means the initial preload for a new session is in flight.
	StateLoading
	// StateReady means the cache holds data fresher than the staleness threshold.
	StateReady
	// StateStale means the last successful refresh is older than the staleness threshold.
	StateStale
)

func (s SessionState) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateStale:
		return "stale"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON payloads.
func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
