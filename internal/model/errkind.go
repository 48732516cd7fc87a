package model

// ErrorKind is the closed classification taxonomy stored on fetch_attempts
// and discovery_runs. Provider and transport failures are classified at the
// gateway or orchestrator boundary and never propagate as raw errors.
type ErrorKind string

const (
	ErrKindTimeout      ErrorKind = "TIMEOUT"
	ErrKindBlocked      ErrorKind = "BLOCKED"
	ErrKindNotFound     ErrorKind = "NOT_FOUND"
	ErrKindHTTP4xx      ErrorKind = "HTTP_4XX"
	ErrKindHTTP5xx      ErrorKind = "HTTP_5XX"
	ErrKindNetwork      ErrorKind = "NETWORK"
	ErrKindParseEmpty   ErrorKind = "PARSE_EMPTY"
	ErrKindCircuitOpen  ErrorKind = "CIRCUIT_OPEN"
	ErrKindAuthExpired  ErrorKind = "AUTH_EXPIRED"
	ErrKindSearchEmpty  ErrorKind = "SEARCH_EMPTY"
	ErrKindFetchBlocked ErrorKind = "FETCH_BLOCKED"
	ErrKindUnknown      ErrorKind = "UNKNOWN"
)

func (k ErrorKind) IsValid() bool {
	switch k {
	case ErrKindTimeout, ErrKindBlocked, ErrKindNotFound, ErrKindHTTP4xx,
		ErrKindHTTP5xx, ErrKindNetwork, ErrKindParseEmpty, ErrKindCircuitOpen,
		ErrKindAuthExpired, ErrKindSearchEmpty, ErrKindFetchBlocked, ErrKindUnknown:
		return true
	default:
		return false
	}
}

// Retryable reports whether a single bounded retry is allowed for this kind.
func (k ErrorKind) Retryable() bool {
	return k == ErrKindTimeout || k == ErrKindHTTP5xx
}
