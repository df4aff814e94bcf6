package protocol

const (
	// Request validation.
	ErrBadRequest = "E_BAD_REQUEST"

	// World/station lookup.
	ErrWorldNotFound   = "E_WORLD_NOT_FOUND"
	ErrStationNotFound = "E_STATION_NOT_FOUND"
	ErrStationEmpty    = "E_STATION_EMPTY"

	// Collaborators.
	ErrReasoning   = "E_REASONING"
	ErrUnavailable = "E_UNAVAILABLE"

	ErrConflict = "E_CONFLICT"
	ErrStale    = "E_STALE"
	ErrInternal = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrBadRequest:      {},
	ErrWorldNotFound:   {},
	ErrStationNotFound: {},
	ErrStationEmpty:    {},
	ErrReasoning:       {},
	ErrUnavailable:     {},
	ErrConflict:        {},
	ErrStale:           {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// ErrorBody is the JSON shape of every non-2xx API response.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
