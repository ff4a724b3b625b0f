package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrProtoVersion    = "E_PROTO_VERSION"

	// Stage routing/state.
	ErrStageBusy     = "E_STAGE_BUSY"
	ErrStageStopped  = "E_STAGE_STOPPED"
	ErrTooManyValues = "E_TOO_MANY_OBJECTS"

	// Sync pass layer.
	ErrCreateFailed = "E_CREATE_FAILED"
	ErrStale        = "E_STALE"
	ErrInternal     = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrProtoVersion:    {},
	ErrStageBusy:       {},
	ErrStageStopped:    {},
	ErrTooManyValues:   {},
	ErrCreateFailed:    {},
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
