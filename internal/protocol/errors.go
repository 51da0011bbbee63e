package protocol

import (
	"errors"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"vexa.gg/parkour/internal/parkour/progress"
	"vexa.gg/parkour/internal/parkour/run"
)

const (
	// Protocol/transport validation.
	ErrBadRequest = "E_BAD_REQUEST"

	// Run lifecycle.
	ErrMapNotFound        = "E_MAP_NOT_FOUND"
	ErrMapInactive        = "E_MAP_INACTIVE"
	ErrMapNoStart         = "E_MAP_NO_START"
	ErrNoActiveRun        = "E_NO_ACTIVE_RUN"
	ErrCheckpointsMissing = "E_CHECKPOINTS_MISSING"

	// Admin input.
	ErrInvalidUUIDCode   = "E_INVALID_UUID"
	ErrInvalidAmountCode = "E_INVALID_AMOUNT"

	ErrPersistence = "E_PERSISTENCE"
	ErrInternal    = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrBadRequest:         {},
	ErrMapNotFound:        {},
	ErrMapInactive:        {},
	ErrMapNoStart:         {},
	ErrNoActiveRun:        {},
	ErrCheckpointsMissing: {},
	ErrInvalidUUIDCode:    {},
	ErrInvalidAmountCode:  {},
	ErrPersistence:        {},
	ErrInternal:           {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

var (
	ErrInvalidUUID   = errors.New("invalid uuid")
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrPersistenceFailed marks storage errors surfaced to callers.
	ErrPersistenceFailed = errors.New("persistence failed")
	ErrMalformed         = errors.New("malformed request")
)

// CodeFor maps an error to its wire code. Unrecognized errors are internal.
func CodeFor(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, run.ErrMapNotFound), errors.Is(err, progress.ErrUnknownMap):
		return ErrMapNotFound
	case errors.Is(err, run.ErrMapInactive):
		return ErrMapInactive
	case errors.Is(err, run.ErrMapHasNoStart):
		return ErrMapNoStart
	case errors.Is(err, run.ErrNoActiveRun):
		return ErrNoActiveRun
	case errors.Is(err, run.ErrCheckpointsMissing):
		return ErrCheckpointsMissing
	case errors.Is(err, ErrInvalidUUID):
		return ErrInvalidUUIDCode
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, progress.ErrInvalidTime):
		return ErrInvalidAmountCode
	case errors.Is(err, ErrPersistenceFailed):
		return ErrPersistence
	case errors.Is(err, ErrMalformed):
		return ErrBadRequest
	default:
		return ErrInternal
	}
}

// ParsePlayerID accepts a canonical or compact uuid.
func ParsePlayerID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil || id == uuid.Nil {
		return uuid.Nil, ErrInvalidUUID
	}
	return id, nil
}

// ParseAmount parses a non-negative integer amount.
func ParseAmount(s string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n < 0 {
		return 0, ErrInvalidAmount
	}
	return n, nil
}
