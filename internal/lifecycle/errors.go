package lifecycle

import (
	"errors"
	"fmt"
	"regexp"
)

// Precondition failures. Operations rejected with one of these left the game
// server, its saves and its mods unchanged.
var (
	ErrInvalidPhase     = errors.New("operation not allowed in current phase")
	ErrMapActive        = errors.New("a map is already active")
	ErrMapMismatch      = errors.New("map is not the active map")
	ErrPlayersConnected = errors.New("players are still connected")
	ErrNotIdle          = errors.New("idle period was interrupted")
	ErrInstanceBusy     = errors.New("instance is not in a usable power state")
	ErrMapExists        = errors.New("map already exists")
	ErrModNotFound      = errors.New("mod not installed")
	ErrInvalidMapName   = errors.New("invalid map name")
)

// ErrVerification marks an operation whose remote commands succeeded but
// whose expected result is absent.
var ErrVerification = errors.New("verification failed")

var preconditions = []error{
	ErrInvalidPhase,
	ErrMapActive,
	ErrMapMismatch,
	ErrPlayersConnected,
	ErrNotIdle,
	ErrInstanceBusy,
	ErrMapExists,
	ErrModNotFound,
	ErrInvalidMapName,
}

// IsPrecondition reports whether err is a rejection made before any side effect.
func IsPrecondition(err error) bool {
	for _, p := range preconditions {
		if errors.Is(err, p) {
			return true
		}
	}
	return false
}

var mapNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)

func ValidateMapName(name string) error {
	if !mapNameRe.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidMapName, name)
	}
	return nil
}
