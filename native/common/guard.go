package common

import "errors"

// ErrModulePaused is returned when a paused module rejects a mutation.
var ErrModulePaused = errors.New("module paused")

// PauseView exposes the pause switches controlled by the admin surface.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard rejects mutations against a paused module. A nil view or empty module
// name means no pause is configured.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}
