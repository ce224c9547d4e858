package assim

import (
	"errors"
	"fmt"
)

// ErrUnsupportedMode is returned for an unknown assimilation mode.
var ErrUnsupportedMode = errors.New("unsupported assimilation mode")

// Mode selects how the analysis is produced.
type Mode int

const (
	// ModeFreeRun uses the background as the analysis.
	ModeFreeRun Mode = iota + 1
	// ModeSC4DVar runs strong-constraint 4D-Var.
	ModeSC4DVar
)

// ParseMode accepts "free_run" and "sc4dvar".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "free_run":
		return ModeFreeRun, nil
	case "sc4dvar":
		return ModeSC4DVar, nil
	}
	return 0, fmt.Errorf("%q: %w", s, ErrUnsupportedMode)
}

func (m Mode) String() string {
	switch m {
	case ModeFreeRun:
		return "free_run"
	case ModeSC4DVar:
		return "sc4dvar"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}
