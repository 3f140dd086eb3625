// Package revocation pulls chart withdrawal notices from the
// distribution feed and removes the affected packages from the local
// store. Regulators withdraw charts for safety reasons, so a device
// must act on these without an operator in the loop.
package revocation

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	OpRevoke    = "revoke"
	OpSupersede = "supersede"
)

// ErrInvalid marks events that can never become applyable, as opposed
// to transient apply failures worth redelivering.
var ErrInvalid = errors.New("revocation: invalid event")

type Event struct {
	Version   int       `json:"version"`
	Op        string    `json:"op"`
	ChartID   string    `json:"chart_id,omitempty"`
	PackageID string    `json:"package_id,omitempty"`
	Cycle     string    `json:"cycle,omitempty"`
	TS        time.Time `json:"ts"`
	Source    string    `json:"source,omitempty"`
}

func (e Event) Validate() error {
	if e.Version != 1 {
		return fmt.Errorf("%w: version must be 1", ErrInvalid)
	}
	switch e.Op {
	case OpRevoke, OpSupersede:
	default:
		return fmt.Errorf("%w: op must be revoke|supersede", ErrInvalid)
	}
	if e.TS.IsZero() {
		return fmt.Errorf("%w: ts is required", ErrInvalid)
	}
	switch e.Op {
	case OpRevoke:
		if strings.TrimSpace(e.PackageID) == "" && strings.TrimSpace(e.ChartID) == "" {
			return fmt.Errorf("%w: revoke needs package_id or chart_id", ErrInvalid)
		}
	case OpSupersede:
		if strings.TrimSpace(e.ChartID) == "" || strings.TrimSpace(e.Cycle) == "" {
			return fmt.Errorf("%w: supersede needs chart_id and cycle", ErrInvalid)
		}
	}
	return nil
}
