package mq

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Control actions
const (
	ActionInvalidate = "invalidate"
	ActionRefresh    = "refresh"
)

var errUnknownSite = errors.New("unknown site")

// ControlCommand is the body of a control queue message
type ControlCommand struct {
	Action string `json:"action"`
	SiteID string `json:"site_id,omitempty"`
}

// ControlTarget receives accepted commands; the scheduler applies them at the
// start of its next cycle
type ControlTarget interface {
	RequestInvalidation(id string)
	RequestRefresh()
}

func decodeCommand(body []byte) (ControlCommand, error) {
	var cmd ControlCommand
	if err := json.Unmarshal(body, &cmd); err != nil {
		return ControlCommand{}, fmt.Errorf("failed to unmarshal control command: %w", err)
	}
	return cmd, nil
}

// apply validates the command and hands it to target
func (cmd ControlCommand) apply(target ControlTarget, known func(id string) bool) error {
	switch cmd.Action {
	case ActionInvalidate:
		if cmd.SiteID == "" {
			return fmt.Errorf("%s: site_id is required", cmd.Action)
		}
		if !known(cmd.SiteID) {
			return fmt.Errorf("%s %q: %w", cmd.Action, cmd.SiteID, errUnknownSite)
		}
		target.RequestInvalidation(cmd.SiteID)
	case ActionRefresh:
		target.RequestRefresh()
	default:
		return fmt.Errorf("unsupported control action %q", cmd.Action)
	}
	return nil
}
