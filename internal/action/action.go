package action

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/kubilitics/kubilitics-remediation/internal/models"
)

// Package action defines the closed set of remediation actions the engine can
// propose, gate and execute.
//
// An action arrives at the boundary as an action type string plus a JSON-shaped
// details payload. Parse turns that pair into one of the typed variants below
// and validates it, so nothing downstream of the boundary handles untyped maps:
//
//   - Rollback      shift traffic back to an earlier revision
//   - Scale         change instance count up or down
//   - Restart       roll the service onto a fresh revision
//   - ConfigChange  update a configuration key (recorded as a ConfigChange)
//   - Custom        anything else, executed as a generic no-op

// Type is the stored action_type of an audit entry.
type Type string

const (
	TypeRollback     Type = "rollback"
	TypeScale        Type = "scale"
	TypeRestart      Type = "restart"
	TypeConfigChange Type = "config_change"
	TypeCustom       Type = "custom"
)

// Known lists the action types accepted by the emergency path.
var Known = []Type{TypeRollback, TypeScale, TypeRestart, TypeConfigChange, TypeCustom}

// Direction of a scale action.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// Action is one of Rollback, Scale, Restart, ConfigChange or Custom.
type Action interface {
	// Type is the stored action type.
	Type() Type
	// PolicyKey is the name guardrail policies match against, e.g. scale_down.
	PolicyKey() string
	// ExpectedResolutionMinutes is the estimate carried in the details, or 0.
	ExpectedResolutionMinutes() int

	isAction()
}

// Common holds the fields any action payload may carry.
type Common struct {
	ExpectedResolutionTimeMinutes int    `json:"expected_resolution_time_minutes,omitempty" validate:"gte=0"`
	Reason                        string `json:"reason,omitempty"`
}

func (c Common) ExpectedResolutionMinutes() int { return c.ExpectedResolutionTimeMinutes }

// Rollback shifts traffic to TargetRevision ("previous" when empty).
type Rollback struct {
	Common
	TargetRevision string `json:"target_revision,omitempty"`
}

func (Rollback) Type() Type        { return TypeRollback }
func (Rollback) PolicyKey() string { return string(TypeRollback) }
func (Rollback) isAction()         {}

// Revision returns the target revision with its default applied.
func (r Rollback) Revision() string {
	if r.TargetRevision == "" {
		return "previous"
	}
	return r.TargetRevision
}

// Scale changes the instance count of a service.
type Scale struct {
	Common
	Direction Direction `json:"direction,omitempty" validate:"omitempty,oneof=up down"`
	Factor    float64   `json:"factor,omitempty" validate:"gte=0"`
	From      *int      `json:"from,omitempty" validate:"omitempty,gte=0"`
	To        *int      `json:"to,omitempty" validate:"omitempty,gte=0"`
}

func (Scale) Type() Type  { return TypeScale }
func (Scale) isAction()   {}
func (s Scale) PolicyKey() string {
	return "scale_" + string(s.Dir())
}

// Dir returns the direction with its default (up) applied.
func (s Scale) Dir() Direction {
	if s.Direction == "" {
		return DirectionUp
	}
	return s.Direction
}

// FactorOrDefault returns the factor with its default (2) applied.
func (s Scale) FactorOrDefault() float64 {
	if s.Factor == 0 {
		return 2
	}
	return s.Factor
}

// Ratio is the multiplier applied to the instance count. An explicit from/to
// pair wins (a missing side defaults to 1), then factor, then 1. An explicit
// from of 0 has no defined ratio and yields 0.
func (s Scale) Ratio() float64 {
	if s.HasRange() {
		from, to := s.Range()
		if from == 0 {
			return 0
		}
		return float64(to) / float64(from)
	}
	if s.Factor > 0 {
		return s.Factor
	}
	return 1
}

// HasRange reports whether an explicit from or to count was given.
func (s Scale) HasRange() bool {
	return s.From != nil || s.To != nil
}

// Range returns the from/to counts with missing sides defaulted to 1.
func (s Scale) Range() (from, to int) {
	from, to = 1, 1
	if s.From != nil {
		from = *s.From
	}
	if s.To != nil {
		to = *s.To
	}
	return from, to
}

// Restart rolls a service onto a fresh revision.
type Restart struct {
	Common
}

func (Restart) Type() Type        { return TypeRestart }
func (Restart) PolicyKey() string { return string(TypeRestart) }
func (Restart) isAction()         {}

// ConfigChange updates one configuration key of a service.
type ConfigChange struct {
	Common
	ConfigKey  string      `json:"config_key" validate:"required"`
	ChangeType string      `json:"change_type,omitempty"`
	OldValue   interface{} `json:"old_value,omitempty"`
	NewValue   interface{} `json:"new_value,omitempty"`
}

func (ConfigChange) Type() Type        { return TypeConfigChange }
func (ConfigChange) PolicyKey() string { return string(TypeConfigChange) }
func (ConfigChange) isAction()         {}

// Custom is any action outside the known set. Name is the requested action type.
type Custom struct {
	Common
	Name   string                 `json:"-"`
	Params map[string]interface{} `json:"-"`
}

func (Custom) Type() Type          { return TypeCustom }
func (c Custom) PolicyKey() string { return c.Name }
func (Custom) isAction()           {}

// IsKnown reports whether t names one of the closed set of action types.
func IsKnown(t string) bool {
	for _, k := range Known {
		if string(k) == t {
			return true
		}
	}
	return t == "scale_up" || t == "scale_down"
}

// KnownNames returns the sorted list of accepted action type names.
func KnownNames() []string {
	names := make([]string, 0, len(Known))
	for _, k := range Known {
		names = append(names, string(k))
	}
	sort.Strings(names)
	return names
}

// Parse converts an action type and details payload into a validated Action.
// scale_up and scale_down are accepted as shorthands for Scale with a direction.
// Unrecognised types become Custom.
func Parse(actionType string, details map[string]interface{}) (Action, error) {
	actionType = strings.TrimSpace(actionType)
	if actionType == "" {
		return nil, &models.ValidationError{Field: "action_type", Message: "is required"}
	}

	var act Action
	switch actionType {
	case string(TypeRollback):
		var a Rollback
		if err := decode(details, &a); err != nil {
			return nil, err
		}
		act = a
	case string(TypeScale), "scale_up", "scale_down":
		var a Scale
		if err := decode(details, &a); err != nil {
			return nil, err
		}
		switch actionType {
		case "scale_up":
			if a.Direction == "" {
				a.Direction = DirectionUp
			}
		case "scale_down":
			if a.Direction == "" {
				a.Direction = DirectionDown
			}
		}
		act = a
	case string(TypeRestart):
		var a Restart
		if err := decode(details, &a); err != nil {
			return nil, err
		}
		act = a
	case string(TypeConfigChange):
		var a ConfigChange
		if err := decode(details, &a); err != nil {
			return nil, err
		}
		act = a
	default:
		var a Custom
		if err := decode(details, &a); err != nil {
			return nil, err
		}
		a.Name = actionType
		if actionType == string(TypeCustom) {
			if n, ok := details["name"].(string); ok && n != "" {
				a.Name = n
			}
		}
		a.Params = details
		act = a
	}

	if err := ValidateStruct(act); err != nil {
		return nil, err
	}
	return act, nil
}

func decode(details map[string]interface{}, into interface{}) error {
	if len(details) == 0 {
		return nil
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return &models.ValidationError{Field: "action_details", Message: err.Error()}
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return &models.ValidationError{Field: "action_details", Message: fmt.Sprintf("malformed payload: %v", err)}
	}
	return nil
}
