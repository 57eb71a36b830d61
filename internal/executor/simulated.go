package executor

import (
	"context"
	"fmt"

	"github.com/kubilitics/kubilitics-remediation/internal/action"
)

// Simulated applies nothing and reports what a real handler would have done.
type Simulated struct{}

func (Simulated) Apply(ctx context.Context, req Request) (map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	svc := req.Service
	result := map[string]interface{}{
		"action":    string(req.Action.Type()),
		"service":   svc,
		"status":    "completed",
		"simulated": true,
	}

	switch a := req.Action.(type) {
	case action.Rollback:
		rev := a.Revision()
		result["target_revision"] = rev
		result["message"] = fmt.Sprintf("Traffic for %s shifted to revision '%s'. New instances are healthy.", svc, rev)
	case action.Scale:
		dir, factor := a.Dir(), a.FactorOrDefault()
		result["direction"] = string(dir)
		result["factor"] = factor
		result["message"] = fmt.Sprintf("Scaled %s %s by factor %g. Instance count updated.", svc, dir, factor)
	case action.Restart:
		result["message"] = fmt.Sprintf("Service %s restarted with a fresh revision.", svc)
	case action.ConfigChange:
		result["config_key"] = a.ConfigKey
		result["message"] = fmt.Sprintf("Config '%s' updated on %s.", a.ConfigKey, svc)
	case action.Custom:
		result["action"] = a.Name
		if req.Emergency {
			result["message"] = fmt.Sprintf("Emergency custom action '%s' executed.", a.Name)
		} else {
			result["message"] = fmt.Sprintf("Custom action '%s' executed.", a.Name)
		}
	default:
		return nil, fmt.Errorf("unsupported action %T", req.Action)
	}
	return result, nil
}
