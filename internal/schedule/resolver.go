// Package schedule holds the pure scheduling decisions: which instance has
// authority over an actuator today, and how long a volume dose should run.
package schedule

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/grovebox/irrigationd/internal/model"
)

// InstanceSource is the slice of the repository the resolver needs.
type InstanceSource interface {
	InstancesForActuator(actuatorID string) ([]*model.ScheduleInstance, error)
}

// Resolver picks the single authoritative schedule instance for an actuator
// on a given date.
type Resolver struct {
	source InstanceSource
	logger *zap.SugaredLogger
}

func NewResolver(source InstanceSource, logger *zap.SugaredLogger) *Resolver {
	return &Resolver{source: source, logger: logger}
}

// Resolve returns the instance in effect for the actuator on today, or nil
// when no instance covers the date — that is a normal state, not an error.
// Among instances covering today the numerically lowest priority wins; ties
// break lexicographically on instance id so resolution is reproducible
// across runs with identical input.
func (r *Resolver) Resolve(actuatorID string, today model.Date) (*model.ScheduleInstance, error) {
	instances, err := r.source.InstancesForActuator(actuatorID)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", actuatorID, err)
	}

	var winner *model.ScheduleInstance
	for _, inst := range instances {
		if !inst.Covers(today) {
			continue
		}
		if winner == nil || lessAuthoritative(winner, inst) {
			winner = inst
		}
	}
	return winner, nil
}

// lessAuthoritative reports whether candidate outranks current.
func lessAuthoritative(current, candidate *model.ScheduleInstance) bool {
	if candidate.Priority != current.Priority {
		return candidate.Priority < current.Priority
	}
	return candidate.ID < current.ID
}
