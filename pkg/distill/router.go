// Package distill drives the per-task-type model distillation state machine:
// collect exemplars on the strong tier, test the cheap tier against them,
// hand off when quality holds, and revert when post-handoff spot checks slip.
package distill

import (
	"errors"
	"fmt"
	"time"

	"dealdesk/pkg/audit"
	"dealdesk/pkg/config"
	"dealdesk/pkg/logx"
	"dealdesk/pkg/metrics"
	"dealdesk/pkg/persistence"
)

// RevertRunLength is how many consecutive low spot-check scores trigger the
// automatic revert to the strong tier.
const RevertRunLength = 3

var (
	// ErrNotFound aliases the storage sentinel.
	ErrNotFound = persistence.ErrNotFound
	// ErrInvalidTransition is returned for manual transitions that do not
	// apply to the config's current status.
	ErrInvalidTransition = errors.New("invalid distillation transition")
	// ErrInvalidScore is returned when a score is outside [0, 1].
	ErrInvalidScore = errors.New("score must be between 0 and 1")
)

// Decision is the routing answer for one upcoming call.
//
//nolint:govet // field order follows the wire shape, not alignment
type Decision struct {
	Model     string                     `json:"model"`
	SpotCheck bool                       `json:"spot_check"`
	Config    *persistence.RoutingConfig `json:"config"`
}

// Router is the model distillation router.
type Router struct {
	ops      *persistence.DatabaseOperations
	cfg      *config.Config
	recorder *audit.Recorder
	metrics  metrics.Recorder
	logger   *logx.Logger
}

// NewRouter creates a distillation router.
func NewRouter(ops *persistence.DatabaseOperations, cfg *config.Config, recorder *audit.Recorder, rec metrics.Recorder) *Router {
	if rec == nil {
		rec = metrics.NewNopRecorder()
	}
	return &Router{
		ops:      ops,
		cfg:      cfg,
		recorder: recorder,
		metrics:  rec,
		logger:   logx.NewLogger("distill"),
	}
}

// Route returns the model to use for the next call of a task type, creating
// the routing config on first use (strong tier, not started). After handoff,
// every Nth call is flagged for a spot check: the caller dual-routes it to
// both tiers and reports the cheap tier's score through RecordScore. When
// distillation is disabled everything routes to the strong tier.
func (r *Router) Route(taskType string) (*Decision, error) {
	if taskType == "" {
		return nil, fmt.Errorf("task type must not be empty")
	}

	rc, err := r.getOrCreate(taskType)
	if err != nil {
		return nil, err
	}

	if !r.cfg.DistillEnabled() {
		return &Decision{Model: config.DefaultStrongModel, Config: rc}, nil
	}

	decision := &Decision{Model: rc.CurrentModel, Config: rc}

	if rc.Status == persistence.DistillHandedOff && rc.SpotCheckFrequency > 0 {
		rc.CallCount++
		if rc.CallCount%rc.SpotCheckFrequency == 0 {
			decision.SpotCheck = true
			now := time.Now().UTC()
			rc.LastSpotCheck = &now
		}
		if err := r.ops.UpdateRoutingConfig(rc, nil); err != nil {
			return nil, fmt.Errorf("failed to update call counter: %w", err)
		}
	}

	return decision, nil
}

// RecordExemplar counts one captured exemplar for a task type. The config
// moves from not_started or collecting to testing once the configured minimum
// is reached.
func (r *Router) RecordExemplar(taskType string) (*persistence.RoutingConfig, error) {
	rc, err := r.getOrCreate(taskType)
	if err != nil {
		return nil, err
	}

	rc.ExemplarCount++

	switch rc.Status {
	case persistence.DistillNotStarted:
		rc.Status = persistence.DistillCollecting
	case persistence.DistillCollecting:
		// stays collecting until the minimum
	default:
		// testing and handed_off keep counting exemplars without moving
		if err := r.ops.UpdateRoutingConfig(rc, nil); err != nil {
			return nil, fmt.Errorf("failed to update exemplar count: %w", err)
		}
		return rc, nil
	}

	if rc.ExemplarCount >= rc.MinExemplars {
		return rc, r.transition(rc, persistence.DistillTesting, rc.CurrentModel,
			fmt.Sprintf("reached %d exemplars (minimum %d)", rc.ExemplarCount, rc.MinExemplars))
	}

	if err := r.ops.UpdateRoutingConfig(rc, nil); err != nil {
		return nil, fmt.Errorf("failed to update exemplar count: %w", err)
	}
	return rc, nil
}

// RecordScore reports the cheap tier's quality score for one trial. In the
// testing phase, a score at or above the handoff threshold hands off
// automatically when auto-handoff is enabled. After handoff, scores drive the
// consecutive low/high counters; a run of low scores reverts to the strong
// tier and restarts collection.
func (r *Router) RecordScore(taskType string, score float64, model string) (*persistence.RoutingConfig, error) {
	if score < 0 || score > 1 {
		return nil, fmt.Errorf("%w: %.2f", ErrInvalidScore, score)
	}

	rc, err := r.ops.GetRoutingConfig(taskType)
	if err != nil {
		return nil, err
	}

	r.metrics.ObserveQualityScore(taskType, model, score)

	switch rc.Status {
	case persistence.DistillTesting:
		if score >= rc.HandoffThreshold && r.cfg.Distill.AutoHandoff {
			return rc, r.handoff(rc, config.DefaultCheapModel,
				fmt.Sprintf("test score %.2f at or above threshold %.2f", score, rc.HandoffThreshold))
		}
		if err := r.ops.UpdateRoutingConfig(rc, nil); err != nil {
			return nil, fmt.Errorf("failed to update routing config: %w", err)
		}
		return rc, nil

	case persistence.DistillHandedOff:
		if score < rc.RevertThreshold {
			rc.ConsecutiveLow++
			rc.ConsecutiveHigh = 0
		} else {
			rc.ConsecutiveHigh++
			rc.ConsecutiveLow = 0
		}

		if rc.ConsecutiveLow >= RevertRunLength {
			r.metrics.IncRouterRevert(taskType)
			return rc, r.revert(rc,
				fmt.Sprintf("%d consecutive spot-check scores below %.2f", rc.ConsecutiveLow, rc.RevertThreshold))
		}

		if err := r.ops.UpdateRoutingConfig(rc, nil); err != nil {
			return nil, fmt.Errorf("failed to update score counters: %w", err)
		}
		return rc, nil

	default:
		// Scores outside testing or handed_off carry no state machine weight.
		return rc, nil
	}
}

// Approve is the manual handoff: a human accepts the cheap tier for a task
// type currently in testing.
func (r *Router) Approve(taskType, actor, reason string) (*persistence.RoutingConfig, error) {
	rc, err := r.ops.GetRoutingConfig(taskType)
	if err != nil {
		return nil, err
	}
	if rc.Status != persistence.DistillTesting {
		return nil, fmt.Errorf("%w: approve requires testing status, have %s", ErrInvalidTransition, rc.Status)
	}

	return rc, r.handoffBy(rc, config.DefaultCheapModel, actor, fmt.Sprintf("manual approval: %s", reason))
}

// Reject is the manual revert: a human pulls a handed-off task type back to
// the strong tier and restarts collection.
func (r *Router) Reject(taskType, actor, reason string) (*persistence.RoutingConfig, error) {
	rc, err := r.ops.GetRoutingConfig(taskType)
	if err != nil {
		return nil, err
	}
	if rc.Status != persistence.DistillHandedOff {
		return nil, fmt.Errorf("%w: reject requires handed_off status, have %s", ErrInvalidTransition, rc.Status)
	}

	return rc, r.revertBy(rc, actor, fmt.Sprintf("manual rejection: %s", reason))
}

// Get returns the routing config for a task type.
func (r *Router) Get(taskType string) (*persistence.RoutingConfig, error) {
	return r.ops.GetRoutingConfig(taskType)
}

// List returns every routing config.
func (r *Router) List() ([]*persistence.RoutingConfig, error) {
	return r.ops.ListRoutingConfigs()
}

func (r *Router) getOrCreate(taskType string) (*persistence.RoutingConfig, error) {
	rc, err := r.ops.GetRoutingConfig(taskType)
	if err == nil {
		return rc, nil
	}
	if !errors.Is(err, persistence.ErrNotFound) {
		return nil, err
	}

	rc = &persistence.RoutingConfig{
		TaskType:           taskType,
		CurrentModel:       config.DefaultStrongModel,
		Status:             persistence.DistillNotStarted,
		MinExemplars:       r.cfg.Distill.MinExemplars,
		HandoffThreshold:   r.cfg.Distill.HandoffThreshold,
		RevertThreshold:    r.cfg.Distill.RevertThreshold,
		SpotCheckFrequency: r.cfg.Distill.SpotCheckFrequency,
	}
	if err := r.ops.InsertRoutingConfig(rc); err != nil {
		return nil, fmt.Errorf("failed to create routing config for %s: %w", taskType, err)
	}

	// Re-read in case a concurrent first use won the insert.
	return r.ops.GetRoutingConfig(taskType)
}

func (r *Router) handoff(rc *persistence.RoutingConfig, model, reason string) error {
	return r.handoffBy(rc, model, "", reason)
}

func (r *Router) handoffBy(rc *persistence.RoutingConfig, model, actor, reason string) error {
	rc.ConsecutiveLow = 0
	rc.ConsecutiveHigh = 0
	rc.CallCount = 0
	prevModel := rc.CurrentModel
	rc.CurrentModel = model
	return r.transitionBy(rc, persistence.DistillHandedOff, prevModel, actor, reason)
}

func (r *Router) revert(rc *persistence.RoutingConfig, reason string) error {
	return r.revertBy(rc, "", reason)
}

func (r *Router) revertBy(rc *persistence.RoutingConfig, actor, reason string) error {
	rc.ConsecutiveLow = 0
	rc.ConsecutiveHigh = 0
	rc.ExemplarCount = 0
	prevModel := rc.CurrentModel
	rc.CurrentModel = config.DefaultStrongModel
	return r.transitionBy(rc, persistence.DistillCollecting, prevModel, actor, reason)
}

func (r *Router) transition(rc *persistence.RoutingConfig, newStatus, prevModel, reason string) error {
	return r.transitionBy(rc, newStatus, prevModel, "", reason)
}

func (r *Router) transitionBy(rc *persistence.RoutingConfig, newStatus, prevModel, actor, reason string) error {
	prevStatus := rc.Status
	rc.Status = newStatus

	entry := audit.Entry("routing_transition", "distill", map[string]any{
		"task_type":   rc.TaskType,
		"prev_status": prevStatus,
		"new_status":  newStatus,
		"prev_model":  prevModel,
		"new_model":   rc.CurrentModel,
		"reason":      reason,
	})
	if actor != "" {
		entry.Actor = &actor
	}

	if err := r.ops.UpdateRoutingConfig(rc, entry); err != nil {
		return fmt.Errorf("failed to transition %s to %s: %w", rc.TaskType, newStatus, err)
	}
	r.recorder.Mirror(entry)
	r.logger.Info("routing %s: %s -> %s (%s -> %s): %s",
		rc.TaskType, prevStatus, newStatus, prevModel, rc.CurrentModel, reason)

	return nil
}
