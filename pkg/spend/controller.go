// Package spend meters learning-related model spend against a monthly cap.
// The ledger is derived, not stored: month-to-date totals are aggregated from
// spend entries in the audit log, so the audit trail and the accounting can
// never disagree.
package spend

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

// WarnThreshold is the fraction of the cap at which a warning attaches even
// while still under budget.
const WarnThreshold = 0.8

// ErrCapExceeded is returned by RecordSpend under hard_stop once the cap is
// spent. The operation that triggered it is still recorded.
var ErrCapExceeded = errors.New("monthly spend cap exceeded")

// Check is the admission decision returned by CheckLimits and RecordSpend.
//
//nolint:govet // field order follows the wire shape, not alignment
type Check struct {
	Allowed      bool    `json:"allowed"`
	CurrentSpend float64 `json:"current_spend_usd"`
	Cap          float64 `json:"cap_usd"`
	PercentUsed  float64 `json:"percent_used"`
	Behavior     string  `json:"behavior"`
	Warning      string  `json:"warning,omitempty"`
}

// Controller is the spend admission controller.
type Controller struct {
	ops      *persistence.DatabaseOperations
	cfg      *config.Config
	recorder *audit.Recorder
	metrics  metrics.Recorder
	logger   *logx.Logger
}

// NewController creates a spend admission controller.
func NewController(ops *persistence.DatabaseOperations, cfg *config.Config, recorder *audit.Recorder, rec metrics.Recorder) *Controller {
	if rec == nil {
		rec = metrics.NewNopRecorder()
	}
	return &Controller{
		ops:      ops,
		cfg:      cfg,
		recorder: recorder,
		metrics:  rec,
		logger:   logx.NewLogger("spend"),
	}
}

// Cost computes USD cost for a token count against the model price table.
// Unrecognized models fall back to the default pricing tier.
func Cost(model string, inputTokens, outputTokens int) float64 {
	info := config.GetModelInfo(model)
	return (float64(inputTokens)*info.InputCPM + float64(outputTokens)*info.OutputCPM) / 1e6
}

// RecordSpend logs one spend event and returns the admission state after the
// event is included. The audit entry carries the full cost breakdown, so the
// monthly ledger is reconstructible from the audit log alone.
func (c *Controller) RecordSpend(category string, inputTokens, outputTokens int, model string, dealID *string) (*Check, error) {
	if category == "" {
		return nil, fmt.Errorf("spend category must not be empty")
	}

	cost := Cost(model, inputTokens, outputTokens)

	entry := audit.Entry("spend_recorded", "spend", map[string]any{
		"category":      category,
		"model":         model,
		"input_tokens":  inputTokens,
		"output_tokens": outputTokens,
		"cost_usd":      cost,
	})
	entry.DealID = dealID

	if err := c.ops.InsertAuditEntry(entry); err != nil {
		return nil, fmt.Errorf("failed to record spend: %w", err)
	}
	c.recorder.Mirror(entry)
	c.metrics.ObserveSpend(model, category, inputTokens, outputTokens, cost)

	check, err := c.CheckLimits(0)
	if err != nil {
		return nil, err
	}

	if !check.Allowed || check.Warning != "" {
		c.metrics.IncCapRejection(check.Behavior)
	}
	if check.Warning != "" {
		c.logger.Warn("spend at %.1f%% of monthly cap: %s", check.PercentUsed, check.Warning)
	}

	return check, nil
}

// CheckLimits computes month-to-date spend plus an optional additional amount
// and applies the configured cap behavior. hard_stop disallows once over the
// cap; warn_only and degrade_model always allow but attach warnings, with
// degrade_model signalling the caller to drop to the cheaper tier.
func (c *Controller) CheckLimits(additionalCost float64) (*Check, error) {
	current, err := c.MonthToDate(nil)
	if err != nil {
		return nil, err
	}

	capUSD := c.cfg.Spend.MonthlyCapUSD
	projected := current + additionalCost

	check := &Check{
		Allowed:      true,
		CurrentSpend: projected,
		Cap:          capUSD,
		Behavior:     c.cfg.Spend.CapBehavior,
	}
	if capUSD > 0 {
		check.PercentUsed = projected / capUSD * 100
	}

	switch {
	case projected > capUSD:
		switch c.cfg.Spend.CapBehavior {
		case config.CapBehaviorHardStop:
			check.Allowed = false
			check.Warning = fmt.Sprintf("monthly cap of $%.2f exhausted ($%.2f spent); further spend blocked", capUSD, projected)
		case config.CapBehaviorDegradeModel:
			check.Warning = fmt.Sprintf("monthly cap of $%.2f exceeded ($%.2f spent); degrade to the cheaper model tier", capUSD, projected)
		default:
			check.Warning = fmt.Sprintf("monthly cap of $%.2f exceeded ($%.2f spent)", capUSD, projected)
		}
	case projected > capUSD*WarnThreshold:
		check.Warning = fmt.Sprintf("spend at %.1f%% of the $%.2f monthly cap", check.PercentUsed, capUSD)
	}

	return check, nil
}

// Admit is the pre-flight gate for a planned operation: it checks limits with
// the estimated cost included and returns ErrCapExceeded when the behavior is
// hard_stop and the cap is spent.
func (c *Controller) Admit(estimatedCost float64) (*Check, error) {
	check, err := c.CheckLimits(estimatedCost)
	if err != nil {
		return nil, err
	}
	if !check.Allowed {
		c.metrics.IncCapRejection(check.Behavior)
		return check, fmt.Errorf("%w: $%.2f of $%.2f", ErrCapExceeded, check.CurrentSpend, check.Cap)
	}
	return check, nil
}

// MonthToDate sums logged spend since the first of the current month,
// optionally scoped to one deal.
func (c *Controller) MonthToDate(dealID *string) (float64, error) {
	now := time.Now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	total, err := c.ops.SpendTotalSince(monthStart, dealID)
	if err != nil {
		return 0, fmt.Errorf("failed to compute month-to-date spend: %w", err)
	}
	return total, nil
}
