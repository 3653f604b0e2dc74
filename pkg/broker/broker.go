// Package broker mediates structured requests between deal agents: typed
// asks with hard TTLs, a per-originator chain depth cap, and a conditional
// create that refuses to form a circular wait.
package broker

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"dealdesk/pkg/audit"
	"dealdesk/pkg/config"
	"dealdesk/pkg/logx"
	"dealdesk/pkg/metrics"
	"dealdesk/pkg/persistence"
)

// Sentinel errors surfaced to callers. The persistence aliases keep errors.Is
// working whether the caller imports this package or the storage layer.
var (
	ErrSelfRequest        = errors.New("agent cannot send a request to itself")
	ErrInvalidKind        = errors.New("invalid request kind")
	ErrMissingField       = errors.New("missing required request field")
	ErrNotFound           = persistence.ErrNotFound
	ErrChainDepthExceeded = persistence.ErrChainDepthExceeded
	ErrReversePending     = persistence.ErrReversePending
	ErrDuplicatePending   = persistence.ErrDuplicatePending
)

// CreateParams describes a new agent request.
//
//nolint:govet // field order follows the wire shape, not alignment
type CreateParams struct {
	DealID      string  `json:"deal_id"`
	FromAgent   string  `json:"from_agent"`
	ToAgent     string  `json:"to_agent"`
	Kind        string  `json:"kind"`
	Description string  `json:"description"`
	Context     *string `json:"context,omitempty"`
}

// Broker coordinates request lifecycle against the shared database.
type Broker struct {
	ops      *persistence.DatabaseOperations
	cfg      *config.Config
	recorder *audit.Recorder
	metrics  metrics.Recorder
	logger   *logx.Logger
}

// NewBroker creates a request broker.
func NewBroker(ops *persistence.DatabaseOperations, cfg *config.Config, recorder *audit.Recorder, rec metrics.Recorder) *Broker {
	if rec == nil {
		rec = metrics.NewNopRecorder()
	}
	return &Broker{
		ops:      ops,
		cfg:      cfg,
		recorder: recorder,
		metrics:  rec,
		logger:   logx.NewLogger("broker"),
	}
}

// Create validates and persists a new pending request. The circular-wait and
// chain-depth checks happen inside a single transaction in the storage layer,
// so two concurrent creates cannot slip past each other.
func (b *Broker) Create(params CreateParams) (*persistence.AgentRequest, error) {
	if err := validateParams(&params); err != nil {
		b.metrics.IncRequestRejection("validation")
		return nil, err
	}

	now := time.Now().UTC()
	req := &persistence.AgentRequest{
		DealID:      params.DealID,
		FromAgent:   params.FromAgent,
		ToAgent:     params.ToAgent,
		Kind:        params.Kind,
		Description: params.Description,
		Context:     params.Context,
		ExpiresAt:   now.Add(b.cfg.RequestTTL()),
		CreatedAt:   now,
	}

	entry := audit.Entry("request_created", "broker", map[string]any{
		"from_agent": params.FromAgent,
		"to_agent":   params.ToAgent,
		"kind":       params.Kind,
	})
	entry.DealID = &params.DealID
	entry.Actor = &params.FromAgent

	if err := b.ops.CreateRequestConditional(req, b.cfg.Broker.MaxChainDepth, entry); err != nil {
		switch {
		case errors.Is(err, ErrChainDepthExceeded):
			b.metrics.IncRequestRejection("chain_depth")
		case errors.Is(err, ErrReversePending):
			b.metrics.IncRequestRejection("circular_wait")
		case errors.Is(err, ErrDuplicatePending):
			b.metrics.IncRequestRejection("duplicate")
		}
		return nil, err
	}

	b.recorder.Mirror(entry)
	b.metrics.ObserveRequest(req.Kind, persistence.RequestStatusPending)
	b.logger.Info("request %s created: %s -> %s (%s, depth %d)",
		req.ID, req.FromAgent, req.ToAgent, req.Kind, req.ChainDepth)

	return req, nil
}

// Respond marks a request completed with the given response. Responding to a
// request that already reached a terminal state is a no-op, so a late answer
// to an expired request is absorbed rather than errored.
func (b *Broker) Respond(requestID, response string) error {
	entry := audit.Entry("request_completed", "broker", map[string]any{
		"request_id": requestID,
	})

	updated, err := b.ops.CompleteRequest(requestID, response, entry)
	if err != nil {
		return fmt.Errorf("failed to complete request %s: %w", requestID, err)
	}
	if !updated {
		b.logger.Debug("response to request %s ignored: already terminal", requestID)
		return nil
	}

	b.recorder.Mirror(entry)
	b.metrics.ObserveRequest("", persistence.RequestStatusCompleted)
	return nil
}

// Fail marks a request failed with a reason. Terminal states are a no-op,
// mirroring Respond.
func (b *Broker) Fail(requestID, reason string) error {
	entry := audit.Entry("request_failed", "broker", map[string]any{
		"request_id": requestID,
		"reason":     reason,
	})

	updated, err := b.ops.FailRequest(requestID, reason, entry)
	if err != nil {
		return fmt.Errorf("failed to fail request %s: %w", requestID, err)
	}
	if !updated {
		return nil
	}

	b.recorder.Mirror(entry)
	b.metrics.ObserveRequest("", persistence.RequestStatusFailed)
	return nil
}

// Get returns one request by ID.
func (b *Broker) Get(requestID string) (*persistence.AgentRequest, error) {
	return b.ops.GetRequest(requestID)
}

// ListPending returns pending requests addressed to an agent on a deal,
// oldest first.
func (b *Broker) ListPending(dealID, toAgent string) ([]*persistence.AgentRequest, error) {
	return b.ops.ListPendingRequests(dealID, toAgent)
}

// ExpireStale transitions every overdue pending or in-progress request to
// expired in one conditional update and returns how many were swept. Safe to
// run concurrently with responders: a response that lands first wins.
func (b *Broker) ExpireStale(now time.Time) (int64, error) {
	count, err := b.ops.ExpireStaleRequests(now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to expire stale requests: %w", err)
	}

	if count > 0 {
		b.recorder.Record(audit.Entry("requests_expired", "broker", map[string]any{
			"count": count,
		}))
		for i := int64(0); i < count; i++ {
			b.metrics.ObserveRequest("", persistence.RequestStatusExpired)
		}
		b.logger.Info("expired %d stale requests", count)
	}

	return count, nil
}

// RunSweeper runs the expiry sweep on the configured interval until the
// channel is closed. Intended to run in its own goroutine.
func (b *Broker) RunSweeper(stop <-chan struct{}) {
	ticker := time.NewTicker(b.cfg.SweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, err := b.ExpireStale(time.Now()); err != nil {
				b.logger.Error("expiry sweep failed: %v", err)
			}
		}
	}
}

func validateParams(params *CreateParams) error {
	params.DealID = strings.TrimSpace(params.DealID)
	params.FromAgent = strings.TrimSpace(params.FromAgent)
	params.ToAgent = strings.TrimSpace(params.ToAgent)

	switch {
	case params.DealID == "":
		return fmt.Errorf("%w: deal_id", ErrMissingField)
	case params.FromAgent == "":
		return fmt.Errorf("%w: from_agent", ErrMissingField)
	case params.ToAgent == "":
		return fmt.Errorf("%w: to_agent", ErrMissingField)
	case strings.TrimSpace(params.Description) == "":
		return fmt.Errorf("%w: description", ErrMissingField)
	}

	if params.FromAgent == params.ToAgent {
		return ErrSelfRequest
	}
	if !persistence.ValidRequestKind(params.Kind) {
		return fmt.Errorf("%w: %q", ErrInvalidKind, params.Kind)
	}

	return nil
}
