// Package patterns turns reviewer feedback into learned behavioral rules and
// manages their lifecycle from proposed candidates to established guidance.
package patterns

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"dealdesk/pkg/audit"
	"dealdesk/pkg/config"
	"dealdesk/pkg/logx"
	"dealdesk/pkg/metrics"
	"dealdesk/pkg/persistence"
)

// Pattern kinds produced by detection.
const (
	KindTone             = "tone"
	KindNumericThreshold = "numeric_threshold"
	KindLanguageStrength = "language_strength"
	KindStructure        = "structure"
	KindOther            = "other"
)

// Lifecycle thresholds. Confidence moves in fixed steps so a pattern's
// trajectory is reconstructible from its evidence counts alone.
const (
	ConfirmSupportThreshold   = 5
	ConfirmConfidenceFloor    = 0.5
	EstablishSupportThreshold = 10
	EstablishConfidenceFloor  = 0.75
	SupportIncrement          = 0.15
	ContradictDecrement       = 0.15
	ConfidenceCap             = 0.95
	DecayFloor                = 0.2
	RetireFloor               = 0.1
)

var (
	// ErrInvalidEventType is returned for unknown feedback event types.
	ErrInvalidEventType = errors.New("invalid feedback event type")
	// ErrInvalidStage is returned for unknown lifecycle stages.
	ErrInvalidStage = errors.New("invalid lifecycle stage")
	// ErrNotFound aliases the storage sentinel.
	ErrNotFound = persistence.ErrNotFound
)

// FeedbackParams describes one feedback event from an external collector.
//
//nolint:govet // field order follows the wire shape, not alignment
type FeedbackParams struct {
	EventType      string  `json:"event_type"`
	TargetType     string  `json:"target_type"`
	AgentType      *string `json:"agent_type,omitempty"`
	OriginalOutput *string `json:"original_output,omitempty"`
	ModifiedOutput *string `json:"modified_output,omitempty"`
	Annotation     *string `json:"annotation,omitempty"`
	DealID         *string `json:"deal_id,omitempty"`
}

// Engine drives pattern detection and the lifecycle state machine.
type Engine struct {
	ops      *persistence.DatabaseOperations
	cfg      *config.Config
	recorder *audit.Recorder
	metrics  metrics.Recorder
	logger   *logx.Logger
}

// NewEngine creates a pattern lifecycle engine.
func NewEngine(ops *persistence.DatabaseOperations, cfg *config.Config, recorder *audit.Recorder, rec metrics.Recorder) *Engine {
	if rec == nil {
		rec = metrics.NewNopRecorder()
	}
	return &Engine{
		ops:      ops,
		cfg:      cfg,
		recorder: recorder,
		metrics:  rec,
		logger:   logx.NewLogger("patterns"),
	}
}

// RecordFeedback persists a feedback event. Modified and rejected events also
// produce a regression test case pairing the original output with the human
// correction (or a rejection marker) for replay against future agent versions.
func (e *Engine) RecordFeedback(params FeedbackParams) (*persistence.FeedbackEvent, error) {
	if !persistence.ValidFeedbackType(params.EventType) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEventType, params.EventType)
	}
	if params.TargetType == "" {
		return nil, fmt.Errorf("feedback event missing target_type")
	}

	event := &persistence.FeedbackEvent{
		EventType:      params.EventType,
		TargetType:     params.TargetType,
		AgentType:      params.AgentType,
		OriginalOutput: params.OriginalOutput,
		ModifiedOutput: params.ModifiedOutput,
		Annotation:     params.Annotation,
		DealID:         params.DealID,
	}
	if err := e.ops.InsertFeedbackEvent(event); err != nil {
		return nil, fmt.Errorf("failed to record feedback event: %w", err)
	}

	if params.EventType == persistence.FeedbackModified || params.EventType == persistence.FeedbackRejected {
		e.generateTestCase(event)
	}

	return event, nil
}

// generateTestCase is best-effort: a failed insert loses one regression case,
// not the feedback event itself.
func (e *Engine) generateTestCase(event *persistence.FeedbackEvent) {
	original := ""
	if event.OriginalOutput != nil {
		original = *event.OriginalOutput
	}

	tc := &persistence.PatternTestCase{
		FeedbackID:     event.ID,
		TargetType:     event.TargetType,
		AgentType:      event.AgentType,
		OriginalOutput: original,
	}
	if event.EventType == persistence.FeedbackModified {
		tc.ExpectedOutput = event.ModifiedOutput
	} else {
		tc.Rejected = true
	}

	if err := e.ops.InsertTestCase(tc); err != nil {
		e.logger.Warn("failed to generate test case for feedback %s: %v", event.ID, err)
	}
}

// TestCases returns the regression cases recorded for a target type.
func (e *Engine) TestCases(targetType string) ([]*persistence.PatternTestCase, error) {
	return e.ops.TestCasesByTarget(targetType)
}

// DetectPatterns scans modified feedback since the window start, buckets each
// event by the kind of change the reviewer made, and proposes one pattern per
// (agent type, target type, kind) bucket that reaches the minimum signal
// count. Detection confidence is min(0.95, 0.5 + 0.1 x occurrences). Buckets
// that already have a live pattern of the same shape are skipped.
func (e *Engine) DetectPatterns(since time.Time) ([]*persistence.LearnedPattern, error) {
	events, err := e.ops.FeedbackEventsSince(since.UTC(), persistence.FeedbackModified)
	if err != nil {
		return nil, fmt.Errorf("failed to load feedback window: %w", err)
	}

	type bucketKey struct {
		agentType  string
		targetType string
		kind       string
	}
	buckets := make(map[bucketKey][]*persistence.FeedbackEvent)
	for _, event := range events {
		agent := ""
		if event.AgentType != nil {
			agent = *event.AgentType
		}
		kind := classifyModification(event.OriginalOutput, event.ModifiedOutput)
		key := bucketKey{agentType: agent, targetType: event.TargetType, kind: kind}
		buckets[key] = append(buckets[key], event)
	}

	now := time.Now().UTC()
	var proposed []*persistence.LearnedPattern

	for key, group := range buckets {
		if len(group) < e.cfg.Learning.MinSignalsPerPattern {
			continue
		}

		var agentType *string
		if key.agentType != "" {
			a := key.agentType
			agentType = &a
		}

		exists, err := e.ops.SimilarPatternExists(agentType, key.kind, key.targetType)
		if err != nil {
			return nil, fmt.Errorf("failed to check for existing pattern: %w", err)
		}
		if exists {
			continue
		}

		condition, err := Condition{{
			Field: "target_type",
			Op:    OpEqual,
			Value: key.targetType,
		}}.Encode()
		if err != nil {
			return nil, err
		}

		confidence := 0.5 + 0.1*float64(len(group))
		if confidence > ConfidenceCap {
			confidence = ConfidenceCap
		}

		pattern := &persistence.LearnedPattern{
			AgentType:     agentType,
			Kind:          key.kind,
			TargetType:    key.targetType,
			Description:   bucketDescription(key.kind, key.targetType, len(group)),
			Condition:     condition,
			Instruction:   bucketInstruction(key.kind),
			Confidence:    confidence,
			Supporting:    len(group),
			Stage:         persistence.StageProposed,
			Version:       1,
			LastEvaluated: &now,
		}

		entry := audit.Entry("pattern_detected", "patterns", map[string]any{
			"kind":        key.kind,
			"target_type": key.targetType,
			"occurrences": len(group),
			"confidence":  confidence,
		})
		if err := e.ops.InsertPattern(pattern, entry); err != nil {
			return nil, fmt.Errorf("failed to insert detected pattern: %w", err)
		}
		e.recorder.Mirror(entry)
		e.metrics.IncStageTransition("", persistence.StageProposed)
		e.logger.Info("proposed pattern %s: %s on %s (%d signals)",
			pattern.ID, key.kind, key.targetType, len(group))

		proposed = append(proposed, pattern)
	}

	return proposed, nil
}

// RecordSupport registers supporting evidence: supporting count up, confidence
// up one step, then automatic promotion when thresholds are met. Promotions
// never skip a stage and only run when auto-promote is enabled. Hard rules
// keep their counters but their stage and confidence are pinned.
func (e *Engine) RecordSupport(patternID string) (*persistence.LearnedPattern, error) {
	p, err := e.ops.GetPattern(patternID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	p.Supporting++
	p.LastEvaluated = &now

	if p.Stage != persistence.StageHardRule {
		p.Confidence += SupportIncrement
		if p.Confidence > ConfidenceCap {
			p.Confidence = ConfidenceCap
		}
	}

	from := p.Stage
	if e.cfg.AutoPromoteEnabled() {
		switch {
		case p.Stage == persistence.StageProposed &&
			p.Supporting >= ConfirmSupportThreshold &&
			p.Confidence >= ConfirmConfidenceFloor:
			p.Stage = persistence.StageConfirmed
		case p.Stage == persistence.StageConfirmed &&
			p.Supporting >= EstablishSupportThreshold &&
			p.Contradicting == 0 &&
			p.Confidence >= EstablishConfidenceFloor:
			p.Stage = persistence.StageEstablished
		}
	}

	return p, e.saveEvidence(p, "pattern_supported", from)
}

// RecordContradiction registers contradicting evidence: contradicting count
// up, confidence down one step, and demotion to decayed or retired when
// confidence falls through the floors. Decayed and retired are terminal for
// the automatic path; only SetStage brings a pattern back.
func (e *Engine) RecordContradiction(patternID string) (*persistence.LearnedPattern, error) {
	p, err := e.ops.GetPattern(patternID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	p.Contradicting++
	p.LastEvaluated = &now

	from := p.Stage
	if p.Stage != persistence.StageHardRule {
		p.Confidence -= ContradictDecrement
		if p.Confidence < 0 {
			p.Confidence = 0
		}

		if p.Stage != persistence.StageRetired {
			if p.Confidence < RetireFloor {
				p.Stage = persistence.StageRetired
			} else if p.Confidence < DecayFloor && p.Stage != persistence.StageDecayed {
				p.Stage = persistence.StageDecayed
			}
		}
	}

	return p, e.saveEvidence(p, "pattern_contradicted", from)
}

func (e *Engine) saveEvidence(p *persistence.LearnedPattern, action, fromStage string) error {
	entry := audit.Entry(action, "patterns", map[string]any{
		"pattern_id":    p.ID,
		"confidence":    p.Confidence,
		"supporting":    p.Supporting,
		"contradicting": p.Contradicting,
		"stage":         p.Stage,
	})
	if err := e.ops.UpdatePattern(p, entry); err != nil {
		return fmt.Errorf("failed to update pattern %s: %w", p.ID, err)
	}
	e.recorder.Mirror(entry)

	if fromStage != p.Stage {
		e.metrics.IncStageTransition(fromStage, p.Stage)
		e.logger.Info("pattern %s: %s -> %s (confidence %.2f)", p.ID, fromStage, p.Stage, p.Confidence)
	}
	return nil
}

// SetStage is the manual operator override. It bypasses the automatic
// thresholds and is audited with before and after state.
func (e *Engine) SetStage(patternID, stage, actor, reason string) (*persistence.LearnedPattern, error) {
	if !persistence.ValidStage(stage) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStage, stage)
	}

	p, err := e.ops.GetPattern(patternID)
	if err != nil {
		return nil, err
	}

	before := p.Stage
	p.Version++
	if err := appendRevision(p, actor, reason); err != nil {
		return nil, err
	}
	p.Stage = stage

	entry := audit.Entry("pattern_stage_overridden", "patterns", map[string]any{
		"pattern_id":   p.ID,
		"before_stage": before,
		"after_stage":  stage,
		"version":      p.Version,
		"reason":       reason,
	})
	entry.Actor = &actor

	if err := e.ops.UpdatePattern(p, entry); err != nil {
		return nil, fmt.Errorf("failed to set stage on pattern %s: %w", p.ID, err)
	}
	e.recorder.Mirror(entry)
	e.metrics.IncStageTransition(before, stage)

	return p, nil
}

// UpdateInstruction replaces the instruction text, bumping the version and
// recording the prior text in the version history.
func (e *Engine) UpdateInstruction(patternID, instruction, actor, reason string) (*persistence.LearnedPattern, error) {
	if instruction == "" {
		return nil, fmt.Errorf("instruction text must not be empty")
	}

	p, err := e.ops.GetPattern(patternID)
	if err != nil {
		return nil, err
	}

	before := p.Instruction
	p.Version++
	if err := appendRevision(p, actor, reason); err != nil {
		return nil, err
	}
	p.Instruction = instruction

	entry := audit.Entry("pattern_instruction_edited", "patterns", map[string]any{
		"pattern_id":         p.ID,
		"before_instruction": before,
		"after_instruction":  instruction,
		"version":            p.Version,
		"reason":             reason,
	})
	entry.Actor = &actor

	if err := e.ops.UpdatePattern(p, entry); err != nil {
		return nil, fmt.Errorf("failed to edit pattern %s: %w", p.ID, err)
	}
	e.recorder.Mirror(entry)

	return p, nil
}

// InstructionsFor returns the instruction texts to inject for an agent's next
// prompt: live patterns whose condition matches the task context, confidence
// descending, capped at the configured maximum. Returned patterns get their
// last_applied stamp updated. Returns nil when injection is disabled.
func (e *Engine) InstructionsFor(agentType string, taskCtx map[string]any) ([]string, error) {
	if !e.cfg.InjectionEnabled() {
		return nil, nil
	}

	candidates, err := e.ops.ActivePatterns(agentType)
	if err != nil {
		return nil, fmt.Errorf("failed to load active patterns: %w", err)
	}

	var instructions []string
	var applied []string
	for _, p := range candidates {
		if len(instructions) >= e.cfg.Learning.MaxInjectedPatterns {
			break
		}

		cond, err := ParseCondition(p.Condition)
		if err != nil {
			e.logger.Warn("pattern %s has unparseable condition, skipping: %v", p.ID, err)
			continue
		}
		if !cond.Matches(taskCtx) {
			continue
		}

		instructions = append(instructions, p.Instruction)
		applied = append(applied, p.ID)
	}

	if len(applied) > 0 {
		if err := e.ops.TouchPatternsApplied(applied, time.Now().UTC()); err != nil {
			e.logger.Warn("failed to stamp last_applied: %v", err)
		}
	}

	return instructions, nil
}

// Get returns one pattern by ID.
func (e *Engine) Get(patternID string) (*persistence.LearnedPattern, error) {
	return e.ops.GetPattern(patternID)
}

// ListByStage returns patterns in any of the given stages, newest first.
func (e *Engine) ListByStage(stages ...string) ([]*persistence.LearnedPattern, error) {
	return e.ops.ListPatternsByStage(stages...)
}

type revision struct {
	Version     int       `json:"version"`
	Stage       string    `json:"stage"`
	Instruction string    `json:"instruction"`
	Actor       string    `json:"actor"`
	Reason      string    `json:"reason"`
	ChangedAt   time.Time `json:"changed_at"`
}

// appendRevision snapshots the pattern's pre-change state into the version
// history. Call before mutating instruction or stage, after bumping Version.
func appendRevision(p *persistence.LearnedPattern, actor, reason string) error {
	var history []revision
	if p.VersionHistory != nil && *p.VersionHistory != "" {
		if err := json.Unmarshal([]byte(*p.VersionHistory), &history); err != nil {
			return fmt.Errorf("failed to parse version history for pattern %s: %w", p.ID, err)
		}
	}

	history = append(history, revision{
		Version:     p.Version - 1,
		Stage:       p.Stage,
		Instruction: p.Instruction,
		Actor:       actor,
		Reason:      reason,
		ChangedAt:   time.Now().UTC(),
	})

	data, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("failed to encode version history: %w", err)
	}
	encoded := string(data)
	p.VersionHistory = &encoded

	return nil
}
