package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/odvcencio/warden/pkg/approval"
	"github.com/odvcencio/warden/pkg/governance"
	"github.com/odvcencio/warden/pkg/logging"
	"github.com/odvcencio/warden/pkg/model"
	"github.com/odvcencio/warden/pkg/telemetry"
	"github.com/odvcencio/warden/pkg/tool"
)

// ErrNoContinuation is returned by Resume when no suspended workflow is
// waiting on the given approval.
var ErrNoContinuation = errors.New("workflow: no suspended workflow for approval")

// AuditStore is the slice of persistence the orchestrator needs.
// *storage.Store satisfies it. GetResult lets Resume rebuild a
// continuation from the persisted gating snapshot after a restart.
type AuditStore interface {
	LogEscalation(ctx context.Context, requestID string, record governance.EscalationRecord) error
	SaveResult(ctx context.Context, requestID, state string, result []byte) error
	GetResult(ctx context.Context, requestID string) (state string, result []byte, err error)
}

// Options configures an Orchestrator. Model and Tools are required.
type Options struct {
	Model    model.Client
	Tools    *tool.Registry
	Gate     *approval.Gate
	Executor ActionExecutor

	Limits              governance.Limits
	ConfidenceThreshold float64
	// BlockOnPII escalates instead of redacting when input carries PII.
	BlockOnPII  bool
	CallTimeout time.Duration

	Rules  governance.RuleSet
	Sink   telemetry.Sink
	Hub    *telemetry.Hub
	Logger *logging.Logger
	Store  AuditStore
}

// Orchestrator drives requests through the pipeline. It is safe for
// concurrent use; each request gets its own budget tracker.
type Orchestrator struct {
	model     model.Client
	tools     *tool.Registry
	gate      *approval.Gate
	executor  ActionExecutor
	validator *governance.SecurityValidator
	escalator *governance.EscalationHandler

	limits      governance.Limits
	threshold   float64
	blockOnPII  bool
	callTimeout time.Duration

	sink   telemetry.Sink
	hub    *telemetry.Hub
	logger *logging.Logger
	store  AuditStore

	mu      sync.Mutex
	waiting map[string]*continuation
}

// continuation is a workflow suspended at the approval gate.
type continuation struct {
	result  *Result
	tracker *governance.BudgetTracker
	action  *model.ProposedAction
}

// New creates an Orchestrator from opts.
func New(opts Options) (*Orchestrator, error) {
	if opts.Model == nil {
		return nil, errors.New("workflow: model client is required")
	}
	if opts.Tools == nil {
		return nil, errors.New("workflow: tool registry is required")
	}
	if opts.Sink == nil {
		opts.Sink = telemetry.NopSink{}
	}
	if !opts.Limits.Valid() {
		opts.Limits = governance.DefaultLimits()
	}
	if opts.ConfidenceThreshold <= 0 {
		opts.ConfidenceThreshold = 0.7
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}

	return &Orchestrator{
		model:       opts.Model,
		tools:       opts.Tools,
		gate:        opts.Gate,
		executor:    opts.Executor,
		validator:   governance.NewSecurityValidator(opts.Rules, opts.Sink),
		escalator:   governance.NewEscalationHandler(opts.Sink, logging.EventWriter{L: opts.Logger}),
		limits:      opts.Limits,
		threshold:   opts.ConfidenceThreshold,
		blockOnPII:  opts.BlockOnPII,
		callTimeout: opts.CallTimeout,
		sink:        opts.Sink,
		hub:         opts.Hub,
		logger:      opts.Logger,
		store:       opts.Store,
		waiting:     make(map[string]*continuation),
	}, nil
}

// Run drives a request until it reaches a terminal state or suspends at
// the approval gate. It always returns a result; failures surface as
// escalations, never as errors.
func (o *Orchestrator) Run(ctx context.Context, req Request) *Result {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	tracker, err := governance.NewBudgetTracker(o.limits, o.sink)
	if err != nil {
		// Limits were validated in New; this only trips on a zero Orchestrator.
		tracker, _ = governance.NewBudgetTracker(governance.DefaultLimits(), o.sink)
	}

	result := &Result{
		RequestID: req.ID,
		State:     StateIntake,
		Input:     req.Input,
		StartedAt: time.Now().UTC(),
	}

	ctx, span := telemetry.StartSpan(ctx, "workflow.run",
		trace.WithAttributes(telemetry.AttrRequestID.String(req.ID)))
	defer span.End()

	o.publish(telemetry.EventWorkflowStarted, req.ID, "", nil)
	o.logInfo(logging.CategoryWorkflow, "workflow_started", req.ID, "", map[string]any{
		"sources": len(req.Sources),
	})

	if !o.validate(ctx, &req, tracker, result) {
		return o.finish(ctx, result, tracker)
	}
	if !o.collect(ctx, &req, tracker, result) {
		return o.finish(ctx, result, tracker)
	}
	if !o.synthesize(ctx, &req, tracker, result) {
		return o.finish(ctx, result, tracker)
	}
	if o.gateAction(ctx, tracker, result) {
		// Suspended; gateAction persisted the snapshot and Resume now
		// owns the continuation.
		return result
	}
	return o.finish(ctx, result, tracker)
}

// validate runs security checks on the raw input. Validation precedes
// all budget accounting; a rejected input never consumes budget. Returns
// false when the workflow escalated.
func (o *Orchestrator) validate(ctx context.Context, req *Request, tracker *governance.BudgetTracker, result *Result) bool {
	defer o.stage(ctx, result, StateValidating)()

	verdict := o.validator.Validate(req.Input)
	if verdict.Valid {
		return !o.cancelled(ctx, result, tracker)
	}

	o.publish(telemetry.EventSecurityFlagged, result.RequestID, "", map[string]any{
		"reason":   verdict.Reason.String(),
		"detected": verdict.Detected,
	})

	if verdict.Reason == governance.ReasonPIIDetected && !o.blockOnPII {
		// Scrub and continue; the raw input never leaves this process.
		req.Input = verdict.RedactedText
		result.Input = verdict.RedactedText
		o.logInfo(logging.CategorySecurity, "pii_redacted", result.RequestID, "", map[string]any{
			"types": verdict.Detected,
		})
		return !o.cancelled(ctx, result, tracker)
	}

	// The verdict records what was detected; the escalation itself is
	// classified as a security violation.
	reason := verdict.Reason
	if reason == governance.ReasonPromptInjection {
		reason = governance.ReasonSecurityViolation
	}
	record := o.escalator.Escalate(reason, verdict.Message, map[string]any{
		"detected": verdict.Detected,
		"verdict":  verdict.Reason.String(),
	})
	o.escalate(ctx, result, record)
	return false
}

// collect queries each evidence source, charging the tool budget before
// every call. Returns false when the workflow escalated.
func (o *Orchestrator) collect(ctx context.Context, req *Request, tracker *governance.BudgetTracker, result *Result) bool {
	defer o.stage(ctx, result, StateCollecting)()

	if !o.chargeStep(tracker, result) {
		return false
	}

	failures := 0
	for _, src := range req.Sources {
		if o.cancelled(ctx, result, tracker) {
			return false
		}

		if !tracker.Allow(governance.BudgetToolCalls) {
			o.publish(telemetry.EventBudgetDenied, result.RequestID, "", map[string]any{
				"budget": string(governance.BudgetToolCalls),
				"tool":   src.Tool,
			})
			o.escalate(ctx, result, o.escalator.EscalateFromBudget(tracker))
			return false
		}
		tracker.RecordToolCall()

		item := o.callTool(ctx, result.RequestID, src)
		if item.Err != "" {
			failures++
		}
		result.Evidence = append(result.Evidence, item)
	}

	if len(req.Sources) > 0 && failures == len(req.Sources) {
		record := o.escalator.Escalate(governance.ReasonAllSourcesFailed,
			governance.DefaultMessage(governance.ReasonAllSourcesFailed),
			map[string]any{"sources": len(req.Sources)})
		o.escalate(ctx, result, record)
		return false
	}

	return true
}

// callTool executes one evidence tool with a timeout and a single retry.
// The retry does not consume additional tool budget; the budget charges
// intents, not attempts.
func (o *Orchestrator) callTool(ctx context.Context, requestID string, src Source) model.EvidenceItem {
	o.publish(telemetry.EventToolStarted, requestID, "", map[string]any{"tool": src.Tool})

	res, err := o.callToolOnce(ctx, src)
	if err != nil && ctx.Err() == nil {
		o.logWarn(logging.CategoryTool, "tool_retry", requestID, "", map[string]any{
			"tool":  src.Tool,
			"error": err.Error(),
		})
		res, err = o.callToolOnce(ctx, src)
	}

	if err != nil {
		o.sink.Count(telemetry.MetricToolCalls, 1, telemetry.Labels{
			telemetry.TagToolName: src.Tool,
			telemetry.TagResult:   "error",
		})
		o.publish(telemetry.EventToolFailed, requestID, "", map[string]any{
			"tool":  src.Tool,
			"error": err.Error(),
		})
		return model.EvidenceItem{Source: src.Tool, Err: err.Error()}
	}

	o.sink.Count(telemetry.MetricToolCalls, 1, telemetry.Labels{
		telemetry.TagToolName: src.Tool,
		telemetry.TagResult:   "ok",
	})
	o.publish(telemetry.EventToolCompleted, requestID, "", map[string]any{"tool": src.Tool})
	return model.EvidenceItem{Source: res.Source, Content: res.Content}
}

func (o *Orchestrator) callToolOnce(ctx context.Context, src Source) (*tool.Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.callTimeout)
	defer cancel()
	return o.tools.Execute(callCtx, src.Tool, src.Input)
}

// synthesize asks the model for a structured analysis and checks its
// confidence. Returns false when the workflow escalated.
func (o *Orchestrator) synthesize(ctx context.Context, req *Request, tracker *governance.BudgetTracker, result *Result) bool {
	defer o.stage(ctx, result, StateSynthesizing)()

	if !o.chargeStep(tracker, result) {
		return false
	}

	if !tracker.Allow(governance.BudgetModelCalls) {
		o.publish(telemetry.EventBudgetDenied, result.RequestID, "", map[string]any{
			"budget": string(governance.BudgetModelCalls),
		})
		o.escalate(ctx, result, o.escalator.EscalateFromBudget(tracker))
		return false
	}
	tracker.RecordModelCall()

	o.publish(telemetry.EventModelStarted, result.RequestID, "", nil)

	synthesis, err := o.callModelOnce(ctx, req, result)
	if err != nil && model.IsRetryable(err) && ctx.Err() == nil {
		o.logWarn(logging.CategoryModel, "model_retry", result.RequestID, "", map[string]any{
			"error": err.Error(),
		})
		synthesis, err = o.callModelOnce(ctx, req, result)
	}

	if err != nil {
		o.sink.Count(telemetry.MetricModelCalls, 1, telemetry.Labels{telemetry.TagResult: "error"})
		o.publish(telemetry.EventModelFailed, result.RequestID, "", map[string]any{"error": err.Error()})
		if o.cancelled(ctx, result, tracker) {
			return false
		}
		record := o.escalator.Escalate(governance.ReasonModelFailure,
			governance.DefaultMessage(governance.ReasonModelFailure),
			map[string]any{"error": err.Error()})
		o.escalate(ctx, result, record)
		return false
	}

	o.sink.Count(telemetry.MetricModelCalls, 1, telemetry.Labels{telemetry.TagResult: "ok"})
	o.publish(telemetry.EventModelCompleted, result.RequestID, "", nil)

	synthesis.Normalize()
	result.Synthesis = synthesis

	confidence := synthesis.TopConfidence()
	passed := confidence >= o.threshold
	checkResult := "pass"
	if !passed {
		checkResult = "fail"
	}
	o.sink.Count(telemetry.MetricQualityChecks, 1, telemetry.Labels{
		telemetry.TagCheckType: "confidence",
		telemetry.TagResult:    checkResult,
	})

	if !passed {
		o.escalate(ctx, result, o.escalator.EscalateFromConfidence(confidence, o.threshold))
		return false
	}

	return !o.cancelled(ctx, result, tracker)
}

func (o *Orchestrator) callModelOnce(ctx context.Context, req *Request, result *Result) (*model.Synthesis, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.callTimeout)
	defer cancel()
	return o.model.Synthesize(callCtx, &model.SynthesisRequest{
		RequestID: result.RequestID,
		Summary:   req.Input,
		Evidence:  result.Evidence,
	})
}

// gateAction suspends the workflow behind human approval when the
// synthesis proposes an action. Without a proposal the request
// completes. Returns true when the run suspended; the gating snapshot
// is persisted here and the caller must not touch the result again.
func (o *Orchestrator) gateAction(ctx context.Context, tracker *governance.BudgetTracker, result *Result) bool {
	defer o.stage(ctx, result, StateGating)()

	action := result.Synthesis.ProposedAction
	if action == nil {
		result.State = StateDone
		return false
	}

	if o.gate == nil {
		record := o.escalator.Escalate(governance.ReasonOther,
			"action proposed but no approval gate is configured",
			map[string]any{"action_type": string(action.Type)})
		o.escalate(ctx, result, record)
		return false
	}

	// The continuation registers under the same lock Resume takes, so a
	// decision racing the approval announcement blocks until it exists.
	o.mu.Lock()
	req, err := o.gate.Request(ctx, approval.Spec{
		RequestID:   result.RequestID,
		ActionType:  string(action.Type),
		Title:       action.Title,
		Description: action.Description,
		Severity:    action.Severity,
		RiskReasons: action.NextSteps,
	})
	if err != nil {
		o.mu.Unlock()
		record := o.escalator.Escalate(governance.ReasonOther,
			"failed to create approval request",
			map[string]any{"error": err.Error()})
		o.escalate(ctx, result, record)
		return false
	}

	result.State = StateGating
	result.ApprovalID = req.ID
	result.Budget = tracker.Snapshot()
	o.persist(ctx, result)

	// Resume finishes its own copy so a decision arriving while Run is
	// still returning never mutates the caller's result.
	suspended := *result
	o.waiting[req.ID] = &continuation{result: &suspended, tracker: tracker, action: action}
	o.mu.Unlock()

	o.logInfo(logging.CategoryApproval, "approval_requested", result.RequestID, req.ID, map[string]any{
		"action_type": string(action.Type),
		"title":       action.Title,
	})
	return true
}

// Resume applies a human decision to a suspended workflow and drives it
// to a terminal state. The decision itself is delegated to the gate, so
// unknown IDs fail with approval.ErrNotFound and repeat decisions with
// approval.ErrAlreadyDecided.
func (o *Orchestrator) Resume(ctx context.Context, approvalID string, approved bool, decidedBy, reason string) (*Result, error) {
	if o.gate == nil {
		return nil, errors.New("workflow: no approval gate configured")
	}

	record, err := o.gate.Decide(ctx, approvalID, approved, decidedBy, reason)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	cont, ok := o.waiting[approvalID]
	delete(o.waiting, approvalID)
	o.mu.Unlock()
	if !ok {
		// The suspension predates this process; rebuild it from the
		// persisted gating snapshot.
		if cont, err = o.rehydrate(ctx, record); err != nil {
			return nil, err
		}
	}

	result, tracker := cont.result, cont.tracker

	ctx, span := telemetry.StartSpan(ctx, "workflow.resume",
		trace.WithAttributes(
			telemetry.AttrRequestID.String(result.RequestID),
			telemetry.AttrApprovalID.String(approvalID),
		))
	defer span.End()

	if !approved {
		record := o.escalator.Escalate(governance.ReasonHumanRejected,
			governance.DefaultMessage(governance.ReasonHumanRejected),
			map[string]any{"decided_by": decidedBy, "reason": reason})
		o.escalate(ctx, result, record)
		return o.finish(ctx, result, tracker), nil
	}

	o.executeAction(ctx, cont, result)
	return o.finish(ctx, result, tracker), nil
}

// rehydrate rebuilds a continuation from the persisted gating result,
// covering approvals restored after a process restart. The budget
// snapshot rides the stored result; the live tracker does not survive.
func (o *Orchestrator) rehydrate(ctx context.Context, record *approval.Request) (*continuation, error) {
	if o.store == nil || record == nil {
		return nil, ErrNoContinuation
	}

	state, data, err := o.store.GetResult(ctx, record.RequestID)
	if err != nil {
		return nil, fmt.Errorf("loading suspended result for %s: %w", record.RequestID, err)
	}
	if state != string(StateGating) || len(data) == 0 {
		return nil, ErrNoContinuation
	}

	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("decoding suspended result for %s: %w", record.RequestID, err)
	}
	if result.Synthesis == nil || result.Synthesis.ProposedAction == nil {
		return nil, ErrNoContinuation
	}
	return &continuation{result: &result, action: result.Synthesis.ProposedAction}, nil
}

// Abandon escalates suspended workflows whose approvals have expired.
// Call it after gate.Expire; expired IDs with no live or persisted
// continuation are ignored.
func (o *Orchestrator) Abandon(ctx context.Context, approvalIDs []string) []*Result {
	var results []*Result
	for _, id := range approvalIDs {
		o.mu.Lock()
		cont, ok := o.waiting[id]
		delete(o.waiting, id)
		o.mu.Unlock()
		if !ok {
			if o.gate == nil {
				continue
			}
			record, err := o.gate.Get(ctx, id)
			if err != nil {
				continue
			}
			if cont, err = o.rehydrate(ctx, record); err != nil {
				continue
			}
		}

		record := o.escalator.Escalate(governance.ReasonHumanRejected,
			"approval expired before a decision was made",
			map[string]any{"approval_id": id})
		o.escalate(ctx, cont.result, record)
		results = append(results, o.finish(ctx, cont.result, cont.tracker))
	}
	return results
}

// executeAction runs the approved action with a single retry.
func (o *Orchestrator) executeAction(ctx context.Context, cont *continuation, result *Result) {
	if o.executor == nil {
		result.State = StateDone
		result.Action = &ActionResult{Executed: false, Detail: "no executor configured"}
		return
	}

	actionResult, err := o.executor.ExecuteAction(ctx, result.RequestID, cont.action)
	if err != nil && ctx.Err() == nil {
		o.logWarn(logging.CategoryTool, "action_retry", result.RequestID, result.ApprovalID, map[string]any{
			"error": err.Error(),
		})
		actionResult, err = o.executor.ExecuteAction(ctx, result.RequestID, cont.action)
	}

	if err != nil {
		record := o.escalator.Escalate(governance.ReasonToolFailure,
			fmt.Sprintf("approved action failed: %v", err),
			map[string]any{"action_type": string(cont.action.Type)})
		o.escalate(ctx, result, record)
		return
	}

	result.State = StateDone
	result.Action = actionResult
}

// Waiting returns the approval IDs of currently suspended workflows.
func (o *Orchestrator) Waiting() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.waiting))
	for id := range o.waiting {
		ids = append(ids, id)
	}
	return ids
}

// chargeStep consumes one step of budget, escalating when exhausted.
func (o *Orchestrator) chargeStep(tracker *governance.BudgetTracker, result *Result) bool {
	if !tracker.Allow(governance.BudgetSteps) {
		o.publish(telemetry.EventBudgetDenied, result.RequestID, "", map[string]any{
			"budget": string(governance.BudgetSteps),
		})
		o.escalate(context.Background(), result, o.escalator.EscalateFromBudget(tracker))
		return false
	}
	tracker.RecordStep()
	return true
}

// cancelled escalates when ctx is done so Run stays total under
// cancellation.
func (o *Orchestrator) cancelled(ctx context.Context, result *Result, tracker *governance.BudgetTracker) bool {
	if ctx.Err() == nil {
		return false
	}
	if result.State == StateEscalated {
		return true
	}
	record := o.escalator.Escalate(governance.ReasonOther,
		"workflow cancelled",
		map[string]any{"error": ctx.Err().Error()})
	o.escalate(ctx, result, record)
	return true
}

// stage marks a transition, times it, and emits the stage event.
func (o *Orchestrator) stage(ctx context.Context, result *Result, s State) func() {
	result.State = s
	start := time.Now()

	_, span := telemetry.StartSpan(ctx, "workflow."+string(s),
		trace.WithAttributes(
			telemetry.AttrRequestID.String(result.RequestID),
			telemetry.AttrStage.String(string(s)),
		))

	o.publish(telemetry.EventWorkflowStage, result.RequestID, "", map[string]any{"stage": string(s)})

	return func() {
		span.End()
		o.sink.Observe(telemetry.MetricStageDuration, time.Since(start).Seconds(), telemetry.Labels{
			telemetry.TagStage: string(s),
		})
	}
}

// escalate records an escalation on the result.
func (o *Orchestrator) escalate(ctx context.Context, result *Result, record governance.EscalationRecord) {
	result.State = StateEscalated
	result.Escalation = &record

	telemetry.RecordError(ctx, fmt.Errorf("escalated: %s", record.Reason))
	o.publish(telemetry.EventWorkflowEscalated, result.RequestID, result.ApprovalID, map[string]any{
		"reason":  record.Reason.String(),
		"message": record.Message,
	})

	if o.store != nil {
		if err := o.store.LogEscalation(ctx, result.RequestID, record); err != nil {
			o.logWarn(logging.CategoryStorage, "escalation_persist_failed", result.RequestID, "", map[string]any{
				"error": err.Error(),
			})
		}
	}
}

// finish stamps the terminal snapshot, persists the result, and emits
// the run counter. A nil tracker (rehydrated continuation) keeps the
// budget already on the result.
func (o *Orchestrator) finish(ctx context.Context, result *Result, tracker *governance.BudgetTracker) *Result {
	if tracker != nil {
		result.Budget = tracker.Snapshot()
	}
	result.FinishedAt = time.Now().UTC()

	eventType := telemetry.EventWorkflowCompleted
	if result.State == StateEscalated {
		eventType = telemetry.EventWorkflowEscalated
	}
	if result.State.Terminal() {
		o.sink.Count(telemetry.MetricWorkflowRuns, 1, telemetry.Labels{
			telemetry.TagResult: string(result.State),
		})
		o.publish(eventType, result.RequestID, result.ApprovalID, map[string]any{
			"state": string(result.State),
		})
		o.logInfo(logging.CategoryWorkflow, "workflow_finished", result.RequestID, result.ApprovalID, map[string]any{
			"state": string(result.State),
		})
	}

	o.persist(ctx, result)
	return result
}

func (o *Orchestrator) persist(ctx context.Context, result *Result) {
	if o.store == nil {
		return
	}
	data, err := marshalResult(result)
	if err != nil {
		o.logWarn(logging.CategoryStorage, "result_marshal_failed", result.RequestID, "", map[string]any{
			"error": err.Error(),
		})
		return
	}
	if err := o.store.SaveResult(ctx, result.RequestID, string(result.State), data); err != nil {
		o.logWarn(logging.CategoryStorage, "result_persist_failed", result.RequestID, "", map[string]any{
			"error": err.Error(),
		})
	}
}

func marshalResult(result *Result) ([]byte, error) {
	return json.Marshal(result)
}

func (o *Orchestrator) publish(eventType telemetry.EventType, requestID, approvalID string, data map[string]any) {
	if o.hub == nil {
		return
	}
	o.hub.Publish(telemetry.Event{
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		RequestID:  requestID,
		ApprovalID: approvalID,
		Data:       data,
	})
}

func (o *Orchestrator) logInfo(category logging.Category, eventType, requestID, approvalID string, details map[string]any) {
	if o.logger == nil {
		return
	}
	o.logger.Log(logging.Event{
		Timestamp:  time.Now().UTC(),
		Level:      logging.LevelInfo,
		Category:   category,
		EventType:  eventType,
		RequestID:  requestID,
		ApprovalID: approvalID,
		Details:    details,
	})
}

func (o *Orchestrator) logWarn(category logging.Category, eventType, requestID, approvalID string, details map[string]any) {
	if o.logger == nil {
		return
	}
	o.logger.Log(logging.Event{
		Timestamp:  time.Now().UTC(),
		Level:      logging.LevelWarn,
		Category:   category,
		EventType:  eventType,
		RequestID:  requestID,
		ApprovalID: approvalID,
		Details:    details,
	})
}
