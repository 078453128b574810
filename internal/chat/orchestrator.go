// Package chat runs a conversation turn through guardrails, flow analysis,
// tool detection and execution, response generation and persistence.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashureev/toolchat/internal/detect"
	"github.com/ashureev/toolchat/internal/domain"
	"github.com/ashureev/toolchat/internal/flow"
	"github.com/ashureev/toolchat/internal/guardrails"
	"github.com/ashureev/toolchat/internal/identity"
	"github.com/ashureev/toolchat/internal/llm"
	"github.com/ashureev/toolchat/internal/store"
	"github.com/ashureev/toolchat/internal/tools"
	"github.com/ashureev/toolchat/internal/transcript"
)

const tracerName = "github.com/ashureev/toolchat/internal/chat"

// Pipeline step names.
const (
	StepLoadSession      = "load_session"
	StepValidateInput    = "validate_input"
	StepPersistUser      = "persist_user_message"
	StepAnalyzeFlow      = "analyze_flow"
	StepDetectTool       = "detect_tool"
	StepExecuteTool      = "execute_tool"
	StepBuildContext     = "build_context"
	StepGenerate         = "generate"
	StepValidateOutput   = "validate_output"
	StepPersistAssistant = "persist_assistant_message"
)

// Response is the outcome of a successful turn.
type Response struct {
	SessionID    string           `json:"session_id"`
	RequestID    string           `json:"request_id"`
	ResponseText string           `json:"response"`
	InputTokens  int              `json:"input_tokens"`
	OutputTokens int              `json:"output_tokens"`
	ToolCalled   bool             `json:"tool_called"`
	ToolName     string           `json:"tool_name,omitempty"`
	FlowState    domain.FlowState `json:"flow_state"`
	Cost         llm.Cost         `json:"estimated_cost"`

	// Set when a tool was called without all of its required parameters.
	Completeness *detect.Completeness `json:"parameter_completeness,omitempty"`
	Suggestion   *detect.Suggestion   `json:"suggestion,omitempty"`
}

// Observer receives turn measurements.
type Observer interface {
	StepCompleted(step string, elapsed time.Duration, err error)
	ToolExecuted(tool string, success bool, elapsed time.Duration)
	TurnCompleted(provider string, resp *Response, elapsed time.Duration)
	TurnFailed(kind Kind)
}

type nopObserver struct{}

func (nopObserver) StepCompleted(string, time.Duration, error) {}
func (nopObserver) ToolExecuted(string, bool, time.Duration) {}
func (nopObserver) TurnCompleted(string, *Response, time.Duration) {}
func (nopObserver) TurnFailed(Kind) {}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Store        store.Repository
	Guardrails   *guardrails.Engine
	Flow         *flow.Analyzer
	Detector     *detect.Detector
	Tools        *tools.Registry
	Generator    llm.Generator
	Params       llm.Params
	ToolsEnabled bool
}

// Orchestrator runs chat turns. It holds no per-session state and is safe
// for concurrent use.
type Orchestrator struct {
	repo         store.Repository
	guard        *guardrails.Engine
	flow         *flow.Analyzer
	detector     *detect.Detector
	registry     *tools.Registry
	generator    llm.Generator
	params       llm.Params
	toolsEnabled bool

	count       llm.TokenCounter
	transcript  transcript.Logger
	tracer      trace.Tracer
	observer    Observer
	now         func() time.Time
	turnTimeout time.Duration

	steps []step
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTokenCounter replaces the approximate token counter.
func WithTokenCounter(c llm.TokenCounter) Option {
	return func(o *Orchestrator) { o.count = c }
}

// WithTranscript sends turn events to l.
func WithTranscript(l transcript.Logger) Option {
	return func(o *Orchestrator) { o.transcript = l }
}

// WithTracer overrides the OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithObserver reports turn measurements to obs.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// WithClock overrides the time source used for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithTurnTimeout bounds each turn. Zero disables the bound.
func WithTurnTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.turnTimeout = d }
}

// New creates an Orchestrator.
func New(d Deps, opts ...Option) (*Orchestrator, error) {
	switch {
	case d.Store == nil:
		return nil, errors.New("store is required")
	case d.Guardrails == nil:
		return nil, errors.New("guardrails engine is required")
	case d.Flow == nil:
		return nil, errors.New("flow analyzer is required")
	case d.Detector == nil:
		return nil, errors.New("tool detector is required")
	case d.Tools == nil:
		return nil, errors.New("tool registry is required")
	case d.Generator == nil:
		return nil, errors.New("generator is required")
	}

	o := &Orchestrator{
		repo:         d.Store,
		guard:        d.Guardrails,
		flow:         d.Flow,
		detector:     d.Detector,
		registry:     d.Tools,
		generator:    d.Generator,
		params:       d.Params,
		toolsEnabled: d.ToolsEnabled,
		count:        llm.ApproximateTokens,
		transcript:   transcript.Nop{},
		tracer:       otel.Tracer(tracerName),
		observer:     nopObserver{},
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.steps = o.pipeline()
	return o, nil
}

type channelKey struct{}

// WithChannel tags ctx with the transport a turn arrived on.
func WithChannel(ctx context.Context, channel string) context.Context {
	return context.WithValue(ctx, channelKey{}, channel)
}

func channelFrom(ctx context.Context) string {
	if v, ok := ctx.Value(channelKey{}).(string); ok {
		return v
	}
	return transcript.ChannelHTTP
}

type policy int

const (
	abort policy = iota
	proceed
)

type step struct {
	name   string
	policy policy
	run    func(ctx context.Context, t *turn) error
}

// turn is the mutable state threaded through the pipeline.
type turn struct {
	sessionID string
	requestID string
	channel   string
	text      string

	session   *domain.Session
	history   []domain.Message
	flow      domain.FlowState
	detection domain.ToolDetectionResult
	complete  *detect.Completeness
	suggest   *detect.Suggestion
	outcome   *ToolOutcome
	messages  []llm.Message
	reply     string

	inputTokens  int
	outputTokens int
}

func (o *Orchestrator) pipeline() []step {
	return []step{
		{name: StepLoadSession, policy: abort, run: o.loadSession},
		{name: StepValidateInput, policy: abort, run: o.validateInput},
		{name: StepPersistUser, policy: abort, run: o.persistUser},
		{name: StepAnalyzeFlow, policy: proceed, run: o.analyzeFlow},
		{name: StepDetectTool, policy: abort, run: o.detectTool},
		{name: StepExecuteTool, policy: abort, run: o.executeTool},
		{name: StepBuildContext, policy: abort, run: o.buildContext},
		{name: StepGenerate, policy: abort, run: o.generate},
		{name: StepValidateOutput, policy: proceed, run: o.validateOutput},
		{name: StepPersistAssistant, policy: abort, run: o.persistAssistant},
	}
}

// ProcessMessage runs one turn for sessionID. The turn is detached from
// the caller's cancellation and bounded by the turn timeout instead.
func (o *Orchestrator) ProcessMessage(ctx context.Context, sessionID, text string) (*Response, error) {
	t := &turn{
		sessionID: sessionID,
		requestID: identity.RequestIDFromContext(ctx),
		channel:   channelFrom(ctx),
		text:      text,
	}
	if t.requestID == "" {
		t.requestID = uuid.NewString()
	}

	ctx = context.WithoutCancel(ctx)
	if o.turnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.turnTimeout)
		defer cancel()
	}

	ctx, span := o.tracer.Start(ctx, "chat.turn",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("chat.session_id", sessionID),
			attribute.String("chat.request_id", t.requestID),
			attribute.String("chat.channel", t.channel),
		))
	defer span.End()

	start := o.now()
	if !domain.ValidSessionID(sessionID) {
		err := validationError("", "Invalid session ID format")
		o.fail(ctx, span, t, "", err)
		return nil, err
	}

	for _, s := range o.steps {
		err := o.runStep(ctx, s, t)
		if err == nil {
			continue
		}
		if s.policy == proceed {
			slog.Warn("Chat step failed, continuing",
				"step", s.name,
				"session_id", t.sessionID,
				"request_id", t.requestID,
				"error", err)
			continue
		}
		err = classify(s.name, err)
		o.fail(ctx, span, t, s.name, err)
		return nil, err
	}

	resp := &Response{
		SessionID:    t.sessionID,
		RequestID:    t.requestID,
		ResponseText: t.reply,
		InputTokens:  t.inputTokens,
		OutputTokens: t.outputTokens,
		ToolCalled:   t.outcome != nil,
		FlowState:    t.flow,
		Cost:         llm.EstimateCost(o.params.Model, t.inputTokens, t.outputTokens),
		Completeness: t.complete,
		Suggestion:   t.suggest,
	}
	if t.outcome != nil {
		resp.ToolName = t.outcome.Name
	}

	span.SetAttributes(
		attribute.Int("chat.input_tokens", resp.InputTokens),
		attribute.Int("chat.output_tokens", resp.OutputTokens),
		attribute.Bool("chat.tool_called", resp.ToolCalled),
	)
	span.SetStatus(codes.Ok, "ok")
	o.observer.TurnCompleted(o.generator.Name(), resp, o.now().Sub(start))

	slog.Info("Chat turn completed",
		"session_id", t.sessionID,
		"request_id", t.requestID,
		"tool_called", resp.ToolCalled,
		"tool_name", resp.ToolName,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens)
	return resp, nil
}

// runStep runs one step. A panic inside the step is recovered and
// returned as an OrchestrationError for that step.
func (o *Orchestrator) runStep(ctx context.Context, s step, t *turn) (err error) {
	ctx, span := o.tracer.Start(ctx, "chat."+s.name)
	defer span.End()

	start := o.now()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Chat step panicked",
				"step", s.name,
				"session_id", t.sessionID,
				"request_id", t.requestID,
				"panic", r,
				"stack", string(debug.Stack()))
			err = &OrchestrationError{Kind: KindOrchestration, Step: s.name, Err: fmt.Errorf("panic: %v", r)}
		}
		o.observer.StepCompleted(s.name, o.now().Sub(start), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, s.name+" failed")
			return
		}
		span.SetStatus(codes.Ok, "ok")
	}()
	return s.run(ctx, t)
}

// classify wraps untyped errors so every failure carries a Kind.
func classify(stepName string, err error) error {
	var (
		ve *ValidationError
		te *ToolError
		le *LLMError
		se *StoreError
		oe *OrchestrationError
	)
	if errors.As(err, &ve) || errors.As(err, &te) || errors.As(err, &le) ||
		errors.As(err, &se) || errors.As(err, &oe) {
		return err
	}
	return &OrchestrationError{Kind: KindOrchestration, Step: stepName, Err: err}
}

func (o *Orchestrator) fail(ctx context.Context, span trace.Span, t *turn, stepName string, err error) {
	kind := KindOf(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, string(kind))
	o.observer.TurnFailed(kind)

	if kind == KindValidation {
		slog.Info("Chat turn rejected",
			"session_id", t.sessionID,
			"request_id", t.requestID,
			"reason", err.Error())
	} else {
		slog.Error("Chat turn failed",
			"step", stepName,
			"kind", kind,
			"session_id", t.sessionID,
			"request_id", t.requestID,
			"error", err)
	}

	entry := &domain.ErrorLog{
		SessionID: t.sessionID,
		RequestID: t.requestID,
		ErrorType: string(kind),
		Message:   err.Error(),
		Detail:    stepName,
		CreatedAt: o.now(),
	}
	if logErr := o.repo.LogError(ctx, entry); logErr != nil {
		slog.Warn("Failed to record chat error",
			"session_id", t.sessionID,
			"request_id", t.requestID,
			"error", logErr)
	}

	o.transcript.Log(transcript.Event{
		SessionID:  t.sessionID,
		RequestID:  t.requestID,
		Channel:    t.channel,
		Direction:  transcript.DirectionOutbound,
		EventType:  transcript.EventTurnFailed,
		ContentRaw: err.Error(),
		Meta:       map[string]any{"kind": string(kind), "step": stepName},
	})
}

func (o *Orchestrator) loadSession(ctx context.Context, t *turn) error {
	session, err := o.repo.GetOrCreateSession(ctx, t.sessionID)
	if err != nil {
		return storeError("get_or_create_session", err)
	}
	history, err := o.repo.History(ctx, t.sessionID, 0)
	if err != nil {
		return storeError("history", err)
	}
	t.session = session
	t.history = history
	return nil
}

func (o *Orchestrator) validateInput(ctx context.Context, t *turn) error {
	text, err := o.guard.ValidateUserMessage(ctx, t.text, t.sessionID, t.history)
	if err != nil {
		var gerr *guardrails.ValidationError
		if errors.As(err, &gerr) {
			return validationError(gerr.Violation, gerr.Message)
		}
		return err
	}
	t.text = text
	return nil
}

func (o *Orchestrator) persistUser(ctx context.Context, t *turn) error {
	msg := &domain.Message{
		SessionID: t.sessionID,
		Role:      domain.RoleUser,
		Content:   t.text,
		Timestamp: o.now(),
	}
	if err := o.repo.AppendMessage(ctx, msg); err != nil {
		return storeError("append_user_message", err)
	}
	o.transcript.Log(transcript.Event{
		SessionID:  t.sessionID,
		RequestID:  t.requestID,
		Channel:    t.channel,
		Direction:  transcript.DirectionInbound,
		EventType:  transcript.EventUserMessage,
		ContentRaw: t.text,
	})
	return nil
}

func (o *Orchestrator) analyzeFlow(_ context.Context, t *turn) error {
	t.flow = o.flow.Analyze(t.history, t.text)
	if t.flow.State == domain.FlowError {
		reason := t.flow.Error
		t.flow = domain.FlowState{State: domain.FlowOngoing}
		return fmt.Errorf("flow analysis: %s", reason)
	}
	return nil
}

func (o *Orchestrator) detectTool(_ context.Context, t *turn) error {
	t.detection = o.detector.Analyze(t.text, t.history)
	slog.Debug("Tool detection",
		"session_id", t.sessionID,
		"tool_required", t.detection.ToolRequired,
		"tool_name", t.detection.ToolName,
		"confidence", t.detection.Confidence,
		"reasoning", t.detection.Reasoning)

	if !t.detection.ToolRequired {
		return nil
	}
	if c := detect.ParameterCompleteness(t.detection); !c.Complete {
		t.complete = &c
		if sug, ok := detect.Suggest(t.detection); ok {
			t.suggest = &sug
		}
	}
	return nil
}

func (o *Orchestrator) executeTool(ctx context.Context, t *turn) error {
	if !t.detection.ToolRequired || t.detection.ToolName == "" {
		return nil
	}
	name := t.detection.ToolName
	tool, err := o.registry.Get(name)
	if err != nil {
		return toolError(name, err)
	}

	ctx, span := o.tracer.Start(ctx, "tool.execute",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("tool.name", name)))
	defer span.End()

	params := t.detection.ExtractedParameters
	outcome := &ToolOutcome{Name: name, Parameters: params}
	start := o.now()
	result, err := tool.Execute(ctx, params, tools.CallContext{
		SessionID:   t.sessionID,
		UserMessage: t.text,
		History:     t.history,
	})
	elapsed := o.now().Sub(start)
	if err != nil {
		outcome.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, "tool execution failed")
		slog.Warn("Tool execution failed",
			"tool", name,
			"session_id", t.sessionID,
			"request_id", t.requestID,
			"error", err)
	} else {
		outcome.Success = true
		outcome.Result = result
		span.SetStatus(codes.Ok, "ok")
	}
	t.outcome = outcome
	o.observer.ToolExecuted(name, outcome.Success, elapsed)

	o.transcript.Log(transcript.Event{
		SessionID:  t.sessionID,
		RequestID:  t.requestID,
		Channel:    t.channel,
		Direction:  transcript.DirectionOutbound,
		EventType:  transcript.EventToolCall,
		ContentRaw: outcome.Note(),
		Meta: map[string]any{
			"tool":        name,
			"success":     outcome.Success,
			"confidence":  t.detection.Confidence,
			"duration_ms": elapsed.Milliseconds(),
		},
	})
	return nil
}

func (o *Orchestrator) buildContext(_ context.Context, t *turn) error {
	t.messages = buildContext(promptInput{
		generalChat: o.guard.Config().EnableGeneralChat,
		catalog:     o.registry.List(),
		outcome:     t.outcome,
		suggestion:  t.suggest,
		flow:        t.flow,
		history:     t.history,
		userText:    t.text,
	})
	return nil
}

func (o *Orchestrator) generate(ctx context.Context, t *turn) error {
	res, err := o.generator.Generate(ctx, t.messages, o.params)
	if err != nil {
		return llmError(o.generator.Name(), err)
	}
	t.reply = res.Content
	t.inputTokens = o.count(llm.FormatForCounting(t.messages))
	t.outputTokens = o.count(res.Content)
	return nil
}

func (o *Orchestrator) validateOutput(ctx context.Context, t *turn) error {
	t.reply = o.guard.ValidateAIResponse(ctx, t.reply, t.text, t.sessionID)
	return nil
}

func (o *Orchestrator) persistAssistant(ctx context.Context, t *turn) error {
	msg := &domain.Message{
		SessionID:    t.sessionID,
		Role:         domain.RoleAssistant,
		Content:      t.reply,
		Timestamp:    o.now(),
		InputTokens:  t.inputTokens,
		OutputTokens: t.outputTokens,
	}
	if t.outcome != nil {
		msg.ToolName = t.outcome.Name
	}
	if err := o.repo.AppendMessage(ctx, msg); err != nil {
		return storeError("append_assistant_message", err)
	}
	o.transcript.Log(transcript.Event{
		SessionID:  t.sessionID,
		RequestID:  t.requestID,
		Channel:    t.channel,
		Direction:  transcript.DirectionOutbound,
		EventType:  transcript.EventAssistantMessage,
		ContentRaw: t.reply,
		Meta: map[string]any{
			"input_tokens":  t.inputTokens,
			"output_tokens": t.outputTokens,
			"tool_name":     msg.ToolName,
		},
	})
	return nil
}
