package chat

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/toolchat/internal/config"
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

const testSession = "session_abc123"

type fakeGenerator struct {
	mu    sync.Mutex
	calls [][]llm.Message
	reply string
	err   error
}

func (f *fakeGenerator) Name() string { return "fake" }

func (f *fakeGenerator) Generate(_ context.Context, messages []llm.Message, _ llm.Params) (*llm.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, messages)
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Result{Content: f.reply}, nil
}

func (f *fakeGenerator) lastCall() []llm.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

type recordingObserver struct {
	mu        sync.Mutex
	steps     []string
	tools     map[string]bool
	completed int
	failed    []Kind
}

func (r *recordingObserver) StepCompleted(step string, _ time.Duration, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, step)
}

func (r *recordingObserver) ToolExecuted(tool string, success bool, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tools == nil {
		r.tools = make(map[string]bool)
	}
	r.tools[tool] = success
}

func (r *recordingObserver) TurnCompleted(string, *Response, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed++
}

func (r *recordingObserver) TurnFailed(kind Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, kind)
}

type recordingTranscript struct {
	mu     sync.Mutex
	events []transcript.Event
}

func (r *recordingTranscript) Log(e transcript.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingTranscript) Close() error { return nil }

func (r *recordingTranscript) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.EventType
	}
	return out
}

type harness struct {
	orch     *Orchestrator
	repo     *store.SQLiteStore
	gen      llm.Generator
	observer *recordingObserver
	log      *recordingTranscript
}

type harnessOptions struct {
	generator     llm.Generator
	guardrails    func(*config.GuardrailsConfig)
	noTools       bool
	toolsDisabled bool
	tool          tools.Tool
}

func newHarness(t *testing.T, ho harnessOptions) *harness {
	t.Helper()

	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	cfg := config.Default()
	if ho.guardrails != nil {
		ho.guardrails(&cfg.Guardrails)
	}
	if ho.toolsDisabled {
		cfg.Tools.Enabled = false
	}

	registry, err := tools.NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	if !ho.noTools {
		var tool tools.Tool = tools.NewDeliveryTracker(tools.NewStaticBackend(), cfg.Tools)
		if ho.tool != nil {
			tool = ho.tool
		}
		if err := registry.Register(tool); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}

	gen := ho.generator
	if gen == nil {
		gen = llm.NewEcho()
	}

	h := &harness{repo: repo, gen: gen, observer: &recordingObserver{}, log: &recordingTranscript{}}
	h.orch, err = New(Deps{
		Store:        repo,
		Guardrails:   guardrails.New(cfg.Guardrails, guardrails.NewMemoryLedger(100)),
		Flow:         flow.New(cfg.Guardrails.MaxConversationLength),
		Detector:     detect.New(cfg.Tools),
		Tools:        registry,
		Generator:    gen,
		Params:       llm.ParamsFromConfig(cfg.LLM),
		ToolsEnabled: cfg.Tools.Enabled,
	}, WithObserver(h.observer), WithTranscript(h.log), WithTurnTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return h
}

func (h *harness) history(t *testing.T) []domain.Message {
	t.Helper()
	msgs, err := h.repo.History(context.Background(), testSession, 0)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	return msgs
}

func TestProcessMessageRoundTrip(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{})

	ctx := identity.WithRequestID(context.Background(), "req-42")
	resp, err := h.orch.ProcessMessage(ctx, testSession, "Hello there, how are you today?")
	if err != nil {
		t.Fatalf("ProcessMessage failed: %v", err)
	}
	if resp.RequestID != "req-42" {
		t.Fatalf("unexpected request id %q", resp.RequestID)
	}
	if resp.ToolCalled {
		t.Fatal("expected no tool call for small talk")
	}
	if resp.InputTokens == 0 || resp.OutputTokens == 0 {
		t.Fatalf("expected token counts, got %d/%d", resp.InputTokens, resp.OutputTokens)
	}
	if resp.FlowState.State != domain.FlowInitial {
		t.Fatalf("expected initial flow state, got %s", resp.FlowState.State)
	}

	msgs := h.history(t)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != domain.RoleUser || msgs[1].Role != domain.RoleAssistant {
		t.Fatalf("unexpected roles %s, %s", msgs[0].Role, msgs[1].Role)
	}
	if msgs[1].Content != resp.ResponseText {
		t.Fatalf("persisted reply %q differs from response %q", msgs[1].Content, resp.ResponseText)
	}
	if msgs[1].InputTokens != resp.InputTokens || msgs[1].OutputTokens != resp.OutputTokens {
		t.Fatal("persisted token counts differ from response")
	}

	session, err := h.repo.GetSession(context.Background(), testSession)
	if err != nil || session == nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if session.MessageCount != 2 {
		t.Fatalf("expected message_count 2, got %d", session.MessageCount)
	}
	if session.TotalInputTokens != resp.InputTokens || session.TotalOutputTokens != resp.OutputTokens {
		t.Fatalf("session totals %d/%d do not match turn %d/%d",
			session.TotalInputTokens, session.TotalOutputTokens, resp.InputTokens, resp.OutputTokens)
	}

	want := []string{transcript.EventUserMessage, transcript.EventAssistantMessage}
	if got := h.log.types(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected transcript events %v", got)
	}
	if h.observer.completed != 1 {
		t.Fatalf("expected one completed turn, got %d", h.observer.completed)
	}
	if len(h.observer.steps) != 10 {
		t.Fatalf("expected 10 observed steps, got %d", len(h.observer.steps))
	}
}

func TestProcessMessageCallsDeliveryTracker(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{})

	resp, err := h.orch.ProcessMessage(context.Background(), testSession, "Track my package AB1234567890")
	if err != nil {
		t.Fatalf("ProcessMessage failed: %v", err)
	}
	if !resp.ToolCalled || resp.ToolName != detect.DeliveryTracker {
		t.Fatalf("expected delivery_tracker call, got %+v", resp)
	}
	if !strings.Contains(resp.ResponseText, "Tool 'delivery_tracker' was executed successfully") {
		t.Fatalf("expected tool outcome in reply, got %q", resp.ResponseText)
	}
	if !strings.Contains(resp.ResponseText, "AB1234567890") {
		t.Fatalf("expected delivery number in reply, got %q", resp.ResponseText)
	}

	msgs := h.history(t)
	if len(msgs) != 2 || msgs[1].ToolName != detect.DeliveryTracker {
		t.Fatalf("expected assistant message tagged with tool, got %+v", msgs)
	}
	if !h.observer.tools[detect.DeliveryTracker] {
		t.Fatal("expected successful tool execution to be observed")
	}
}

func TestMissingParameterIsAbsorbedIntoContext(t *testing.T) {
	t.Parallel()
	gen := &fakeGenerator{reply: "Could you share your delivery number?"}
	h := newHarness(t, harnessOptions{generator: gen})

	resp, err := h.orch.ProcessMessage(context.Background(), testSession, "check the status of my order, it is late")
	if err != nil {
		t.Fatalf("ProcessMessage failed: %v", err)
	}
	if !resp.ToolCalled {
		t.Fatal("expected tool to be attempted")
	}
	system := gen.lastCall()[0].Content
	if !strings.Contains(system, "Tool 'delivery_tracker' execution failed") {
		t.Fatalf("expected failure note in system prompt, got %q", system)
	}
	if !strings.Contains(system, "Please provide your tracking number.") {
		t.Fatalf("expected missing-parameter hint in system prompt, got %q", system)
	}

	if resp.Suggestion == nil || len(resp.Suggestion.Examples) != 3 {
		t.Fatalf("expected suggestion on response, got %+v", resp.Suggestion)
	}
	if resp.Completeness == nil || resp.Completeness.Complete ||
		len(resp.Completeness.MissingParameters) != 1 || resp.Completeness.MissingParameters[0] != detect.ParamDeliveryNumber {
		t.Fatalf("expected incomplete parameters, got %+v", resp.Completeness)
	}
}

func TestCompleteToolCallCarriesNoSuggestion(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{})

	resp, err := h.orch.ProcessMessage(context.Background(), testSession, "Track my package AB1234567890")
	if err != nil {
		t.Fatalf("ProcessMessage failed: %v", err)
	}
	if resp.Suggestion != nil || resp.Completeness != nil {
		t.Fatalf("expected no suggestion, got %+v / %+v", resp.Suggestion, resp.Completeness)
	}
	want := llm.EstimateCost("amazon.nova-micro-v1:0", resp.InputTokens, resp.OutputTokens)
	if resp.Cost != want || resp.Cost.Currency != "USD" {
		t.Fatalf("cost = %+v, want %+v", resp.Cost, want)
	}
}

type panickingTool struct{}

func (panickingTool) Descriptor() tools.Descriptor {
	return tools.Descriptor{Name: detect.DeliveryTracker, Description: "always panics"}
}

func (panickingTool) Execute(context.Context, map[string]string, tools.CallContext) (any, error) {
	panic("backend exploded")
}

func TestPanickingStepBecomesOrchestrationError(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{tool: panickingTool{}})

	resp, err := h.orch.ProcessMessage(context.Background(), testSession, "Track my package AB1234567890")
	if resp != nil {
		t.Fatalf("expected no response, got %+v", resp)
	}
	var oe *OrchestrationError
	if !errors.As(err, &oe) {
		t.Fatalf("expected OrchestrationError, got %v", err)
	}
	if oe.Step != StepExecuteTool || KindOf(err) != KindOrchestration {
		t.Fatalf("unexpected orchestration error %+v", oe)
	}
	if !strings.Contains(err.Error(), "backend exploded") {
		t.Fatalf("expected panic value in error, got %q", err.Error())
	}

	errs, err := h.repo.SessionErrors(context.Background(), testSession, 10)
	if err != nil {
		t.Fatalf("SessionErrors failed: %v", err)
	}
	if len(errs) != 1 || errs[0].ErrorType != string(KindOrchestration) || errs[0].Detail != StepExecuteTool {
		t.Fatalf("expected one orchestration error entry, got %+v", errs)
	}
	if len(h.observer.failed) != 1 || h.observer.failed[0] != KindOrchestration {
		t.Fatalf("unexpected failures %v", h.observer.failed)
	}
}

func TestCatalogIncludedWhenToolsDisabled(t *testing.T) {
	t.Parallel()
	gen := &fakeGenerator{reply: "Sure."}
	h := newHarness(t, harnessOptions{generator: gen, toolsDisabled: true})

	resp, err := h.orch.ProcessMessage(context.Background(), testSession, "Track my package AB1234567890")
	if err != nil {
		t.Fatalf("ProcessMessage failed: %v", err)
	}
	if resp.ToolCalled {
		t.Fatal("expected no tool call with tools disabled")
	}
	if system := gen.lastCall()[0].Content; !strings.Contains(system, "Available tools:\n- delivery_tracker: ") {
		t.Fatalf("expected tool catalog, got %q", system)
	}
}

func TestUnregisteredToolIsFatal(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{noTools: true})

	_, err := h.orch.ProcessMessage(context.Background(), testSession, "Track my package AB1234567890")
	var te *ToolError
	if !errors.As(err, &te) {
		t.Fatalf("expected ToolError, got %v", err)
	}
	if te.Tool != detect.DeliveryTracker || !errors.Is(err, ErrTool) || !errors.Is(err, tools.ErrNotFound) {
		t.Fatalf("unexpected tool error %v", err)
	}

	errs, err := h.repo.SessionErrors(context.Background(), testSession, 10)
	if err != nil {
		t.Fatalf("SessionErrors failed: %v", err)
	}
	if len(errs) != 1 || errs[0].ErrorType != string(KindTool) {
		t.Fatalf("expected one tool error entry, got %+v", errs)
	}
}

func TestGeneratorFailurePersistsNoReply(t *testing.T) {
	t.Parallel()
	gen := &fakeGenerator{err: &llm.ProviderError{Provider: "fake", Kind: llm.KindUnavailable, Err: errors.New("model offline")}}
	h := newHarness(t, harnessOptions{generator: gen})

	_, err := h.orch.ProcessMessage(context.Background(), testSession, "Hello there, how are you today?")
	var le *LLMError
	if !errors.As(err, &le) {
		t.Fatalf("expected LLMError, got %v", err)
	}
	if le.Provider != "fake" || KindOf(err) != KindLLM {
		t.Fatalf("unexpected llm error %+v", le)
	}
	var pe *llm.ProviderError
	if !errors.As(err, &pe) || pe.Kind != llm.KindUnavailable {
		t.Fatalf("expected provider error in chain, got %v", err)
	}

	msgs := h.history(t)
	if len(msgs) != 1 || !msgs[0].IsUser() {
		t.Fatalf("expected only the user message, got %+v", msgs)
	}
	if len(h.observer.failed) != 1 || h.observer.failed[0] != KindLLM {
		t.Fatalf("unexpected failures %v", h.observer.failed)
	}
}

func TestOverLengthMessageIsRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{})

	_, err := h.orch.ProcessMessage(context.Background(), testSession, strings.Repeat("a", 2001))
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if ve.Violation != domain.ViolationMessageTooLong || !errors.Is(err, ErrValidation) {
		t.Fatalf("unexpected validation error %+v", ve)
	}
	if n := len(h.history(t)); n != 0 {
		t.Fatalf("expected nothing persisted, got %d messages", n)
	}
}

func TestRepeatedMessageIsRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()

	if _, err := h.orch.ProcessMessage(ctx, testSession, "help"); err != nil {
		t.Fatalf("first message failed: %v", err)
	}
	_, err := h.orch.ProcessMessage(ctx, testSession, "help")
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Violation != domain.ViolationRepetitive {
		t.Fatalf("expected repetition rejection, got %v", err)
	}
	if n := len(h.history(t)); n != 2 {
		t.Fatalf("expected only the first turn persisted, got %d messages", n)
	}
}

func TestOffTopicRejectedWithoutGeneralChat(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{guardrails: func(g *config.GuardrailsConfig) {
		g.EnableGeneralChat = false
	}})

	_, err := h.orch.ProcessMessage(context.Background(), testSession, "Tell me a joke about cats")
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Violation != domain.ViolationOffTopic {
		t.Fatalf("expected off-topic rejection, got %v", err)
	}
}

func TestToolOnlyPromptWhenGeneralChatDisabled(t *testing.T) {
	t.Parallel()
	gen := &fakeGenerator{reply: "Sure."}
	h := newHarness(t, harnessOptions{generator: gen, guardrails: func(g *config.GuardrailsConfig) {
		g.EnableGeneralChat = false
	}})

	if _, err := h.orch.ProcessMessage(context.Background(), testSession, "hello"); err != nil {
		t.Fatalf("ProcessMessage failed: %v", err)
	}
	system := gen.lastCall()[0].Content
	if !strings.Contains(system, "decline general conversation requests politely") {
		t.Fatalf("expected tool-only addendum, got %q", system)
	}
	if !strings.Contains(system, "Available tools:\n- delivery_tracker: ") {
		t.Fatalf("expected tool catalog, got %q", system)
	}
}

func TestSolicitedValueSetsOngoingFlow(t *testing.T) {
	t.Parallel()
	gen := &fakeGenerator{reply: "What is your delivery number?"}
	h := newHarness(t, harnessOptions{generator: gen})
	ctx := context.Background()

	if _, err := h.orch.ProcessMessage(ctx, testSession, "I want to know where my stuff is"); err != nil {
		t.Fatalf("first turn failed: %v", err)
	}
	gen.mu.Lock()
	gen.reply = "Thanks, looking it up."
	gen.mu.Unlock()

	resp, err := h.orch.ProcessMessage(ctx, testSession, "AB1234567890")
	if err != nil {
		t.Fatalf("second turn failed: %v", err)
	}
	if resp.FlowState.State != domain.FlowOngoing || resp.FlowState.ExtractedInfo != "AB1234567890" {
		t.Fatalf("unexpected flow state %+v", resp.FlowState)
	}
}

func TestInvalidSessionIDIsRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{})

	_, err := h.orch.ProcessMessage(context.Background(), "short", "hello there")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestBuildContextWindow(t *testing.T) {
	t.Parallel()

	var history []domain.Message
	for i := 0; i < 14; i++ {
		role := domain.RoleUser
		if i%2 == 1 {
			role = domain.RoleAssistant
		}
		history = append(history, domain.Message{Role: role, Content: string(rune('a' + i))})
	}
	msgs := buildContext(promptInput{
		generalChat: true,
		flow:        domain.FlowState{State: domain.FlowWaitingForInput, Description: "delivery number"},
		outcome:     &ToolOutcome{Name: "delivery_tracker", Error: "shipment not found"},
		history:     history,
		userText:    "next",
	})

	if len(msgs) != 1+HistoryWindow+1 {
		t.Fatalf("expected %d messages, got %d", HistoryWindow+2, len(msgs))
	}
	if msgs[1].Content != "e" || msgs[len(msgs)-1].Content != "next" {
		t.Fatalf("unexpected window boundaries %q .. %q", msgs[1].Content, msgs[len(msgs)-1].Content)
	}
	system := msgs[0].Content
	for _, want := range []string{
		"Tool 'delivery_tracker' execution failed: shipment not found",
		"You are currently waiting for user input: delivery number",
		"Guidelines:\n- Be helpful, accurate, and concise",
	} {
		if !strings.Contains(system, want) {
			t.Fatalf("system prompt missing %q:\n%s", want, system)
		}
	}
	if strings.Contains(system, "decline general conversation") {
		t.Fatal("unexpected tool-only addendum with general chat enabled")
	}
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want Kind
	}{
		{validationError(domain.ViolationEmptyMessage, "empty"), KindValidation},
		{toolError("x", tools.ErrNotFound), KindTool},
		{llmError("p", errors.New("boom")), KindLLM},
		{storeError("op", errors.New("locked")), KindStore},
		{errors.New("other"), KindOrchestration},
		{classify("generate", errors.New("other")), KindOrchestration},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.want {
			t.Fatalf("KindOf(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
	if !errors.Is(classify("generate", errors.New("other")), ErrOrchestration) {
		t.Fatal("expected classified error to match ErrOrchestration")
	}
}
