package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ashureev/toolchat/internal/chat"
)

func TestObserverRecordsTurns(t *testing.T) {
	t.Parallel()

	m := New(prometheus.NewRegistry())
	m.StepCompleted(chat.StepGenerate, 20*time.Millisecond, nil)
	m.StepCompleted(chat.StepGenerate, 20*time.Millisecond, errors.New("boom"))
	m.ToolExecuted("delivery_tracker", true, 5*time.Millisecond)
	m.ToolExecuted("delivery_tracker", false, 5*time.Millisecond)
	m.TurnCompleted("echo", &chat.Response{InputTokens: 30, OutputTokens: 7}, time.Second)
	m.TurnFailed(chat.KindLLM)

	if got := testutil.ToFloat64(m.StepFailures.WithLabelValues(chat.StepGenerate)); got != 1 {
		t.Fatalf("step failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ToolCalls.WithLabelValues("delivery_tracker", "true")); got != 1 {
		t.Fatalf("successful tool calls = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.TurnCount.WithLabelValues("ok")); got != 1 {
		t.Fatalf("ok turns = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.TurnCount.WithLabelValues("llm")); got != 1 {
		t.Fatalf("llm failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Tokens.WithLabelValues("echo", "input")); got != 30 {
		t.Fatalf("input tokens = %v, want 30", got)
	}
}

func TestNewRegistersOnSeparateRegistries(t *testing.T) {
	t.Parallel()

	// Each registry gets its own collectors; registering twice on one panics.
	New(prometheus.NewRegistry())
	New(prometheus.NewRegistry())
}
