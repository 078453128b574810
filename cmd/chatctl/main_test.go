package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ashureev/toolchat/internal/chat"
)

const testSession = "session_cli12345"

func run(t *testing.T, dbPath string, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--db", dbPath, "--provider", "echo"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestSendAndHistory(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("TRACKING_GRPC_ADDR", "")
	dbPath := filepath.Join(t.TempDir(), "chat.db")

	out, err := run(t, dbPath, "", "send", "--session", testSession, "Hello there, how are you today?")
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if !strings.Contains(out, "You said: Hello there, how are you today?") {
		t.Fatalf("unexpected send output %q", out)
	}

	out, err = run(t, dbPath, "", "--json", "history", testSession)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	var msgs []map[string]any
	if err := json.Unmarshal([]byte(out), &msgs); err != nil {
		t.Fatalf("history output is not JSON: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}

	if _, err := run(t, dbPath, "", "clear", testSession); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if _, err := run(t, dbPath, "", "clear", testSession); !errors.Is(err, chat.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestSendToolMessage(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("TRACKING_GRPC_ADDR", "")
	dbPath := filepath.Join(t.TempDir(), "chat.db")

	out, err := run(t, dbPath, "", "--json", "send", "--session", testSession, "Track my package AB1234567890")
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	var resp chat.Response
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("send output is not JSON: %v", err)
	}
	if !resp.ToolCalled || resp.ToolName != "delivery_tracker" {
		t.Fatalf("expected delivery tracker call, got %+v", resp)
	}
}

func TestInteractiveChat(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("TRACKING_GRPC_ADDR", "")
	dbPath := filepath.Join(t.TempDir(), "chat.db")

	out, err := run(t, dbPath, "Hello there, how are you today?\nexit\n", "chat", "--session", testSession)
	if err != nil {
		t.Fatalf("chat failed: %v", err)
	}
	if !strings.Contains(out, "You said: Hello there, how are you today?") {
		t.Fatalf("unexpected chat output %q", out)
	}

	out, err = run(t, dbPath, "", "sessions")
	if err != nil {
		t.Fatalf("sessions failed: %v", err)
	}
	if !strings.Contains(out, testSession) {
		t.Fatalf("expected session in listing, got %q", out)
	}
}

func TestRejectsInvalidSessionID(t *testing.T) {
	if _, err := run(t, filepath.Join(t.TempDir(), "chat.db"), "", "history", "bad id"); err == nil {
		t.Fatal("expected invalid session id to be rejected")
	}
}
