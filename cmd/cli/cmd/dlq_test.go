package cmd

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/spf13/viper"
)

func TestDLQListCommand_PrintsTable(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET method, got %s", r.Method)
		}
		if r.URL.Path != "/api/v1/dead-letter" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}

		envelopeOK(w, `[
			{"message_id": "msg_1", "run_id": "run_1", "queue": "task/send-email", "nacks": 3, "reason": "TASK_PROCESS_OOM_KILLED", "dead_lettered_at": "2026-01-01T00:00:00Z"},
			{"message_id": "msg_2", "run_id": "run_2", "queue": "images", "nacks": 5, "reason": "HEARTBEAT_TIMEOUT", "dead_lettered_at": "2026-01-02T00:00:00Z"}
		]`)
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "test-token")

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stdout)
	rootCmd.SetArgs([]string{"dlq", "list"})

	err := rootCmd.Execute()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := stdout.String()
	if !strings.Contains(output, "MESSAGE ID") {
		t.Errorf("expected table header, got: %s", output)
	}
	if !strings.Contains(output, "msg_1") || !strings.Contains(output, "msg_2") {
		t.Errorf("expected both message IDs in output, got: %s", output)
	}
	if !strings.Contains(output, "TASK_PROCESS_OOM_KILLED") {
		t.Errorf("expected reason in output, got: %s", output)
	}
}

func TestDLQListCommand_Empty(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		envelopeOK(w, `[]`)
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "test-token")

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stdout)
	rootCmd.SetArgs([]string{"dlq", "list"})

	err := rootCmd.Execute()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := stdout.String()
	if !strings.Contains(output, "No runs found in DLQ") {
		t.Errorf("expected empty message, got: %s", output)
	}
}

func TestDLQListCommand_TruncatesLongReasons(t *testing.T) {
	resetViper()

	longReason := strings.Repeat("x", 80)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		envelopeOK(w, `[{"message_id": "msg_1", "run_id": "run_1", "queue": "q", "nacks": 1, "reason": "`+longReason+`", "dead_lettered_at": "2026-01-01T00:00:00Z"}]`)
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "test-token")

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stdout)
	rootCmd.SetArgs([]string{"dlq", "list"})

	err := rootCmd.Execute()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := stdout.String()
	if strings.Contains(output, longReason) {
		t.Errorf("expected reason to be truncated, got: %s", output)
	}
	if !strings.Contains(output, "...") {
		t.Errorf("expected truncation marker, got: %s", output)
	}
}

func TestDLQRedriveCommand_Success(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST method, got %s", r.Method)
		}
		if r.URL.Path != "/api/v1/dead-letter/msg_1/redrive" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}

		envelopeOK(w, `{"message_id": "msg_1", "queue": "task/send-email"}`)
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "test-token")

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stdout)
	rootCmd.SetArgs([]string{"dlq", "redrive", "msg_1"})

	err := rootCmd.Execute()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := stdout.String()
	if !strings.Contains(output, "redriven successfully") {
		t.Errorf("expected success message, got: %s", output)
	}
	if !strings.Contains(output, "task/send-email") {
		t.Errorf("expected queue in output, got: %s", output)
	}
}

func TestDLQRedriveCommand_RequiresMessageID(t *testing.T) {
	resetViper()
	viper.Set("token", "test-token")

	var stderr bytes.Buffer
	rootCmd.SetOut(&stderr)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs([]string{"dlq", "redrive"})

	err := rootCmd.Execute()
	if err == nil {
		t.Error("expected error when no message ID provided")
	}
}
