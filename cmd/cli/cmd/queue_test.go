package cmd

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/spf13/viper"
)

func TestQueueStatsCommand_Success(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/queues/stats" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("queue"); got != "task/send-email" {
			t.Errorf("unexpected queue param: %s", got)
		}

		envelopeOK(w, `{
			"queue": "task/send-email",
			"length": 12,
			"current_concurrency": 3,
			"concurrency_limit": 10,
			"env_concurrency": 7,
			"env_concurrency_limit": 100
		}`)
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "test-token")

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stdout)
	rootCmd.SetArgs([]string{"queue", "stats", "--queue", "task/send-email"})

	err := rootCmd.Execute()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := stdout.String()
	if !strings.Contains(output, "task/send-email") {
		t.Errorf("expected queue name in output, got: %s", output)
	}
	if !strings.Contains(output, "12") {
		t.Errorf("expected queue length in output, got: %s", output)
	}
	if !strings.Contains(output, "3 / 10") {
		t.Errorf("expected concurrency numbers in output, got: %s", output)
	}
	if !strings.Contains(output, "7 / 100") {
		t.Errorf("expected env concurrency numbers in output, got: %s", output)
	}
}

func TestQueueStatsCommand_SendsConcurrencyKey(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("concurrency_key"); got != "tenant_123" {
			t.Errorf("unexpected concurrency_key param: %s", got)
		}
		envelopeOK(w, `{"queue": "images", "length": 0, "current_concurrency": 0, "concurrency_limit": 5, "env_concurrency": 0, "env_concurrency_limit": 100}`)
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "test-token")

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stdout)
	rootCmd.SetArgs([]string{"queue", "stats", "--queue", "images", "--concurrency-key", "tenant_123"})

	err := rootCmd.Execute()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestQueueStatsCommand_MissingQueue(t *testing.T) {
	resetViper()
	viper.Set("token", "test-token")

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stdout)
	rootCmd.SetArgs([]string{"queue", "stats", "--queue", ""})

	err := rootCmd.Execute()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := stdout.String()
	if !strings.Contains(output, "--queue is required") {
		t.Errorf("expected missing queue error, got: %s", output)
	}
}
