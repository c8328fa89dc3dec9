package channels

import (
	"strings"
	"testing"
	"time"

	"github.com/basket/hookbridge/internal/broker"
)

func TestEscapeMarkdownV2(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"plain text", "plain text"},
		{"a_b", "a\\_b"},
		{"1+1=2", "1\\+1\\=2"},
		{"Bash: rm -rf build/", "Bash: rm \\-rf build/"},
		{"(all) [of] {them}!", "\\(all\\) \\[of\\] \\{them\\}\\!"},
	}
	for _, tc := range cases {
		if got := escapeMarkdownV2(tc.in); got != tc.want {
			t.Fatalf("escapeMarkdownV2(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseApprovalCallback(t *testing.T) {
	id, action, err := parseApprovalCallback("appr:a1b2c3d4:approve")
	if err != nil {
		t.Fatalf("parseApprovalCallback: %v", err)
	}
	if id != "a1b2c3d4" || action != "approve" {
		t.Fatalf("got (%q, %q), want (a1b2c3d4, approve)", id, action)
	}

	if _, _, err := parseApprovalCallback("hitl:x:approve"); err == nil {
		t.Fatal("expected error for foreign callback prefix")
	}
	if _, _, err := parseApprovalCallback("appr:missing-action"); err == nil {
		t.Fatal("expected error for malformed callback")
	}
	if _, _, err := parseApprovalCallback("appr::deny"); err == nil {
		t.Fatal("expected error for empty request id")
	}
}

func TestSplitAgentPrefix(t *testing.T) {
	cases := []struct {
		in        string
		wantAgent string
		wantText  string
	}{
		{"run the linter", "main", "run the linter"},
		{"@backend fix the tests", "backend", "fix the tests"},
		{"@backend", "backend", ""},
	}
	for _, tc := range cases {
		agent, text := splitAgentPrefix(tc.in)
		if agent != tc.wantAgent || text != tc.wantText {
			t.Fatalf("splitAgentPrefix(%q) = (%q, %q), want (%q, %q)",
				tc.in, agent, text, tc.wantAgent, tc.wantText)
		}
	}
}

func TestTruncateAction(t *testing.T) {
	if got := truncateAction("short", 500); got != "short" {
		t.Fatalf("truncateAction = %q, want unchanged", got)
	}
	long := strings.Repeat("x", 600)
	got := truncateAction(long, 500)
	if len(got) != 503 || !strings.HasSuffix(got, "...") {
		t.Fatalf("truncateAction len = %d, want 503 with ellipsis", len(got))
	}
}

func TestKindEmoji(t *testing.T) {
	cases := map[string]string{
		"info":          "ℹ️",
		"success":       "✅",
		"warning":       "⚠️",
		"error":         "🚨",
		"task_complete": "🏁",
		"unknown-kind":  "ℹ️",
	}
	for kind, want := range cases {
		if got := kindEmoji(kind); got != want {
			t.Fatalf("kindEmoji(%q) = %q, want %q", kind, got, want)
		}
	}
}

func TestFormatPrompt(t *testing.T) {
	body := formatPrompt("Backend", broker.Prompt{
		RequestID:    "a1b2c3d4",
		AgentID:      "backend",
		Action:       "Bash: go test ./...",
		Instructions: []string{"skip the slow suite"},
		Timeout:      60 * time.Second,
	})

	for _, want := range []string{"Backend", "Bash: go test ./...", "skip the slow suite", "a1b2c3d4", "1m0s"} {
		if !strings.Contains(body, want) {
			t.Fatalf("prompt missing %q:\n%s", want, body)
		}
	}
}

func TestFormatPrompt_TruncatesLongAction(t *testing.T) {
	body := formatPrompt("main", broker.Prompt{
		RequestID: "a1b2c3d4",
		Action:    strings.Repeat("y", 800),
		Timeout:   time.Minute,
	})
	if strings.Contains(body, strings.Repeat("y", 501)) {
		t.Fatal("prompt did not truncate the action text")
	}
}
