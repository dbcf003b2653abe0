package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/clinagent/internal/agent"
	"github.com/haasonsaas/clinagent/internal/auth"
	"github.com/haasonsaas/clinagent/internal/sessions"
	"github.com/haasonsaas/clinagent/pkg/models"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	for _, name := range []string{"serve", "chat", "config", "tools", "auth", "version"} {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clinagent.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
llm:
  providers:
    anthropic:
      api_key: sk-ant-test
tools:
  pubmed:
    enabled: false
  devices:
    enabled: true
    seed: true
`

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version error = %v", err)
	}
	if !strings.Contains(out, "clinagent dev") || !strings.Contains(out, "commit: none") {
		t.Errorf("output = %q", out)
	}
}

func TestConfigSchemaCommand(t *testing.T) {
	out, err := execute(t, "config", "schema")
	if err != nil {
		t.Fatalf("config schema error = %v", err)
	}
	var schema map[string]any
	if err := json.Unmarshal([]byte(out), &schema); err != nil {
		t.Fatalf("schema output is not JSON: %v", err)
	}
}

func TestConfigValidateCommand(t *testing.T) {
	path := writeConfig(t, minimalConfig)
	out, err := execute(t, "config", "validate", "-c", path)
	if err != nil {
		t.Fatalf("config validate error = %v", err)
	}
	if !strings.Contains(out, "is valid") || !strings.Contains(out, "devices") || strings.Contains(out, "pubmed") {
		t.Errorf("output = %q", out)
	}

	bad := writeConfig(t, "llm:\n  providers:\n    anthropic: {}\n")
	if _, err := execute(t, "config", "validate", "-c", bad); err == nil {
		t.Error("expected validation error for missing api key")
	}
}

func TestToolsListCommand(t *testing.T) {
	path := writeConfig(t, minimalConfig)
	out, err := execute(t, "tools", "list", "-c", path)
	if err != nil {
		t.Fatalf("tools list error = %v", err)
	}
	for _, want := range []string{"add", "search_trials", "get_device_status", "device_id*"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "search_pubmed") {
		t.Errorf("disabled tool listed:\n%s", out)
	}

	out, err = execute(t, "tools", "list", "--json")
	if err != nil {
		t.Fatalf("tools list --json error = %v", err)
	}
	var descriptors []agent.ToolDescriptor
	if err := json.Unmarshal([]byte(out), &descriptors); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(descriptors) == 0 {
		t.Error("expected default tools")
	}
}

func TestAuthTokenCommand(t *testing.T) {
	secret := strings.Repeat("s", 32)
	path := writeConfig(t, minimalConfig+"auth:\n  jwt_secret: "+secret+"\n")
	out, err := execute(t, "auth", "token", "-c", path, "--subject", "analyst-1", "--name", "Analyst")
	if err != nil {
		t.Fatalf("auth token error = %v", err)
	}
	service := auth.NewService(auth.Config{JWTSecret: secret})
	p, err := service.ValidateJWT(strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("ValidateJWT() error = %v", err)
	}
	if p.ID != "analyst-1" || p.Name != "Analyst" {
		t.Errorf("principal = %+v", p)
	}

	noSecret := writeConfig(t, minimalConfig)
	if _, err := execute(t, "auth", "token", "-c", noSecret, "--subject", "x"); err == nil {
		t.Error("expected error without jwt_secret")
	}
}

type echoLoop struct {
	utterances []string
}

func (l *echoLoop) Run(ctx context.Context, session *models.Session, utterance string) (<-chan models.StreamEvent, error) {
	l.utterances = append(l.utterances, utterance)
	ch := make(chan models.StreamEvent, 2)
	ch <- models.TextFragment("echo: " + utterance)
	ch <- models.Done()
	close(ch)
	return ch, nil
}

func TestChatSession(t *testing.T) {
	loop := &echoLoop{}
	store := sessions.NewMemoryStore()
	var out bytes.Buffer
	in := strings.NewReader("first question\n\n/reset\nsecond question\n/exit\nnever asked\n")

	err := chatSession(context.Background(), loop, store, chatOptions{
		sessionKey: "tester",
		in:         in,
		out:        &out,
	})
	if err != nil {
		t.Fatalf("chatSession() error = %v", err)
	}
	if len(loop.utterances) != 2 || loop.utterances[1] != "second question" {
		t.Errorf("utterances = %q", loop.utterances)
	}
	got := out.String()
	for _, want := range []string{"echo: first question\n", "Conversation cleared.", "echo: second question\n"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "> ") {
		t.Error("prompt printed for non-interactive input")
	}
}

func TestFormatParams(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]agent.ParamSpec
		want   string
	}{
		{"none", nil, "-"},
		{"sorted with required marks", map[string]agent.ParamSpec{
			"max_results": {Type: agent.TypeInteger},
			"query":       {Type: agent.TypeString, Required: true},
		}, "max_results,query*"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatParams(tt.params); got != tt.want {
				t.Errorf("formatParams() = %q, want %q", got, tt.want)
			}
		})
	}
}
