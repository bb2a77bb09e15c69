package prompt

import (
	"errors"
	"strings"
	"testing"

	"github.com/Iron-Ham/crucible/internal/retry"
)

func TestTemplateRenderer_Builder(t *testing.T) {
	out, err := Default().Render(&Context{
		Kind:      KindBuilder,
		Objective: "Ship login",
		Task:      &TaskInfo{ID: "t1", Title: "Build form", Description: "Email and password", Files: []string{"a.go", "b.go"}},
	})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	for _, want := range []string{"task t1: Build form", "Objective: Ship login", "Email and password", "Files: a.go, b.go", "self-check"} {
		if !strings.Contains(out, want) {
			t.Errorf("builder prompt missing %q:\n%s", want, out)
		}
	}
}

func TestTemplateRenderer_RetryEmbedsFeedback(t *testing.T) {
	fb := retry.Feedback{
		Task:            "Build form",
		Attempt:         2,
		MaxAttempts:     3,
		PreviousSummary: "form without validation",
		Issues:          []retry.Issue{{Severity: retry.SeverityHigh, Message: "nil pointer on submit", Location: "form.go:12"}},
		FailedChecks:    []retry.Check{{Name: "tests", Message: "2 failing"}},
		Recommendations: []string{"guard the handler"},
	}
	out, err := Default().Render(&Context{Kind: KindRetry, Task: &TaskInfo{ID: "t1", Title: "Build form"}, Feedback: &fb})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	for _, want := range []string{
		"attempt 2 of 3",
		"Original task:\nBuild form",
		"form without validation",
		"- [high] nil pointer on submit (form.go:12)",
		"- tests: 2 failing",
		"- guard the handler",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("retry prompt missing %q:\n%s", want, out)
		}
	}
}

func TestTemplateRenderer_Member(t *testing.T) {
	out, err := Default().Render(&Context{
		Kind:   KindMember,
		Member: &MemberInfo{ID: "builder-1", AgentType: "implementer", Role: "builder", ModelTier: "high", Capabilities: []string{"code", "tests"}, TeamSize: 3},
	})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if !strings.Contains(out, "You are builder-1, a high-tier implementer acting as builder in a team of 3.") {
		t.Errorf("unexpected member prompt:\n%s", out)
	}
	if !strings.Contains(out, "Capabilities: code, tests") {
		t.Errorf("member prompt missing capabilities:\n%s", out)
	}
}

func TestTemplateRenderer_Errors(t *testing.T) {
	r := Default()

	tests := []struct {
		name string
		ctx  *Context
		want error
	}{
		{"nil context", nil, ErrMissingContext},
		{"builder without task", &Context{Kind: KindBuilder}, ErrMissingContext},
		{"retry without feedback", &Context{Kind: KindRetry, Task: &TaskInfo{ID: "x"}}, ErrMissingContext},
		{"member without member", &Context{Kind: KindMember}, ErrMissingContext},
		{"unknown kind", &Context{Kind: "poem"}, ErrUnknownKind},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Render(tt.ctx)
			if !errors.Is(err, tt.want) {
				t.Errorf("Render() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestNewTemplateRenderer_Overrides(t *testing.T) {
	r, err := NewTemplateRenderer(map[Kind]string{KindBuilder: "do {{.Task.Title}}", "summary": "sum {{.Objective}}"})
	if err != nil {
		t.Fatalf("NewTemplateRenderer() error = %v", err)
	}

	out, err := r.Render(&Context{Kind: KindBuilder, Task: &TaskInfo{Title: "it"}})
	if err != nil || out != "do it" {
		t.Errorf("override Render() = %q, %v; want %q", out, err, "do it")
	}
	out, err = r.Render(&Context{Kind: "summary", Objective: "all"})
	if err != nil || out != "sum all" {
		t.Errorf("custom kind Render() = %q, %v", out, err)
	}

	if _, err := NewTemplateRenderer(map[Kind]string{KindBuilder: "{{.Task"}); err == nil {
		t.Error("expected parse error for malformed template")
	}
}

func TestRendererFunc(t *testing.T) {
	var r Renderer = RendererFunc(func(ctx *Context) (string, error) { return "fixed", nil })
	if out, _ := r.Render(&Context{}); out != "fixed" {
		t.Errorf("RendererFunc.Render() = %q", out)
	}
}
