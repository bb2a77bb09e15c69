// Package prompt defines the prompt-generation contract used by the
// verification cycle and the team composer.
//
// The core only ever supplies a structured Context and treats the rendered
// text as opaque; it never parses prompts back. TemplateRenderer is the
// default implementation, built on text/template.
package prompt

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/Iron-Ham/crucible/internal/retry"
)

// Renderer generates a prompt from context.
type Renderer interface {
	// Render returns the prompt text or an error if the context is invalid
	// for the requested kind.
	Render(ctx *Context) (string, error)
}

// RendererFunc adapts a function to the Renderer interface.
type RendererFunc func(ctx *Context) (string, error)

// Render calls f(ctx).
func (f RendererFunc) Render(ctx *Context) (string, error) { return f(ctx) }

// Kind identifies what a prompt is for.
type Kind string

const (
	KindBuilder   Kind = "builder"
	KindRetry     Kind = "retry"
	KindValidator Kind = "validator"
	KindMember    Kind = "member"
)

// ErrUnknownKind is returned when no template is registered for a kind.
var ErrUnknownKind = errors.New("unknown prompt kind")

// ErrMissingContext is returned when a required context field is absent.
var ErrMissingContext = errors.New("missing prompt context")

// Context carries everything a prompt template may need.
// Not every field is used by every kind.
type Context struct {
	Kind       Kind
	WorkflowID string
	Objective  string
	Task       *TaskInfo
	// Feedback is set for retry prompts.
	Feedback *retry.Feedback
	// Validator is the validator kind for validator prompts ("syntax", "security", ...).
	Validator string
	// BuilderSummary is the result being judged, for validator prompts.
	BuilderSummary string
	Member         *MemberInfo
}

// TaskInfo describes the task being worked on.
type TaskInfo struct {
	ID          string
	Title       string
	Description string
	Files       []string
	DependsOn   []string
	Complexity  float64
}

// MemberInfo describes a team member receiving a role prompt.
type MemberInfo struct {
	ID           string
	AgentType    string
	Role         string
	ModelTier    string
	Capabilities []string
	TeamSize     int
}

var defaultTemplates = map[Kind]string{
	KindBuilder: `You are the builder for task {{.Task.ID}}: {{.Task.Title}}
{{- if .Objective}}

Objective: {{.Objective}}
{{- end}}
{{- if .Task.Description}}

{{.Task.Description}}
{{- end}}
{{- if .Task.Files}}

Files: {{join .Task.Files ", "}}
{{- end}}

Finish with a self-check: state whether your result satisfies the task.
`,
	KindRetry: `You are the builder for task {{.Task.ID}}: {{.Task.Title}}
This is attempt {{.Feedback.Attempt}} of {{.Feedback.MaxAttempts}}.

Original task:
{{.Feedback.Task}}
{{- if .Feedback.PreviousSummary}}

Previous attempt:
{{.Feedback.PreviousSummary}}
{{- end}}
{{- if .Feedback.Issues}}

Issues found by validators:
{{- range .Feedback.Issues}}
- {{if .Severity}}[{{.Severity}}] {{end}}{{.Message}}{{if .Location}} ({{.Location}}){{end}}
{{- end}}
{{- end}}
{{- if .Feedback.FailedChecks}}

Failed checks:
{{- range .Feedback.FailedChecks}}
- {{.Name}}{{if .Message}}: {{.Message}}{{end}}
{{- end}}
{{- end}}
{{- if .Feedback.Recommendations}}

Recommendations:
{{- range .Feedback.Recommendations}}
- {{.}}
{{- end}}
{{- end}}

Address every issue above. Finish with a self-check.
`,
	KindValidator: `You are the {{.Validator}} validator for task {{.Task.ID}}: {{.Task.Title}}

Builder result:
{{.BuilderSummary}}

Respond with a verdict of APPROVED, REJECTED or NEEDS_REVIEW, the checks you ran, any issues and your recommendations.
`,
	KindMember: `You are {{.Member.ID}}, a {{.Member.ModelTier}}-tier {{.Member.AgentType}} acting as {{.Member.Role}} in a team of {{.Member.TeamSize}}.
{{- if .Member.Capabilities}}
Capabilities: {{join .Member.Capabilities ", "}}
{{- end}}
{{- if .Objective}}
Team objective: {{.Objective}}
{{- end}}
`,
}

var funcs = template.FuncMap{"join": strings.Join}

// TemplateRenderer renders prompts from text/template sources, one per kind.
type TemplateRenderer struct {
	templates map[Kind]*template.Template
}

// NewTemplateRenderer parses the default templates with overrides applied
// on top. An override for an unknown kind registers a new kind.
func NewTemplateRenderer(overrides map[Kind]string) (*TemplateRenderer, error) {
	sources := make(map[Kind]string, len(defaultTemplates)+len(overrides))
	for k, v := range defaultTemplates {
		sources[k] = v
	}
	for k, v := range overrides {
		sources[k] = v
	}

	r := &TemplateRenderer{templates: make(map[Kind]*template.Template, len(sources))}
	for kind, src := range sources {
		tmpl, err := template.New(string(kind)).Funcs(funcs).Option("missingkey=error").Parse(src)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s template: %w", kind, err)
		}
		r.templates[kind] = tmpl
	}
	return r, nil
}

// Default returns a renderer using only the built-in templates.
func Default() *TemplateRenderer {
	r, err := NewTemplateRenderer(nil)
	if err != nil {
		panic(fmt.Sprintf("built-in prompt templates are invalid: %v", err))
	}
	return r
}

// Render implements Renderer.
func (r *TemplateRenderer) Render(ctx *Context) (string, error) {
	if ctx == nil {
		return "", ErrMissingContext
	}
	if err := validate(ctx); err != nil {
		return "", err
	}

	tmpl, ok := r.templates[ctx.Kind]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, ctx.Kind)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, ctx); err != nil {
		return "", fmt.Errorf("failed to render %s prompt: %w", ctx.Kind, err)
	}
	return buf.String(), nil
}

func validate(ctx *Context) error {
	switch ctx.Kind {
	case KindBuilder, KindValidator:
		if ctx.Task == nil {
			return fmt.Errorf("%w: %s prompt requires a task", ErrMissingContext, ctx.Kind)
		}
	case KindRetry:
		if ctx.Task == nil || ctx.Feedback == nil {
			return fmt.Errorf("%w: retry prompt requires a task and feedback", ErrMissingContext)
		}
	case KindMember:
		if ctx.Member == nil {
			return fmt.Errorf("%w: member prompt requires a member", ErrMissingContext)
		}
	}
	return nil
}
