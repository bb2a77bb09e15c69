package team

import (
	"fmt"
	"regexp"

	"github.com/Iron-Ham/crucible/internal/plan"
)

// Complexity band upper bounds for template recommendation.
var complexityBands = []struct {
	below    float64
	template string
}{
	{0.3, TemplateMinimal},
	{0.5, TemplateStandard},
	{0.7, TemplateRobust},
	{0.9, TemplateSecure},
}

// typeTemplates overrides the complexity band for task types whose shape
// implies a roster. Types not listed follow the band.
var typeTemplates = map[plan.TaskType]string{
	plan.TypeFullstackApp:  TemplateFullstack,
	plan.TypeWebApp:        TemplateRobust,
	plan.TypeAPI:           TemplateStandard,
	plan.TypeSecurity:      TemplateSecure,
	plan.TypeDocumentation: TemplateMinimal,
}

// TemplateForComplexity returns the built-in template for a complexity score.
func TemplateForComplexity(c float64) string {
	for _, b := range complexityBands {
		if c < b.below {
			return b.template
		}
	}
	return TemplateFullstack
}

// RecommendTemplate picks a built-in template for the analysis and explains
// the choice. A required security capability raises the result to at least
// the secure template.
func RecommendTemplate(a plan.Analysis, required []string) (string, []string) {
	name := TemplateForComplexity(a.Complexity)
	reasoning := []string{fmt.Sprintf("complexity %.2f suggests the %s template", a.Complexity, name)}

	if byType, ok := typeTemplates[a.Type]; ok && byType != name {
		name = byType
		reasoning = append(reasoning, fmt.Sprintf("task type %s maps to the %s template", a.Type, name))
	}

	builtins := BuiltinTemplates()
	if contains(required, CapSecurityAnalysis) && builtins[name].Rank < builtins[TemplateSecure].Rank {
		name = TemplateSecure
		reasoning = append(reasoning, "security analysis is required, raising the template to secure")
	}
	return name, reasoning
}

type specialistRule struct {
	capability string
	spec       MemberSpec
	signals    *regexp.Regexp
}

var specialistRules = []specialistRule{
	{
		capability: CapDesign,
		spec:       MemberSpec{AgentType: "designer", Role: RoleSpecialist, ModelTier: TierMedium, Capabilities: []string{CapDesign, CapFrontend}, MaxConcurrentTasks: 1},
		signals:    regexp.MustCompile(`\b(ui|ux|design|layout|css|styling|accessibility|a11y|responsive|frontend|interface)\b`),
	},
	{
		capability: CapSecurityAnalysis,
		spec:       MemberSpec{AgentType: "security-specialist", Role: RoleSpecialist, ModelTier: TierHigh, Capabilities: []string{CapSecurityAnalysis}, MaxConcurrentTasks: 1},
		signals:    regexp.MustCompile(`\b(auth\w*|login|password|oauth|jwt|tokens?|encrypt\w*|security|secure|vulnerab\w*|credentials?|permissions?|payments?)\b`),
	},
	{
		capability: CapArchitectureReview,
		spec:       MemberSpec{AgentType: "architect", Role: RoleSpecialist, ModelTier: TierHigh, Capabilities: []string{CapArchitectureReview}, MaxConcurrentTasks: 1},
		signals:    regexp.MustCompile(`\b(architecture|architectural|microservices?|distributed|scalab\w*|system design|migration)\b`),
	},
	{
		capability: CapDocumentation,
		spec:       MemberSpec{AgentType: "technical-writer", Role: RoleSpecialist, ModelTier: TierLow, Capabilities: []string{CapDocumentation}, MaxConcurrentTasks: 2},
		signals:    regexp.MustCompile(`\b(docs|documentation|readme|guide|tutorial|changelog)\b`),
	},
}

// DetectCapabilities returns the specialist capabilities signalled by the
// text, in a fixed order.
func DetectCapabilities(text string) []string {
	var caps []string
	for _, r := range specialistRules {
		if r.signals.MatchString(text) {
			caps = append(caps, r.capability)
		}
	}
	return caps
}

func specialistFor(capability string) (MemberSpec, bool) {
	for _, r := range specialistRules {
		if r.capability == capability {
			return r.spec, true
		}
	}
	return MemberSpec{}, false
}

func contains(items []string, item string) bool {
	for _, s := range items {
		if s == item {
			return true
		}
	}
	return false
}
