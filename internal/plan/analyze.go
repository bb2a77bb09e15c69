package plan

import (
	"math"
	"regexp"
	"strings"
)

// keywordSet matches any of its words on word boundaries, case-insensitively.
type keywordSet struct {
	re *regexp.Regexp
}

func newKeywordSet(words ...string) keywordSet {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = regexp.QuoteMeta(w)
	}
	return keywordSet{re: regexp.MustCompile(`(?i)\b(` + strings.Join(quoted, "|") + `)\b`)}
}

func (k keywordSet) matches(text string) bool { return k.re.MatchString(text) }

func (k keywordSet) count(text string) int { return len(k.re.FindAllStringIndex(text, -1)) }

// typeRules are evaluated in order; the first match wins.
var typeRules = []struct {
	t  TaskType
	kw keywordSet
}{
	{TypeFullstackApp, newKeywordSet("full stack", "full-stack", "fullstack", "end-to-end app", "frontend and backend")},
	{TypeSecurity, newKeywordSet("security audit", "vulnerability", "vulnerabilities", "penetration", "cve", "hardening")},
	{TypeBugFix, newKeywordSet("fix", "bug", "regression", "crash", "broken")},
	{TypeRefactor, newKeywordSet("refactor", "restructure", "clean up", "cleanup", "simplify")},
	{TypeDocumentation, newKeywordSet("document", "documentation", "docs", "readme", "guide")},
	{TypeAPI, newKeywordSet("api", "endpoint", "endpoints", "rest", "graphql", "grpc")},
	{TypeWebApp, newKeywordSet("web app", "website", "web page", "dashboard", "landing page")},
}

var areaRules = []struct {
	area string
	kw   keywordSet
}{
	{"frontend", newKeywordSet("ui", "frontend", "front-end", "component", "page", "css", "react", "vue", "interface")},
	{"backend", newKeywordSet("backend", "back-end", "server", "api", "endpoint", "service", "handler")},
	{"database", newKeywordSet("database", "schema", "migration", "sql", "postgres", "mysql", "sqlite", "query")},
	{"security", newKeywordSet("security", "authentication", "auth", "authorization", "encryption", "oauth", "jwt", "password")},
	{"testing", newKeywordSet("test", "tests", "testing", "coverage", "e2e")},
	{"infrastructure", newKeywordSet("deploy", "deployment", "docker", "kubernetes", "ci", "terraform", "pipeline")},
	{"documentation", newKeywordSet("docs", "documentation", "readme", "guide")},
}

var knownTechnologies = []string{
	"go", "golang", "typescript", "javascript", "python", "rust", "java",
	"react", "vue", "svelte", "next.js", "node",
	"postgres", "postgresql", "mysql", "sqlite", "redis", "mongodb",
	"docker", "kubernetes", "terraform", "graphql", "grpc", "kafka",
}

var technologyRes = func() map[string]*regexp.Regexp {
	out := make(map[string]*regexp.Regexp, len(knownTechnologies))
	for _, tech := range knownTechnologies {
		out[tech] = regexp.MustCompile(`(?i)(^|[^a-z0-9])` + regexp.QuoteMeta(tech) + `($|[^a-z0-9])`)
	}
	return out
}()

var complexitySignals = newKeywordSet(
	"distributed", "migration", "security", "authentication", "authorization",
	"concurrency", "concurrent", "real-time", "realtime", "scalable", "scalability",
	"architecture", "integration", "performance", "encryption", "multi-tenant", "payment",
)

var simplicitySignals = newKeywordSet("typo", "rename", "small", "simple", "minor", "trivial", "readme")

// AnalyzeText derives an Analysis from free text using keyword heuristics.
// It is deterministic: the same text always yields the same analysis.
func AnalyzeText(text string) Analysis {
	a := Analysis{
		Task: strings.TrimSpace(text),
		Type: TypeFeature,
	}

	for _, rule := range typeRules {
		if rule.kw.matches(text) {
			a.Type = rule.t
			break
		}
	}

	for _, rule := range areaRules {
		if rule.kw.matches(text) {
			a.Areas = append(a.Areas, rule.area)
		}
	}

	for _, tech := range knownTechnologies {
		if technologyRes[tech].MatchString(text) {
			a.Technologies = append(a.Technologies, tech)
		}
	}

	a.Complexity = estimateComplexity(text, a)

	for _, area := range a.Areas {
		if area != "testing" && area != "documentation" {
			a.EstimatedComponents++
		}
	}
	if a.EstimatedComponents < 1 {
		a.EstimatedComponents = 1
	}
	a.IsParallelizable = a.EstimatedComponents > 1

	return a
}

func estimateComplexity(text string, a Analysis) float64 {
	score := 0.3
	score += 0.08 * float64(complexitySignals.count(text))
	score -= 0.1 * float64(simplicitySignals.count(text))
	score += 0.05 * float64(len(a.Areas))

	words := len(strings.Fields(text))
	score += math.Min(float64(words)/200.0, 1.0) * 0.15

	if a.Type == TypeFullstackApp {
		score += 0.2
	}
	if a.Type == TypeDocumentation {
		score -= 0.1
	}

	return math.Round(ClampComplexity(score)*100) / 100
}
