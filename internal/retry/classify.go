package retry

import (
	"regexp"
	"strings"
)

// IssueClass names the family a classified issue belongs to.
type IssueClass string

const (
	ClassSecurity          IssueClass = "security"
	ClassMissingDependency IssueClass = "missing_dependency"
	ClassArchitecture      IssueClass = "architecture"
	ClassManual            IssueClass = "manual_intervention"
	ClassSyntax            IssueClass = "syntax"
	ClassType              IssueClass = "type"
	ClassLogic             IssueClass = "logic"
	ClassNullCheck         IssueClass = "null_check"
	ClassUnknown           IssueClass = "unknown"
)

// Classification is the result of ClassifyIssue.
type Classification struct {
	Class     IssueClass
	Retryable bool
}

// Security reports whether the issue is security-flavored.
func (c Classification) Security() bool { return c.Class == ClassSecurity }

type issuePattern struct {
	class IssueClass
	re    *regexp.Regexp
}

// Non-retryable patterns are matched first so that, for example, a
// "type confusion vulnerability" is treated as security rather than a type error.
var nonRetryablePatterns = []issuePattern{
	{ClassSecurity, regexp.MustCompile(`\b(security|vulnerab\w*|injection|xss|csrf|secret|credentials?|unsafe deserialization|privilege escalation)\b`)},
	{ClassMissingDependency, regexp.MustCompile(`\b(missing (dependency|package|module)|module not found|cannot find (module|package)|no such module|dependency not found|unresolved import)\b`)},
	{ClassArchitecture, regexp.MustCompile(`\b(architecture|architectural|design flaw|breaking change|circular import)\b`)},
	{ClassManual, regexp.MustCompile(`\b(manual intervention|manual review|requires human|human decision)\b`)},
}

var retryablePatterns = []issuePattern{
	{ClassSyntax, regexp.MustCompile(`\b(syntax|parse error|unexpected token|unterminated|lint)\b`)},
	{ClassType, regexp.MustCompile(`\b(type error|type mismatch|types?|undefined|undeclared|cannot use)\b`)},
	{ClassLogic, regexp.MustCompile(`\b(logic|off[- ]by[- ]one|incorrect result|wrong (value|result|output)|assertion|test fail\w*)\b`)},
	{ClassNullCheck, regexp.MustCompile(`\b(null|nil|nullable|null check|nil pointer|nil dereference)\b`)},
}

// ClassifyIssue decides whether an issue can be fixed by another attempt.
// Security, missing-dependency, architectural and manual-intervention
// issues are never retryable. Syntax, type, logic and null-check issues are
// retryable. Anything unrecognised is treated as retryable.
func ClassifyIssue(issue Issue) Classification {
	text := strings.ToLower(issue.Category + " " + issue.Message)

	for _, p := range nonRetryablePatterns {
		if p.re.MatchString(text) {
			return Classification{Class: p.class, Retryable: false}
		}
	}
	for _, p := range retryablePatterns {
		if p.re.MatchString(text) {
			return Classification{Class: p.class, Retryable: true}
		}
	}
	return Classification{Class: ClassUnknown, Retryable: true}
}

// IsRetryable is shorthand for ClassifyIssue(issue).Retryable.
func IsRetryable(issue Issue) bool {
	return ClassifyIssue(issue).Retryable
}

// HasSecurityIssue reports whether any issue classifies as security.
func HasSecurityIssue(issues []Issue) bool {
	for _, issue := range issues {
		if ClassifyIssue(issue).Security() {
			return true
		}
	}
	return false
}
