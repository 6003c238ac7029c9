// Package guard screens user queries and model output before they cross the
// trust boundary. It is a rule-list screen: every query and answer is matched
// against a fixed set of patterns, and anything flagged is replaced with the
// standing fallback response instead of reaching the model or the user.
package guard

import (
	"github.com/dlclark/regexp2"
	"go.uber.org/zap"
)

const safeResponse = "I'm here to assist you with the Foundational Leadership Programme. " +
	"For questions outside this program, you might want to explore other resources " +
	"or speak with the appropriate professionals."

type rule struct {
	name string
	re   *regexp2.Regexp
}

var inputRules = []rule{
	{"prompt-injection", regexp2.MustCompile(`ignore\s+(all\s+|any\s+)?(previous|prior|above)\s+(instructions|prompts?)`, regexp2.IgnoreCase)},
	{"role-override", regexp2.MustCompile(`\byou\s+are\s+(now|no\s+longer)\b.{0,40}\b(assistant|ai|model|coach)\b`, regexp2.IgnoreCase)},
	{"system-prompt-exfil", regexp2.MustCompile(`\b(reveal|print|show|repeat)\b.{0,40}\b(system\s+prompt|instructions)\b`, regexp2.IgnoreCase)},
	{"credentials", regexp2.MustCompile(`\b(api[_-]?key|password|secret[_-]?key|access[_-]?token)\s*[:=]`, regexp2.IgnoreCase)},
}

var outputRules = []rule{
	{"credentials", regexp2.MustCompile(`\b(api[_-]?key|password|secret[_-]?key|access[_-]?token)\s*[:=]\s*\S+`, regexp2.IgnoreCase)},
	{"system-prompt-leak", regexp2.MustCompile(`(?s)"role"\s*:\s*"system".{0,80}"content"`, regexp2.IgnoreCase)},
}

// Screen checks input and output text against the rule lists.
type Screen struct {
	logger *zap.Logger
}

func New(logger *zap.Logger) *Screen {
	return &Screen{logger: logger}
}

// CheckInput reports whether a user query may reach the model. When blocked,
// reason names the matching rule.
func (s *Screen) CheckInput(query string) (ok bool, reason string) {
	return s.check(query, inputRules)
}

// CheckOutput reports whether a generated answer may be shown and persisted.
func (s *Screen) CheckOutput(answer string) (ok bool, reason string) {
	return s.check(answer, outputRules)
}

// SafeResponse is the fixed replacement for blocked content.
func (s *Screen) SafeResponse() string { return safeResponse }

func (s *Screen) check(text string, rules []rule) (bool, string) {
	for _, r := range rules {
		matched, err := r.re.MatchString(text)
		if err != nil {
			// Match timeouts count as clean; the rule list must not
			// take the chat path down.
			s.logger.Warn("guard rule failed", zap.String("rule", r.name), zap.Error(err))
			continue
		}
		if matched {
			s.logger.Info("content blocked by guard", zap.String("rule", r.name))
			return false, r.name
		}
	}
	return true, ""
}
