package broker

import (
	"regexp"
	"strings"
)

// Action is the gate decision for a tool call.
type Action string

const (
	// ActionAuto executes without asking.
	ActionAuto Action = "auto"

	// ActionNotify executes immediately but emits a notice event.
	ActionNotify Action = "notify"

	// ActionRequire blocks execution on an approval.
	ActionRequire Action = "require"
)

// destructivePatterns match shell invocations that always require approval,
// regardless of the configured mode or allow list.
var destructivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+(-\w*\s+)*-\w*[rf]`),
	regexp.MustCompile(`\bgit\s+push\s+[^|;]*(--force|-f)\b`),
	regexp.MustCompile(`\bdd\s+[^|;]*\bof=`),
	regexp.MustCompile(`\bmkfs\b`),
	regexp.MustCompile(`:\(\)\s*\{\s*:\|:&\s*\}\s*;`),
	regexp.MustCompile(`\b(shutdown|reboot|halt)\b`),
	regexp.MustCompile(`>\s*/dev/(sd|nvme|disk)`),
	regexp.MustCompile(`\bchmod\s+[^|;]*777\s+/`),
	regexp.MustCompile(`\btruncate\s+[^|;]*-s\s*0`),
}

// shellTools are tool names whose input is treated as a shell command line.
var shellTools = map[string]bool{
	"shell":   true,
	"bash":    true,
	"exec":    true,
	"command": true,
}

// Policy classifies tool calls into gate actions.
type Policy struct {
	// Mode is the default action when no list matches.
	Mode Action

	// AllowTools run without approval (wildcards supported).
	AllowTools []string

	// DenyTools always require approval (wildcards supported).
	DenyTools []string
}

// DefaultPolicy notifies on everything not otherwise listed.
func DefaultPolicy() *Policy {
	return &Policy{Mode: ActionNotify}
}

// Classify returns the gate action for a tool call. Destructive shell
// commands require approval no matter what the lists or mode say; the
// configured mode can raise severity but never lower it below that.
func (p *Policy) Classify(toolName, args string) Action {
	if shellTools[strings.ToLower(toolName)] && isDestructive(args) {
		return ActionRequire
	}

	if matchAny(toolName, p.DenyTools) {
		return ActionRequire
	}
	if matchAny(toolName, p.AllowTools) {
		return ActionAuto
	}

	switch p.Mode {
	case ActionAuto, ActionNotify, ActionRequire:
		return p.Mode
	default:
		return ActionNotify
	}
}

func isDestructive(args string) bool {
	for _, re := range destructivePatterns {
		if re.MatchString(args) {
			return true
		}
	}
	return false
}

// matchAny checks a tool name against patterns with * wildcards.
func matchAny(toolName string, patterns []string) bool {
	name := strings.ToLower(strings.TrimSpace(toolName))
	for _, pattern := range patterns {
		p := strings.ToLower(strings.TrimSpace(pattern))
		if name == p {
			return true
		}
		if strings.Contains(p, "*") && matchWildcard(name, p) {
			return true
		}
	}
	return false
}

// matchWildcard treats * as "any characters", anchored at both ends.
func matchWildcard(name, pattern string) bool {
	escaped := regexp.QuoteMeta(pattern)
	re, err := regexp.Compile("^" + strings.ReplaceAll(escaped, `\*`, `.*`) + "$")
	if err != nil {
		return false
	}
	return re.MatchString(name)
}
