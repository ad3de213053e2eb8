package toolrules

import "fmt"

// RuleViolation is returned when a call breaks a declared rule. It is fatal
// to the current turn.
type RuleViolation struct {
	Tool   string
	Rule   Type
	Turn   int // 1-based index of the offending call within the turn
	Reason string
}

func (e *RuleViolation) Error() string {
	return fmt.Sprintf("tool rule violation: %s rule on %q at call %d: %s", e.Rule, e.Tool, e.Turn, e.Reason)
}

// ConfigError reports a rule set that cannot be evaluated as declared.
type ConfigError struct {
	Message string
	Cause   error
}

func (e *ConfigError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("tool rules: %s: %v", e.Message, e.Cause)
	}
	return "tool rules: " + e.Message
}

func (e *ConfigError) Unwrap() error {
	return e.Cause
}
