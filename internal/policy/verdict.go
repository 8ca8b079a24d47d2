// Package policy classifies candidate shell commands as safe or unsafe using
// a static catalog of regular expressions. It is intentionally not a shell
// parser: classification must be deterministic, fast, and independent of any
// model or UI that produced the command. Both false negatives (a disguised
// dangerous command in an unmatched shape) and false positives (a legitimate
// command shaped unusually) are possible; that accuracy trade-off is part of
// the design and should not be "fixed" by loosening or tightening stages.
package policy

// Reason identifies why a command was allowed or denied.
type Reason string

const (
	ReasonWhitelisted      Reason = "whitelisted"
	ReasonDangerousPattern Reason = "dangerous-pattern"
	ReasonNotWhitelisted   Reason = "not-whitelisted"
	ReasonPowerShellSyntax Reason = "powershell-syntax"
	ReasonPathTraversal    Reason = "path-traversal"
	ReasonEmptyCommand     Reason = "empty-command"
	ReasonInvalidInput     Reason = "invalid-input"
)

// RiskLevel grades how dangerous a denied command is considered.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Verdict is the outcome of validating one command. A fresh value is
// produced per call and never cached: commands are not safe to memoize
// by prefix.
type Verdict struct {
	Allowed bool      `json:"allowed"`
	Reason  Reason    `json:"reason"`
	Risk    RiskLevel `json:"risk_level"`
	// SanitizedCommand is the trimmed command, set only when allowed.
	SanitizedCommand string `json:"sanitized_command,omitempty"`
	// Guidance is a human-actionable message, always populated on denial.
	// It is descriptive only and carries no security meaning.
	Guidance string `json:"guidance,omitempty"`
}

// guidance maps denial reasons to the fixed message shown to the operator.
var guidance = map[Reason]string{
	ReasonDangerousPattern: "This command matches a destructive pattern and was blocked. Run it manually in a terminal outside the dashboard if you are sure.",
	ReasonNotWhitelisted:   "Only known development commands can run from the dashboard. Add the base command to the catalog if it should be permitted.",
	ReasonPowerShellSyntax: "PowerShell syntax detected but the command is not a recognized safe query. Use the process/port/location helpers or run it manually.",
	ReasonPathTraversal:    "The path escapes the workspace root and was rejected.",
	ReasonEmptyCommand:     "Nothing to run: the command is empty.",
	ReasonInvalidInput:     "The command contains invalid characters and cannot be run.",
}

// GuidanceFor returns the fixed guidance text for a denial reason.
func GuidanceFor(r Reason) string {
	return guidance[r]
}

func deny(reason Reason, risk RiskLevel) Verdict {
	return Verdict{Allowed: false, Reason: reason, Risk: risk, Guidance: guidance[reason]}
}

func allow(reason Reason, sanitized string) Verdict {
	return Verdict{Allowed: true, Reason: reason, Risk: RiskLow, SanitizedCommand: sanitized}
}
