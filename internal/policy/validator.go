package policy

import (
	"strings"
	"unicode/utf8"
)

// Validator gates commands against a compiled Catalog. It holds no mutable
// state: Validate may be called from any number of goroutines concurrently.
type Validator struct {
	catalog *Catalog
}

// NewValidator returns a Validator over the given catalog.
func NewValidator(catalog *Catalog) *Validator {
	return &Validator{catalog: catalog}
}

// Validate classifies one candidate command. The stage order is fixed:
// permissive full-command patterns first, then the PowerShell
// sub-language, then dangerous patterns, then the base-command
// allowlist fallback. Reordering the stages changes observable behavior
// (a whitelisted compound command must never be re-examined for danger).
func (v *Validator) Validate(command string) Verdict {
	if !utf8.ValidString(command) || strings.ContainsRune(command, 0) {
		return deny(ReasonInvalidInput, RiskMedium)
	}

	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return deny(ReasonEmptyCommand, RiskLow)
	}

	// Stage 2: known-benign full-command shapes short-circuit everything,
	// including the dangerous-pattern stage. "cd app && npm run dev" is
	// allowed even though it superficially resembles a chained command.
	if v.catalog.matchSafeCommand(trimmed) {
		return allow(ReasonWhitelisted, trimmed)
	}

	// Stage 3: the PowerShell-ish query/process/location sub-language has
	// its own safe set, matched only when marker tokens are present.
	looksPowerShell := psMarker.MatchString(trimmed)
	if looksPowerShell && v.catalog.matchSafePowerShell(trimmed) {
		return allow(ReasonPowerShellSyntax, trimmed)
	}

	// Stage 4: dangerous shapes. Severity comes from the pattern category:
	// destructive-filesystem and power-control fire as critical, chained/
	// piped/substituted shapes as high.
	if p, ok := v.catalog.matchDangerous(trimmed); ok {
		return deny(ReasonDangerousPattern, p.risk)
	}

	// Unmatched PowerShell syntax is denied as such rather than falling
	// through to the base allowlist; cmdlet tokens would never pass it and
	// the dedicated reason gives the operator usable guidance.
	if looksPowerShell {
		return deny(ReasonPowerShellSyntax, RiskMedium)
	}

	// Stage 5: base-command allowlist on the first whitespace-delimited
	// token, case-insensitive, with or without a platform suffix.
	fields := strings.Fields(trimmed)
	if v.catalog.allowsBaseCommand(fields[0]) {
		return allow(ReasonWhitelisted, trimmed)
	}

	return deny(ReasonNotWhitelisted, RiskMedium)
}
