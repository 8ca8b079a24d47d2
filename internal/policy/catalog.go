package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// PatternSpec is one uncompiled dangerous pattern.
type PatternSpec struct {
	// Name is a short unique identifier, e.g. "format-drive".
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
	// Risk is "critical" or "high"; empty defaults to high.
	Risk string `yaml:"risk"`
}

// Spec is the uncompiled catalog. The built-in DefaultSpec can be replaced
// wholesale by a YAML file at deployment time; there is no runtime mutation.
type Spec struct {
	Dangerous      []PatternSpec `yaml:"dangerous"`
	SafeCommands   []string      `yaml:"safe_commands"`
	SafePowerShell []string      `yaml:"safe_powershell"`
	BaseCommands   []string      `yaml:"base_commands"`
	Extensions     []string      `yaml:"extensions"`
}

// dangerousPattern is a compiled dangerous matcher with its severity.
type dangerousPattern struct {
	name string
	risk RiskLevel
	re   *regexp.Regexp
}

// Catalog holds the compiled pattern sets. It is immutable after
// construction and safe for concurrent use without synchronization.
type Catalog struct {
	dangerous      []dangerousPattern
	safeCommands   []*regexp.Regexp
	safePowerShell []*regexp.Regexp
	baseCommands   map[string]struct{}
	extensions     map[string]struct{}
}

// psMarker detects the verb-noun and query tokens of the PowerShell-ish
// process/port/location sub-language. Commands carrying these markers are
// evaluated against the safe PowerShell patterns rather than the base
// command allowlist.
var psMarker = regexp.MustCompile(`(?i)(\b(get|set|stop|start|new|remove|select|test)-[a-z]|^netstat\b)`)

// NewCatalog compiles a Spec. Any malformed pattern is a construction
// error; per the startup contract this is the one condition that should
// abort the process before any session exists.
func NewCatalog(spec Spec) (*Catalog, error) {
	c := &Catalog{
		baseCommands: make(map[string]struct{}, len(spec.BaseCommands)),
		extensions:   make(map[string]struct{}, len(spec.Extensions)),
	}

	for _, p := range spec.Dangerous {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return nil, fmt.Errorf("dangerous pattern %q: %w", p.Name, err)
		}
		risk := RiskHigh
		switch p.Risk {
		case "", "high":
		case "critical":
			risk = RiskCritical
		default:
			return nil, fmt.Errorf("dangerous pattern %q: unknown risk %q", p.Name, p.Risk)
		}
		c.dangerous = append(c.dangerous, dangerousPattern{name: p.Name, risk: risk, re: re})
	}

	for i, p := range spec.SafeCommands {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("safe command pattern %d: %w", i, err)
		}
		c.safeCommands = append(c.safeCommands, re)
	}

	for i, p := range spec.SafePowerShell {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("safe powershell pattern %d: %w", i, err)
		}
		c.safePowerShell = append(c.safePowerShell, re)
	}

	for _, cmd := range spec.BaseCommands {
		c.baseCommands[strings.ToLower(cmd)] = struct{}{}
	}
	for _, ext := range spec.Extensions {
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		c.extensions[strings.ToLower(ext)] = struct{}{}
	}

	return c, nil
}

// LoadCatalogFile reads a YAML catalog spec and compiles it.
func LoadCatalogFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}
	var spec Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse catalog file %s: %w", path, err)
	}
	c, err := NewCatalog(spec)
	if err != nil {
		return nil, fmt.Errorf("catalog file %s: %w", path, err)
	}
	return c, nil
}

// DefaultCatalog compiles the built-in spec. The built-in patterns are
// constants covered by tests, so a compile failure here is a programming
// error and panics.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(DefaultSpec())
	if err != nil {
		panic(fmt.Sprintf("policy: built-in catalog is broken: %v", err))
	}
	return c
}

// AllowsExtension reports whether the file's extension is in the allowed
// set. Paths without an extension are rejected.
func (c *Catalog) AllowsExtension(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return false
	}
	_, ok := c.extensions[ext]
	return ok
}

func (c *Catalog) matchSafeCommand(cmd string) bool {
	for _, re := range c.safeCommands {
		if re.MatchString(cmd) {
			return true
		}
	}
	return false
}

func (c *Catalog) matchSafePowerShell(cmd string) bool {
	for _, re := range c.safePowerShell {
		if re.MatchString(cmd) {
			return true
		}
	}
	return false
}

func (c *Catalog) matchDangerous(cmd string) (dangerousPattern, bool) {
	for _, p := range c.dangerous {
		if p.re.MatchString(cmd) {
			return p, true
		}
	}
	return dangerousPattern{}, false
}

// execSuffixes are platform executable suffixes stripped before base
// command lookup, so "npm.cmd install" and "node.exe app.js" pass on
// Windows exactly as their bare forms do elsewhere.
var execSuffixes = []string{".exe", ".cmd", ".bat"}

func (c *Catalog) allowsBaseCommand(token string) bool {
	token = strings.ToLower(token)
	if _, ok := c.baseCommands[token]; ok {
		return true
	}
	for _, suffix := range execSuffixes {
		if trimmed, ok := strings.CutSuffix(token, suffix); ok {
			if _, ok := c.baseCommands[trimmed]; ok {
				return true
			}
			break
		}
	}
	return false
}

// DefaultSpec is the built-in catalog. Ordering inside each list matters:
// the first match wins, so more specific patterns come first.
func DefaultSpec() Spec {
	return Spec{
		Dangerous: []PatternSpec{
			// Destructive filesystem operations.
			{Name: "rm-recursive-force", Pattern: `(?i)\brm\s+-[a-z]*[rf][a-z]*\b`, Risk: "critical"},
			{Name: "del-force", Pattern: `(?i)\bdel\s+/[fsq]\b`, Risk: "critical"},
			{Name: "rd-recursive", Pattern: `(?i)\br(d|mdir)\s+/s\b`, Risk: "critical"},
			{Name: "format-drive", Pattern: `(?i)\bformat\s+[a-z]:`, Risk: "critical"},
			{Name: "mkfs", Pattern: `(?i)\bmkfs(\.[a-z0-9]+)?\b`, Risk: "critical"},
			{Name: "dd-to-device", Pattern: `(?i)\bdd\s+.*\bof=/dev/`, Risk: "critical"},
			{Name: "redirect-to-device", Pattern: `>\s*/dev/s?d[a-z]`, Risk: "critical"},
			{Name: "remove-item-recurse", Pattern: `(?i)\bRemove-Item\b.*(-Recurse|-Force)`, Risk: "critical"},
			// System power control.
			{Name: "shutdown", Pattern: `(?i)(^|[\s;&|])shutdown\b`, Risk: "critical"},
			{Name: "reboot", Pattern: `(?i)(^|[\s;&|])(reboot|poweroff|halt)\b`, Risk: "critical"},
			{Name: "power-cmdlet", Pattern: `(?i)\b(Stop|Restart)-Computer\b`, Risk: "critical"},
			// Chained, piped, and substituted destructive shapes.
			{Name: "chained-destructive", Pattern: `(?i)[;&|]\s*(rm|del|rd|rmdir|format|mkfs|dd)\b`, Risk: "high"},
			{Name: "pipe-to-shell", Pattern: `(?i)\|\s*(sh|bash|zsh|powershell|pwsh|cmd)\b`, Risk: "high"},
			{Name: "substituted-destructive", Pattern: "(?i)(\\$\\(|`)[^)`]*\\b(rm|del|format|mkfs|shutdown)\\b", Risk: "high"},
			{Name: "fork-bomb", Pattern: `:\s*\(\s*\)\s*\{\s*:\s*\|\s*:`, Risk: "high"},
		},
		SafeCommands: []string{
			// Package managers.
			`(?i)^(npm|pnpm|yarn)(\.cmd)?\s+(install|ci|test|start|audit|outdated|build)$`,
			`(?i)^(npm|pnpm|yarn)(\.cmd)?\s+run\s+[\w:.-]+$`,
			`(?i)^npx(\.cmd)?\s+[\w@/.-]+(\s+[\w./:-]+)*$`,
			// Version control. Arguments may not contain chaining operators.
			`(?i)^git\s+(status|log|diff|fetch|pull|push|add|commit|checkout|switch|branch|merge|rebase|stash|remote|tag|rev-parse)(\s+[^;&|<>]*)?$`,
			// Editor launch.
			`(?i)^code(\.cmd)?(\s+-[rn])?(\s+[\w./\\ :~-]+)?$`,
			// Interpreter and toolchain invocation.
			`(?i)^(node|python3?|go|dotnet|cargo)(\.exe)?\s+[\w./\\ :=-]+$`,
			// Compound "change directory and run" shapes.
			`(?i)^cd\s+[\w./\\ ~:-]+\s*(&&|;)\s*(npm|pnpm|yarn)(\.cmd)?\s+(run\s+[\w:.-]+|install|ci|test|start|build)$`,
			`(?i)^cd\s+[\w./\\ ~:-]+\s*(&&|;)\s*(node|python3?|go)(\.exe)?\s+[\w./\\ :=-]+$`,
		},
		SafePowerShell: []string{
			// Process query and stop.
			`(?i)^Get-Process(\s+[\w.*-]+)?$`,
			`(?i)^Stop-Process\s+(-Id\s+\d+|-Name\s+[\w.*-]+)(\s+-Force)?$`,
			// Port query.
			`(?i)^Get-NetTCPConnection(\s+-LocalPort\s+\d+)?$`,
			`(?i)^netstat(\s+-[a-z]+)*$`,
			// Location change and listing.
			`(?i)^Set-Location\s+[^;&|<>]+$`,
			`(?i)^Get-Location$`,
			`(?i)^Get-ChildItem(\s+[^;&|<>]*)?$`,
		},
		BaseCommands: []string{
			"npm", "pnpm", "yarn", "npx", "node", "tsc",
			"git", "code",
			"python", "python3", "pip", "pip3",
			"go", "cargo", "dotnet", "make",
			"ls", "dir", "cd", "pwd", "echo", "cat", "type",
			"cls", "clear", "mkdir", "touch", "which", "where", "whoami",
		},
		Extensions: []string{
			".js", ".jsx", ".ts", ".tsx", ".json", ".md", ".txt",
			".yml", ".yaml", ".html", ".css", ".scss",
			".py", ".go", ".rs", ".toml", ".sql",
		},
	}
}
