package scanner

import (
	"context"
	"encoding/base64"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Rule is a single heuristic detection pattern.
type Rule struct {
	ID          string
	Category    string
	Pattern     *regexp.Regexp
	Severity    float64
	Description string
	Enabled     bool
}

// The built-in ruleset: ~35 patterns across 9 threat categories. Severity
// is the risk contribution when the pattern matches; the scanner reports
// the maximum over all matches.
func defaultRules() []Rule {
	return []Rule{
		// 1. Prompt injection keywords.
		{ID: "pi_ignore_instructions", Category: "prompt_injection", Severity: 0.9,
			Pattern:     regexp.MustCompile(`(?i)ignore\s+(?:all\s+)?(?:previous|prior|earlier|above)\s+instructions?`),
			Description: "Classic 'ignore previous instructions' injection", Enabled: true},
		{ID: "pi_disregard", Category: "prompt_injection", Severity: 0.9,
			Pattern:     regexp.MustCompile(`(?i)disregard\s+(?:all\s+)?(?:your|previous|prior|earlier)\s+(?:instructions?|rules?|guidelines?)`),
			Description: "Disregard instructions variant", Enabled: true},
		{ID: "pi_new_instructions", Category: "prompt_injection", Severity: 0.85,
			Pattern:     regexp.MustCompile(`(?i)(?:your|my)\s+new\s+(?:instructions?|task|objective|goal)\s+(?:is|are)`),
			Description: "Overriding instructions with new ones", Enabled: true},
		{ID: "pi_forget_everything", Category: "prompt_injection", Severity: 0.9,
			Pattern:     regexp.MustCompile(`(?i)forget\s+(?:everything|all)\s+(?:you\s+)?(?:know|were\s+told|learned)`),
			Description: "Forget everything variant", Enabled: true},
		{ID: "pi_do_not_follow", Category: "prompt_injection", Severity: 0.85,
			Pattern:     regexp.MustCompile(`(?i)do\s+not\s+follow\s+(?:any|your|the)\s+(?:previous|original|initial)`),
			Description: "Do not follow previous instructions", Enabled: true},
		{ID: "pi_override_rules", Category: "prompt_injection", Severity: 0.95,
			Pattern:     regexp.MustCompile(`(?i)(?:override|bypass|skip|circumvent)\s+(?:all\s+)?(?:safety|security|content)\s+(?:rules?|filters?|checks?|guidelines?)`),
			Description: "Explicit override of safety rules", Enabled: true},
		{ID: "pi_jailbreak_keywords", Category: "prompt_injection", Severity: 0.8,
			Pattern:     regexp.MustCompile(`(?i)\b(?:DAN|jailbreak|DUDE|AIM|STAN|DevMode)\b`),
			Description: "Known jailbreak persona names", Enabled: true},
		{ID: "pi_pretend_no_restrictions", Category: "prompt_injection", Severity: 0.85,
			Pattern:     regexp.MustCompile(`(?i)(?:pretend|imagine|act\s+as\s+if)\s+(?:you\s+)?(?:have\s+no|don'?t\s+have\s+any|without\s+any)\s+(?:restrictions?|limitations?|rules?|filters?)`),
			Description: "Pretend no restrictions", Enabled: true},

		// 2. Role manipulation.
		{ID: "role_system_override", Category: "role_manipulation", Severity: 0.9,
			Pattern:     regexp.MustCompile(`(?i)system\s*:\s*you\s+are\s+now`),
			Description: "System role override", Enabled: true},
		{ID: "role_act_as", Category: "role_manipulation", Severity: 0.85,
			Pattern:     regexp.MustCompile(`(?i)(?:act|behave|respond|function)\s+as\s+(?:if\s+you\s+(?:are|were)\s+)?(?:a|an|the)\s+(?:unrestricted|unfiltered|uncensored)`),
			Description: "Act as unrestricted entity", Enabled: true},
		{ID: "role_you_are_now", Category: "role_manipulation", Severity: 0.85,
			Pattern:     regexp.MustCompile(`(?i)(?:from\s+now\s+on\s+)?you\s+are\s+(?:now\s+)?(?:a|an)\s+(?:different|new|unrestricted)`),
			Description: "You are now a different entity", Enabled: true},
		{ID: "role_developer_mode", Category: "role_manipulation", Severity: 0.9,
			Pattern:     regexp.MustCompile(`(?i)(?:enable|activate|enter|switch\s+to)\s+(?:developer|dev|debug|admin|root|god)\s+mode`),
			Description: "Developer/admin mode activation", Enabled: true},

		// 3. Delimiter injection.
		{ID: "delim_inst_tag", Category: "delimiter_injection", Severity: 0.85,
			Pattern:     regexp.MustCompile(`(?i)<\s*/?(?:INST|s|system|human|assistant)\s*>`),
			Description: "Chat template delimiter tags", Enabled: true},
		{ID: "delim_system_bracket", Category: "delimiter_injection", Severity: 0.85,
			Pattern:     regexp.MustCompile(`(?i)\[(?:SYSTEM|INST|/INST|SYS|/SYS)\]`),
			Description: "System bracket delimiters", Enabled: true},
		{ID: "delim_markdown_system", Category: "delimiter_injection", Severity: 0.7,
			Pattern:     regexp.MustCompile("(?i)```\\s*system\\s*\n"),
			Description: "Markdown code block with system label", Enabled: true},
		{ID: "delim_separator_injection", Category: "delimiter_injection", Severity: 0.7,
			Pattern:     regexp.MustCompile(`(?i)(?:---+|===+|####+)\s*(?:system|instructions?|new\s+task)`),
			Description: "Separator-based instruction injection", Enabled: true},

		// 4. Encoding attacks.
		{ID: "enc_base64_long", Category: "encoding_attack", Severity: 0.4,
			Pattern:     regexp.MustCompile(`[A-Za-z0-9+/]{40,}={0,2}`),
			Description: "Suspiciously long base64 string in params", Enabled: true},
		{ID: "enc_hex_payload", Category: "encoding_attack", Severity: 0.6,
			Pattern:     regexp.MustCompile(`\\x[0-9a-fA-F]{2}(?:\\x[0-9a-fA-F]{2}){7,}`),
			Description: "Hex-encoded payload (8+ bytes)", Enabled: true},
		{ID: "enc_url_encoded_injection", Category: "encoding_attack", Severity: 0.8,
			Pattern:     regexp.MustCompile(`(?i)%(?:69|49)(?:%67|%47)(?:%6e|%4e)(?:%6f|%4f)(?:%72|%52)(?:%65|%45)`),
			Description: "URL-encoded 'ignore' keyword", Enabled: true},

		// 5. Unicode tricks.
		{ID: "unicode_rtl_override", Category: "unicode_attack", Severity: 0.7,
			Pattern:     regexp.MustCompile(`[\x{200E}\x{200F}\x{202A}-\x{202E}\x{2066}-\x{2069}]`),
			Description: "Unicode BiDi control characters (RTL override)", Enabled: true},
		{ID: "unicode_homoglyph", Category: "unicode_attack", Severity: 0.3,
			Pattern:     regexp.MustCompile(`[\x{0400}-\x{04FF}\x{FF00}-\x{FFEF}]`),
			Description: "Non-ASCII lookalike characters (potential homoglyph)", Enabled: true},

		// 6. Path traversal.
		{ID: "path_traversal_dots", Category: "path_traversal", Severity: 0.7,
			Pattern:     regexp.MustCompile(`\.\.[/\\](?:\.\.[/\\])*`),
			Description: "Directory traversal with ../", Enabled: true},
		{ID: "path_traversal_encoded", Category: "path_traversal", Severity: 0.8,
			Pattern:     regexp.MustCompile(`(?i)%2e%2e(?:%2f|%5c)`),
			Description: "URL-encoded directory traversal", Enabled: true},
		{ID: "path_sensitive_files", Category: "path_traversal", Severity: 0.85,
			Pattern:     regexp.MustCompile(`(?i)(?:/etc/(?:passwd|shadow|sudoers)|\.ssh/(?:id_rsa|authorized_keys|config)|\.(?:bashrc|profile|zshrc|env)|\.llmos/config\.yaml|\.aws/credentials|\.kube/config)`),
			Description: "Access to known sensitive files", Enabled: true},

		// 7. Shell injection indicators.
		{ID: "shell_pipe_chain", Category: "shell_injection", Severity: 0.8,
			Pattern:     regexp.MustCompile("(?i)[|;`]\\s*(?:curl|wget|nc|ncat|python|perl|ruby|php|bash|sh|zsh|powershell)\\b"),
			Description: "Pipe/chain to network or scripting tools", Enabled: true},
		{ID: "shell_subcommand", Category: "shell_injection", Severity: 0.6,
			Pattern:     regexp.MustCompile("\\$\\(.*\\)|`[^`]+`"),
			Description: "Command substitution in params", Enabled: true},
		{ID: "shell_reverse_shell", Category: "shell_injection", Severity: 0.95,
			Pattern:     regexp.MustCompile(`(?i)(?:bash\s+-i\s+>&|/dev/tcp/|mkfifo|nc\s+-[el]|ncat\s+-[el])`),
			Description: "Reverse shell pattern", Enabled: true},
		{ID: "shell_rm_rf", Category: "shell_injection", Severity: 0.95,
			Pattern:     regexp.MustCompile(`(?i)\brm\s+-[rR]?f\s+/`),
			Description: "Destructive rm -rf / command", Enabled: true},

		// 8. Data exfiltration indicators.
		{ID: "exfil_curl_post", Category: "data_exfiltration", Severity: 0.7,
			Pattern:     regexp.MustCompile(`(?i)curl\s+.*-(?:X\s+POST|d\s+@|-data)`),
			Description: "curl POST with data (potential exfil)", Enabled: true},
		{ID: "exfil_dns_tunnel", Category: "data_exfiltration", Severity: 0.6,
			Pattern:     regexp.MustCompile(`(?i)(?:dig|nslookup|host)\s+.*\.\w{2,4}$`),
			Description: "DNS lookup pattern (potential DNS tunnel)", Enabled: true},
		{ID: "exfil_webhook", Category: "data_exfiltration", Severity: 0.85,
			Pattern:     regexp.MustCompile(`(?i)https?://(?:webhook\.site|requestbin|hookbin|pipedream|ngrok|burp)`),
			Description: "Known exfiltration webhook URLs", Enabled: true},

		// 9. Privilege escalation file targets.
		{ID: "privesc_sudoers", Category: "privilege_escalation", Severity: 0.95,
			Pattern:     regexp.MustCompile(`(?i)(?:write_file|append|create).*(?:/etc/sudoers|/etc/passwd|/etc/shadow)`),
			Description: "Write to privilege escalation targets", Enabled: true},
		{ID: "privesc_cron", Category: "privilege_escalation", Severity: 0.85,
			Pattern:     regexp.MustCompile(`(?i)(?:write_file|append|create).*(?:/etc/cron|/var/spool/cron|crontab)`),
			Description: "Write to cron files", Enabled: true},
		{ID: "privesc_ssh_keys", Category: "privilege_escalation", Severity: 0.9,
			Pattern:     regexp.MustCompile(`(?i)(?:write_file|append|create).*(?:authorized_keys|\.ssh/)`),
			Description: "Write to SSH authorized_keys", Enabled: true},
		{ID: "privesc_systemd", Category: "privilege_escalation", Severity: 0.85,
			Pattern:     regexp.MustCompile(`(?i)(?:write_file|create).*(?:/etc/systemd/|/lib/systemd/|\.service$)`),
			Description: "Write to systemd service files", Enabled: true},
	}
}

var b64Re = regexp.MustCompile(`[A-Za-z0-9+/]{40,}={0,2}`)

// Keywords that are suspicious inside a decoded base64 payload.
var suspiciousDecoded = []string{
	"ignore", "system:", "instructions", "/bin/", "curl", "wget",
	"/etc/passwd", "authorized_keys",
}

// Zero-width characters stripped before pattern matching so they cannot
// split keywords: ZWSP, ZWNJ, ZWJ, BOM, soft hyphen, word joiner.
const zeroWidthChars = "\u200b\u200c\u200d\ufeff\u00ad\u2060"

// Risk thresholds shared by the heuristic scanner and the pipeline
// aggregate: at or above reject the input is blocked, at or above warn
// it proceeds flagged.
const (
	DefaultRejectThreshold = 0.7
	DefaultWarnThreshold   = 0.3
)

// HeuristicOptions tune the built-in scanner.
type HeuristicOptions struct {
	ExtraRules      []Rule
	DisabledRuleIDs []string
	RejectThreshold float64
	WarnThreshold   float64
}

// Heuristic is the layer-1 regex scanner: no model calls, sub-millisecond.
type Heuristic struct {
	mu              sync.Mutex
	rules           []Rule
	rejectThreshold float64
	warnThreshold   float64
}

// NewHeuristic builds the scanner with the default ruleset plus options.
func NewHeuristic(opts HeuristicOptions) *Heuristic {
	rules := defaultRules()
	rules = append(rules, opts.ExtraRules...)
	if len(opts.DisabledRuleIDs) > 0 {
		disabled := map[string]struct{}{}
		for _, id := range opts.DisabledRuleIDs {
			disabled[id] = struct{}{}
		}
		for i := range rules {
			if _, off := disabled[rules[i].ID]; off {
				rules[i].Enabled = false
			}
		}
	}
	h := &Heuristic{rules: rules, rejectThreshold: opts.RejectThreshold, warnThreshold: opts.WarnThreshold}
	if h.rejectThreshold == 0 {
		h.rejectThreshold = DefaultRejectThreshold
	}
	if h.warnThreshold == 0 {
		h.warnThreshold = DefaultWarnThreshold
	}
	return h
}

func (h *Heuristic) ID() string    { return "heuristic" }
func (h *Heuristic) Priority() int { return 10 }

// AddRule installs a custom rule at runtime.
func (h *Heuristic) AddRule(r Rule) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rules = append(h.rules, r)
}

// SetRuleEnabled toggles one rule by id; returns false when unknown.
func (h *Heuristic) SetRuleEnabled(id string, enabled bool) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.rules {
		if h.rules[i].ID == id {
			h.rules[i].Enabled = enabled
			return true
		}
	}
	return false
}

// Scan matches every enabled rule against the normalized text.
func (h *Heuristic) Scan(_ context.Context, text string, _ *Context) (*Result, error) {
	start := time.Now()
	normalized := Normalize(text)

	h.mu.Lock()
	rules := make([]Rule, len(h.rules))
	copy(rules, h.rules)
	h.mu.Unlock()

	var matched []string
	threats := map[string]struct{}{}
	maxSeverity := 0.0
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		if rule.Pattern.MatchString(normalized) {
			matched = append(matched, rule.ID)
			threats[rule.Category] = struct{}{}
			if rule.Severity > maxSeverity {
				maxSeverity = rule.Severity
			}
		}
	}

	// Base64 payload decoding runs against the original text; normalization
	// can corrupt padding.
	if score := checkBase64Payloads(text); score > 0 {
		if score > maxSeverity {
			maxSeverity = score
		}
		threats["encoding_attack"] = struct{}{}
		matched = append(matched, "base64_decoded_suspicious")
	}

	verdict := VerdictAllow
	switch {
	case maxSeverity >= h.rejectThreshold:
		verdict = VerdictReject
	case maxSeverity >= h.warnThreshold:
		verdict = VerdictWarn
	}

	details := ""
	if len(matched) > 0 {
		shown := matched
		if len(shown) > 5 {
			shown = shown[:5]
		}
		details = fmt.Sprintf("matched %d pattern(s): %s", len(matched), strings.Join(shown, ", "))
		if len(matched) > 5 {
			details += fmt.Sprintf(" (+%d more)", len(matched)-5)
		}
	}

	threatList := make([]string, 0, len(threats))
	for t := range threats {
		threatList = append(threatList, t)
	}
	sort.Strings(threatList)

	return &Result{
		ScannerID:       h.ID(),
		Verdict:         verdict,
		RiskScore:       maxSeverity,
		ThreatTypes:     threatList,
		Details:         details,
		MatchedPatterns: matched,
		ScanDurationMS:  float64(time.Since(start).Microseconds()) / 1000.0,
	}, nil
}

func (h *Heuristic) Status() map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	enabled := 0
	categories := map[string]struct{}{}
	for _, r := range h.rules {
		if r.Enabled {
			enabled++
			categories[r.Category] = struct{}{}
		}
	}
	cats := make([]string, 0, len(categories))
	for c := range categories {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	return map[string]any{
		"scanner_id":            h.ID(),
		"priority":              h.Priority(),
		"pattern_count":         len(h.rules),
		"enabled_pattern_count": enabled,
		"categories":            cats,
	}
}

// Normalize prepares text for robust matching: NFKC maps fullwidth and
// compatibility characters to ASCII equivalents, then zero-width
// characters are stripped.
func Normalize(text string) string {
	normalized := norm.NFKC.String(text)
	if !strings.ContainsAny(normalized, zeroWidthChars) {
		return normalized
	}
	var b strings.Builder
	b.Grow(len(normalized))
	for _, r := range normalized {
		if strings.ContainsRune(zeroWidthChars, r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func checkBase64Payloads(text string) float64 {
	for _, candidate := range b64Re.FindAllString(text, -1) {
		decoded, err := base64.StdEncoding.DecodeString(candidate)
		if err != nil {
			decoded, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(candidate, "="))
			if err != nil {
				continue
			}
		}
		lower := strings.ToLower(string(decoded))
		for _, kw := range suspiciousDecoded {
			if strings.Contains(lower, kw) {
				return 0.8
			}
		}
	}
	return 0.0
}
