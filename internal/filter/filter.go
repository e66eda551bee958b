// Package filter scans untrusted text for prompt manipulation patterns.
package filter

import (
	"regexp"
	"strings"

	"clawgate/internal/domain"
)

// Threat kinds reported in ThreatDescriptors.
const (
	KindInstructionOverride = "instruction-override"
	KindRoleExfiltration    = "role-exfiltration"
	KindDelimiterAbuse      = "delimiter-abuse"
	KindEncodedPayload      = "encoded-payload"
	KindCoercion            = "coercion"
)

// Severity levels, ordered. Weights per level come from config.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

type detector struct {
	id       string
	kind     string
	severity string
	re       *regexp.Regexp
}

// The battery is ordered and applied in full; each detector contributes at
// most one threat per scan.
var detectors = []detector{
	{"override.ignore-previous", KindInstructionOverride, SeverityCritical,
		regexp.MustCompile(`(?i)\bignore\s+(all\s+)?(previous|prior|above|earlier)\s+(instructions|prompts|rules|directives)\b`)},
	{"override.disregard", KindInstructionOverride, SeverityCritical,
		regexp.MustCompile(`(?i)\b(disregard|forget|override)\s+(all\s+)?(previous|prior|above|earlier|your)\s+(instructions|prompts|rules|training|directives)\b`)},
	{"override.new-instructions", KindInstructionOverride, SeverityHigh,
		regexp.MustCompile(`(?i)\b(new|updated|real|actual)\s+instructions\s*:`)},
	{"override.from-now-on", KindInstructionOverride, SeverityMedium,
		regexp.MustCompile(`(?i)\bfrom\s+now\s+on\s*,?\s+(you|your)\b`)},
	{"role.system-prompt", KindRoleExfiltration, SeverityHigh,
		regexp.MustCompile(`(?i)\b(reveal|show|tell|print|repeat|output)\b.{0,40}\b(system\s+prompt|initial\s+prompt|hidden\s+instructions)\b`)},
	{"role.you-are-now", KindRoleExfiltration, SeverityHigh,
		regexp.MustCompile(`(?i)\byou\s+are\s+(now|no\s+longer)\s+(a|an|the)?\b`)},
	{"role.pretend", KindRoleExfiltration, SeverityMedium,
		regexp.MustCompile(`(?i)\b(pretend|act\s+as\s+if|roleplay\s+as)\b.{0,40}\b(unrestricted|jailbroken|developer\s+mode|no\s+(rules|limits|restrictions))\b`)},
	{"delim.chat-markers", KindDelimiterAbuse, SeverityHigh,
		regexp.MustCompile(`<\|im_start\|>|<\|im_end\|>|<\|endoftext\|>`)},
	{"delim.fake-system", KindDelimiterAbuse, SeverityMedium,
		regexp.MustCompile(`(?im)^\s*(\[system\]|###\s*system|<system>|system\s*:)`)},
	{"encoded.escape-run", KindEncodedPayload, SeverityMedium,
		regexp.MustCompile(`(\\x[0-9a-fA-F]{2}){8,}|(\\u[0-9a-fA-F]{4}){6,}`)},
	{"encoded.base64-blob", KindEncodedPayload, SeverityLow,
		regexp.MustCompile(`\b[A-Za-z0-9+/]{120,}={0,2}\b`)},
	{"coercion.urgency", KindCoercion, SeverityLow,
		regexp.MustCompile(`(?i)\b(urgent|immediately|right\s+now)\b.{0,60}\b(transfer|wire|send|execute|delete|password|credentials)\b`)},
}

// Filter scans text against the detector battery. It is pure, total, and safe
// for concurrent use.
type Filter struct {
	maxScanBytes int
	weights      map[string]float64
}

// Option configures a Filter.
type Option func(*Filter)

// WithMaxScanBytes bounds how much of the input is scanned, guaranteeing
// termination in time proportional to the bound rather than the input.
func WithMaxScanBytes(n int) Option {
	return func(f *Filter) {
		if n > 0 {
			f.maxScanBytes = n
		}
	}
}

// WithSeverityWeights overrides the per-severity confidence weights.
func WithSeverityWeights(w map[string]float64) Option {
	return func(f *Filter) {
		if len(w) > 0 {
			f.weights = w
		}
	}
}

// DefaultWeights match the documented defaults in clawgate.yml.
func DefaultWeights() map[string]float64 {
	return map[string]float64{
		SeverityLow:      0.2,
		SeverityMedium:   0.4,
		SeverityHigh:     0.7,
		SeverityCritical: 0.9,
	}
}

func New(opts ...Option) Filter {
	f := Filter{
		maxScanBytes: 64 * 1024,
		weights:      DefaultWeights(),
	}
	for _, opt := range opts {
		opt(&f)
	}
	return f
}

// Sanitize scans content and returns a fresh Verdict. Clean content scores
// confidence 0 with no threats. Confidence is the clamped sum of matched
// severity weights: multiple independent matches add up, so two medium hits
// always outscore one high hit when weights are non-decreasing.
func (f Filter) Sanitize(content, context string) domain.Verdict {
	_ = context // recorded by callers for audit; scanning is context-free
	if len(content) > f.maxScanBytes {
		content = content[:f.maxScanBytes]
	}
	verdict := domain.Verdict{Threats: []domain.ThreatDescriptor{}}
	if content == "" {
		return verdict
	}
	var score float64
	for _, d := range detectors {
		loc := d.re.FindStringIndex(content)
		if loc == nil {
			continue
		}
		verdict.Threats = append(verdict.Threats, domain.ThreatDescriptor{
			Kind:      d.kind,
			PatternID: d.id,
			Severity:  d.severity,
			Span:      clipSpan(content[loc[0]:loc[1]]),
		})
		score += f.weights[d.severity]
	}
	if len(verdict.Threats) > 0 {
		verdict.Flagged = true
		verdict.Confidence = clamp01(score)
	}
	return verdict
}

func clamp01(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < 0 {
		return 0
	}
	return v
}

// clipSpan keeps audit payloads short and valid UTF-8.
func clipSpan(s string) string {
	const max = 80
	if len(s) <= max {
		return s
	}
	return strings.ToValidUTF8(s[:max], "") + "..."
}
