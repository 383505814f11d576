package governance

import (
	"regexp"
	"strings"

	"github.com/odvcencio/warden/pkg/telemetry"
)

// injectionPattern describes one prompt-injection signature.
type injectionPattern struct {
	pattern     *regexp.Regexp
	description string
}

// piiPattern describes one PII signature with its redaction label.
type piiPattern struct {
	piiType string
	pattern *regexp.Regexp
}

// Verdict is the outcome of a security validation pass.
type Verdict struct {
	Valid bool
	// Reason is set when Valid is false: ReasonPromptInjection,
	// ReasonPIIDetected, or ReasonOther for length violations.
	Reason  Reason
	Message string
	// Detected lists matched injection descriptions or PII types.
	Detected []string
	// RedactedText carries the input with PII replaced by
	// [TYPE_REDACTED] markers. Only set for PII verdicts.
	RedactedText string
}

// RuleSet holds the compiled detection patterns for a validator.
type RuleSet struct {
	Injection      []injectionPattern
	PII            []piiPattern
	MaxInputLength int
}

// DefaultRuleSet returns the stock detection patterns.
func DefaultRuleSet() RuleSet {
	return RuleSet{
		MaxInputLength: DefaultMaxInputLength,
		Injection: []injectionPattern{
			{regexp.MustCompile(`(?i)ignore\s+(all\s+)?previous\s+instructions`), "instruction override"},
			{regexp.MustCompile(`(?i)ignore\s+(all\s+)?prior\s+instructions`), "instruction override"},
			{regexp.MustCompile(`(?i)disregard\s+(all\s+)?previous`), "instruction override"},
			{regexp.MustCompile(`(?i)forget\s+(all\s+)?previous`), "instruction override"},
			{regexp.MustCompile(`(?i)act\s+as\s+if\s+you\s+are`), "role hijack"},
			{regexp.MustCompile(`(?i)pretend\s+you\s+are`), "role hijack"},
			{regexp.MustCompile(`(?i)you\s+are\s+now`), "role hijack"},
			{regexp.MustCompile(`(?i)new\s+instructions:`), "instruction injection"},
			{regexp.MustCompile(`(?i)system\s+prompt:`), "system prompt marker"},
			{regexp.MustCompile(`(?i)<\s*system\s*>`), "system prompt marker"},
			{regexp.MustCompile(`(?i)\[\s*system\s*\]`), "system prompt marker"},
			{regexp.MustCompile(`(?i)jailbreak`), "jailbreak marker"},
			{regexp.MustCompile(`(?i)DAN\s+mode`), "jailbreak marker"},
			{regexp.MustCompile(`(?i)developer\s+mode`), "jailbreak marker"},
			{regexp.MustCompile(`(?i)override\s+(system|previous)`), "instruction override"},
			{regexp.MustCompile(`(?i)do\s+anything\s+now`), "jailbreak marker"},
		},
		PII: []piiPattern{
			{"email", regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)},
			{"ssn", regexp.MustCompile(`\b\d{3}[-.]\d{2}[-.]\d{4}\b`)},
			{"credit_card", regexp.MustCompile(`\b(?:\d{4}[-.\s]?){3}\d{4}\b`)},
			{"phone", regexp.MustCompile(`\b\d{3}[-.\s]?\d{3}[-.\s]?\d{4}\b`)},
			{"api_key_openai", regexp.MustCompile(`\bsk-[a-zA-Z0-9]{48}\b`)},
			{"api_key_datadog", regexp.MustCompile(`\bdd[a-z]{1,2}_[a-zA-Z0-9]{32,}\b`)},
		},
	}
}

// SecurityValidator screens untrusted text for prompt injection and PII.
// Stateless between calls; safe for concurrent use.
type SecurityValidator struct {
	rules RuleSet
	sink  telemetry.Sink
}

// NewSecurityValidator creates a validator. A zero RuleSet gets the
// defaults; a nil sink disables telemetry.
func NewSecurityValidator(rules RuleSet, sink telemetry.Sink) *SecurityValidator {
	if len(rules.Injection) == 0 && len(rules.PII) == 0 {
		rules = DefaultRuleSet()
	}
	if rules.MaxInputLength <= 0 {
		rules.MaxInputLength = DefaultMaxInputLength
	}
	if sink == nil {
		sink = telemetry.NopSink{}
	}
	return &SecurityValidator{rules: rules, sink: sink}
}

// Validate screens input text. Checks run in order: length, injection,
// PII. Injection wins when both would match; injection verdicts carry no
// redaction. Empty or whitespace-only input is trivially valid.
func (v *SecurityValidator) Validate(text string) Verdict {
	if strings.TrimSpace(text) == "" {
		v.emit("empty", true)
		return Verdict{Valid: true, Reason: ReasonNone}
	}

	if len(text) > v.rules.MaxInputLength {
		v.emit("length", false)
		return Verdict{
			Valid:   false,
			Reason:  ReasonOther,
			Message: "input exceeds maximum length",
		}
	}

	if detected := v.checkInjection(text); len(detected) > 0 {
		v.emit("prompt_injection", false)
		return Verdict{
			Valid:    false,
			Reason:   ReasonPromptInjection,
			Message:  "potential prompt injection detected",
			Detected: detected,
		}
	}

	if types := v.detectPII(text); len(types) > 0 {
		v.emit("pii", false)
		return Verdict{
			Valid:        false,
			Reason:       ReasonPIIDetected,
			Message:      "PII detected: " + strings.Join(types, ", "),
			Detected:     types,
			RedactedText: v.Redact(text),
		}
	}

	v.emit("input", true)
	return Verdict{Valid: true, Reason: ReasonNone}
}

// ValidateOutput screens generated text for PII leakage before it leaves
// the system. Injection patterns are not checked on output.
func (v *SecurityValidator) ValidateOutput(text string) Verdict {
	if types := v.detectPII(text); len(types) > 0 {
		v.emit("output_pii", false)
		return Verdict{
			Valid:        false,
			Reason:       ReasonPIIDetected,
			Message:      "PII detected in output: " + strings.Join(types, ", "),
			Detected:     types,
			RedactedText: v.Redact(text),
		}
	}
	v.emit("output", true)
	return Verdict{Valid: true, Reason: ReasonNone}
}

func (v *SecurityValidator) checkInjection(text string) []string {
	var detected []string
	seen := map[string]struct{}{}
	for _, p := range v.rules.Injection {
		if p.pattern.MatchString(text) {
			if _, dup := seen[p.description]; dup {
				continue
			}
			seen[p.description] = struct{}{}
			detected = append(detected, p.description)
		}
	}
	return detected
}

func (v *SecurityValidator) detectPII(text string) []string {
	var types []string
	matched := text
	for _, p := range v.rules.PII {
		if p.pattern.MatchString(matched) {
			types = append(types, p.piiType)
			// Consume matches so overlapping patterns (ssn vs phone)
			// don't double-report the same digits.
			matched = p.pattern.ReplaceAllString(matched, "")
		}
	}
	return types
}

// Redact replaces every PII match with a [TYPE_REDACTED] marker.
// Non-PII text passes through byte for byte.
func (v *SecurityValidator) Redact(text string) string {
	result := text
	for _, p := range v.rules.PII {
		result = p.pattern.ReplaceAllString(result, "["+strings.ToUpper(p.piiType)+"_REDACTED]")
	}
	return result
}

var controlChars = regexp.MustCompile(`[\x00-\x1f\x7f-\x9f]`)

// SanitizeForLog strips control characters and truncates text so raw
// user input can be logged safely.
func SanitizeForLog(text string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = 200
	}
	if len(text) > maxLen {
		text = text[:maxLen] + "..."
	}
	return controlChars.ReplaceAllString(text, "")
}

func (v *SecurityValidator) emit(checkType string, passed bool) {
	result := "passed"
	if !passed {
		result = "failed"
	}
	v.sink.Count(telemetry.MetricSecurityChecks, 1, telemetry.Labels{
		telemetry.TagCheckType: checkType,
		telemetry.TagResult:    result,
	})
}
