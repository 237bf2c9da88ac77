package verification

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"sms-receive/internal/provider"
)

// Result is one code pulled from a message.
type Result struct {
	Code        string `json:"code"`
	PatternType string `json:"pattern_type"`
	Confidence  int    `json:"confidence"`
	// ExtractedFrom is a short window of the message around the code.
	ExtractedFrom string `json:"extracted_from"`
}

type PatternInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Priority    int    `json:"priority"`
	Service     string `json:"service,omitempty"`
}

type pattern struct {
	PatternInfo
	re         *regexp.Regexp
	confidence int
	// needDigit rejects captures without a digit, e.g. "code is valid".
	needDigit bool
	// needLetter rejects pure numbers so alphanumeric never shadows numeric patterns.
	needLetter bool
}

const (
	serviceBoost  = 10
	maxConfidence = 99
	contextRadius = 25
)

var defaultPatterns = []pattern{
	servicePattern("telegram", "tg", `(?i)\btelegram(?:\s+code)?\s*[:：]?\s*(\d{4,8})\b`),
	servicePattern("whatsapp", "wa", `(?i)\bwhatsapp(?:\s+code)?\s*[:：]?\s*(\d{3}-?\d{3})\b`),
	servicePattern("twitter", "tw", `(?i)\b(?:twitter|x)(?:\s+code)?\s*[:：]\s*(\d{4,8})\b`),
	servicePattern("google", "go", `\bG-(\d{4,8})\b`),
	servicePattern("facebook", "fb", `(?i)\b(\d{4,8}) is your facebook (?:confirmation )?code|\bfacebook(?:\s+code)?\s*[:：]?\s*(\d{4,8})\b`),
	servicePattern("instagram", "ig", `(?i)\binstagram(?:\s+code)?\s*[:：]?\s*(\d{4,8})\b`),
	{
		PatternInfo: PatternInfo{Name: "otp", Description: "OTP or one-time password label", Priority: 99},
		re:          regexp.MustCompile(`(?i)\b(?:otp|one[- ]time (?:password|code))(?:\s+is)?\s*[:：]?\s*(\d{4,8})\b`),
		confidence:  95,
	},
	{
		PatternInfo: PatternInfo{Name: "explicit_code", Description: "code, verification or access code label", Priority: 98},
		re:          regexp.MustCompile(`(?i)\b(?:verification code|confirmation code|security code|access code|code|verification)(?:\s+is)?\s*[:：]?\s*([a-z0-9][a-z0-9-]{2,8})`),
		confidence:  95,
		needDigit:   true,
	},
	{
		PatternInfo: PatternInfo{Name: "chinese_code", Description: "验证码 label", Priority: 97},
		re:          regexp.MustCompile(`(?:验证码|驗證碼|校验码)\s*(?:是|为|為)?\s*[:：]?\s*(\d{4,8})`),
		confidence:  88,
	},
	numeric("six_digit", "standalone 6-digit number", 60, 80, `\b(\d{6})\b`),
	numeric("eight_digit", "standalone 8-digit number", 58, 78, `\b(\d{8})\b`),
	numeric("five_digit", "standalone 5-digit number", 57, 76, `\b(\d{5})\b`),
	numeric("four_digit", "standalone 4-digit number", 55, 75, `\b(\d{4})\b`),
	{
		PatternInfo: PatternInfo{Name: "alphanumeric", Description: "6 to 8 uppercase letters and digits", Priority: 50},
		re:          regexp.MustCompile(`\b([A-Z0-9]{6,8})\b`),
		confidence:  70,
		needDigit:   true,
		needLetter:  true,
	},
}

func servicePattern(name, code, expr string) pattern {
	return pattern{
		PatternInfo: PatternInfo{Name: name, Description: name + " message format", Priority: 105, Service: code},
		re:          regexp.MustCompile(expr),
		confidence:  85,
	}
}

func numeric(name, desc string, priority, confidence int, expr string) pattern {
	return pattern{
		PatternInfo: PatternInfo{Name: name, Description: desc, Priority: priority},
		re:          regexp.MustCompile(expr),
		confidence:  confidence,
	}
}

// Extractor finds verification codes in SMS text. Safe for concurrent use.
type Extractor struct {
	patterns []pattern
	// Observe, if set, is told which pattern matched ("" for none).
	Observe func(patternType string)
}

func NewExtractor() *Extractor {
	ps := append([]pattern(nil), defaultPatterns...)
	sort.SliceStable(ps, func(i, j int) bool { return ps[i].Priority > ps[j].Priority })
	return &Extractor{patterns: ps}
}

// Extract returns the highest-priority code in text. service may be a name
// or short code; a matching service pattern gets a confidence boost.
func (e *Extractor) Extract(text, service string) (Result, bool) {
	msg := normalize(text)
	if msg == "" {
		e.observe("")
		return Result{}, false
	}
	svc := ""
	if service != "" {
		svc = provider.ServiceCode(service)
	}
	for _, p := range e.patterns {
		if r, ok := p.match(msg); ok {
			if p.Service != "" && p.Service == svc {
				r.Confidence = min(r.Confidence+serviceBoost, maxConfidence)
			}
			e.observe(r.PatternType)
			return r, true
		}
	}
	e.observe("")
	return Result{}, false
}

// Test runs a single named pattern.
func (e *Extractor) Test(text, name string) (Result, bool) {
	for _, p := range e.patterns {
		if p.Name == name {
			return p.match(normalize(text))
		}
	}
	return Result{}, false
}

// Patterns lists the supported patterns, highest priority first.
func (e *Extractor) Patterns() []PatternInfo {
	out := make([]PatternInfo, len(e.patterns))
	for i, p := range e.patterns {
		out[i] = p.PatternInfo
	}
	return out
}

func (e *Extractor) observe(patternType string) {
	if e.Observe != nil {
		e.Observe(patternType)
	}
}

func (p pattern) match(msg string) (Result, bool) {
	for _, m := range p.re.FindAllStringSubmatchIndex(msg, -1) {
		start, end := -1, -1
		for g := 1; g*2+1 < len(m); g++ {
			if m[g*2] >= 0 {
				start, end = m[g*2], m[g*2+1]
				break
			}
		}
		if start < 0 {
			continue
		}
		code := strings.TrimRight(msg[start:end], "-")
		if p.needDigit && !strings.ContainsFunc(code, unicode.IsDigit) {
			continue
		}
		if p.needLetter && !strings.ContainsFunc(code, unicode.IsLetter) {
			continue
		}
		if p.Name == "whatsapp" {
			code = strings.ReplaceAll(code, "-", "")
		}
		return Result{
			Code:          code,
			PatternType:   p.Name,
			Confidence:    p.confidence,
			ExtractedFrom: window(msg, start, start+len(code)),
		}, true
	}
	return Result{}, false
}

var spaces = regexp.MustCompile(`\s+`)

func normalize(text string) string {
	return strings.TrimSpace(spaces.ReplaceAllString(text, " "))
}

func window(msg string, start, end int) string {
	runes := []rune(msg)
	rs := len([]rune(msg[:start]))
	re := rs + len([]rune(msg[start:min(end, len(msg))]))
	from := max(rs-contextRadius, 0)
	to := min(re+contextRadius, len(runes))
	return strings.TrimSpace(string(runes[from:to]))
}
