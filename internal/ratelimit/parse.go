package ratelimit

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// =============================================================================
// REASON TABLE
// =============================================================================

// reasonPhrase maps a lower-case body substring to a reason. Order matters:
// "capacity" must win over "exhausted", and the generic "(e.g. check quota)"
// wording must not be read as a real quota error.
type reasonPhrase struct {
	phrase string
	reason Reason
}

var bodyPhrases = []reasonPhrase{
	{"per minute", ReasonRateLimitExceeded},
	{"rate limit", ReasonRateLimitExceeded},
	{"too many requests", ReasonRateLimitExceeded},
	{"capacity", ReasonCapacityExhausted},
	{"e.g. check quota", ReasonCapacityExhausted},
	{"(e.g.", ReasonCapacityExhausted},
	{"quota", ReasonQuotaExhausted},
	{"exhausted", ReasonCapacityExhausted},
}

var messagePhrases = []reasonPhrase{
	{"per minute", ReasonRateLimitExceeded},
	{"rate limit", ReasonRateLimitExceeded},
}

var detailReasons = map[string]Reason{
	string(ReasonQuotaExhausted):    ReasonQuotaExhausted,
	string(ReasonRateLimitExceeded): ReasonRateLimitExceeded,
	string(ReasonCapacityExhausted): ReasonCapacityExhausted,
}

// errorObject returns the "error" member of a JSON body. Array bodies
// (one error per element) use their first element.
func errorObject(body string) gjson.Result {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') || !gjson.Valid(trimmed) {
		return gjson.Result{}
	}
	root := gjson.Parse(trimmed)
	if root.IsArray() {
		root = root.Get("0")
	}
	return root.Get("error")
}

// parseReason classifies a 429 body.
func parseReason(body string) Reason {
	if body == "" {
		return ReasonUnknown
	}

	if errObj := errorObject(body); errObj.Exists() {
		for _, d := range errObj.Get("details").Array() {
			if r, ok := detailReasons[d.Get("reason").String()]; ok {
				return r
			}
		}
		msg := strings.ToLower(errObj.Get("message").String())
		for _, p := range messagePhrases {
			if strings.Contains(msg, p.phrase) {
				return p.reason
			}
		}
	}

	lower := strings.ToLower(body)
	for _, p := range bodyPhrases {
		if strings.Contains(lower, p.phrase) {
			return p.reason
		}
	}
	return ReasonUnknown
}

// =============================================================================
// RETRY-AFTER
// =============================================================================

type retryPattern struct {
	re   *regexp.Regexp
	calc func(m []string) int
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

var retryPatterns = []retryPattern{
	// "Try again in 2m 30s"
	{regexp.MustCompile(`(?i)try again in (\d+)m\s*(\d+)s`), func(m []string) int { return atoi(m[1])*60 + atoi(m[2]) }},
	// "try again in 30s", "backoff for 42s"
	{regexp.MustCompile(`(?i)(?:try again in|backoff for|wait)\s*(\d+)s`), func(m []string) int { return atoi(m[1]) }},
	{regexp.MustCompile(`(?i)quota will reset in (\d+) second`), func(m []string) int { return atoi(m[1]) }},
	{regexp.MustCompile(`(?i)retry after (\d+) second`), func(m []string) int { return atoi(m[1]) }},
	// "(wait 42s)"
	{regexp.MustCompile(`(?i)\(wait (\d+)s\)`), func(m []string) int { return atoi(m[1]) }},
}

// parseHeaderSeconds reads an integer Retry-After header.
func parseHeaderSeconds(header string) (int, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0, false
	}
	n, err := strconv.Atoi(header)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ParseDurationSeconds parses Google-style delays ("2h1m1s", "1.5s", "500ms")
// rounded up to whole seconds. Zero or unparseable input reports false.
func ParseDurationSeconds(s string) (int, bool) {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil || d <= 0 {
		return 0, false
	}
	return int(math.Ceil(d.Seconds())), true
}

// parseBodySeconds extracts a retry delay from an error body.
func parseBodySeconds(body string) (int, bool) {
	if body == "" {
		return 0, false
	}

	if errObj := errorObject(body); errObj.Exists() {
		for _, d := range errObj.Get("details").Array() {
			for _, path := range []string{"metadata.quotaResetDelay", "retryDelay"} {
				if v := d.Get(path); v.Type == gjson.String {
					if sec, ok := ParseDurationSeconds(v.String()); ok {
						return sec, true
					}
				}
			}
		}
		if v := errObj.Get("retry_after"); v.Type == gjson.Number {
			return int(math.Ceil(v.Float())), true
		}
	}

	for _, p := range retryPatterns {
		if m := p.re.FindStringSubmatch(body); m != nil {
			return p.calc(m), true
		}
	}
	return 0, false
}

// defaultSeconds is the lockout used when no delay could be parsed.
func defaultSeconds(reason Reason, failures int) int {
	switch reason {
	case ReasonQuotaExhausted:
		switch {
		case failures <= 1:
			return 60
		case failures == 2:
			return 300
		case failures == 3:
			return 1800
		default:
			return 7200
		}
	case ReasonRateLimitExceeded:
		return 30
	case ReasonCapacityExhausted:
		return 15
	case ReasonServerError:
		return 20
	default:
		return 60
	}
}
