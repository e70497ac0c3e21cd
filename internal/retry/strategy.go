// Package retry decides how to retry failed upstream calls and runs the
// attempt loop.
//
// DESIGN: The retry policy is derived from each failure, not configured up
// front. DetermineStrategy maps (status, error text) to a Policy; the
// Executor loop asks the policy for the next delay and whether the next
// attempt should use a different credential.
package retry

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Strategy is a backoff shape.
type Strategy string

const (
	StrategyNone        Strategy = "none"
	StrategyFixed       Strategy = "fixed"
	StrategyLinear      Strategy = "linear"
	StrategyExponential Strategy = "exponential"
)

const (
	defaultFixedDelay = 1000 * time.Millisecond
	defaultBaseDelay  = 1000 * time.Millisecond
	defaultMaxDelay   = 10000 * time.Millisecond
)

// Policy is the retry decision for one failure.
type Policy struct {
	Strategy Strategy
	Delay    time.Duration // fixed
	Base     time.Duration // linear, exponential
	Max      time.Duration // exponential
	Rotate   bool          // next attempt should use another credential
}

// Retryable reports whether the policy allows another attempt.
func (p Policy) Retryable() bool {
	return p.Strategy != StrategyNone && p.Strategy != ""
}

// NextDelay returns the wait before retrying after the given 0-based attempt.
func (p Policy) NextDelay(attempt int) time.Duration {
	switch p.Strategy {
	case StrategyFixed:
		if p.Delay > 0 {
			return p.Delay
		}
		return defaultFixedDelay
	case StrategyLinear:
		return p.base() * time.Duration(attempt+1)
	case StrategyExponential:
		max := p.Max
		if max <= 0 {
			max = defaultMaxDelay
		}
		d := p.base()
		for i := 0; i < attempt && d < max; i++ {
			d *= 2
		}
		if d > max {
			d = max
		}
		return d
	default:
		return 0
	}
}

func (p Policy) base() time.Duration {
	if p.Base > 0 {
		return p.Base
	}
	return defaultBaseDelay
}

// retryAfterHint finds "retry ... N" within a 429 body.
var retryAfterHint = regexp.MustCompile(`(?i)retry.{0,10}(\d+)`)

var signatureWords = []string{"signature", "thinking", "invalid_signature"}

// DetermineStrategy maps an upstream failure to a retry policy.
func DetermineStrategy(status int, text string) Policy {
	switch status {
	case 400:
		lower := strings.ToLower(text)
		for _, w := range signatureWords {
			if strings.Contains(lower, w) {
				return Policy{Strategy: StrategyFixed, Delay: 200 * time.Millisecond}
			}
		}
		return Policy{Strategy: StrategyNone}
	case 429:
		if m := retryAfterHint.FindStringSubmatch(text); m != nil {
			if sec, err := strconv.Atoi(m[1]); err == nil && sec > 0 && sec < 60 {
				return Policy{Strategy: StrategyFixed, Delay: time.Duration(sec) * time.Second, Rotate: true}
			}
		}
		return Policy{Strategy: StrategyLinear, Base: 1000 * time.Millisecond, Rotate: true}
	case 503, 529:
		return Policy{Strategy: StrategyExponential, Base: 1000 * time.Millisecond, Max: 8000 * time.Millisecond}
	case 500:
		return Policy{Strategy: StrategyLinear, Base: 500 * time.Millisecond, Rotate: true}
	case 401, 403:
		return Policy{Strategy: StrategyFixed, Delay: 100 * time.Millisecond, Rotate: true}
	case 408:
		return Policy{Strategy: StrategyFixed, Delay: 500 * time.Millisecond}
	default:
		return Policy{Strategy: StrategyNone}
	}
}
