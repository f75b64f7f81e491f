// Package reconnect provides pluggable retry policies and a controller
// for re-establishing dropped connections. It is used by the WebSocket
// client in [pkg/websocket], but is not tied to it.
//
// [pkg/websocket]: https://pkg.go.dev/github.com/tzrikka/riptide/pkg/websocket
package reconnect

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// Strategy decides whether a failed connection is worth retrying,
// and how long to wait before each attempt. Attempts are numbered
// from 1. Implementations must be safe for concurrent use.
type Strategy interface {
	// ShouldReconnect reports whether the given attempt should be made,
	// considering the error that triggered (or failed) reconnection.
	ShouldReconnect(err error, attempt int) bool

	// Delay returns how long to wait before the given attempt.
	Delay(attempt int) time.Duration

	// Reset is invoked after a successful connection.
	Reset()
}

// Recorder is an optional extension of [Strategy] for policies that
// learn from attempt outcomes. The [Manager] calls Record after every
// connection attempt it makes.
type Recorder interface {
	Record(success bool)
}

// Default jitter range for [ExponentialBackoff].
const (
	DefaultJitterMin = 0.8
	DefaultJitterMax = 1.2
)

// ExponentialBackoff doubles the delay on every attempt, up to a cap,
// with a multiplicative jitter sampled uniformly from [JitterMin,
// JitterMax]. Attempt number MaxAttempts and later ones are refused,
// so at most MaxAttempts-1 attempts are made (0 means no limit).
type ExponentialBackoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
	JitterMin   float64
	JitterMax   float64
	Classifier  Classifier
}

// NewExponentialBackoff returns an exponential-backoff strategy with the
// default jitter range and the default error classifier.
func NewExponentialBackoff(base, maxDelay time.Duration, maxAttempts int) *ExponentialBackoff {
	return &ExponentialBackoff{
		Base:        base,
		Max:         maxDelay,
		MaxAttempts: maxAttempts,
		JitterMin:   DefaultJitterMin,
		JitterMax:   DefaultJitterMax,
		Classifier:  DefaultClassifier{},
	}
}

func (s *ExponentialBackoff) ShouldReconnect(err error, attempt int) bool {
	if s.MaxAttempts > 0 && attempt >= s.MaxAttempts {
		return false
	}
	return recoverable(s.Classifier, err)
}

func (s *ExponentialBackoff) Delay(attempt int) time.Duration {
	d := capped(s.Base, s.Max, math.Pow(2, float64(attempt-1)))

	jitter := 1.0
	if s.JitterMax > s.JitterMin {
		jitter = s.JitterMin + rand.Float64()*(s.JitterMax-s.JitterMin)
	} else if s.JitterMax == s.JitterMin && s.JitterMin > 0 {
		jitter = s.JitterMin
	}

	return time.Duration(float64(d) * jitter)
}

func (s *ExponentialBackoff) Reset() {}

// LinearBackoff adds a fixed increment to the delay on every
// attempt, up to a cap.
type LinearBackoff struct {
	Base        time.Duration
	Increment   time.Duration
	Max         time.Duration
	MaxAttempts int
	Classifier  Classifier
}

// NewLinearBackoff returns a linear-backoff strategy
// with the default error classifier.
func NewLinearBackoff(base, increment, maxDelay time.Duration, maxAttempts int) *LinearBackoff {
	return &LinearBackoff{
		Base:        base,
		Increment:   increment,
		Max:         maxDelay,
		MaxAttempts: maxAttempts,
		Classifier:  DefaultClassifier{},
	}
}

func (s *LinearBackoff) ShouldReconnect(err error, attempt int) bool {
	if s.MaxAttempts > 0 && attempt >= s.MaxAttempts {
		return false
	}
	return recoverable(s.Classifier, err)
}

func (s *LinearBackoff) Delay(attempt int) time.Duration {
	return min(s.Base+time.Duration(attempt-1)*s.Increment, s.Max)
}

func (s *LinearBackoff) Reset() {}

// FixedInterval retries with a constant delay.
type FixedInterval struct {
	Interval    time.Duration
	MaxAttempts int
	Classifier  Classifier
}

// NewFixedInterval returns a fixed-interval strategy
// with the default error classifier.
func NewFixedInterval(interval time.Duration, maxAttempts int) *FixedInterval {
	return &FixedInterval{
		Interval:    interval,
		MaxAttempts: maxAttempts,
		Classifier:  DefaultClassifier{},
	}
}

func (s *FixedInterval) ShouldReconnect(err error, attempt int) bool {
	if s.MaxAttempts > 0 && attempt >= s.MaxAttempts {
		return false
	}
	return recoverable(s.Classifier, err)
}

func (s *FixedInterval) Delay(int) time.Duration {
	return s.Interval
}

func (s *FixedInterval) Reset() {}

// adaptiveHistorySize bounds how many recent outcomes
// feed the quality score of [Adaptive].
const adaptiveHistorySize = 20

// Adaptive grows its delay more slowly than [ExponentialBackoff]
// (factor 1.5), but scales it by recent connection quality: a link
// that has been failing waits up to twice as long. Reconnection is
// abandoned only when quality is very low and the triggering error
// is severe.
type Adaptive struct {
	Base       time.Duration
	Max        time.Duration
	Classifier Classifier

	mu      sync.Mutex
	history []bool
}

// NewAdaptive returns an adaptive strategy with the
// default error classifier and an empty history.
func NewAdaptive(base, maxDelay time.Duration) *Adaptive {
	return &Adaptive{
		Base:       base,
		Max:        maxDelay,
		Classifier: DefaultClassifier{},
	}
}

// Record feeds an attempt outcome into the recent-history quality score.
func (s *Adaptive) Record(success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history, success)
	if len(s.history) > adaptiveHistorySize {
		s.history = s.history[len(s.history)-adaptiveHistorySize:]
	}
}

// Quality returns a [0, 1] score of recent connection outcomes,
// weighted toward newer samples. An empty history scores 1.
func (s *Adaptive) Quality() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.history) == 0 {
		return 1
	}

	var sum, weights float64
	for i, success := range s.history {
		w := float64(i + 1) // Newer samples weigh more.
		weights += w
		if success {
			sum += w
		}
	}
	return sum / weights
}

func (s *Adaptive) ShouldReconnect(err error, _ int) bool {
	severity := 5
	if s.Classifier != nil {
		severity = s.Classifier.Severity(err)
	}
	return s.Quality() > 0.1 || severity <= 5
}

func (s *Adaptive) Delay(attempt int) time.Duration {
	d := capped(s.Base, s.Max, math.Pow(1.5, float64(attempt-1))*(2-s.Quality()))
	return min(d, s.Max)
}

func (s *Adaptive) Reset() {}

// None never reconnects.
type None struct{}

func (None) ShouldReconnect(error, int) bool { return false }

func (None) Delay(int) time.Duration { return 0 }

func (None) Reset() {}

func recoverable(c Classifier, err error) bool {
	if c == nil || err == nil {
		return true
	}
	return c.Recoverable(err)
}

// capped multiplies base by factor without overflowing,
// saturating at maxDelay.
func capped(base, maxDelay time.Duration, factor float64) time.Duration {
	d := float64(base) * factor
	if d > float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(d)
}
