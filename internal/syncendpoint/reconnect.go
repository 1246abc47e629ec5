package syncendpoint

import "time"

// ReconnectPolicy controls redialing after the channel fails. A zero policy
// never redials. Explicit Close always cancels a pending redial.
type ReconnectPolicy struct {
	Enabled  bool
	MinDelay time.Duration
	MaxDelay time.Duration
	// Jitter spreads each delay by up to +/- this ratio of itself.
	Jitter float64
}

const (
	defaultReconnectMin = 500 * time.Millisecond
	defaultReconnectMax = 30 * time.Second
)

// Delay returns the wait before redial attempt n (starting at 1). sample is
// a uniform value in [0,1].
func (p ReconnectPolicy) Delay(attempt int, sample float64) time.Duration {
	minDelay := p.MinDelay
	if minDelay <= 0 {
		minDelay = defaultReconnectMin
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultReconnectMax
	}
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	base := minDelay
	for i := 1; i < attempt && base < maxDelay; i++ {
		base *= 2
	}
	if base > maxDelay {
		base = maxDelay
	}
	return jitteredIntervalWithSample(base, p.Jitter, sample)
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
