package chrono

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoBackoff(t *testing.T) {
	s := NoBackoff()
	assert.Equal(t, time.Duration(0), s.Delay(0))
	assert.Equal(t, time.Duration(0), s.Delay(7))
}

func TestFixedBackoff(t *testing.T) {
	s := FixedBackoff(250 * time.Millisecond)
	assert.Equal(t, 250*time.Millisecond, s.Delay(0))
	assert.Equal(t, 250*time.Millisecond, s.Delay(9))
}

func TestLinearBackoff(t *testing.T) {
	s := LinearBackoff(0, 100*time.Millisecond)
	assert.Equal(t, time.Duration(0), s.Delay(0))
	assert.Equal(t, 100*time.Millisecond, s.Delay(1))
	assert.Equal(t, 200*time.Millisecond, s.Delay(2))
}

func TestExponentialBackoff_NoJitter_MonotonicAndBounded(t *testing.T) {
	s := ExponentialBackoff(time.Second, WithMaxDelay(10*time.Second), WithJitter(JitterNone))

	var prev time.Duration
	for attempt := 0; attempt < 10; attempt++ {
		d := s.Delay(attempt)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, 10*time.Second)
		prev = d
	}
	assert.Equal(t, time.Second, s.Delay(0))
	assert.Equal(t, 2*time.Second, s.Delay(1))
	assert.Equal(t, 4*time.Second, s.Delay(2))
	assert.Equal(t, 10*time.Second, s.Delay(5)) // capped
}

func TestExponentialBackoff_FullJitter_Bounded(t *testing.T) {
	s := ExponentialBackoff(time.Second, WithMaxDelay(8*time.Second), WithJitter(JitterFull))
	for attempt := 0; attempt < 20; attempt++ {
		d := s.Delay(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 8*time.Second)
	}
}

func TestExponentialBackoff_EqualJitter_Bounded(t *testing.T) {
	s := ExponentialBackoff(time.Second, WithMaxDelay(8*time.Second), WithJitter(JitterEqual))
	for attempt := 0; attempt < 20; attempt++ {
		capped := 8 * time.Second
		if attempt < 3 {
			capped = time.Second << attempt
		}
		d := s.Delay(attempt)
		assert.GreaterOrEqual(t, d, capped/2)
		assert.LessOrEqual(t, d, capped)
	}
}

func TestNewStrategy_UnknownTagIsConfigError(t *testing.T) {
	_, err := NewStrategy("quadratic", StrategyOptions{})
	require.Error(t, err)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestNewStrategy_KnownTags(t *testing.T) {
	for _, tag := range []string{"none", "fixed", "linear", "exponential"} {
		s, err := NewStrategy(tag, StrategyOptions{Delay: time.Second, Base: time.Second, Increment: time.Second, Max: time.Minute})
		require.NoError(t, err)
		require.NotNil(t, s)
	}
}
