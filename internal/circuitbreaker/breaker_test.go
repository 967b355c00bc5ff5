package circuitbreaker

import (
	"fmt"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{MaxFailures: 0, Timeout: time.Second}.Validate())
	assert.Error(t, Config{MaxFailures: 5, Timeout: 0}.Validate())
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New("test", Config{}, nil)
	assert.Error(t, err)
}

func TestBreaker_PassesThroughSuccess(t *testing.T) {
	breaker, err := New("test", DefaultConfig(), nil)
	require.NoError(t, err)

	result, err := breaker.Execute(func() (interface{}, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, result)
	assert.Equal(t, "closed", breaker.State())
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	breaker, err := New("test", Config{MaxFailures: 3, Timeout: time.Minute}, nil)
	require.NoError(t, err)

	boom := fmt.Errorf("store down")
	for i := 0; i < 3; i++ {
		_, err := breaker.Execute(func() (interface{}, error) { return nil, boom })
		require.ErrorIs(t, err, boom)
	}

	assert.Equal(t, "open", breaker.State())

	called := false
	_, err = breaker.Execute(func() (interface{}, error) {
		called = true
		return nil, nil
	})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.False(t, called, "open circuit must not invoke the callback")
}

func TestBreaker_SuccessResetsFailureStreak(t *testing.T) {
	breaker, err := New("test", Config{MaxFailures: 3, Timeout: time.Minute}, nil)
	require.NoError(t, err)

	boom := fmt.Errorf("store down")
	for i := 0; i < 2; i++ {
		_, _ = breaker.Execute(func() (interface{}, error) { return nil, boom })
	}
	_, err = breaker.Execute(func() (interface{}, error) { return nil, nil })
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, _ = breaker.Execute(func() (interface{}, error) { return nil, boom })
	}

	assert.Equal(t, "closed", breaker.State())
}
