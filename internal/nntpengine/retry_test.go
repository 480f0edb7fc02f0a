package nntpengine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/usenetsync/usenetsync/internal/config"
)

func TestRetryPolicy_DelaySequenceGrowsAndCaps(t *testing.T) {
	p := RetryPolicyFromConfig(config.RetryConfig{
		MaxAttempts:    5,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       60 * time.Second,
		BackoffFactor:  2,
		JitterFraction: 0,
	})

	require.Equal(t, 500*time.Millisecond, p.delay(0))
	require.Equal(t, 1*time.Second, p.delay(1))
	require.Equal(t, 2*time.Second, p.delay(2))
	require.Equal(t, 4*time.Second, p.delay(3))

	// Eventually the exponential curve must hit the cap.
	require.Equal(t, 60*time.Second, p.delay(20))
}

func TestRetryPolicy_JitterStaysWithinFraction(t *testing.T) {
	p := RetryPolicyFromConfig(config.RetryConfig{
		MaxAttempts:    5,
		InitialDelay:   1 * time.Second,
		MaxDelay:       60 * time.Second,
		BackoffFactor:  2,
		JitterFraction: 0.2,
	})

	for i := 0; i < 50; i++ {
		d := p.delay(2) // base = 4s
		require.GreaterOrEqual(t, d, 3200*time.Millisecond)
		require.LessOrEqual(t, d, 4800*time.Millisecond)
	}
}

func TestToProvider_BuildsHostPortAndAuth(t *testing.T) {
	s := config.ServerConfig{
		Host:           "news.example.com",
		Port:           563,
		TLS:            true,
		Username:       "alice",
		Password:       "secret",
		MaxConnections: 10,
		Priority:       1,
		Enabled:        true,
	}

	p := toProvider(s, 60*time.Second)
	require.Equal(t, "news.example.com:563", p.Host)
	require.Equal(t, "alice", p.Auth.Username)
	require.Equal(t, "secret", p.Auth.Password)
	require.Equal(t, 10, p.Connections)
	require.NotNil(t, p.TLSConfig)
}

func TestToProvider_NoTLSConfigWhenPlaintext(t *testing.T) {
	s := config.ServerConfig{Host: "news.example.com", Port: 119, MaxConnections: 5}
	p := toProvider(s, 60*time.Second)
	require.Nil(t, p.TLSConfig)
}
