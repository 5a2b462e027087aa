package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(Options{})
	require.NoError(t, err)

	assert.Equal(t, DefaultSignalingURL, cfg.SignalingURL)
	assert.Equal(t, []string{DefaultSTUN}, cfg.STUN)
	assert.Empty(t, cfg.TURN)
	assert.Equal(t, 30*time.Second, cfg.NegotiationTimeout)
	assert.Equal(t, DefaultLogLevel, cfg.LogLevel)
	assert.Equal(t, "http://localhost:5173/join/ABC123", cfg.JoinLink("ABC123"))
}

func TestLoad_Priority(t *testing.T) {
	t.Setenv(EnvSignalingURL, "wss://env.example.com/signal")
	t.Setenv(EnvOrigin, "https://env.example.com")
	t.Setenv(EnvTURN, "turn:a.example.com:3478, turn:b.example.com:3478")
	t.Setenv(EnvNegotiationTimeout, "10s")

	cfg, err := Load(Options{
		SignalingURL: "wss://flag.example.com/signal",
		STUN:         "stun:flag.example.com:3478",
	})
	require.NoError(t, err)

	assert.Equal(t, "wss://flag.example.com/signal", cfg.SignalingURL)
	assert.Equal(t, "https://env.example.com", cfg.Origin)
	assert.Equal(t, []string{"stun:flag.example.com:3478"}, cfg.STUN)
	assert.Equal(t, []string{"turn:a.example.com:3478", "turn:b.example.com:3478"}, cfg.TURN)
	assert.Equal(t, 10*time.Second, cfg.NegotiationTimeout)

	cfg, err = Load(Options{NegotiationTimeout: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, time.Minute, cfg.NegotiationTimeout)
}

func TestLoad_Invalid(t *testing.T) {
	_, err := Load(Options{SignalingURL: "http://localhost:8888/signal"})
	assert.ErrorIs(t, err, ErrSignalingURL)

	t.Setenv(EnvNegotiationTimeout, "soon")
	_, err = Load(Options{})
	assert.ErrorIs(t, err, ErrTimeout)

	_, err = Load(Options{NegotiationTimeout: -time.Second})
	assert.ErrorIs(t, err, ErrTimeout)

	_, err = Load(Options{ForceRelay: true, NegotiationTimeout: time.Second})
	assert.Error(t, err)
}
