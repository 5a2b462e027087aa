// Package config resolves peer settings with the priority flag > environment > default.
package config

import (
	"errors"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/adwski/webrtc-broadcast/backend/model"
	"github.com/adwski/webrtc-broadcast/peer/negotiation"
)

const (
	DefaultSignalingURL = "ws://localhost:8888/signal"
	DefaultOrigin       = "http://localhost:5173"
	DefaultSTUN         = "stun:stun.l.google.com:19302"
	DefaultLogLevel     = "info"
)

const (
	EnvSignalingURL       = "BROADCAST_SIGNALING_URL"
	EnvOrigin             = "BROADCAST_ORIGIN"
	EnvSTUN               = "BROADCAST_STUN"
	EnvTURN               = "BROADCAST_TURN"
	EnvTURNUser           = "BROADCAST_TURN_USERNAME"
	EnvTURNPass           = "BROADCAST_TURN_PASSWORD"
	EnvNegotiationTimeout = "BROADCAST_NEGOTIATION_TIMEOUT"
	EnvLogLevel           = "BROADCAST_LOG_LEVEL"
)

var (
	ErrSignalingURL = errors.New("invalid signaling url")
	ErrTimeout      = errors.New("invalid negotiation timeout")
)

type Config struct {
	SignalingURL string
	// Origin prefixes join links shown to the broadcaster.
	Origin string

	STUN     []string
	TURN     []string
	TURNUser string
	TURNPass string
	// ForceRelay restricts ICE to TURN candidates.
	ForceRelay bool

	NegotiationTimeout time.Duration
	LogLevel           string
}

// Options carries command line values. Zero values fall through to the environment.
type Options struct {
	SignalingURL       string
	Origin             string
	STUN               string
	TURN               string
	TURNUser           string
	TURNPass           string
	ForceRelay         bool
	NegotiationTimeout time.Duration
	LogLevel           string
}

func Load(opts Options) (*Config, error) {
	cfg := &Config{
		SignalingURL: pick(opts.SignalingURL, EnvSignalingURL, DefaultSignalingURL),
		Origin:       pick(opts.Origin, EnvOrigin, DefaultOrigin),
		STUN:         splitList(pick(opts.STUN, EnvSTUN, DefaultSTUN)),
		TURN:         splitList(pick(opts.TURN, EnvTURN, "")),
		TURNUser:     pick(opts.TURNUser, EnvTURNUser, ""),
		TURNPass:     pick(opts.TURNPass, EnvTURNPass, ""),
		ForceRelay:   opts.ForceRelay,
		LogLevel:     pick(opts.LogLevel, EnvLogLevel, DefaultLogLevel),
	}

	u, err := url.Parse(cfg.SignalingURL)
	if err != nil {
		return nil, errors.Join(ErrSignalingURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, errors.Join(ErrSignalingURL, errors.New("scheme must be ws or wss"))
	}

	cfg.NegotiationTimeout = opts.NegotiationTimeout
	if cfg.NegotiationTimeout == 0 {
		if env := os.Getenv(EnvNegotiationTimeout); env != "" {
			if cfg.NegotiationTimeout, err = time.ParseDuration(env); err != nil {
				return nil, errors.Join(ErrTimeout, err)
			}
		}
	}
	if cfg.NegotiationTimeout == 0 {
		cfg.NegotiationTimeout = negotiation.DefaultTimeout
	}
	if cfg.NegotiationTimeout < 0 {
		return nil, ErrTimeout
	}
	if cfg.ForceRelay && len(cfg.TURN) == 0 {
		return nil, errors.New("relay mode requires a TURN server")
	}
	return cfg, nil
}

// JoinLink returns the link viewers open to join room.
func (c *Config) JoinLink(room string) string {
	return model.JoinLink(c.Origin, room)
}

func pick(flag, env, def string) string {
	if flag != "" {
		return flag
	}
	if v := os.Getenv(env); v != "" {
		return v
	}
	return def
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
