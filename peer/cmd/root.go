package main

import (
	"context"
	"errors"
	"os"

	"github.com/adwski/webrtc-broadcast/backend/model"
	"github.com/adwski/webrtc-broadcast/peer/config"
	"github.com/adwski/webrtc-broadcast/peer/signaling"
	"github.com/adwski/webrtc-broadcast/peer/transport"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type globalFlags struct {
	opts config.Options
}

func newRootCmd() *cobra.Command {
	gf := &globalFlags{}
	root := &cobra.Command{
		Use:           "peer",
		Short:         "Broadcast media to a room or watch one",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&gf.opts.SignalingURL, "signaling-url", "s", "", "signaling websocket url (env "+config.EnvSignalingURL+")")
	pf.StringVar(&gf.opts.Origin, "origin", "", "origin used in join links (env "+config.EnvOrigin+")")
	pf.StringVar(&gf.opts.STUN, "stun", "", "comma separated STUN urls (env "+config.EnvSTUN+")")
	pf.StringVar(&gf.opts.TURN, "turn", "", "comma separated TURN urls (env "+config.EnvTURN+")")
	pf.StringVar(&gf.opts.TURNUser, "turn-username", "", "TURN username (env "+config.EnvTURNUser+")")
	pf.StringVar(&gf.opts.TURNPass, "turn-password", "", "TURN password (env "+config.EnvTURNPass+")")
	pf.BoolVar(&gf.opts.ForceRelay, "relay", false, "use TURN relay candidates only")
	pf.DurationVar(&gf.opts.NegotiationTimeout, "negotiation-timeout", 0, "time allowed to reach a connected session (env "+config.EnvNegotiationTimeout+")")
	pf.StringVarP(&gf.opts.LogLevel, "log-level", "l", "", "log level (env "+config.EnvLogLevel+")")

	root.AddCommand(newBroadcastCmd(gf), newViewCmd(gf))
	return root
}

// env is what every subcommand needs before it can negotiate.
type env struct {
	cfg    *config.Config
	logger zerolog.Logger
	client *signaling.Client
	peers  *transport.Factory
}

func (gf *globalFlags) setup(ctx context.Context) (*env, error) {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load(gf.opts)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load configuration")
		return nil, err
	}
	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Error().Err(err).Msg("failed to parse loglevel")
		return nil, err
	}
	logger = logger.Level(lvl)

	peers, err := transport.NewFactory(transport.Config{
		Logger:     &logger,
		ICEServers: transport.ICEServers(cfg.STUN, cfg.TURN, cfg.TURNUser, cfg.TURNPass),
		ForceRelay: cfg.ForceRelay,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to set up webrtc")
		return nil, err
	}

	client, err := signaling.Dial(ctx, signaling.Config{Logger: &logger, URL: cfg.SignalingURL})
	if err != nil {
		logger.Error().Err(err).Str("url", cfg.SignalingURL).Msg("failed to connect to signaling server")
		return nil, err
	}
	logger.Debug().Str("id", client.ID()).Msg("connected to signaling server")

	return &env{cfg: cfg, logger: logger, client: client, peers: peers}, nil
}

// dispatch feeds inbound announcements to handle until the connection or ctx ends.
// It returns errConnectionLost if the server went away first.
func (e *env) dispatch(ctx context.Context, handle func(context.Context, model.Announcement)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ann, ok := <-e.client.Incoming():
			if !ok {
				return errConnectionLost
			}
			handle(ctx, ann)
		}
	}
}

var errConnectionLost = errors.New("signaling connection lost")
