package main

import (
	"context"
	"os"
	"time"

	"github.com/adwski/webrtc-broadcast/peer/render"
	"github.com/adwski/webrtc-broadcast/peer/viewer"
	"github.com/spf13/cobra"
)

func newViewCmd(gf *globalFlags) *cobra.Command {
	var (
		output   string
		username string
	)
	cmd := &cobra.Command{
		Use:     "view <room-code|join-link>",
		Aliases: []string{"v"},
		Short:   "Join a room and receive its broadcast",
		Long: `Join a room and receive the broadcast. With --output - the video is streamed
to stdout as IVF, ready to be piped into a player.

Examples:
  peer view ABC123
  peer view http://localhost:5173/join/ABC123 --output - | ffplay -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runView(cmd.Context(), gf, args[0], output, username)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&output, "output", "o", "", `"-" streams video to stdout, empty discards media`)
	f.StringVarP(&username, "username", "u", "", "display name")
	return cmd
}

func runView(ctx context.Context, gf *globalFlags, link, output, username string) error {
	e, err := gf.setup(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = e.client.Close() }()
	logger := e.logger

	var sink render.Sink = render.NewDiscardSink(&logger)
	if output == "-" {
		sink = render.NewStreamSink(&logger, os.Stdout)
	}

	agent := viewer.NewAgent(viewer.Config{
		Logger:             &logger,
		Signaler:           e.client,
		Peers:              e.peers,
		Sink:               sink,
		Username:           username,
		NegotiationTimeout: e.cfg.NegotiationTimeout,
		OnStatus: func(status viewer.Status, err error) {
			logger.Info().Stringer("status", status).AnErr("cause", err).Msg("viewer")
		},
	})

	errc := make(chan error, 1)
	go func() { errc <- e.dispatch(ctx, agent.Handle) }()

	if err = agent.AutoJoin(ctx, link); err != nil {
		logger.Error().Err(err).Str("link", link).Msg("failed to join")
		return err
	}

	select {
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	case err = <-errc:
		logger.Error().Err(err).Msg("signaling failed")
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if cErr := agent.Close(closeCtx); cErr != nil {
		logger.Debug().Err(cErr).Msg("leave")
	}
	return err
}
