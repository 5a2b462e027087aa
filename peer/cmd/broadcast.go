package main

import (
	"context"
	"time"

	"github.com/adwski/webrtc-broadcast/peer/broadcaster"
	"github.com/adwski/webrtc-broadcast/peer/capture"
	"github.com/adwski/webrtc-broadcast/peer/negotiation"
	"github.com/spf13/cobra"
)

const stopTimeout = 5 * time.Second

func newBroadcastCmd(gf *globalFlags) *cobra.Command {
	var (
		room     string
		claim    bool
		source   string
		loop     bool
		username string
	)
	cmd := &cobra.Command{
		Use:   "broadcast --source <file.ivf>",
		Short: "Create a room and stream a source to every viewer",
		Long: `Create a room and stream an IVF video file to every viewer that joins.

Examples:
  peer broadcast --source clip.ivf --loop
  peer broadcast --source clip.ivf --room ABC123
  peer broadcast --source clip.ivf --room ABC123 --claim`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBroadcast(cmd.Context(), gf, broadcaster.Config{
				RoomID:   room,
				Claim:    claim,
				Username: username,
			}, capture.FileConfig{Path: source, Loop: loop})
		},
	}
	f := cmd.Flags()
	f.StringVarP(&room, "room", "r", "", "room code to create or claim")
	f.BoolVar(&claim, "claim", false, "take over an existing room instead of creating one")
	f.StringVar(&source, "source", "", "IVF file to stream (VP8, VP9 or AV1)")
	f.BoolVar(&loop, "loop", false, "restart the source when it ends")
	f.StringVarP(&username, "username", "u", "", "display name")
	_ = cmd.MarkFlagRequired("source")
	return cmd
}

func runBroadcast(ctx context.Context, gf *globalFlags, mcfg broadcaster.Config, ccfg capture.FileConfig) error {
	e, err := gf.setup(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = e.client.Close() }()

	logger := e.logger
	ccfg.Logger = &logger
	mcfg.Logger = &logger
	mcfg.Signaler = e.client
	mcfg.Peers = e.peers
	mcfg.Capturer = capture.NewFileCapturer(ccfg)
	mcfg.NegotiationTimeout = e.cfg.NegotiationTimeout
	mcfg.OnSessionState = func(viewer string, state negotiation.State, err error) {
		logger.Info().Str("viewer", viewer).Stringer("state", state).AnErr("cause", err).Msg("viewer session")
	}
	mgr := broadcaster.NewManager(mcfg)

	errc := make(chan error, 1)
	go func() { errc <- e.dispatch(ctx, mgr.Handle) }()

	if err = mgr.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to start broadcast")
		return err
	}
	logger.Info().
		Str("room", mgr.Room()).
		Str("link", e.cfg.JoinLink(mgr.Room())).
		Msg("broadcasting")

	select {
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	case <-mgr.Done():
		err = mgr.Err()
		logger.Warn().Err(err).Msg("broadcast stopped")
		return err
	case err = <-errc:
		logger.Error().Err(err).Msg("signaling failed")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if sErr := mgr.Stop(stopCtx); sErr != nil {
		logger.Debug().Err(sErr).Msg("stop")
	}
	return err
}
