package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dkeye/Debate/internal/adapters/channel/wsclient"
	"github.com/dkeye/Debate/internal/adapters/rtc"
	"github.com/dkeye/Debate/internal/adapters/store"
	"github.com/dkeye/Debate/internal/app/archive"
	"github.com/dkeye/Debate/internal/app/consensus"
	"github.com/dkeye/Debate/internal/app/console"
	"github.com/dkeye/Debate/internal/app/session"
	"github.com/dkeye/Debate/internal/app/turn"
	"github.com/dkeye/Debate/internal/config"
	"github.com/dkeye/Debate/internal/core"
	"github.com/dkeye/Debate/internal/domain"
)

type opener func(ctx context.Context, deps session.Deps, opts session.Options) (*session.Session, error)

func openStore(ctx context.Context, cfg *config.Config) (core.RecordStore, error) {
	switch cfg.Archive.Driver {
	case "postgres":
		pg, err := store.OpenPostgres(ctx, cfg.Archive.DSN)
		if err != nil {
			return nil, err
		}
		return pg, nil
	default:
		return store.NewMemory(), nil
	}
}

func sessionOptions(cfg *config.Config) session.Options {
	return session.Options{
		JoinTimeout:       cfg.JoinTimeout,
		TurnTimeout:       cfg.TurnTimeout,
		EndRequestTimeout: cfg.EndRequestTimeout,
		Rounds1v1:         cfg.Rounds1v1,
		Rounds3v3:         cfg.Rounds3v3,
	}
}

// runRoom opens a session and drives it from stdin until /quit or a signal.
func runRoom(cmd *cobra.Command, open opener) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	records, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer records.Close()
	saver := archive.NewSaver(records, cfg.Archive.AutosaveInterval)
	saver.Start(ctx)
	defer saver.Close()

	deps := session.Deps{
		Channel:   wsclient.New(cfg.HubURL),
		Devices:   &rtc.Devices{VideoAddr: videoIn, AudioAddr: audioIn},
		Transport: rtc.NewTransport(cfg.ICEServers),
		Archive:   saver,
	}
	s, err := open(ctx, deps, sessionOptions(cfg))
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Leave(context.Background()); err != nil {
			log.Warn().Err(err).Str("module", "debatectl").Msg("leave")
		}
	}()

	con := console.New(s, cmd.OutOrStdout())
	con.Banner()
	attach(s, con)
	return con.Run(ctx, cmd.InOrStdin())
}

func attach(s *session.Session, con *console.Console) {
	s.OnMessage(con.Message)
	s.OnNotice(con.Notice)
	s.OnPhase(func(p domain.Phase) { con.Status("debate is %s", p) })
	s.OnTurn(func(st turn.State) {
		if st == turn.MyTurn {
			con.Status("your turn (round %d)", s.Round())
		}
	})
	s.OnEnd(func(st consensus.State) {
		switch st {
		case consensus.Requested:
			con.Status("end requested, waiting for approval")
		case consensus.Pending:
			con.Status("the other side wants to end, /approve to accept")
		}
	})
	s.OnStream(func(from domain.ParticipantID, rs core.RemoteStream) {
		con.Status("receiving media from %s", from)
		remote, ok := rs.(*rtc.Remote)
		if !ok {
			return
		}
		for kind, addr := range map[string]string{rtc.KindVideo: videoOut, rtc.KindAudio: audioOut} {
			if addr == "" {
				continue
			}
			sink, err := rtc.NewUDPSink(addr)
			if err != nil {
				con.Notice(err)
				continue
			}
			remote.AddSink(kind, string(from), sink)
		}
	})
}
