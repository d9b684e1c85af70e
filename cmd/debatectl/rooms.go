package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dkeye/Debate/internal/app/session"
	"github.com/dkeye/Debate/internal/domain"
)

var (
	createTopic  string
	createFormat string
	createName   string
	joinName     string
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Open a new room and host it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		format, ok := domain.ParseFormat(createFormat)
		if !ok {
			return fmt.Errorf("unknown format %q (free, 1v1, 3v3)", createFormat)
		}
		return runRoom(cmd, func(ctx context.Context, deps session.Deps, opts session.Options) (*session.Session, error) {
			return session.Create(ctx, deps, opts, session.CreateParams{
				Topic:    createTopic,
				Format:   format,
				HostName: createName,
			})
		})
	},
}

var joinCmd = &cobra.Command{
	Use:   "join <ROOM>",
	Short: "Join a room by its six character id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := domain.ParseRoomID(args[0])
		if err != nil {
			return err
		}
		return runRoom(cmd, func(ctx context.Context, deps session.Deps, opts session.Options) (*session.Session, error) {
			return session.Join(ctx, deps, opts, id, joinName)
		})
	},
}

func init() {
	createCmd.Flags().StringVar(&createTopic, "topic", "", "debate topic")
	createCmd.Flags().StringVar(&createFormat, "format", string(domain.FormatFree), "free, 1v1 or 3v3")
	createCmd.Flags().StringVar(&createName, "name", "", "your display name")
	_ = createCmd.MarkFlagRequired("topic")
	_ = createCmd.MarkFlagRequired("name")

	joinCmd.Flags().StringVar(&joinName, "name", "", "your display name")
	_ = joinCmd.MarkFlagRequired("name")

	rootCmd.AddCommand(createCmd, joinCmd)
}
