package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/BevzyukIvan/JSocialFlux/presence"
)

func newOnlineCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "online",
		Short: "List users with at least one open session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}

			client := redis.NewClient(redisOptions(cfg.Bus.Redis))
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()

			users, err := presence.NewStore(client).GetOnlineUsers(ctx)
			if err != nil {
				return fmt.Errorf("list online users: %w", err)
			}
			for _, u := range users {
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), u); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
