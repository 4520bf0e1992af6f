package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/pocketllm/pkg/store"
)

func newToolsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Manage tool definitions and per-conversation toggles",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List tool definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := store.NewSQLiteStore(ctx, viper.GetString("db.path"))
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			if err := syncToolDefinitions(ctx, s); err != nil {
				return err
			}
			defs, err := s.ListToolDefinitions(ctx)
			if err != nil {
				return err
			}
			for _, def := range defs {
				state := "disabled by default"
				if def.EnabledByDefault {
					state = "enabled by default"
				}
				fmt.Printf("%s  (%s)  %s\n", def.Name, state, def.Description)
			}
			return nil
		},
	})

	for _, sub := range []struct {
		use     string
		short   string
		enabled bool
	}{
		{"enable <conversation-id> <tool-id>", "Enable a tool for one conversation", true},
		{"disable <conversation-id> <tool-id>", "Disable a tool for one conversation", false},
	} {
		enabled := sub.enabled
		cmd.AddCommand(&cobra.Command{
			Use:   sub.use,
			Short: sub.short,
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx := cmd.Context()
				s, err := store.NewSQLiteStore(ctx, viper.GetString("db.path"))
				if err != nil {
					return err
				}
				defer func() { _ = s.Close() }()

				return s.SetConversationToolEnabled(ctx, args[0], args[1], enabled)
			},
		})
	}

	return cmd
}
