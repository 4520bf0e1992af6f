package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/pocketllm/pkg/store"
)

func newConversationsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "Manage stored conversations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List conversations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := store.NewSQLiteStore(ctx, viper.GetString("db.path"))
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			convs, err := s.ListConversations(ctx)
			if err != nil {
				return err
			}
			for _, c := range convs {
				title := c.Title
				if title == "" {
					title = "(untitled)"
				}
				fmt.Printf("%s  %s  %s\n", c.ID, c.UpdatedAt.Format("2006-01-02 15:04"), title)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a conversation and all its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := store.NewSQLiteStore(ctx, viper.GetString("db.path"))
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			return s.DeleteConversation(ctx, args[0])
		},
	})

	return cmd
}

func newSearchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "search <query>",
		Short: "Search message content and conversation titles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := store.NewSQLiteStore(ctx, viper.GetString("db.path"))
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			results, err := s.SearchMessages(ctx, args[0])
			if err != nil {
				return err
			}
			for _, r := range results {
				fmt.Printf("%s  [%s] %s: %s\n", r.ConversationID, r.ConversationTitle, r.Role, r.Snippet)
			}
			return nil
		},
	}
}
