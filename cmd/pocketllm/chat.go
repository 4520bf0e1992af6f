package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	openai_backend "github.com/go-go-golems/pocketllm/pkg/backend/openai"
	"github.com/go-go-golems/pocketllm/pkg/chat"
	"github.com/go-go-golems/pocketllm/pkg/conversation"
	"github.com/go-go-golems/pocketllm/pkg/events"
	"github.com/go-go-golems/pocketllm/pkg/store"
	"github.com/go-go-golems/pocketllm/pkg/tools"
)

func newChatCommand() *cobra.Command {
	var conversationID string
	var model string
	var baseURL string
	var noTools bool

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat session",
		Long: `Start an interactive chat session against an OpenAI-compatible endpoint.

Commands inside the session:
  /retry    regenerate the last response
  /stop     cancel the in-flight response
  /quit     exit`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			s, err := store.NewSQLiteStore(ctx, viper.GetString("db.path"))
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			registry, err := tools.NewBuiltinRegistry()
			if err != nil {
				return err
			}
			if err := syncToolDefinitions(ctx, s); err != nil {
				return err
			}

			if baseURL == "" {
				baseURL = viper.GetString("remote.base_url")
			}
			if model == "" {
				model = viper.GetString("remote.model")
			}
			engine, err := openai_backend.NewEngine(baseURL, viper.GetString("remote.api_key"))
			if err != nil {
				return err
			}

			conv, err := resolveConversation(ctx, s, conversationID)
			if err != nil {
				return err
			}
			fmt.Printf("conversation %s (model %s)\n", conv.ID, model)

			manager := chat.NewManager(s, registry)
			opts := chat.SendOptions{
				Engine:       engine,
				BackendID:    "remote",
				ModelID:      model,
				DisableTools: noTools,
			}

			return runREPL(ctx, manager, conv.ID, opts)
		},
	}

	cmd.Flags().StringVarP(&conversationID, "conversation", "c", "", "continue an existing conversation")
	cmd.Flags().StringVarP(&model, "model", "m", "", "model id")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "OpenAI-compatible base URL")
	cmd.Flags().BoolVar(&noTools, "no-tools", false, "disable tool calling")

	return cmd
}

func resolveConversation(ctx context.Context, s store.Store, id string) (*conversation.Conversation, error) {
	if id != "" {
		return s.GetConversation(ctx, id)
	}
	conv := conversation.NewConversation("")
	if err := s.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// syncToolDefinitions makes sure the built-in tools are present in the
// database so per-conversation enable toggles have rows to attach to.
func syncToolDefinitions(ctx context.Context, s store.Store) error {
	defs, err := tools.BuiltinDefinitions()
	if err != nil {
		return err
	}
	for _, def := range defs {
		if err := s.UpsertToolDefinition(ctx, def); err != nil {
			return err
		}
	}
	return nil
}

func runREPL(ctx context.Context, manager *chat.Manager, conversationID string, opts chat.SendOptions) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			manager.StopGeneration(conversationID)
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())

		switch line {
		case "":
			continue
		case "/quit":
			return nil
		case "/stop":
			manager.StopGeneration(conversationID)
			continue
		case "/retry":
			line = ""
		}

		ch, err := manager.SendMessage(ctx, conversationID, line, opts)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}
		consumeEvents(ch)
	}
}

func consumeEvents(ch <-chan events.Event) {
	inThinking := false
	for event := range ch {
		switch e := event.(type) {
		case *events.EventThinkingPartial:
			if !inThinking {
				fmt.Print("[thinking] ")
				inThinking = true
			}
			fmt.Print(e.Delta)
		case *events.EventPartialCompletion:
			if inThinking {
				fmt.Println()
				inThinking = false
			}
			fmt.Print(e.Delta)
		case *events.EventStatus:
			fmt.Printf("\n[%s]\n", e.Text)
		case *events.EventToolCall:
			fmt.Printf("\n[tool call] %s(%s)\n", e.ToolCall.Name, e.ToolCall.Input)
		case *events.EventToolCallExecutionResult:
			fmt.Printf("[tool result] %s\n", e.ToolResult.Result)
		case *events.EventError:
			fmt.Printf("\nerror: %s\n", e.ErrorString)
		case *events.EventInterrupt:
			fmt.Println("\n[cancelled]")
		case *events.EventFinal:
			fmt.Println()
			if meta := e.Metadata(); meta.Usage != nil {
				fmt.Printf("[%d prompt + %d completion tokens]\n",
					meta.Usage.PromptTokens, meta.Usage.CompletionTokens)
			}
		}
	}
}
