package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/pocketllm/pkg/backend/local"
)

func newModelsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Manage the local model registry",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered local models",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := local.NewModelStore(viper.GetString("models.registry"))
			if err != nil {
				return err
			}
			for _, m := range s.List() {
				kind := "text"
				if m.Multimodal() {
					kind = "multimodal"
				}
				fmt.Printf("%s  %s  ctx=%d  %s\n", m.ID, kind, m.ContextWindow, m.Path)
			}
			return nil
		},
	})

	addCmd := &cobra.Command{
		Use:   "add <id> <path>",
		Short: "Register a model file after validating it",
		Args:  cobra.ExactArgs(2),
	}
	var name, projector string
	var contextWindow, gpuOffload int
	addCmd.Flags().StringVar(&name, "name", "", "display name")
	addCmd.Flags().StringVar(&projector, "projector", "", "multimodal projector path")
	addCmd.Flags().IntVar(&contextWindow, "context-window", 4096, "context window size")
	addCmd.Flags().IntVar(&gpuOffload, "gpu-offload", 0, "percent of layers to offload to GPU")
	addCmd.RunE = func(cmd *cobra.Command, args []string) error {
		s, err := local.NewModelStore(viper.GetString("models.registry"))
		if err != nil {
			return err
		}
		if name == "" {
			name = args[0]
		}
		return s.Add(local.Model{
			ID:                args[0],
			Name:              name,
			Path:              args[1],
			ProjectorPath:     projector,
			ContextWindow:     contextWindow,
			GPUOffloadPercent: gpuOffload,
		})
	}
	cmd.AddCommand(addCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "validate <path>",
		Short: "Check that a file is a valid model file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := local.ValidateModelFile(args[0]); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a model from the registry (keeps the file)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := local.NewModelStore(viper.GetString("models.registry"))
			if err != nil {
				return err
			}
			return s.Remove(args[0])
		},
	})

	return cmd
}
