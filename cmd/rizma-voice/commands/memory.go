package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/michalfoune/rizma-voice/pkg/convo"
	"github.com/michalfoune/rizma-voice/pkg/kv"
)

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Inspect or clear the persisted conversation memory",
}

var memoryShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the running summary and recent turns",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		memory, closeFn, err := openMemory(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		if summary := memory.Summary(); summary != "" {
			fmt.Println("Summary:")
			fmt.Println("  " + summary)
			fmt.Println()
		}
		turns := memory.Turns()
		if len(turns) == 0 {
			fmt.Println("No turns recorded.")
			return nil
		}
		for _, turn := range turns {
			fmt.Printf("%s: %s\n", turn.Role, turn.Content)
		}
		return nil
	},
}

var memoryClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Erase the summary and all recorded turns",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		memory, closeFn, err := openMemory(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		if err := memory.Clear(cmd.Context()); err != nil {
			return fmt.Errorf("clear memory: %w", err)
		}
		fmt.Println("Memory cleared.")
		return nil
	},
}

func openMemory(ctx context.Context) (*convo.Store, func(), error) {
	cfg, err := requireConfig()
	if err != nil {
		return nil, nil, err
	}
	store, err := kv.NewBadger(kv.BadgerOptions{Dir: cfg.ResolveMemoryDir()})
	if err != nil {
		return nil, nil, fmt.Errorf("open memory store: %w", err)
	}
	memory := convo.New(store, "")
	memory.Reload(ctx)
	return memory, func() { store.Close() }, nil
}

func init() {
	memoryCmd.AddCommand(memoryShowCmd)
	memoryCmd.AddCommand(memoryClearCmd)
	rootCmd.AddCommand(memoryCmd)
}
