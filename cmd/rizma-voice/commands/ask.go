package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/michalfoune/rizma-voice/cmd/rizma-voice/internal/config"
	"github.com/michalfoune/rizma-voice/pkg/convo"
	"github.com/michalfoune/rizma-voice/pkg/fallback"
	"github.com/michalfoune/rizma-voice/pkg/kv"
)

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask one question over the HTTP fallback pipeline",
	Long: `Ask one question over the HTTP fallback pipeline.

The question and the reply go through the same persisted conversation
memory as realtime sessions, so context carries across both paths.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireConfig()
		if err != nil {
			return err
		}
		if cfg.APIKey == "" {
			return fmt.Errorf("api_key must be configured (or set RIZMA_API_KEY)")
		}

		ctx := cmd.Context()
		store, err := kv.NewBadger(kv.BadgerOptions{Dir: cfg.ResolveMemoryDir()})
		if err != nil {
			return fmt.Errorf("open memory store: %w", err)
		}
		defer store.Close()

		memory := convo.New(store, "")
		memory.Reload(ctx)

		question := strings.Join(args, " ")
		if err := memory.Append(ctx, convo.RoleUser, question); err != nil {
			return fmt.Errorf("persist question: %w", err)
		}

		pipeline := &fallback.Pipeline{
			Memory:       memory,
			Completer:    newOpenAIClient(cfg),
			SystemPrompt: cfg.SystemPrompt,
			WindowPairs:  cfg.WindowPairs,
		}
		reply, err := pipeline.Reply(ctx)
		if err != nil {
			return err
		}
		fmt.Println(reply)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(askCmd)
}

func newOpenAIClient(cfg *config.Config) *fallback.OpenAIClient {
	var opts []fallback.OpenAIOption
	if cfg.Model != "" {
		opts = append(opts, fallback.WithChatModel(cfg.Model))
	}
	if cfg.Voice != "" {
		opts = append(opts, fallback.WithVoice(cfg.Voice))
	}
	return fallback.NewOpenAIClient(cfg.APIKey, cfg.APIBase, opts...)
}
