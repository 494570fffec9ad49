package cmds

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mentat-tools/agentchat/pkg/agent"
	"github.com/mentat-tools/agentchat/pkg/batch"
	"github.com/mentat-tools/agentchat/pkg/config"
	"github.com/mentat-tools/agentchat/pkg/persistence/historystore"
)

// parseTargets turns "key=title" flag values into batch targets, assigning
// sequential ids.
func parseTargets(raw []string) []batch.Target {
	targets := make([]batch.Target, 0, len(raw))
	for i, spec := range raw {
		key, title, _ := strings.Cut(spec, "=")
		targets = append(targets, batch.Target{
			ID:    int64(i + 1),
			Key:   strings.TrimSpace(key),
			Title: strings.TrimSpace(title),
		})
	}
	return targets
}

func NewBatchCommand() *cobra.Command {
	var (
		prompt      string
		rawTargets  []string
		historyPath string
		baseDir     string
		configPath  string
	)

	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Run one prompt sequentially against multiple targets",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a batch, creating one conversation per target",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if historyPath == "" {
				historyPath = cfg.HistoryPath
			}
			path := resolveHistoryPath(historyPath, baseDir)

			history := historystore.NewHistory(path, nil)
			if _, _, err := history.Load(cmd.Context()); err != nil {
				return err
			}

			invoker := agent.NewOpenAIInvoker(agent.OpenAIConfig{
				APIKey:      cfg.APIKey,
				BaseURL:     cfg.BaseURL,
				Model:       cfg.Model,
				MaxTokens:   cfg.MaxTokens,
				Temperature: cfg.Temperature,
			})
			session := agent.NewSession(history, invoker)
			session.SetStateChanged(func() {
				done, total := session.Runner().ProgressCounts()
				log.Debug().Int("done", done).Int("total", total).Msg("batch progress")
			})

			items, err := session.Run(cmd.Context(), prompt, parseTargets(rawTargets))
			if err != nil {
				return err
			}

			failed := 0
			for _, item := range items {
				line := fmt.Sprintf("%-10s %s", item.Status, item.Target.Key)
				if item.Err != "" {
					line += "  (" + item.Err + ")"
				}
				if item.Tokens != nil {
					approx := ""
					if item.TokensApproximate {
						approx = "~"
					}
					line += fmt.Sprintf("  %s%d tokens", approx, *item.Tokens)
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
				if item.Status == batch.StatusFailed {
					failed++
				}
			}
			if failed > 0 {
				return errors.Errorf("%d of %d batch items failed", failed, len(items))
			}
			return nil
		},
	}
	runCmd.Flags().StringVarP(&prompt, "prompt", "p", "", "prompt to run against every target")
	runCmd.Flags().StringArrayVarP(&rawTargets, "target", "t", nil, "target as key=title (repeatable)")
	runCmd.Flags().StringVar(&historyPath, "history", "", "history file path")
	runCmd.Flags().StringVar(&baseDir, "base-dir", "", "document base directory to locate the history file")
	runCmd.Flags().StringVar(&configPath, "config", "", "config file path")
	_ = runCmd.MarkFlagRequired("prompt")
	_ = runCmd.MarkFlagRequired("target")

	cmd.AddCommand(runCmd)
	return cmd
}
