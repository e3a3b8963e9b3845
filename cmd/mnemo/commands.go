package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/dotsetgreg/mnemo/pkg/config"
	"github.com/dotsetgreg/mnemo/pkg/memory"
	"github.com/dotsetgreg/mnemo/pkg/reasoner"
)

func executeCLI() error {
	return buildRootCommand().Execute()
}

func buildRootCommand() *cobra.Command {
	var (
		showVersion bool
		configPath  string
	)

	root := &cobra.Command{
		Use:   "mnemo",
		Short: "Cognitive memory layer: importance scoring, fact extraction, reflection, grounding",
		Long: strings.TrimSpace(`mnemo watches a conversation stream, distills important messages into a
versioned fact sheet plus an episodic vector store, consolidates memories in
background reflection cycles, and grounds new queries in what it has learned.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion()
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "mnemo.yaml", "Path to config file")

	root.AddCommand(newReplCommand(&configPath))
	root.AddCommand(newGroundCommand(&configPath))
	root.AddCommand(newReflectCommand(&configPath))
	root.AddCommand(newFactsCommand(&configPath))
	root.AddCommand(newRememberCommand(&configPath))
	root.AddCommand(newVersionCommand())

	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show build/version metadata",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion()
			return nil
		},
	}
}

// openService loads config, wires logging, and builds the full pipeline.
func openService(configPath string) (*memory.Service, config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, config.Config{}, err
	}
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	if cfg.Anthropic.APIKey == "" {
		return nil, config.Config{}, fmt.Errorf("ANTHROPIC_API_KEY is required")
	}
	rsn, err := reasoner.New(reasoner.Config{
		APIKey:    cfg.Anthropic.APIKey,
		Model:     cfg.Anthropic.Model,
		MaxTokens: cfg.Anthropic.MaxTokens,
	})
	if err != nil {
		return nil, config.Config{}, err
	}

	reflection := memory.ReflectionConfig{
		MessageThreshold: cfg.Reflection.MessageThreshold,
		RetentionHorizon: time.Duration(cfg.Reflection.RetentionDays) * 24 * time.Hour,
		ImportanceFloor:  cfg.Reflection.ImportanceFloor,
	}
	if cfg.Reflection.ScheduleEnabled {
		reflection.Interval = time.Duration(cfg.Reflection.IntervalSeconds) * time.Second
		reflection.CronSpec = cfg.Reflection.CronSpec
	}

	svc, err := memory.NewService(rsn, nil, memory.Config{
		DataDir:             cfg.DataDir,
		ImportanceThreshold: cfg.Memory.ImportanceThreshold,
		IdenticalThreshold:  cfg.Memory.IdenticalThreshold,
		RecentWindow:        cfg.Memory.RecentWindow,
		Reflection:          reflection,
		Grounding: memory.GroundingConfig{
			MaxFacts:    cfg.Grounding.MaxFacts,
			MaxEpisodes: cfg.Grounding.MaxEpisodes,
			CacheTTL:    time.Duration(cfg.Grounding.CacheTTLSeconds) * time.Second,
		},
		Logger: logger,
	})
	if err != nil {
		return nil, config.Config{}, err
	}
	return svc, cfg, nil
}

func newReplCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "Interactive session: lines are remembered, '? query' is grounded",
		Example: strings.Join([]string{
			"  mnemo repl",
			"  mnemo> I prefer dark mode",
			"  mnemo> ? what are my ui preferences",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := openService(*configPath)
			if err != nil {
				return err
			}
			defer svc.Close()
			return runRepl(cmd.Context(), svc)
		},
	}
}

func runRepl(ctx context.Context, svc *memory.Service) error {
	rl, err := readline.New("mnemo> ")
	if err != nil {
		return fmt.Errorf("init readline: %w", err)
	}
	defer rl.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	fmt.Println("mnemo repl. Plain lines are remembered; prefix with '?' to ask.")
	fmt.Println("Commands: /facts /reflect /exit")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line, err := rl.Readline()
		if err == readline.ErrInterrupt || err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			continue
		case line == "/exit" || line == "/quit":
			return nil
		case line == "/facts":
			printFactSheet(ctx, svc)
		case line == "/reflect":
			report, err := svc.Reflect(ctx)
			if err != nil {
				fmt.Printf("reflection failed: %v\n", err)
				continue
			}
			printReflectionReport(report)
		case strings.HasPrefix(line, "?"):
			enriched, err := svc.GroundQuery(ctx, strings.TrimSpace(strings.TrimPrefix(line, "?")), 0)
			if err != nil {
				fmt.Printf("grounding failed: %v\n", err)
				continue
			}
			fmt.Println(enriched.Context)
		default:
			result, err := svc.ProcessMessage(ctx, memory.Message{Text: line})
			if err != nil {
				fmt.Printf("processing failed: %v\n", err)
				continue
			}
			printProcessResult(result)
		}
	}
}

func printProcessResult(result memory.ProcessResult) {
	if result.Warning != "" {
		fmt.Printf("warning: %s\n", result.Warning)
		return
	}
	if !result.Stored {
		fmt.Printf("noted (importance %.2f, %s; not stored)\n", result.Score.Value, result.Score.Band)
		return
	}
	if result.Fact != nil {
		fmt.Printf("remembered [%s] %s: %s\n", result.Fact.Category, result.Fact.Topic, result.Fact.Content)
		return
	}
	fmt.Printf("remembered as episode (importance %.2f, %s)\n", result.Score.Value, result.Score.Band)
}

func printFactSheet(ctx context.Context, svc *memory.Service) {
	sheet, err := svc.FactSheet(ctx)
	if err != nil {
		fmt.Printf("fact sheet unavailable: %v\n", err)
		return
	}
	fmt.Printf("fact sheet revision %d, %d facts\n", sheet.Revision, len(sheet.Facts))
	for _, f := range sheet.Facts {
		marker := " "
		if f.Stale {
			marker = "~"
		}
		fmt.Printf("%s [%s] %s: %s (confidence %.2f)\n", marker, f.Category, f.Topic, f.Content, f.Confidence)
	}
}

func printReflectionReport(report memory.ReflectionReport) {
	if report.Skipped {
		fmt.Println("reflection already running; trigger coalesced")
		return
	}
	fmt.Printf("reflection done in %s: %d consolidated, %d pruned, %d marked stale\n",
		report.Duration.Round(time.Millisecond), report.Consolidated, report.Pruned, report.StaleMarked)
}

func newGroundCommand(configPath *string) *cobra.Command {
	var maxFacts int
	cmd := &cobra.Command{
		Use:     "ground <query>",
		Short:   "Enrich a query with stored facts and relevant episodes",
		Args:    cobra.MinimumNArgs(1),
		Example: "  mnemo ground --max-facts 3 \"what database should I use\"",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := openService(*configPath)
			if err != nil {
				return err
			}
			defer svc.Close()

			enriched, err := svc.GroundQuery(cmd.Context(), strings.Join(args, " "), maxFacts)
			if err != nil {
				return err
			}
			fmt.Println(enriched.Context)
			return nil
		},
	}
	cmd.Flags().IntVar(&maxFacts, "max-facts", 0, "Item budget for the enriched context (0 = configured default)")
	return cmd
}

func newReflectCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reflect",
		Short: "Run one consolidation and pruning cycle now",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := openService(*configPath)
			if err != nil {
				return err
			}
			defer svc.Close()

			report, err := svc.Reflect(cmd.Context())
			if err != nil {
				return err
			}
			printReflectionReport(report)
			return nil
		},
	}
}

func newFactsCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "facts",
		Short: "Print the current fact sheet",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := openService(*configPath)
			if err != nil {
				return err
			}
			defer svc.Close()

			printFactSheet(cmd.Context(), svc)
			return nil
		},
	}
}

func newRememberCommand(configPath *string) *cobra.Command {
	var topic string
	cmd := &cobra.Command{
		Use:     "remember <content>",
		Short:   "Store a fact directly, bypassing the importance gate",
		Args:    cobra.MinimumNArgs(1),
		Example: "  mnemo remember --topic \"Tech Stack\" \"Current project uses Vue\"",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := openService(*configPath)
			if err != nil {
				return err
			}
			defer svc.Close()

			fact, rev, err := svc.UpdateFact(cmd.Context(), topic, strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Printf("remembered [%s] %s: %s (revision %d)\n", fact.Category, fact.Topic, fact.Content, rev)
			return nil
		},
	}
	cmd.Flags().StringVarP(&topic, "topic", "t", "", "Topic key for the fact (required)")
	_ = cmd.MarkFlagRequired("topic")
	return cmd
}
