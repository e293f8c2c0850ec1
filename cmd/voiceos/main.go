package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"voiceos/internal/logging"
	"voiceos/internal/resolver"
	"voiceos/internal/store"
)

var (
	// Global flags
	stateDir string
	debug    bool

	// Logger
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "voiceos",
	Short: "voiceOS - voice command resolution engine",
	Long: `voiceOS resolves spoken utterances against commands learned from
scraped UI screens.

Screens are ingested as scrape sessions; every actionable element gets a
stable fingerprint and a set of generated voice commands. Resolution runs
exact match first, then semantic scoring with threshold-gated auto-execution,
then confirmation, then fallback search.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if debug {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if stateDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return fmt.Errorf("failed to resolve home directory: %w", err)
			}
			stateDir = filepath.Join(home, ".voiceos")
		}
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			return fmt.Errorf("failed to create state directory: %w", err)
		}
		if err := logging.Initialize(stateDir); err != nil {
			return fmt.Errorf("failed to initialize file logging: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <utterance>",
	Short: "Resolve an utterance against a screen's command pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		screen, _ := cmd.Flags().GetString("screen")
		report, _ := cmd.Flags().GetBool("report")
		utterance := args[0]

		a, err := openApp(stateDir)
		if err != nil {
			return err
		}
		defer a.close()

		sc, err := a.newScorer()
		if err != nil {
			return err
		}
		if err := a.threshold.Watch(); err != nil {
			logger.Warn("threshold hot-reload unavailable", zap.Error(err))
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		pool, err := a.pools.Rebuild(ctx, screen)
		if err != nil {
			return err
		}
		if err := a.search.ReplaceScreen(screen, pool.Commands); err != nil {
			return err
		}

		engine := resolver.New(sc, &terminalConfirmer{in: os.Stdin, out: os.Stdout},
			a.search, a.learning, a.threshold, resolver.Options{
				ScorerTimeout:       a.cfg.GetScorerTimeout(),
				ConfirmationTimeout: a.cfg.GetConfirmationTimeout(),
			})

		res, err := engine.Resolve(ctx, utterance, resolver.CandidatePool{
			ScreenID: screen,
			Commands: pool.Commands,
		})
		if err != nil {
			return err
		}

		switch {
		case res.CommandText == "":
			fmt.Printf("No command found for %q\n", utterance)
		case res.AutoExecuted:
			fmt.Printf("-> %s (%.0f%%, auto)\n", res.CommandText, res.Confidence*100)
		default:
			fmt.Printf("-> %s (via %s)\n", res.CommandText, res.Kind)
		}

		if report && res.Command != nil {
			success, ok := askOutcome(os.Stdin, os.Stdout, res.CommandText)
			if ok {
				if err := a.learning.RecordOutcome(res.Command.Fingerprint, res.CommandText, success); err != nil {
					return err
				}
			}
		}
		return nil
	},
}

var ingestCmd = &cobra.Command{
	Use:   "ingest <scrape.json>...",
	Short: "Ingest scrape session files and rebuild command pools",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(stateDir)
		if err != nil {
			return err
		}
		defer a.close()

		for _, path := range args {
			res, err := a.ingester.IngestFile(cmd.Context(), path)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			fmt.Printf("%s: %d elements, %d missed (%d pruned), %d commands\n",
				res.ScreenID, res.Seen, res.Missed, res.Pruned, res.Commands)
		}
		return nil
	},
}

var commandsCmd = &cobra.Command{
	Use:   "commands [package]",
	Short: "List learned apps, or the commands learned for one app",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(stateDir)
		if err != nil {
			return err
		}
		defer a.close()

		if len(args) == 0 {
			apps, err := a.elements.LearnedApps()
			if err != nil {
				return err
			}
			for _, app := range apps {
				fmt.Println(app)
			}
			return nil
		}

		cmds, err := a.elements.CommandsForApp(args[0])
		if err != nil {
			return err
		}
		for _, c := range cmds {
			fmt.Printf("%-40s %s  %3.0f%%  used %d\n",
				c.CommandText, c.ActionType, c.CalibratedConfidence*100, c.UsageCount)
		}
		return nil
	},
}

var thresholdCmd = &cobra.Command{
	Use:   "threshold",
	Short: "Inspect or change the auto-execute confidence threshold",
}

var thresholdGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the current threshold percent",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(stateDir)
		if err != nil {
			return err
		}
		defer a.close()

		fmt.Println(a.threshold.Get())
		return nil
	},
}

var thresholdSetCmd = &cobra.Command{
	Use:   "set <percent>",
	Short: "Set the threshold percent (50-95)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		percent, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid percent %q: %w", args[0], err)
		}

		a, err := openApp(stateDir)
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.threshold.Set(percent); err != nil {
			return err
		}
		fmt.Printf("Threshold set to %d%%\n", percent)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show store statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(stateDir)
		if err != nil {
			return err
		}
		defer a.close()

		stats, err := a.db.Stats()
		if err != nil {
			return err
		}
		for _, table := range []string{"elements", "commands", "interactions", "decisions"} {
			fmt.Printf("%-13s %d\n", table, stats[table])
		}
		fmt.Printf("%-13s %d%%\n", "threshold", a.threshold.Get())
		return nil
	},
}

var maintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Run one store maintenance sweep, or keep sweeping on a schedule",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		watch, _ := cmd.Flags().GetBool("watch")

		a, err := openApp(stateDir)
		if err != nil {
			return err
		}
		defer a.close()

		m := store.NewMaintenance(a.db, a.cfg.Maintenance.InteractionRetentionDays)
		if err := m.Sweep(); err != nil {
			return err
		}
		fmt.Println("Maintenance sweep complete")

		if !watch {
			return nil
		}
		if err := m.Start(a.cfg.Maintenance.Schedule); err != nil {
			return err
		}
		defer m.Stop()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		fmt.Printf("Sweeping on schedule %q, Ctrl-C to stop\n", a.cfg.Maintenance.Schedule)
		<-ctx.Done()
		return nil
	},
}

// askOutcome asks whether the resolved command actually worked. ok is false
// when the user skips.
func askOutcome(in *os.File, out *os.File, commandText string) (success, ok bool) {
	fmt.Fprintf(out, "Did %q work? [y/n/skip]: ", commandText)
	scanner := bufio.NewScanner(in)
	if !scanner.Scan() {
		return false, false
	}
	switch strings.ToLower(strings.TrimSpace(scanner.Text())) {
	case "y", "yes":
		return true, true
	case "n", "no":
		return false, true
	default:
		return false, false
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", "", "state directory (default ~/.voiceos)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	resolveCmd.Flags().String("screen", "", "screen id to resolve against")
	resolveCmd.MarkFlagRequired("screen")
	resolveCmd.Flags().Bool("report", false, "ask for the execution outcome and record it")
	maintainCmd.Flags().Bool("watch", false, "stay running and sweep on the configured cron schedule")

	thresholdCmd.AddCommand(thresholdGetCmd, thresholdSetCmd)
	rootCmd.AddCommand(resolveCmd, ingestCmd, commandsCmd, thresholdCmd, statsCmd, maintainCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
