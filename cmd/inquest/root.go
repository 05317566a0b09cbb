package main

import (
	"fmt"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/leppikallio/inquest/internal/artifact"
	"github.com/leppikallio/inquest/internal/config"
	"github.com/leppikallio/inquest/internal/driver"
	"github.com/leppikallio/inquest/internal/gate"
	"github.com/leppikallio/inquest/internal/logbook"
	"github.com/leppikallio/inquest/internal/manifest"
	"github.com/leppikallio/inquest/internal/tick"
	"github.com/leppikallio/inquest/internal/tui"
)

type cliOptions struct {
	runsDir   string
	configDir string
	runID     string
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}
	root := &cobra.Command{
		Use:           "inquest",
		Short:         "Durable research-run orchestration",
		Long:          "inquest drives long research runs through scoped stages,\nkeeping every decision and artifact on disk so a killed process\nresumes exactly where it stopped.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.runsDir, "runs-dir", "runs", "directory holding run roots")
	root.PersistentFlags().StringVar(&opts.configDir, "config-dir", ".", "directory holding inquest.yaml")
	root.PersistentFlags().StringVar(&opts.runID, "run", "", "run id (required for everything but init)")

	root.AddCommand(
		newInitCmd(opts),
		newStatusCmd(opts),
		newTickCmd(opts),
		newRunCmd(opts),
		newPauseCmd(opts),
		newResumeCmd(opts),
		newCancelCmd(opts),
		newWatchCmd(opts),
	)
	return root
}

func (o *cliOptions) config() (config.Config, error) {
	return config.Load(o.configDir)
}

func (o *cliOptions) runRoot() (string, error) {
	if strings.TrimSpace(o.runID) == "" {
		return "", fmt.Errorf("--run is required")
	}
	return config.RunRoot(o.runsDir, o.runID)
}

func (o *cliOptions) open() (*artifact.Store, *logbook.Logbook, error) {
	root, err := o.runRoot()
	if err != nil {
		return nil, nil, err
	}
	return tick.Open(root, nil)
}

func (o *cliOptions) runner() (*tick.Runner, *artifact.Store, error) {
	cfg, err := o.config()
	if err != nil {
		return nil, nil, err
	}
	store, log, err := o.open()
	if err != nil {
		return nil, nil, err
	}
	drv := driver.NewExternal(cfg.DriverCommand)
	return tick.NewRunner(store, log, drv, cfg), store, nil
}

// printSummary emits the standard run report every subcommand ends with.
func printSummary(cmd *cobra.Command, store *artifact.Store) error {
	man, _, err := manifest.Load(store)
	if err != nil {
		return err
	}
	ledger, _, err := gate.Load(store)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run_id: %s\n", man.RunID)
	fmt.Fprintf(out, "run_root: %s\n", store.Root())
	fmt.Fprintf(out, "manifest_path: %s\n", store.Path(manifest.FileName))
	fmt.Fprintf(out, "gates_path: %s\n", store.Path(gate.FileName))
	fmt.Fprintf(out, "stage: %s\n", man.CurrentStage())
	fmt.Fprintf(out, "status: %s\n", man.Status)
	for _, view := range ledger.Snapshot() {
		fmt.Fprintf(out, "gate.%s: %s\n", view.ID, view.Status)
	}
	return nil
}

func newInitCmd(opts *cliOptions) *cobra.Command {
	var topic string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Scaffold a new run",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.config()
			if err != nil {
				return err
			}
			if opts.runID == "" {
				opts.runID = uuid.NewString()
			}
			root, err := opts.runRoot()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(root, 0o755); err != nil {
				return fmt.Errorf("create run root: %w", err)
			}
			store, _, err := tick.Init(root, opts.runID, topic, cfg, nil)
			if err != nil {
				return err
			}
			return printSummary(cmd, store)
		},
	}
	cmd.Flags().StringVar(&topic, "topic", "", "research question driving the run")
	cmd.MarkFlagRequired("topic")
	return cmd
}

func newStatusCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report the run's current state",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := opts.open()
			if err != nil {
				return err
			}
			return printSummary(cmd, store)
		},
	}
}

func newTickCmd(opts *cliOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Perform one locked unit of work",
		RunE: func(cmd *cobra.Command, args []string) error {
			runner, store, err := opts.runner()
			if err != nil {
				return err
			}
			out, err := runner.Tick(cmd.Context(), reason)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "tick: %s -> %s (progressed=%t", out.From, out.To, out.Progressed)
			if out.Blocked != "" {
				fmt.Fprintf(cmd.OutOrStdout(), ", blocked=%s", out.Blocked)
			}
			fmt.Fprintln(cmd.OutOrStdout(), ")")
			return printSummary(cmd, store)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual tick", "reason recorded on any transition")
	return cmd
}

func newRunCmd(opts *cliOptions) *cobra.Command {
	var (
		maxTicks int
		until    string
		reason   string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Tick until the run is terminal or blocked",
		RunE: func(cmd *cobra.Command, args []string) error {
			runner, store, err := opts.runner()
			if err != nil {
				return err
			}
			out, err := runner.Run(cmd.Context(), tick.RunOptions{
				MaxTicks: maxTicks,
				Until:    manifest.Stage(until),
				Reason:   reason,
			})
			if err != nil {
				return err
			}
			if out.Blocked != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "stopped: blocked=%s\n", out.Blocked)
			}
			return printSummary(cmd, store)
		},
	}
	cmd.Flags().IntVar(&maxTicks, "max-ticks", 0, "stop after this many ticks (0 = no cap)")
	cmd.Flags().StringVar(&until, "until", "", "stop once this stage is reached")
	cmd.Flags().StringVar(&reason, "reason", "run loop", "reason recorded on transitions")
	return cmd
}

func newPauseCmd(opts *cliOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "pause",
		Short: "Pause the run, stopping the stage clock",
		RunE: func(cmd *cobra.Command, args []string) error {
			runner, store, err := opts.runner()
			if err != nil {
				return err
			}
			if err := runner.Pause(reason); err != nil {
				return err
			}
			return printSummary(cmd, store)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual pause", "reason recorded in the audit log")
	return cmd
}

func newResumeCmd(opts *cliOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume a paused run with a fresh stage clock",
		RunE: func(cmd *cobra.Command, args []string) error {
			runner, store, err := opts.runner()
			if err != nil {
				return err
			}
			if err := runner.Resume(reason); err != nil {
				return err
			}
			return printSummary(cmd, store)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual resume", "reason recorded in the audit log")
	return cmd
}

func newCancelCmd(opts *cliOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel the run, preserving all artifacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			runner, store, err := opts.runner()
			if err != nil {
				return err
			}
			if err := runner.Cancel(reason); err != nil {
				return err
			}
			return printSummary(cmd, store)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual cancel", "reason recorded in the audit log")
	return cmd
}

func newWatchCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Live board over the run's state",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, log, err := opts.open()
			if err != nil {
				return err
			}
			p := tea.NewProgram(tui.NewBoard(store, log), tea.WithAltScreen())
			_, err = p.Run()
			return err
		},
	}
}
