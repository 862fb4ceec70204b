package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/coolbeans/csscoverage/pkg/analysis"
	"github.com/coolbeans/csscoverage/pkg/browser"
	"github.com/coolbeans/csscoverage/pkg/matrix"
	"github.com/coolbeans/csscoverage/pkg/report"
	"github.com/coolbeans/csscoverage/pkg/selection"
	"github.com/coolbeans/csscoverage/pkg/session"
	"github.com/coolbeans/csscoverage/pkg/state"
	"github.com/coolbeans/csscoverage/pkg/storage"
	"github.com/coolbeans/csscoverage/pkg/watch"
)

var version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "csscoverage",
		Short: "CSS feature support by browser market share",
		Long: `csscoverage estimates what share of your visitors can use each CSS2 and
CSS3 feature, given the browser versions they run.

Browser shares come either from the StatCounter feed or from values you
enter yourself. The state is kept as a compact token that can be shared,
decoded and restored.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "YAML configuration file")
	flags.String("store", "", "State file (overrides store_path)")
	flags.String("matrix", "", "Support matrix YAML file (overrides the built-in data)")
	flags.String("feed-url", "", "StatCounter feed URL (overrides feed.url)")
	flags.String("log-level", "", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(fetchCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(encodeCmd())
	rootCmd.AddCommand(decodeCmd())
	rootCmd.AddCommand(browsersCmd())
	rootCmd.AddCommand(categoriesCmd())
	rootCmd.AddCommand(resetCmd())
	rootCmd.AddCommand(watchCmd())

	return rootCmd
}

func addSelectionFlags(cmd *cobra.Command) {
	cmd.Flags().StringArray("share", nil, "Browser share as ID=percent (repeatable), e.g. --share IE6=12.5")
	cmd.Flags().StringSlice("categories", nil, "Categories to report: toggle ids, ids or labels, or \"all\"")
	cmd.Flags().Bool("vendor", false, "Count vendor-prefixed properties as supported")
	cmd.Flags().Bool("ie-filters", false, "Count IE filters as supported")
}

// applySelectionFlags pushes explicitly given flags into the controller.
func applySelectionFlags(cmd *cobra.Command, env *appEnv, ctrl *session.Controller) error {
	shares, _ := cmd.Flags().GetStringArray("share")
	for _, assignment := range shares {
		id, raw, err := parseShareFlag(assignment)
		if err != nil {
			return err
		}
		status, err := ctrl.SetShareInput(id, raw)
		if err != nil {
			return err
		}
		if status == analysis.InputInvalid {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: share %q is not a plain number; using its numeric part\n", assignment)
		}
	}

	if cmd.Flags().Changed("categories") {
		categories, _ := cmd.Flags().GetStringSlice("categories")
		if err := ctrl.SetToggles(expandCategories(env.matrix, categories)); err != nil {
			return err
		}
	} else if len(ctrl.Snapshot().Toggles) == 0 && len(env.config.DefaultCategories) > 0 {
		if err := ctrl.SetToggles(expandCategories(env.matrix, env.config.DefaultCategories)); err != nil {
			return err
		}
	}

	if cmd.Flags().Changed("vendor") || cmd.Flags().Changed("ie-filters") {
		opts := ctrl.Snapshot().Options
		if cmd.Flags().Changed("vendor") {
			opts.VendorProperties, _ = cmd.Flags().GetBool("vendor")
		}
		if cmd.Flags().Changed("ie-filters") {
			opts.IEFilters, _ = cmd.Flags().GetBool("ie-filters")
		}
		if err := ctrl.SetOptions(opts); err != nil {
			return err
		}
	}
	return nil
}

func parseShareFlag(assignment string) (browser.ID, string, error) {
	name, raw, ok := strings.Cut(assignment, "=")
	if !ok {
		return "", "", fmt.Errorf("invalid --share %q: expected ID=percent", assignment)
	}
	id := browser.ID(strings.ToUpper(strings.TrimSpace(name)))
	if !browser.Known(id) {
		return "", "", fmt.Errorf("invalid --share %q: %w", assignment, session.ErrUnknownBrowser)
	}
	return id, strings.TrimSpace(raw), nil
}

func expandCategories(store *matrix.Store, names []string) []string {
	for _, name := range names {
		if strings.EqualFold(strings.TrimSpace(name), "all") {
			return selection.Toggles(store, selection.All(store))
		}
	}
	return names
}

func reportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report [token]",
		Short: "Report feature support for the current or given state",
		Long: `Aggregate support percentages for the selected categories.

Without a token the last saved state is restored (statcounter first, then
custom). Flags are applied on top and the result is saved.

Example:
  csscoverage report --share IE6=20 --share CH5=30 --categories css3d
  csscoverage report '#custom/css2s/IE6|20,CH5|30' --format markdown
  csscoverage report --source statcounter --refresh`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			format, err := env.format(cmd)
			if err != nil {
				return err
			}

			ctrl := env.controller()
			sourceName, _ := cmd.Flags().GetString("source")
			source, ok := state.ParseTag(sourceName)
			if sourceName != "" && !ok {
				return fmt.Errorf("unknown source %q", sourceName)
			}

			if len(args) == 1 {
				if err := ctrl.Load(args[0]); err != nil {
					return err
				}
			} else if _, err := ctrl.Restore(source); err != nil {
				return err
			}

			refresh, _ := cmd.Flags().GetBool("refresh")
			if refresh {
				if err := refreshStats(cmd.Context(), ctrl); err != nil {
					return err
				}
			}

			if err := applySelectionFlags(cmd, env, ctrl); err != nil {
				return err
			}

			output, _ := cmd.Flags().GetString("output")
			return writeReport(cmd, output, format, ctrl.Report())
		},
	}

	addSelectionFlags(cmd)
	cmd.Flags().StringP("format", "f", "", "Output format: text, markdown, json, html")
	cmd.Flags().StringP("output", "o", "", "Write the report to a file")
	cmd.Flags().String("source", "", "Restore this source: statcounter or custom")
	cmd.Flags().Bool("refresh", false, "Fetch StatCounter shares before reporting")
	return cmd
}

func writeReport(cmd *cobra.Command, output string, format report.Format, r report.Report) error {
	if output == "" {
		return report.Render(cmd.OutOrStdout(), format, r)
	}

	file, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	if err := report.Render(file, format, r); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to write output file: %w", err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Report written to %s\n", output)
	return nil
}

// refreshStats wraps feed failures in the message shown to users.
func refreshStats(ctx context.Context, ctrl *session.Controller) error {
	if err := ctrl.RefreshStats(ctx); err != nil {
		if errors.Is(err, session.ErrNoFeed) {
			return fmt.Errorf("stats unavailable: no feed URL configured (set feed.url or --feed-url)")
		}
		return fmt.Errorf("stats unavailable: %w", err)
	}
	return nil
}

func fetchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch",
		Short: "Fetch browser shares from StatCounter and save them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnv(cmd)
			if err != nil {
				return err
			}

			ctrl := env.controller()
			if _, err := ctrl.Restore(state.TagStatCounter); err != nil {
				return err
			}
			if err := refreshStats(cmd.Context(), ctrl); err != nil {
				return err
			}

			snapshot := ctrl.Snapshot()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Fetched %d browser shares\n", len(snapshot.Shares))
			fmt.Fprintln(out, report.AccountedFor(ctrl.Summary()))
			fmt.Fprintf(out, "Token: %s\n", snapshot.Token())
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the saved state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnv(cmd)
			if err != nil {
				return err
			}

			ctrl := env.controller()
			restored, err := ctrl.Restore(state.TagNone)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !restored {
				fmt.Fprintln(out, "No saved state")
				return nil
			}

			snapshot := ctrl.Snapshot()
			fmt.Fprintf(out, "Source:     %s\n", snapshot.Source)
			fmt.Fprintf(out, "Categories: %s\n", strings.Join(snapshot.Toggles, ", "))
			fmt.Fprintf(out, "Options:    vendor=%t ie-filters=%t\n", snapshot.Options.VendorProperties, snapshot.Options.IEFilters)
			fmt.Fprintf(out, "Shares:     %s\n", report.AccountedFor(ctrl.Summary()))
			if !snapshot.UpdatedAt.IsZero() {
				fmt.Fprintf(out, "Stats:      %s\n", session.FormatAge(time.Since(snapshot.UpdatedAt)))
			}
			fmt.Fprintf(out, "Token:      %s\n", snapshot.Token())
			return nil
		},
	}
}

func encodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "encode",
		Short: "Build a state token from flags without saving it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnv(cmd)
			if err != nil {
				return err
			}

			sourceName, _ := cmd.Flags().GetString("source")
			source, ok := state.ParseTag(sourceName)
			if !ok {
				return fmt.Errorf("unknown source %q", sourceName)
			}

			// A throwaway controller keeps the saved state untouched.
			ctrl := session.New(env.matrix, storage.NewMemoryStore())
			if err := applySelectionFlags(cmd, env, ctrl); err != nil {
				return err
			}

			snapshot := ctrl.Snapshot()
			token := state.Encode(source, snapshot.Toggles, snapshot.Options, snapshot.Shares)
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	addSelectionFlags(cmd)
	cmd.Flags().String("source", string(state.TagCustom), "Token tag: statcounter or custom")
	return cmd
}

func decodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decode <token>",
		Short: "Show what a state token contains",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			decoded := state.Decode(args[0])

			asJSON, _ := cmd.Flags().GetBool("json")
			out := cmd.OutOrStdout()
			if asJSON {
				encoder := json.NewEncoder(out)
				encoder.SetIndent("", "  ")
				return encoder.Encode(decoded)
			}

			tag := string(decoded.Tag)
			if tag == "" {
				tag = "(none)"
			}
			fmt.Fprintf(out, "Source:     %s\n", tag)
			fmt.Fprintf(out, "Categories: %s\n", strings.Join(decoded.Toggles, ", "))
			fmt.Fprintf(out, "Options:    vendor=%t ie-filters=%t\n", decoded.Options.VendorProperties, decoded.Options.IEFilters)
			fmt.Fprintln(out, "Shares:")

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			for _, id := range browser.IDs() {
				if share, ok := decoded.Shares[id]; ok {
					fmt.Fprintf(tw, "  %s\t%g\n", id, share)
				}
			}
			return tw.Flush()
		},
	}

	cmd.Flags().Bool("json", false, "Output as JSON")
	return cmd
}

func browsersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "browsers",
		Short: "List the browser versions that shares can be entered for",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FAMILY\tID\tVERSION")
			for _, family := range browser.Families() {
				for _, v := range family.Versions {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", family.Name, v.ID, v.Label)
				}
			}
			return tw.Flush()
		},
	}
}

func categoriesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "categories",
		Short: "List the feature categories in the support matrix",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnv(cmd)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TOGGLE\tID\tLABEL\tFEATURES")
			for _, category := range env.matrix.Categories() {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", category.Toggle, category.ID, category.Label, len(category.Features))
			}
			return tw.Flush()
		},
	}
}

func resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Delete all saved state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			if err := env.controller().Reset(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared saved state in %s\n", env.store.Path())
			return nil
		},
	}
}

func watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <token-file>",
		Short: "Re-render the report whenever a token file changes",
		Long: `Watch a file holding a state token and print a fresh report each time
it is written. With --refresh, StatCounter shares are fetched first and the
age of the statistics is reported periodically. Watched tokens are kept in
memory and never replace the saved state.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			format, err := env.format(cmd)
			if err != nil {
				return err
			}
			interval, err := env.config.Ticker()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ctrl := env.scratchController()
			ctrl.StartAgeTicker(ctx, interval, func(age time.Duration) {
				fmt.Fprintf(cmd.ErrOrStderr(), "stats %s\n", session.FormatAge(age))
			})
			defer ctrl.StopAgeTicker()

			render := renderDecoded(ctrl, format, cmd.OutOrStdout(), cmd.ErrOrStderr())
			watcher := watch.NewStateFileWatcher(args[0], render)
			if err := watcher.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}

			refresh, _ := cmd.Flags().GetBool("refresh")
			if refresh {
				if err := refreshStats(ctx, ctrl); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
				}
			}

			if err := watcher.Start(ctx); err != nil {
				return err
			}
			defer watcher.Close()

			fmt.Fprintf(cmd.ErrOrStderr(), "Watching %s (Ctrl-C to stop)\n", watcher.Path())
			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringP("format", "f", "", "Output format: text, markdown, json, html")
	cmd.Flags().Bool("refresh", false, "Fetch StatCounter shares once at start")
	return cmd
}

// renderDecoded returns a watch callback that loads each token into ctrl and
// prints its report. Errors are reported on errOut and do not stop watching.
func renderDecoded(ctrl *session.Controller, format report.Format, out, errOut io.Writer) func(state.Decoded) {
	return func(decoded state.Decoded) {
		if err := ctrl.Load(decoded.Encode()); err != nil {
			fmt.Fprintf(errOut, "error: %v\n", err)
			return
		}
		if err := report.Render(out, format, ctrl.Report()); err != nil {
			fmt.Fprintf(errOut, "error: %v\n", err)
		}
	}
}
