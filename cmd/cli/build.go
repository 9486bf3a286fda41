package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cochaviz/kiln/internal/cache"
	"github.com/cochaviz/kiln/internal/manager"
)

func newBuildCommand(state *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build, inspect and export cached images",
	}

	cmd.AddCommand(
		newBuildRunCommand(state),
		newBuildListCommand(state),
		newBuildShowCommand(state),
		newBuildCleanCommand(state),
		newBuildStatusCommand(state),
		newBuildExportCommand(state),
	)
	return cmd
}

func newBuildRunCommand(state *session) *cobra.Command {
	var (
		archFlag string
		force    bool
		dryRun   bool
		stream   bool
	)

	cmd := &cobra.Command{
		Use:   "run <profile>",
		Args:  cobra.ExactArgs(1),
		Short: "Build an image for the profile unless a matching one is cached",
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.TrimSpace(args[0])
			cmdLogger := state.logger.With("command", "build.run", "profile", name)
			out := cmd.OutOrStdout()

			if dryRun {
				plan, err := newManager(cmdLogger, state.cfg, nil, false).Plan(cmd.Context(), name, archFlag)
				if err != nil {
					return err
				}
				printPlan(out, plan)
				return nil
			}

			progress := newProgressReporter(os.Stderr, cmdLogger)
			defer progress.Close()

			m := newManager(cmdLogger, state.cfg, progress.Report, stream)
			outcome, err := m.Run(cmd.Context(), name, archFlag, manager.RunOptions{Force: force})
			progress.Close()
			if err != nil {
				return err
			}

			for _, missing := range outcome.Missing {
				fmt.Fprintf(out, "warning: script %s not found, skipped\n", missing)
			}
			if outcome.Hit {
				fmt.Fprintf(out, "cached: %s (%s)\n", displayPath(outcome.Entry.Path), outcome.Entry.CacheKey)
				return nil
			}
			fmt.Fprintf(out, "built: %s (%s) in %s\n", displayPath(outcome.Entry.Path), outcome.Entry.CacheKey, outcome.Duration.Round(time.Second))
			return nil
		},
	}

	cmd.Flags().StringVar(&archFlag, "arch", "", "Target architecture (x86_64, arm64); defaults to the host")
	cmd.Flags().BoolVar(&force, "force", false, "Rebuild even when a cached image matches")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Resolve everything and report what would happen without building")
	cmd.Flags().BoolVar(&stream, "stream", false, "Copy provisioning script output to stderr as it runs")
	return cmd
}

func printPlan(out io.Writer, plan manager.Plan) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "profile:\t%s\n", plan.Profile)
	fmt.Fprintf(w, "arch:\t%s (supported: %t)\n", plan.Arch, plan.Supported)
	fmt.Fprintf(w, "builder:\t%s\n", plan.Builder)
	if plan.Source != nil {
		fmt.Fprintf(w, "source:\t%s (%s)\n", plan.Source.Path, plan.Source.Key)
	} else {
		fmt.Fprintf(w, "source:\t-\n")
	}
	names := make([]string, 0, len(plan.Scripts))
	for _, s := range plan.Scripts {
		names = append(names, s.Name)
	}
	fmt.Fprintf(w, "scripts:\t%s\n", strings.Join(names, ", "))
	if plan.CacheKey != "" {
		fmt.Fprintf(w, "cache key:\t%s\n", plan.CacheKey)
	}
	if plan.Hit() {
		fmt.Fprintf(w, "cache:\thit (%s)\n", plan.CachedPath)
	} else {
		fmt.Fprintf(w, "cache:\tmiss\n")
	}
	_ = w.Flush()

	for _, warning := range plan.Warnings {
		fmt.Fprintf(out, "warning: %s\n", warning)
	}
}

func newBuildListCommand(state *session) *cobra.Command {
	var long bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cached images",
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := newManager(state.logger, state.cfg, nil, false).List()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "no images")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			if long {
				fmt.Fprintln(w, "IMAGE\tCACHE KEY\tBUILT\tSIZE\tSOURCE\tPATH")
			} else {
				fmt.Fprintln(w, "IMAGE\tBUILT\tSIZE")
			}
			for _, e := range entries {
				built := e.BuildTime.Local().Format(time.DateTime)
				if long {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", e.Key(), e.CacheKey, built, humanSize(e.Size), e.SourceImage, displayPath(e.Path))
				} else {
					fmt.Fprintf(w, "%s\t%s\t%s\n", e.Key(), built, humanSize(e.Size))
				}
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVarP(&long, "long", "l", false, "Show cache keys, sources and paths")
	return cmd
}

func newBuildShowCommand(state *session) *cobra.Command {
	var archFlag string

	cmd := &cobra.Command{
		Use:   "show <profile>",
		Args:  cobra.ExactArgs(1),
		Short: "Show the cached image for a profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			entry, err := newManager(state.logger, state.cfg, nil, false).Show(strings.TrimSpace(args[0]), archFlag)
			if err != nil {
				return err
			}
			printEntry(cmd.OutOrStdout(), entry)
			return nil
		},
	}

	cmd.Flags().StringVar(&archFlag, "arch", "", "Target architecture; defaults to the host")
	return cmd
}

func printEntry(out io.Writer, e cache.Entry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "image:\t%s\n", e.Key())
	fmt.Fprintf(w, "path:\t%s\n", e.Path)
	fmt.Fprintf(w, "cache key:\t%s\n", e.CacheKey)
	fmt.Fprintf(w, "source:\t%s\n", e.SourceImage)
	fmt.Fprintf(w, "built:\t%s\n", e.BuildTime.Local().Format(time.RFC3339))
	fmt.Fprintf(w, "size:\t%s\n", humanSize(e.Size))
	if len(e.Deployments) == 0 {
		fmt.Fprintf(w, "deployments:\tnone\n")
	}
	for i, d := range e.Deployments {
		label := ""
		if i == 0 {
			label = "deployments:"
		}
		fmt.Fprintf(w, "%s\t%s %s (%s)\n", label, d.DeployedAt.Local().Format(time.DateTime), d.Target, d.TargetKind)
	}
	_ = w.Flush()
}

func newBuildCleanCommand(state *session) *cobra.Command {
	var orphaned, all bool

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove orphaned registry entries, or every cached image with --all",
		RunE: func(cmd *cobra.Command, args []string) error {
			if orphaned && all {
				return errors.New("--orphaned and --all are mutually exclusive")
			}
			mode := manager.CleanOrphaned
			if all {
				mode = manager.CleanAll
			}

			removed, err := newManager(state.logger, state.cfg, nil, false).Clean(mode)
			out := cmd.OutOrStdout()
			for _, key := range removed {
				fmt.Fprintf(out, "removed %s\n", key)
			}
			if err != nil {
				return err
			}
			if len(removed) == 0 {
				fmt.Fprintln(out, "nothing to clean")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&orphaned, "orphaned", false, "Drop entries whose image file is missing (default)")
	cmd.Flags().BoolVar(&all, "all", false, "Delete every cached image and its entry")
	return cmd
}

func newBuildStatusCommand(state *session) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show host capabilities, builder routing and cache size",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := newManager(state.logger, state.cfg, nil, false).Status()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "host:\t%s\n", status.Host)
			fmt.Fprintf(w, "image dir:\t%s\n", status.ImageDir)
			fmt.Fprintf(w, "cached images:\t%d\n", status.CachedImages)
			fmt.Fprintln(w)
			fmt.Fprintln(w, "ARCH\tBUILDER\tACCELERATOR")
			for _, row := range status.Arches {
				fmt.Fprintf(w, "%s\t%s\t%s\n", row.Arch, row.Builder, row.Accelerator)
			}
			return w.Flush()
		},
	}
}

func newBuildExportCommand(state *session) *cobra.Command {
	var archFlag, format, size string

	cmd := &cobra.Command{
		Use:   "export <profile> <dest>",
		Args:  cobra.ExactArgs(2),
		Short: "Convert a cached image to a file and record the deployment",
		RunE: func(cmd *cobra.Command, args []string) error {
			deployment, err := newManager(state.logger, state.cfg, nil, false).Export(cmd.Context(), manager.ExportOptions{
				Profile: strings.TrimSpace(args[0]),
				Arch:    archFlag,
				Dest:    args[1],
				Format:  format,
				Size:    size,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported to %s\n", deployment.Target)
			return nil
		},
	}

	cmd.Flags().StringVar(&archFlag, "arch", "", "Target architecture; defaults to the host")
	cmd.Flags().StringVar(&format, "format", "qcow2", "Output format (qcow2, raw, vmdk, vdi, vhdx)")
	cmd.Flags().StringVar(&size, "size", "", "Resize the exported disk, in qemu-img size syntax")
	return cmd
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
