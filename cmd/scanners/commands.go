package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	redis_adapter "surface.scanners/internal/adapters/queue/redis"
	"surface.scanners/internal/core/circuitbreaker"
	"surface.scanners/internal/core/logger"
	"surface.scanners/internal/core/registry"
	"surface.scanners/internal/core/services"
)

type appFunc func() *app

func resyncCommand(get appFunc) *cobra.Command {
	var (
		opts  services.ResyncOptions
		just  []string
		delay int
	)
	cmd := &cobra.Command{
		Use:   "resync",
		Short: "Sync running scanners and results from rootboxes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			for _, j := range just {
				switch p := services.Phase(j); p {
				case services.PhaseResults, services.PhaseRunning:
					opts.Phases = append(opts.Phases, p)
				default:
					return fmt.Errorf("invalid --just %q (results, running)", j)
				}
			}
			opts.Delay = time.Duration(delay) * time.Second
			a.breakers = circuitbreaker.NewSet(circuitbreaker.ForDelay(opts.Delay))

			stopOps := a.serveOps()
			defer stopOps()
			return a.withLock(cmd, func(ctx context.Context) error {
				return a.resync().Run(ctx, opts)
			})
		},
	}
	f := cmd.Flags()
	f.BoolVarP(&opts.RunOnce, "run-once", "1", false, "Run only one check")
	f.StringSliceVarP(&just, "just", "j", nil, "Fetch only results or running (default: both)")
	f.IntVar(&delay, "delay", 5, "Resync interval (in seconds)")
	f.StringSliceVarP(&opts.Rootboxes, "rootbox", "r", nil, "Rootboxes to resync (defaults to all active)")
	f.IntVar(&opts.Parallel, "parallel", 1, "Rootboxes synced at once")
	return cmd
}

func runScannerCommand(get appFunc) *cobra.Command {
	var (
		rootbox string
		opts    services.DispatchOptions
	)
	cmd := &cobra.Command{
		Use:   "run-scanner [SCANNER]",
		Short: "Run a scanner, or list rootboxes and scanners",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			ctx := cmd.Context()
			if len(args) == 0 {
				return listScanners(cmd, a)
			}

			job, err := a.repo.GetJobDefinitionByName(ctx, args[0])
			if err != nil {
				return err
			}
			if rootbox != "" {
				host, err := a.repo.GetTargetHostByName(ctx, rootbox)
				if err != nil {
					return err
				}
				opts.Host = host
			}

			res, err := a.dispatcher().Dispatch(ctx, job, opts)
			if err != nil {
				return err
			}
			switch res.Status {
			case services.DispatchStarted:
				fmt.Fprintf(cmd.OutOrStdout(), "%s started on %s: %d input records\n", job.Name, res.Rootbox, res.Inputs)
			case services.DispatchDryRun:
				fmt.Fprintf(cmd.OutOrStdout(), "%s would start %s on %s: %d input records\n", job.Name, res.ContainerName, res.Rootbox, res.Inputs)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.BoolVarP(&opts.DryRun, "dry", "d", false, "Dry (test) run only, no changes")
	f.BoolVarP(&opts.CheckRunning, "check", "c", false, "Run the scanner only if it is not already running")
	f.StringVarP(&rootbox, "rootbox", "r", "", "Use ROOTBOX instead of the one assigned to the scanner")
	return cmd
}

func listScanners(cmd *cobra.Command, a *app) error {
	ctx := cmd.Context()
	hosts, err := a.repo.ListActiveTargetHosts(ctx, nil)
	if err != nil {
		return err
	}
	jobs, err := a.repo.ListJobDefinitions(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "=== ROOTBOXES ===")
	for _, h := range hosts {
		fmt.Fprintln(out, h.Name)
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "=== SCANNERS ===")
	for _, j := range jobs {
		fmt.Fprintln(out, j.Name)
	}
	printChoices(out, "INPUTS", a.inputs.Choices())
	printChoices(out, "PARSERS", a.parsers.Choices())
	return nil
}

func printChoices(out io.Writer, title string, choices []registry.Choice) {
	fmt.Fprintln(out)
	fmt.Fprintf(out, "=== %s ===\n", title)
	for _, c := range choices {
		if c.Label == c.Key {
			fmt.Fprintln(out, c.Key)
			continue
		}
		fmt.Fprintf(out, "%s\t%s\n", c.Key, c.Label)
	}
}

func runContinuouslyCommand(get appFunc) *cobra.Command {
	var (
		rootbox string
		delay   int
		once    bool
	)
	cmd := &cobra.Command{
		Use:   "run-continuously",
		Short: "Keep continuously running scanners alive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			stopOps := a.serveOps()
			defer stopOps()
			return a.withLock(cmd, func(ctx context.Context) error {
				return a.scheduler().Run(ctx, rootbox, time.Duration(delay)*time.Second, once)
			})
		},
	}
	f := cmd.Flags()
	f.IntVar(&delay, "delay", 60, "Check (and re-run) interval (in seconds)")
	f.StringVarP(&rootbox, "rootbox", "r", "", "Only manage scanners attached to this rootbox (default is all)")
	f.BoolVarP(&once, "run-once", "1", false, "Run only one check")
	return cmd
}

func checkScannersCommand(get appFunc) *cobra.Command {
	var rootbox string
	cmd := &cobra.Command{
		Use:   "check-scanners",
		Short: "Check running scanners in the rootbox(es)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := get().inventory().Check(cmd.Context(), rootbox)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "    ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringVarP(&rootbox, "rootbox", "r", "", "Check only ROOTBOX")
	return cmd
}

func parseResultsCommand(get appFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "parse-results DIRECTORY",
		Short: "Parse a scanner results directory; subdirectories are timestamps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[0]
			if _, err := os.Stat(dir); err != nil {
				return err
			}
			if err := get().fetcher().ParseResultsDir(cmd.Context(), nil, dir); err != nil {
				logger.Error("parser failed", "error", err)
				return err
			}
			return nil
		},
	}
}

func runProxyCommand(get appFunc) *cobra.Command {
	var recreate bool
	cmd := &cobra.Command{
		Use:   "run-proxy ROOTBOX...",
		Short: "Start the egress proxy on rootboxes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return get().proxy().Start(cmd.Context(), args, recreate)
		},
	}
	cmd.Flags().BoolVar(&recreate, "recreate", false, "Delete existing container, if any, and start a new one")
	return cmd
}

func watchCommand(get appFunc) *cobra.Command {
	var rootbox string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print scan log updates published by resync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			if a.redis == nil {
				return errors.New("watch needs REDIS_URL")
			}
			events, err := redis_adapter.NewRedisAdapter(a.redis).Subscribe(cmd.Context(), rootbox)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for ev := range events {
				if err := enc.Encode(ev); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&rootbox, "rootbox", "r", "", "Only events of ROOTBOX")
	return cmd
}
