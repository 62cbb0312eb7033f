package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/MacJediWizard/guardian/internal/backup"
	"github.com/MacJediWizard/guardian/internal/config"
	"github.com/MacJediWizard/guardian/internal/journal"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/spf13/cobra"
)

var (
	okLabel   = color.New(color.FgGreen, color.Bold).SprintFunc()
	failLabel = color.New(color.FgRed, color.Bold).SprintFunc()
	dimLabel  = color.New(color.Faint).SprintFunc()
)

// selectResources returns the named resources, or every enabled resource
// when no names are given.
func selectResources(cfg *config.Config, names []string) ([]*config.Resource, error) {
	if len(names) == 0 {
		return cfg.Enabled(), nil
	}
	out := make([]*config.Resource, 0, len(names))
	for _, name := range names {
		res, ok := cfg.Resource(name)
		if !ok {
			return nil, fmt.Errorf("unknown resource %q", name)
		}
		out = append(out, res)
	}
	return out, nil
}

func newCheckCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check [resource...]",
		Short: "Evaluate resource health once without taking any action",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags.configPath)
			if err != nil {
				return err
			}
			resources, err := selectResources(cfg, args)
			if err != nil {
				return err
			}

			st := buildStack(cmd.Context(), cfg, newCommandLogger(cfg, flags.debug))
			defer st.Close()

			unhealthy := 0
			for _, res := range resources {
				v := st.checker.Check(cmd.Context(), res)
				if v.Healthy {
					fmt.Printf("%s  %-24s %s\n", okLabel("OK  "), res.Name, dimLabel(string(res.Kind)))
					continue
				}
				unhealthy++
				fmt.Printf("%s  %-24s %s\n", failLabel("FAIL"), res.Name, v.Reason)
			}

			if unhealthy > 0 {
				return fmt.Errorf("%d of %d resources unhealthy", unhealthy, len(resources))
			}
			return nil
		},
	}
}

func newStatusCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show failure counters and stored backups",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags.configPath)
			if err != nil {
				return err
			}
			logger := newCommandLogger(cfg, flags.debug)
			st := buildStack(cmd.Context(), cfg, logger)
			defer st.Close()

			printHost(cmd.Context())
			fmt.Printf("Config:   %s\n", cfg.Path)
			fmt.Printf("Backups:  %s (%d generations)\n", cfg.Settings.BackupDir, cfg.Settings.BackupGenerations)
			fmt.Printf("Interval: %s\n", cfg.Settings.CheckInterval)
			for _, problem := range cfg.Problems() {
				fmt.Printf("%s %s\n", failLabel("WARNING"), problem)
			}
			fmt.Println()

			for _, res := range cfg.Resources {
				printResourceStatus(st, res)
			}
			return nil
		},
	}
}

func printHost(ctx context.Context) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		hostname, _ := os.Hostname()
		fmt.Printf("Host:     %s\n", hostname)
		return
	}
	fmt.Printf("Host:     %s (%s %s, kernel %s)\n", info.Hostname, info.Platform, info.PlatformVersion, info.KernelVersion)
	booted := time.Unix(int64(info.BootTime), 0)
	fmt.Printf("Booted:   %s\n", humanize.Time(booted))
}

func printResourceStatus(st *stack, res *config.Resource) {
	state := okLabel("enabled")
	if !res.Enabled {
		state = dimLabel("disabled")
	}

	failures, err := st.state.Load(res.Name)
	counter := fmt.Sprintf("%d/%d", failures, res.MaxSoftRestarts)
	if err != nil {
		counter = failLabel("unreadable")
	} else if failures > 0 {
		counter = failLabel(counter)
	}

	fmt.Printf("%s [%s] %s  failures %s\n", res.Name, res.Kind, state, counter)
	if res.RestartVia != "" {
		fmt.Printf("    restart via %s\n", res.RestartVia)
	}

	for _, live := range res.BackupFiles() {
		gens, err := st.backups.Generations(res, live)
		switch {
		case err != nil:
			fmt.Printf("    %s  %s\n", live, failLabel(err.Error()))
		case len(gens) == 0:
			fmt.Printf("    %s  %s\n", live, dimLabel("no backup"))
		default:
			cur := gens[0]
			fmt.Printf("    %s  %s, %s, %d stored\n",
				live, humanize.Bytes(uint64(cur.Size)), humanize.Time(cur.ModTime), len(gens))
		}
	}
}

func newSnapshotCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot [resource...]",
		Short: "Back up protected files now",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags.configPath)
			if err != nil {
				return err
			}
			resources, err := selectResources(cfg, args)
			if err != nil {
				return err
			}

			st := buildStack(cmd.Context(), cfg, newCommandLogger(cfg, flags.debug))
			defer st.Close()

			var errs []error
			for _, res := range resources {
				n, err := st.backups.Snapshot(cmd.Context(), res)
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", res.Name, err))
				}
				fmt.Printf("%-24s %d file(s) written\n", res.Name, n)
			}
			return errors.Join(errs...)
		},
	}
}

func newRestoreCmd(flags *globalFlags) *cobra.Command {
	var keepCounter bool

	cmd := &cobra.Command{
		Use:   "restore <resource>",
		Short: "Restore a resource's protected files from its current backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags.configPath)
			if err != nil {
				return err
			}
			res, ok := cfg.Resource(args[0])
			if !ok {
				return fmt.Errorf("unknown resource %q", args[0])
			}

			st := buildStack(cmd.Context(), cfg, newCommandLogger(cfg, flags.debug))
			defer st.Close()

			restored, err := st.backups.Restore(cmd.Context(), res)
			if errors.Is(err, backup.ErrNoBackup) {
				return fmt.Errorf("no backup stored for %s", res.Name)
			}
			if err != nil {
				return fmt.Errorf("restore %s: %w", res.Name, err)
			}
			if !restored {
				return fmt.Errorf("nothing restored for %s", res.Name)
			}

			fmt.Printf("Restored %s from backup.\n", res.Name)
			if !keepCounter {
				if err := st.state.Save(res.Name, 0); err != nil {
					return fmt.Errorf("reset failure counter: %w", err)
				}
			}
			fmt.Printf("Restart the resource or let 'guardian run' pick it up on the next cycle.\n")
			return nil
		},
	}

	cmd.Flags().BoolVar(&keepCounter, "keep-counter", false, "do not reset the failure counter")

	return cmd
}

func newHistoryCmd(flags *globalFlags) *cobra.Command {
	var (
		resource string
		since    time.Duration
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent recovery actions from the journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags.configPath)
			if err != nil {
				return err
			}
			if cfg.Settings.JournalFile == "" {
				return errors.New("journal is disabled: set journalFile in [global]")
			}

			store, err := journal.Open(cfg.Settings.JournalFile, newCommandLogger(cfg, flags.debug))
			if err != nil {
				return err
			}
			defer store.Close()

			q := journal.Query{Resource: resource, Limit: limit}
			if since > 0 {
				q.Since = time.Now().Add(-since)
			}
			events, err := store.Recent(cmd.Context(), q)
			if err != nil {
				return fmt.Errorf("read journal: %w", err)
			}
			if len(events) == 0 {
				fmt.Println("No recovery actions recorded.")
				return nil
			}

			for _, e := range events {
				outcome := okLabel(string(e.Outcome))
				if e.Outcome == journal.OutcomeFailed {
					outcome = failLabel(string(e.Outcome))
				}
				fmt.Printf("%s  %-20s %-18s %-6s %s\n",
					e.At.Local().Format("2006-01-02 15:04:05"),
					e.Resource, e.Action, outcome, strings.TrimSpace(e.Detail))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&resource, "resource", "r", "", "only show this resource")
	cmd.Flags().DurationVar(&since, "since", 0, "only show events newer than this (e.g. 24h)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of events")

	return cmd
}
