package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/bytedance/sonic"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"taskhost/internal/app"
	"taskhost/internal/registry"
	"taskhost/internal/services/catalog"
	"taskhost/internal/storage"
	logx "taskhost/pkg/logx"
)

const (
	configFlagName  = "config"
	inputFlagName   = "input"
	timeoutFlagName = "timeout"
	kindFlagName    = "kind"
	limitFlagName   = "limit"
	defaultConfig   = "./taskhost.yaml"
	stopTimeout     = 10 * time.Second
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "taskhost",
		Short:         "Run units on schedules, as workflows and as queued jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String(configFlagName, defaultConfig, "path to the config file (json or yaml)")

	root.AddCommand(newServeCommand(), newRunWorkflowCommand(), newServicesCommand(), newRunsCommand())
	return root
}

func configPath(cmd *cobra.Command) string {
	p, _ := cmd.Flags().GetString(configFlagName)
	return p
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the scheduler, jobs engine and config watcher until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(configPath(cmd))
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				_ = a.Stop(context.Background(), app.StopFatal)
				return fmt.Errorf("start: %w", err)
			}
			notify(a.Logger(), daemon.SdNotifyReady)

			reason := app.StopSignal
			select {
			case <-ctx.Done():
			case <-a.Done():
				reason = app.StopFatal
			}
			notify(a.Logger(), daemon.SdNotifyStopping)

			stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
			defer stopCancel()
			stopErr := a.Stop(stopCtx, reason)
			if reason == app.StopFatal {
				return errors.Join(a.Err(), stopErr)
			}
			return stopErr
		},
	}
}

// notify is a no-op outside systemd.
func notify(log logx.Logger, state string) {
	if ok, err := daemon.SdNotify(false, state); err != nil {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	} else if ok {
		log.Debug("sd_notify sent", logx.String("state", state))
	}
}

func newRunWorkflowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run-workflow NAME",
		Short: "Run one workflow and print its result as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, _ := cmd.Flags().GetString(inputFlagName)
			timeout, _ := cmd.Flags().GetDuration(timeoutFlagName)

			var input any
			if s := strings.TrimSpace(raw); s != "" {
				if err := sonic.UnmarshalString(s, &input); err != nil {
					return fmt.Errorf("--%s: invalid JSON: %w", inputFlagName, err)
				}
			}

			a, err := app.New(configPath(cmd), app.WithoutWatch())
			if err != nil {
				return err
			}
			defer func() { _ = a.Stop(context.Background(), app.StopManual) }()

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if timeout > 0 {
				var tcancel context.CancelFunc
				ctx, tcancel = context.WithTimeout(ctx, timeout)
				defer tcancel()
			}

			out, err := a.RunWorkflow(ctx, args[0], input)
			if err != nil {
				return err
			}
			b, err := sonic.ConfigStd.MarshalIndent(out, "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
			return err
		},
	}
	cmd.Flags().String(inputFlagName, "", "initial input as JSON")
	cmd.Flags().Duration(timeoutFlagName, 0, "give up after this long (0 means no limit)")
	return cmd
}

func newServicesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "services",
		Short: "List the registered service types and their levels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r := registry.New(logx.Nop(), nil)
			if err := catalog.Register(r, catalog.Env{}); err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SERVICE\tPROVIDER\tLEVEL\tDEFAULT")
			for _, sp := range r.Registered() {
				service, provider, _ := strings.Cut(sp, "/")
				def, _ := r.DefaultProvider(service)
				level, _ := r.Level(service, provider)
				mark := ""
				if def == provider {
					mark = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%d (%s)\t%s\n", service, provider, int(level), level, mark)
			}
			return w.Flush()
		},
	}
}

func newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs [NAME]",
		Short: "Show recent run history from the configured data service",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, _ := cmd.Flags().GetString(kindFlagName)
			limit, _ := cmd.Flags().GetInt(limitFlagName)
			q := storage.RunQuery{Kind: kind, Limit: limit}
			if len(args) == 1 {
				q.Name = args[0]
			}

			a, err := app.New(configPath(cmd), app.WithoutWatch())
			if err != nil {
				return err
			}
			defer func() { _ = a.Stop(context.Background(), app.StopManual) }()

			runs, err := a.Store().ListRuns(cmd.Context(), q)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "AT\tKIND\tNAME\tUNIT\tSTATUS\tTOOK\tERROR")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%dms\t%s\n",
					r.At.Format(time.RFC3339), r.Kind, r.Name, r.Unit, r.Status, r.TookMS, r.Error)
			}
			return w.Flush()
		},
	}
	cmd.Flags().String(kindFlagName, "", "filter by kind (schedule, workflow, job)")
	cmd.Flags().Int(limitFlagName, storage.DefaultListLimit, "maximum number of runs")
	return cmd
}
