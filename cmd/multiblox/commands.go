package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"multiblox/internal/executor"
	"multiblox/internal/history"
	"multiblox/internal/launch"
)

func newPrepareCmd(a **app) *cobra.Command {
	var flavor string
	var count int
	var reset bool

	cmd := &cobra.Command{
		Use:   "prepare",
		Short: "Fabricate instance clones for a flavor",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var err error
			if reset {
				_, err = (*a).fabricator.ResetClones(ctx, flavor, count)
			} else {
				_, err = (*a).fabricator.EnsureClones(ctx, flavor, count)
			}
			if err != nil {
				return err
			}
			// New instances pick up their assigned executors immediately.
			if applyErr := (*a).executors.ApplyAll(ctx, count); applyErr != nil {
				(*a).logger.Warn("Failed to apply executor assignments", "error", applyErr)
			}
			for _, c := range (*a).fabricator.ListClones(flavor) {
				fmt.Printf("%-4d %-40s patched=%v\n", c.InstanceIndex, c.BundleIdentifier, c.IsPatched)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&flavor, "flavor", "clean", "flavor to fabricate")
	cmd.Flags().IntVar(&count, "count", 1, "number of instances")
	cmd.Flags().BoolVar(&reset, "reset", false, "delete existing clones of the flavor first")
	return cmd
}

func newLaunchCmd(a **app) *cobra.Command {
	var flavor, mode string
	var accounts []string
	var placeID int64
	var directExec, ephemeral bool

	cmd := &cobra.Command{
		Use:   "launch",
		Short: "Launch one session per account and monitor them",
		Long: `Launch submits one request per --account (formatted name=credential;
a bare name reads the credential from MULTIBLOX_COOKIE_<NAME>). The
command keeps running while sessions are alive; Ctrl-C stops monitoring
without stopping the game instances.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(accounts) == 0 {
				return fmt.Errorf("at least one --account is required")
			}
			reqs := make([]launch.Request, 0, len(accounts))
			for _, spec := range accounts {
				acct, err := parseAccount(spec)
				if err != nil {
					return err
				}
				reqs = append(reqs, launch.Request{
					Account:  acct,
					Game:     launch.Game{PlaceID: placeID},
					Settings: launch.Settings{Flavor: flavor, DirectExec: directExec, Ephemeral: ephemeral},
				})
			}

			app := *a
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			scheduler, err := launch.NewScheduler(launch.Config{
				MaxConcurrentLaunches: app.cfg.Launch.MaxConcurrentLaunches,
				DetectTimeout:         app.cfg.Detection.DetectTimeout,
				LivenessInterval:      app.cfg.Detection.LivenessInterval,
				SessionRetention:      app.cfg.Launch.SessionRetention,
				StaggerDelay:          app.cfg.Launch.StaggerDelay,
				Clones:                app.fabricator,
				Injector:              app.executors,
				Tickets:               app.tickets,
				Links:                 app.links,
				Monitor:               app.monitor,
				Dispatcher:            launch.NewOSDispatcher(app.runner, app.logger),
				History:               app.historyDB,
				Metrics:               app.collector,
				Logger:                app.logger,
			})
			if err != nil {
				return err
			}
			go scheduler.Run(ctx)

			if app.cfg.Metrics.Enabled {
				go serveMetrics(app, ctx)
			}
			watcher := executor.NewCloneWatcher(app.executors, app.cfg.Paths.ClonesDir,
				func() int { return app.totalInstances(flavor) }, app.logger)
			go watcher.Run(ctx)

			switch mode {
			case "pair":
				if len(reqs) != 2 {
					return fmt.Errorf("pair mode needs exactly two accounts")
				}
				scheduler.SubmitPair(ctx, reqs[0], reqs[1], true)
			case "burst":
				if len(reqs) != 1 {
					return fmt.Errorf("burst mode needs exactly one account")
				}
				scheduler.SubmitBurst(ctx, reqs[0])
			case "staggered":
				scheduler.SubmitStaggered(ctx, reqs)
			default:
				for _, req := range reqs {
					scheduler.Submit(req)
				}
			}

			return watchSessions(ctx, scheduler)
		},
	}
	cmd.Flags().StringVar(&flavor, "flavor", "clean", "flavor to launch")
	cmd.Flags().StringVar(&mode, "mode", "single", "submission mode: single, pair, staggered, burst")
	cmd.Flags().StringArrayVar(&accounts, "account", nil, "account as name=credential (repeatable)")
	cmd.Flags().Int64Var(&placeID, "place", 0, "place identifier to join")
	cmd.Flags().BoolVar(&directExec, "direct", false, "exec the clone binary directly instead of OS open")
	cmd.Flags().BoolVar(&ephemeral, "ephemeral", false, "delete the clone when its session ends")
	cmd.MarkFlagRequired("place")
	return cmd
}

// watchSessions prints state changes until every session is terminal or
// the context ends.
func watchSessions(ctx context.Context, scheduler *launch.Scheduler) error {
	seen := make(map[string]launch.Status)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		sessions := scheduler.Sessions()
		allTerminal := len(sessions) > 0
		for _, sess := range sessions {
			if prev, ok := seen[sess.ID]; !ok || prev != sess.Status {
				seen[sess.ID] = sess.Status
				line := fmt.Sprintf("%s  %-12s %s", sess.ID[:8], sess.Status, sess.Account.Name)
				if sess.Err != "" {
					line += "  " + sess.Err
				}
				fmt.Println(line)
			}
			if !sess.Status.Terminal() {
				allTerminal = false
			}
		}
		if allTerminal && scheduler.QueueDepth() == 0 {
			return nil
		}
	}
}

func serveMetrics(app *app, ctx context.Context) {
	srv := &http.Server{Addr: app.cfg.Metrics.ListenAddr, Handler: app.collector.Handler()}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	app.logger.Info("Serving metrics", "addr", app.cfg.Metrics.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		app.logger.Error("Metrics server failed", "error", err)
	}
}

func parseAccount(spec string) (launch.Account, error) {
	name, cred, found := strings.Cut(spec, "=")
	if !found {
		env := "MULTIBLOX_COOKIE_" + strings.ToUpper(name)
		cred = os.Getenv(env)
		if cred == "" {
			return launch.Account{}, fmt.Errorf("no credential for account %q: pass name=credential or set %s", name, env)
		}
	}
	if name == "" {
		return launch.Account{}, fmt.Errorf("account name must not be empty")
	}
	return launch.Account{Name: name, Credential: cred}, nil
}

func newExecutorCmd(a **app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "executor",
		Short: "Manage injection profiles and instance assignments",
	}

	var name, script, url, command string
	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install or update an executor profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, source := executor.SourceCommand, command
			switch {
			case script != "":
				kind, source = executor.SourceScript, script
			case url != "":
				kind, source = executor.SourceURL, url
			case command == "":
				return fmt.Errorf("one of --script, --url or --command is required")
			}
			p, err := (*a).executors.Install(cmd.Context(), name, kind, source)
			if err != nil {
				return err
			}
			fmt.Printf("%s  %s  libs=%v\n", p.ID, p.Name, p.PayloadLibs)
			return nil
		},
	}
	installCmd.Flags().StringVar(&name, "name", "", "profile name")
	installCmd.Flags().StringVar(&script, "script", "", "local install script path")
	installCmd.Flags().StringVar(&url, "url", "", "installer download URL")
	installCmd.Flags().StringVar(&command, "command", "", "shell install command")
	installCmd.MarkFlagRequired("name")

	removeCmd := &cobra.Command{
		Use:   "remove <profile-id>",
		Short: "Remove a profile and clear its assignments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return (*a).executors.Remove(args[0])
		},
	}

	var instance int
	var profileID string
	var none bool
	assignCmd := &cobra.Command{
		Use:   "assign",
		Short: "Assign a profile to an instance index",
		RunE: func(cmd *cobra.Command, args []string) error {
			var id *string
			if !none {
				if profileID == "" {
					return fmt.Errorf("--id or --none is required")
				}
				id = &profileID
			}
			if err := (*a).executors.Assign(instance, id); err != nil {
				return err
			}
			return (*a).executors.ApplyOne(cmd.Context(), instance)
		},
	}
	assignCmd.Flags().IntVar(&instance, "instance", 0, "instance index")
	assignCmd.Flags().StringVar(&profileID, "id", "", "executor profile id")
	assignCmd.Flags().BoolVar(&none, "none", false, "clear the assignment")
	assignCmd.MarkFlagRequired("instance")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List profiles and assignments",
		RunE: func(cmd *cobra.Command, args []string) error {
			profiles, err := (*a).executors.Profiles()
			if err != nil {
				return err
			}
			for _, p := range profiles {
				fmt.Printf("%s  %-20s installed=%v\n", p.ID, p.Name, p.Installed())
			}
			assignments, err := (*a).executors.Assignments()
			if err != nil {
				return err
			}
			for index, id := range assignments {
				fmt.Printf("instance %d -> %s\n", index, id)
			}
			return nil
		},
	}

	var total int
	applyCmd := &cobra.Command{
		Use:   "apply",
		Short: "Re-apply assignments to every instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			if total == 0 {
				total = (*a).totalInstances("clean")
			}
			return (*a).executors.ApplyAll(cmd.Context(), total)
		},
	}
	applyCmd.Flags().IntVar(&total, "instances", 0, "total instance count (default: detected)")

	cmd.AddCommand(installCmd, removeCmd, assignCmd, listCmd, applyCmd)
	return cmd
}

func newSessionsCmd(a **app) *cobra.Command {
	var account string
	var limit int
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Show recent launch sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			if account != "" {
				rows, err := (*a).historyDB.ListByAccount(account, limit)
				if err != nil {
					return err
				}
				printHistory(rows)
				return nil
			}
			rows, err := (*a).historyDB.ListRecent(limit)
			if err != nil {
				return err
			}
			printHistory(rows)
			return nil
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "filter by account")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows")
	return cmd
}

func printHistory(rows []history.Record) {
	for _, r := range rows {
		duration := ""
		if r.LaunchedAt.Valid && r.EndedAt.Valid {
			duration = r.EndedAt.Time.Sub(r.LaunchedAt.Time).Round(time.Second).String()
		}
		line := fmt.Sprintf("%s  %-12s %-16s place=%d %s", r.StartedAt.Format(time.RFC3339), r.Status, r.Account, r.PlaceID, duration)
		if r.Error != "" {
			line += "  " + r.Error
		}
		fmt.Println(line)
	}
}

func newStatsCmd(a **app) *cobra.Command {
	var account string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show launch statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := (*a).historyDB.Stats(account)
			if err != nil {
				return err
			}
			fmt.Printf("total=%d succeeded=%d failed=%d success_rate=%.1f%% avg_duration=%s\n",
				stats.Total, stats.Succeeded, stats.Failed, stats.SuccessRate*100, stats.AvgDuration)
			return nil
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "restrict to one account")
	return cmd
}
