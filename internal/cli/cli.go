// Package cli is the dispatchd command line: the daemon itself plus admin
// commands that work directly on the configured store.
package cli

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
	"time"

	"github.com/spf13/cobra"

	"dispatchd/internal/app"
	"dispatchd/internal/campaign"
	"dispatchd/internal/config"
	"dispatchd/pkg/logx"
	"dispatchd/pkg/systemd"
)

// Version is set at build time with -ldflags.
var Version = "dev"

type flags struct {
	config  string
	envFile string
}

func Build() *cobra.Command {
	f := &flags{}
	root := &cobra.Command{
		Use:           "dispatchd",
		Short:         "Outbound dispatch and scheduling for chat bots",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return config.LoadDotEnv(f.envFile)
		},
	}
	root.PersistentFlags().StringVarP(&f.config, "config", "c", "./dispatchd.yaml", "config file (json or yaml)")
	root.PersistentFlags().StringVar(&f.envFile, "env-file", ".env", "dotenv file with secrets")

	root.AddCommand(serveCmd(f), campaignCmd(f), queueCmd(f))
	return root
}

func serveCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, f.config)
		},
	}
}

func serve(ctx context.Context, cfgPath string) error {
	a, err := app.New(ctx, cfgPath)
	if err != nil {
		return err
	}
	log := a.Logger()
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return err
	}
	_, _ = systemd.Ready()
	_, _ = systemd.Status("serving on " + a.HTTPAddr())

	wdCtx, stopWatchdog := context.WithCancel(ctx)
	defer stopWatchdog()
	go func() {
		if err := systemd.Watchdog(wdCtx, a.Ping); err != nil {
			log.Warn("systemd watchdog unavailable", logx.Err(err))
		}
	}()

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}
	stopWatchdog()
	_, _ = systemd.Stopping()

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	fatal := a.Err()
	if err := a.Stop(stopCtx, reason); err != nil {
		return err
	}
	return fatal
}

// withOffline opens the store without starting anything and runs fn.
func withOffline(ctx context.Context, cfgPath string, fn func(a *app.App) error) error {
	a, err := app.New(ctx, cfgPath, app.Offline(), app.WithLogging(logx.Config{Level: "warn", Console: true}))
	if err != nil {
		return err
	}
	defer func() { _ = a.Stop(context.Background(), app.StopAppStop) }()
	return fn(a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func campaignCmd(f *flags) *cobra.Command {
	cmd := &cobra.Command{Use: "campaign", Short: "Manage campaigns"}

	var (
		in      campaign.CreateInput
		targets []string
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a draft campaign",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			ts, err := parseTargets(targets)
			if err != nil {
				return err
			}
			in.Targets = ts
			return withOffline(c.Context(), f.config, func(a *app.App) error {
				out, err := a.Campaigns().Create(c.Context(), in)
				if err != nil {
					return err
				}
				return printJSON(c.OutOrStdout(), out)
			})
		},
	}
	create.Flags().StringVar(&in.Name, "name", "", "campaign name")
	create.Flags().StringVar(&in.Message, "message", "", "message text")
	create.Flags().StringVar(&in.BotID, "bot", "", "bot id (defaults to default_bot)")
	create.Flags().IntVar(&in.TotalTargets, "total", 0, "total audience size when larger than the target list")
	create.Flags().StringArrayVar(&targets, "target", nil, "recipient as <to> or <audienceId>=<to>; repeatable")
	_ = create.MarkFlagRequired("name")

	queueIt := &cobra.Command{
		Use:   "queue <id>",
		Short: "Queue a campaign for sending",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return withOffline(c.Context(), f.config, func(a *app.App) error {
				res, err := a.Campaigns().Queue(c.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(c.OutOrStdout(), res)
			})
		},
	}

	status := &cobra.Command{
		Use:   "status <id>",
		Short: "Show campaign progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return withOffline(c.Context(), f.config, func(a *app.App) error {
				s, err := a.Campaigns().Status(c.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(c.OutOrStdout(), s)
			})
		},
	}

	var page, pageSize int
	list := &cobra.Command{
		Use:   "list",
		Short: "List campaigns, newest first",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			return withOffline(c.Context(), f.config, func(a *app.App) error {
				p, err := a.Campaigns().List(c.Context(), page, pageSize)
				if err != nil {
					return err
				}
				return printJSON(c.OutOrStdout(), p)
			})
		},
	}
	list.Flags().IntVar(&page, "page", 1, "page number")
	list.Flags().IntVar(&pageSize, "page-size", campaign.DefaultPageSize, "page size")

	var sched campaign.ScheduleInput
	schedule := &cobra.Command{
		Use:   "schedule <id>",
		Short: "Attach a cron schedule to a campaign",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return withOffline(c.Context(), f.config, func(a *app.App) error {
				s, err := a.Campaigns().CreateSchedule(c.Context(), args[0], sched)
				if err != nil {
					return err
				}
				return printJSON(c.OutOrStdout(), s)
			})
		},
	}
	schedule.Flags().StringVar(&sched.CronExpression, "cron", "", "five-field cron expression")
	schedule.Flags().StringVar(&sched.Timezone, "tz", "", "IANA timezone (defaults to queue.timezone)")
	_ = schedule.MarkFlagRequired("cron")

	cmd.AddCommand(create, queueIt, status, list, schedule)
	return cmd
}

func parseTargets(raw []string) ([]campaign.Target, error) {
	out := make([]campaign.Target, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			return nil, errors.New("empty --target")
		}
		aud, to, ok := strings.Cut(r, "=")
		if !ok {
			aud, to = r, r
		}
		if aud == "" || to == "" {
			return nil, fmt.Errorf("bad --target %q", r)
		}
		out = append(out, campaign.Target{AudienceID: aud, To: to})
	}
	return out, nil
}

func queueCmd(f *flags) *cobra.Command {
	cmd := &cobra.Command{Use: "queue", Short: "Inspect the job queue"}
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show stored jobs by state and repeat registrations",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			return withOffline(c.Context(), f.config, func(a *app.App) error {
				counts, err := a.Queue().Counts(c.Context())
				if err != nil {
					return err
				}
				repeats, err := a.Queue().Repeatables(c.Context())
				if err != nil {
					return err
				}
				return printJSON(c.OutOrStdout(), map[string]any{"jobs": counts, "repeatables": repeats})
			})
		},
	})
	return cmd
}
