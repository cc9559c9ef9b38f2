package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/basket/taskpulse/internal/audit"
	"github.com/basket/taskpulse/internal/bus"
	"github.com/basket/taskpulse/internal/channels"
	"github.com/basket/taskpulse/internal/config"
	"github.com/basket/taskpulse/internal/cron"
	"github.com/basket/taskpulse/internal/doctor"
	"github.com/basket/taskpulse/internal/wake"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the wake scheduler until interrupted",
	Long: `Run the wake engine on a fixed tick. Each tick finds overdue and idle
agents and wakes them through their routes, silently first and visibly if
the silent wake goes unanswered. config.yaml route changes apply without a
restart.`,
	RunE: runDaemon,
}

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one wake tick and print what it did",
	RunE:  runTick,
}

func init() {
	rootCmd.AddCommand(daemonCmd, tickCmd)
}

// waker is the delivery side shared by daemon and tick.
type waker struct {
	engine  *wake.Engine
	router  *channels.Router
	journal *audit.Journal
}

func (w *waker) Close() error {
	return w.journal.Close()
}

func buildSenders(c config.ChannelsConfig, b *bus.Bus) []channels.Sender {
	senders := []channels.Sender{channels.NewBusSender(b)}
	if c.Gateway.URL != "" {
		timeout := time.Duration(c.Gateway.TimeoutSeconds) * time.Second
		senders = append(senders, channels.NewGatewaySender(c.Gateway.URL, c.Gateway.Token, timeout))
	}
	if c.Slack.BotToken != "" {
		senders = append(senders, channels.NewSlackSender(c.Slack.BotToken, c.Slack.APIBase, nil))
	}
	if c.Telegram.BotToken != "" {
		senders = append(senders, channels.NewTelegramSender(c.Telegram.BotToken, c.Telegram.Endpoint, nil))
	}
	return senders
}

func (a *app) newWaker() (*waker, error) {
	journal, err := audit.Open(a.cfg.HomeDir)
	if err != nil {
		return nil, fmt.Errorf("open audit journal: %w", err)
	}
	router := channels.NewRouter(a.cfg.Channels.Routes, buildSenders(a.cfg.Channels, a.bus), journal, a.provider.Tracer, a.logger)
	engine, err := wake.New(wake.Config{
		Store:         a.store,
		State:         wake.NewKVStateStore(a.store),
		Notifier:      router,
		Evaluator:     a.svc.Evaluator(),
		IdleThreshold: a.svc.IdleThreshold(),
		Bus:           a.bus,
		Metrics:       a.metrics,
		Tracer:        a.provider.Tracer,
		Logger:        a.logger,
	})
	if err != nil {
		_ = journal.Close()
		return nil, err
	}
	return &waker{engine: engine, router: router, journal: journal}, nil
}

// unroutedAgents lists owners of active tasks that have no route.
func (a *app) unroutedAgents(ctx context.Context, routes map[string]channels.Route) ([]string, error) {
	tasks, err := a.store.ListActiveTasks(ctx)
	if err != nil {
		return nil, err
	}
	return channels.Unrouted(routes, doctor.ActiveAgentIDs(tasks)), nil
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, appOptions{memoryFallback: true})
	if err != nil {
		return err
	}
	defer a.Close()

	missing, err := a.unroutedAgents(ctx, a.cfg.Channels.Routes)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return fmt.Errorf("agents with active tasks have no route: %s (add them with `taskpulse agent route`)", strings.Join(missing, ", "))
	}

	w, err := a.newWaker()
	if err != nil {
		return err
	}
	defer w.Close()

	if brokers := a.cfg.Events.Kafka.Brokers; brokers != "" {
		kw, err := bus.NewKafkaWriter(brokers, a.cfg.Events.Kafka.Topic)
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		fwd := bus.NewForwarder(a.bus, kw, a.cfg.Events.Kafka.Prefix, a.logger)
		go fwd.Run(ctx)
		a.logger.Info("forwarding events to kafka", "brokers", brokers, "topic", a.cfg.Events.Kafka.Topic)
	}

	sched, err := cron.NewScheduler(cron.Config{
		Engine:   w.engine,
		LockPath: a.cfg.LockPath,
		Logger:   a.logger,
		Interval: a.cfg.TickInterval(),
		OnReport: func(r wake.Report) {
			a.logger.Info("tick complete",
				"trace_id", r.TraceID, "overdue", r.Overdue, "delivered", r.Delivered(),
				"decisions", len(r.Decisions), "saved", r.Saved)
		},
	})
	if err != nil {
		return err
	}

	watcher := config.NewWatcher(a.cfg.HomeDir, a.logger)
	if err := watcher.Start(ctx); err != nil {
		a.logger.Warn("config watcher unavailable, routes will not hot-reload", "error", err)
	} else {
		go a.reloadRoutes(ctx, watcher, w.router)
	}

	sched.Start(ctx)
	a.logger.Info("daemon started", "version", Version, "tick", a.cfg.TickInterval(), "channels", strings.Join(w.router.Channels(), ","))
	<-ctx.Done()
	sched.Stop()

	flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if counters, err := a.provider.Counters(flushCtx); err != nil {
		a.logger.Warn("collect metrics failed", "error", err)
	} else {
		for _, c := range counters {
			a.logger.Info("metric total", "name", c.Name, "value", c.Value, "attributes", c.Attributes)
		}
	}
	a.logger.Info("daemon stopped", "failed_deliveries", w.journal.FailCount())
	return nil
}

// reloadRoutes swaps the router's route table whenever config.yaml
// changes. A config that fails to load or names a channel the daemon did
// not start with is rejected and the previous routes stay in force.
func (a *app) reloadRoutes(ctx context.Context, watcher *config.Watcher, router *channels.Router) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events():
			if !ok {
				return
			}
			cfg, err := config.LoadFrom(a.cfg.HomeDir)
			if err != nil {
				a.logger.Error("config reload rejected, keeping previous routes", "path", ev.Path, "error", err)
				continue
			}
			if err := channels.Validate(cfg.Channels.Routes, router.Channels()); err != nil {
				a.logger.Error("config reload rejected, keeping previous routes", "path", ev.Path, "error", err)
				continue
			}
			router.Update(cfg.Channels.Routes)
			a.logger.Info("routes reloaded", "agents", len(cfg.Channels.Routes), "fingerprint", cfg.Fingerprint())
			if missing, err := a.unroutedAgents(ctx, cfg.Channels.Routes); err == nil && len(missing) > 0 {
				a.logger.Warn("agents with active tasks have no route", "agents", missing)
			}
		}
	}
}

func runTick(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(a *app) error {
		w, err := a.newWaker()
		if err != nil {
			return err
		}
		defer w.Close()
		sched, err := cron.NewScheduler(cron.Config{
			Engine:   w.engine,
			LockPath: a.cfg.LockPath,
			Logger:   a.logger,
			Interval: a.cfg.TickInterval(),
		})
		if err != nil {
			return err
		}
		report, ran, err := sched.RunOnce(cmd.Context())
		if err != nil {
			return err
		}
		if !ran {
			return fmt.Errorf("another tick holds %s", a.cfg.LockPath)
		}
		return emit(cmd.OutOrStdout(), report, func(out io.Writer) {
			printReport(out, report)
		})
	})
}

func printReport(w io.Writer, r wake.Report) {
	fmt.Fprintf(w, "Tick %s at %s: %d overdue, %d delivered\n",
		r.TraceID, r.At.Local().Format(time.RFC3339), r.Overdue, r.Delivered())
	if len(r.Decisions) == 0 {
		fmt.Fprintln(w, "Nothing to wake.")
		return
	}
	for _, d := range r.Decisions {
		what := strings.Join(d.TaskIDs, ", ")
		if d.Idle {
			what = strings.TrimPrefix(what+", idle", ", ")
		}
		fmt.Fprintf(w, "  %-16s %-24s %s\n", d.AgentID, actionColor(d.Action), what)
	}
}

func actionColor(a wake.Action) string {
	switch a {
	case wake.ActionSilent, wake.ActionAcknowledged:
		return color.GreenString(string(a))
	case wake.ActionFallback, wake.ActionEscalated:
		return color.YellowString(string(a))
	case wake.ActionFailed:
		return color.RedString(string(a))
	}
	return string(a)
}
