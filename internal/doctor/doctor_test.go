package doctor

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/taskpulse/internal/channels"
	"github.com/basket/taskpulse/internal/config"
	"github.com/basket/taskpulse/internal/cron"
	"github.com/basket/taskpulse/internal/persistence"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	home := t.TempDir()
	return &config.Config{
		HomeDir:  home,
		DBPath:   filepath.Join(home, "taskpulse.db"),
		LockPath: filepath.Join(home, "tick.lock"),
	}
}

func seedTasks(t *testing.T, cfg *config.Config, tasks ...persistence.Task) {
	t.Helper()
	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	for i := range tasks {
		if err := store.SaveTask(context.Background(), &tasks[i]); err != nil {
			t.Fatalf("save task: %v", err)
		}
	}
}

func task(id, agent string, kind persistence.TaskKind, interval string) persistence.Task {
	now := time.Now().UTC()
	t := persistence.Task{ID: id, Name: id, Kind: kind, AgentID: agent, Status: persistence.TaskStatusActive,
		LastUpdate: now, CreatedAt: now}
	switch kind {
	case persistence.KindRecurring:
		t.Cadence = interval
	case persistence.KindProject:
		t.StatusInterval = interval
	}
	return t
}

func TestNilConfigSkips(t *testing.T) {
	for _, check := range []func(context.Context, *config.Config) CheckResult{
		checkPermissions, checkDatabase, checkTaskIntervals, checkChannels, checkRouteCoverage, checkLock, checkNetwork,
	} {
		if r := check(context.Background(), nil); r.Status != Skip {
			t.Fatalf("%s: expected SKIP for nil config, got %s", r.Name, r.Status)
		}
	}
	if r := checkConfig(context.Background(), nil); r.Status != Fail {
		t.Fatalf("config: expected FAIL for nil config, got %s", r.Status)
	}
}

func TestCheckDatabase_MissingFileWarns(t *testing.T) {
	cfg := testConfig(t)
	if r := checkDatabase(context.Background(), cfg); r.Status != Warn {
		t.Fatalf("expected WARN for missing db, got %+v", r)
	}
	seedTasks(t, cfg, task("a", "alpha", persistence.KindRecurring, "1h"))
	if r := checkDatabase(context.Background(), cfg); r.Status != Pass || !strings.Contains(r.Detail, "1 tasks") {
		t.Fatalf("expected PASS with one task, got %+v", r)
	}
}

func TestCheckTaskIntervals_FlagsUnparseable(t *testing.T) {
	cfg := testConfig(t)
	seedTasks(t, cfg,
		task("good", "alpha", persistence.KindRecurring, "1h"),
		task("bad", "alpha", persistence.KindRecurring, "hourly"),
		task("idle", "alpha", persistence.KindDefault, ""),
	)
	r := checkTaskIntervals(context.Background(), cfg)
	if r.Status != Warn || !strings.Contains(r.Detail, "bad") || strings.Contains(r.Detail, "good") {
		t.Fatalf("unexpected result: %+v", r)
	}
}

func TestCheckRouteCoverage(t *testing.T) {
	cfg := testConfig(t)
	seedTasks(t, cfg,
		task("a", "alpha", persistence.KindRecurring, "1h"),
		task("b", "beta", persistence.KindProject, "2h"),
	)
	cfg.Channels.Routes = map[string]channels.Route{
		"alpha": {Silent: channels.Endpoint{Channel: "bus", Target: "alpha"}, Visible: channels.Endpoint{Channel: "bus", Target: "alpha"}},
	}
	r := checkRouteCoverage(context.Background(), cfg)
	if r.Status != Fail || r.Detail != "beta" {
		t.Fatalf("expected beta unrouted, got %+v", r)
	}
	cfg.Channels.Routes["beta"] = cfg.Channels.Routes["alpha"]
	if r := checkRouteCoverage(context.Background(), cfg); r.Status != Pass {
		t.Fatalf("expected PASS, got %+v", r)
	}
}

func TestCheckChannels(t *testing.T) {
	cfg := testConfig(t)
	cfg.Channels.Gateway.URL = "http://localhost/ws"
	cfg.Channels.Slack.BotToken = "not-a-token"
	r := checkChannels(context.Background(), cfg)
	if r.Status != Fail || !strings.Contains(r.Detail, "ws://") || !strings.Contains(r.Detail, "xox") {
		t.Fatalf("unexpected result: %+v", r)
	}
	cfg.Channels.Gateway.URL = "ws://localhost/ws"
	cfg.Channels.Slack.BotToken = "xoxb-1"
	if r := checkChannels(context.Background(), cfg); r.Status != Pass {
		t.Fatalf("expected PASS, got %+v", r)
	}
}

func TestCheckLock_ReportsHeldLock(t *testing.T) {
	cfg := testConfig(t)
	if r := checkLock(context.Background(), cfg); r.Status != Pass || r.Message != "Free" {
		t.Fatalf("expected free lock, got %+v", r)
	}
	held := cron.NewFileLock(cfg.LockPath)
	if ok, err := held.TryLock(); !ok || err != nil {
		t.Fatalf("take lock: ok=%v err=%v", ok, err)
	}
	defer held.Unlock()
	if r := checkLock(context.Background(), cfg); !strings.HasPrefix(r.Message, "Held") {
		t.Fatalf("expected held lock, got %+v", r)
	}
}

func TestCheckNetwork_NoRemoteChannelsSkips(t *testing.T) {
	if r := checkNetwork(context.Background(), testConfig(t)); r.Status != Skip {
		t.Fatalf("expected SKIP, got %+v", r)
	}
}

func TestChannelHosts(t *testing.T) {
	cfg := testConfig(t)
	cfg.Channels.Slack.BotToken = "xoxb-1"
	cfg.Channels.Telegram.BotToken = "1:x"
	cfg.Channels.Telegram.Endpoint = "https://tg.internal/bot%s/%s"
	cfg.Channels.Gateway.URL = "ws://agents.local:18789/ws"
	got := strings.Join(channelHosts(cfg), ",")
	if got != "slack.com,tg.internal,agents.local" {
		t.Fatalf("hosts = %s", got)
	}
}

func TestRun_FailedReflectsResults(t *testing.T) {
	cfg := testConfig(t)
	d := Run(context.Background(), cfg, "test")
	if d.System.Version != "test" || len(d.Results) != 8 {
		t.Fatalf("unexpected diagnosis: %+v", d)
	}
	if d.Failed() {
		t.Fatalf("fresh home should not fail: %+v", d.Results)
	}
}

func TestActiveAgentIDs(t *testing.T) {
	paused := task("p", "gamma", persistence.KindRecurring, "1h")
	paused.Status = persistence.TaskStatusPaused
	got := ActiveAgentIDs([]persistence.Task{
		task("a", "beta", persistence.KindRecurring, "1h"),
		task("b", "alpha", persistence.KindRecurring, "1h"),
		task("c", "beta", persistence.KindRecurring, "1h"),
		paused,
	})
	if strings.Join(got, ",") != "alpha,beta" {
		t.Fatalf("ids = %v", got)
	}
}
