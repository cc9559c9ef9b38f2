package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/basket/taskpulse/internal/channels"
	"github.com/basket/taskpulse/internal/config"
	"github.com/basket/taskpulse/internal/cron"
	"github.com/basket/taskpulse/internal/duration"
	"github.com/basket/taskpulse/internal/persistence"
)

// Check statuses.
const (
	Pass = "PASS"
	Warn = "WARN"
	Fail = "FAIL"
	Skip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == Fail {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPermissions,
		checkDatabase,
		checkTaskIntervals,
		checkChannels,
		checkRouteCoverage,
		checkLock,
		checkNetwork,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: Fail, Message: "Configuration not loaded"}
	}
	if cfg.NeedsInit {
		return CheckResult{Name: "Config", Status: Warn, Message: "config.yaml missing, running on defaults",
			Detail: fmt.Sprintf("Create %s to configure channels and routes", config.ConfigPath(cfg.HomeDir))}
	}
	return CheckResult{Name: "Config", Status: Pass, Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir), Detail: cfg.Fingerprint()}
}

func checkPermissions(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: Skip, Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: Fail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: Pass, Message: "Home directory writable"}
}

func openStore(cfg *config.Config) (*persistence.Store, error) {
	if _, err := os.Stat(cfg.DBPath); err != nil {
		return nil, err
	}
	return persistence.Open(cfg.DBPath, nil)
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: Skip, Message: "Config missing"}
	}
	store, err := openStore(cfg)
	if os.IsNotExist(err) {
		return CheckResult{Name: "Database", Status: Warn, Message: fmt.Sprintf("%s does not exist yet", cfg.DBPath),
			Detail: "It is created on first use"}
	}
	if err != nil {
		return CheckResult{Name: "Database", Status: Fail, Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	tasks, err := store.ListTasks(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: Fail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	agents, err := store.ListAgents(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: Fail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: Pass, Message: "Connection and schema valid",
		Detail: fmt.Sprintf("%d tasks, %d agents", len(tasks), len(agents))}
}

// checkTaskIntervals flags stored tasks whose interval would be skipped by
// overdue evaluation.
func checkTaskIntervals(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Task Intervals", Status: Skip, Message: "Config missing"}
	}
	store, err := openStore(cfg)
	if err != nil {
		return CheckResult{Name: "Task Intervals", Status: Skip, Message: "Database unavailable"}
	}
	defer store.Close()

	tasks, err := store.ListActiveTasks(ctx)
	if err != nil {
		return CheckResult{Name: "Task Intervals", Status: Fail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	var bad []string
	for _, t := range tasks {
		lit := t.Interval()
		if t.Kind == persistence.KindDefault {
			continue
		}
		if _, err := duration.Parse(lit); err != nil {
			bad = append(bad, fmt.Sprintf("%s (%s %q)", t.ID, t.Kind, lit))
		}
	}
	if len(bad) > 0 {
		return CheckResult{Name: "Task Intervals", Status: Warn,
			Message: fmt.Sprintf("%d active task(s) have no usable interval and are never overdue", len(bad)),
			Detail:  strings.Join(bad, ", ")}
	}
	return CheckResult{Name: "Task Intervals", Status: Pass, Message: fmt.Sprintf("%d active task(s) checked", len(tasks))}
}

func checkChannels(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Channels", Status: Skip, Message: "Config missing"}
	}
	var problems []string
	c := cfg.Channels
	if c.Gateway.URL != "" {
		u, err := url.Parse(c.Gateway.URL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			problems = append(problems, fmt.Sprintf("gateway url %q must be ws:// or wss://", c.Gateway.URL))
		}
	}
	if c.Slack.BotToken != "" && !strings.HasPrefix(c.Slack.BotToken, "xox") {
		problems = append(problems, "slack bot_token does not look like a Slack token (xox…)")
	}
	if c.Telegram.BotToken != "" && !strings.Contains(c.Telegram.BotToken, ":") {
		problems = append(problems, "telegram bot_token does not look like <bot id>:<secret>")
	}
	if err := channels.Validate(c.Routes, c.Enabled()); err != nil {
		problems = append(problems, err.Error())
	}
	enabled := strings.Join(c.Enabled(), ", ")
	if len(problems) > 0 {
		return CheckResult{Name: "Channels", Status: Fail, Message: fmt.Sprintf("%d problem(s)", len(problems)),
			Detail: strings.Join(problems, "; ")}
	}
	return CheckResult{Name: "Channels", Status: Pass, Message: fmt.Sprintf("Enabled: %s", enabled),
		Detail: fmt.Sprintf("%d route(s)", len(c.Routes))}
}

// checkRouteCoverage fails when an agent owning an active task has no
// route; the daemon refuses to start in that state.
func checkRouteCoverage(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Route Coverage", Status: Skip, Message: "Config missing"}
	}
	store, err := openStore(cfg)
	if err != nil {
		return CheckResult{Name: "Route Coverage", Status: Skip, Message: "Database unavailable"}
	}
	defer store.Close()

	tasks, err := store.ListActiveTasks(ctx)
	if err != nil {
		return CheckResult{Name: "Route Coverage", Status: Fail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	missing := channels.Unrouted(cfg.Channels.Routes, ActiveAgentIDs(tasks))
	if len(missing) > 0 {
		return CheckResult{Name: "Route Coverage", Status: Fail,
			Message: fmt.Sprintf("%d agent(s) with active tasks have no route", len(missing)),
			Detail:  strings.Join(missing, ", ")}
	}
	return CheckResult{Name: "Route Coverage", Status: Pass, Message: "Every agent with active tasks is routed"}
}

// ActiveAgentIDs returns the distinct owners of tasks, sorted.
func ActiveAgentIDs(tasks []persistence.Task) []string {
	seen := map[string]struct{}{}
	for _, t := range tasks {
		if t.Status == persistence.TaskStatusActive {
			seen[t.AgentID] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func checkLock(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Tick Lock", Status: Skip, Message: "Config missing"}
	}
	lock := cron.NewFileLock(cfg.LockPath)
	ok, err := lock.TryLock()
	if err != nil {
		return CheckResult{Name: "Tick Lock", Status: Fail, Message: fmt.Sprintf("Cannot open lock: %v", err)}
	}
	if !ok {
		return CheckResult{Name: "Tick Lock", Status: Pass, Message: "Held: a tick is running"}
	}
	_ = lock.Unlock()
	return CheckResult{Name: "Tick Lock", Status: Pass, Message: "Free", Detail: cfg.LockPath}
}

func channelHosts(cfg *config.Config) []string {
	var hosts []string
	if cfg.Channels.Slack.BotToken != "" {
		host := "slack.com"
		if u, err := url.Parse(cfg.Channels.Slack.APIBase); err == nil && u.Hostname() != "" {
			host = u.Hostname()
		}
		hosts = append(hosts, host)
	}
	if cfg.Channels.Telegram.BotToken != "" {
		host := "api.telegram.org"
		if u, err := url.Parse(cfg.Channels.Telegram.Endpoint); err == nil && u.Hostname() != "" {
			host = u.Hostname()
		}
		hosts = append(hosts, host)
	}
	if u, err := url.Parse(cfg.Channels.Gateway.URL); err == nil && u.Hostname() != "" {
		hosts = append(hosts, u.Hostname())
	}
	return hosts
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: Skip, Message: "Config missing"}
	}
	hosts := channelHosts(cfg)
	if len(hosts) == 0 {
		return CheckResult{Name: "Network", Status: Skip, Message: "No remote channels configured"}
	}

	// DNS lookup with timeout.
	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var details []string
	status := Pass
	start := time.Now()
	for _, host := range hosts {
		addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
		if err != nil {
			status = Fail
			details = append(details, fmt.Sprintf("%s: %v", host, err))
			continue
		}
		details = append(details, fmt.Sprintf("%s: %d addresses", host, len(addrs)))
	}
	latency := time.Since(start)

	return CheckResult{
		Name:    "Network",
		Status:  status,
		Message: fmt.Sprintf("Resolved %d host(s) in %dms", len(hosts), latency.Milliseconds()),
		Detail:  strings.Join(details, "; "),
	}
}
