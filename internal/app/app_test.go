package app

import (
	"slices"
	"testing"
	"time"

	"notebot/internal/config"
	"notebot/internal/task/engine"
	"notebot/internal/task/scheduler"
	logx "notebot/pkg/logx"
)

func baseConfig() *config.Config {
	return &config.Config{
		Telegram: config.TelegramConfig{Token: "t", GroupLog: "-100"},
		Storage:  config.StorageConfig{Path: "db.sqlite"},
	}
}

func TestMappingDefaults(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()

	sc, err := mapStorageConfig(cfg)
	if err != nil || sc.BusyTimeout != 5*time.Second {
		t.Fatalf("storage = %+v, %v", sc, err)
	}
	ad, err := mapAdapterConfig(cfg)
	if err != nil || ad.PollTimeout != 10*time.Second {
		t.Fatalf("adapter = %+v, %v", ad, err)
	}
	rc, err := mapReminderConfig(cfg)
	if err != nil || rc.LateAfter != time.Minute || rc.Retention != 0 {
		t.Fatalf("reminder = %+v, %v", rc, err)
	}
	ic, err := mapIntakeConfig(cfg)
	if err != nil || ic.Location != time.UTC || ic.Timeout != 30*time.Second {
		t.Fatalf("intake = %+v, %v", ic, err)
	}
	nc, err := mapNotifierConfig(cfg)
	if err != nil || nc.RetryMax != 0 {
		t.Fatalf("notifier = %+v, %v", nc, err)
	}
	m, err := mapMaintenance(cfg)
	if err != nil || m.reconcileEvery != 0 || m.pruneSpec != "" {
		t.Fatalf("maintenance = %+v, %v", m, err)
	}
}

func TestMapLogConfigNeedsChat(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.Logging.Telegram.Enabled = true
	if lc := mapLogConfig(cfg); !lc.Chat.Enabled || lc.Chat.ChatID != -100 {
		t.Fatalf("chat = %+v", lc.Chat)
	}
	cfg.Telegram.GroupLog = ""
	if lc := mapLogConfig(cfg); lc.Chat.Enabled {
		t.Fatal("chat sink enabled without a chat id")
	}
}

func TestNotifierTimezoneFallsBackToScheduler(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.Scheduler.Timezone = "UTC"
	if nc, _ := mapNotifierConfig(cfg); nc.Timezone != "UTC" {
		t.Fatalf("Timezone = %q, want UTC", nc.Timezone)
	}
}

func TestValidateMapping(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	if err := validateMapping(cfg); err != nil {
		t.Fatalf("validateMapping: %v", err)
	}
	cfg.Status.ReadTimeout = "fast"
	if err := validateMapping(cfg); err == nil {
		t.Fatal("bad status.read_timeout accepted")
	}
}

func scheduleNames(s *scheduler.Service) []string {
	var out []string
	for _, it := range s.Snapshot().Schedules {
		out = append(out, it.Name)
	}
	slices.Sort(out)
	return out
}

func TestApplyMaintenance(t *testing.T) {
	t.Parallel()
	eng := engine.New(engine.Config{}, logx.Nop(), nil)
	a := &App{log: logx.Nop(), sched: scheduler.New(scheduler.Config{}, eng, logx.Nop(), nil)}

	if err := a.applyMaintenance(maintenance{reconcileEvery: 10 * time.Minute, pruneSpec: "30 3 * * *"}); err != nil {
		t.Fatalf("applyMaintenance: %v", err)
	}
	if got, want := scheduleNames(a.sched), []string{jobPrune, jobReconcile}; !slices.Equal(got, want) {
		t.Fatalf("jobs = %v, want %v", got, want)
	}

	if err := a.applyMaintenance(maintenance{pruneSpec: "30 3 * * *"}); err != nil {
		t.Fatalf("applyMaintenance: %v", err)
	}
	if got := scheduleNames(a.sched); !slices.Equal(got, []string{jobPrune}) {
		t.Fatalf("jobs = %v, want [%s]", got, jobPrune)
	}

	if err := a.applyMaintenance(maintenance{pruneSpec: "not a cron"}); err == nil {
		t.Fatal("bad prune spec accepted")
	}
}
