package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fpsched/internal/config"
	"fpsched/internal/storage"
	"fpsched/internal/task/periodic"
	logx "fpsched/pkg/logx"
)

const baseConfig = `
logging:
  level: error
  console: true
kernel:
  max_priorities: 8
  %KERNEL%
scheduler:
  policy: rms
  watchdog:
    period_ticks: 50
resources: [bus]
tasks:
  - name: sensor
    period: 20
    wcet: 5
    compute: 3
    overrun:
      instances: [1]
      compute: 10
  - name: logger
    period: 50
    wcet: 10
    compute: 4
    resource: {name: bus, hold: 2}
journal:
  driver: file
  path: %JOURNAL%
`

func writeConfig(t *testing.T, kernelLine string) (cfgPath, journalPath string) {
	t.Helper()
	dir := t.TempDir()
	journalPath = filepath.Join(dir, "journal")
	body := strings.NewReplacer("%KERNEL%", kernelLine, "%JOURNAL%", journalPath).Replace(baseConfig)
	cfgPath = filepath.Join(dir, "fpsched.yaml")
	if err := os.WriteFile(cfgPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cfgPath, journalPath
}

func lastRun(t *testing.T, journalPath string) (storage.Run, []storage.Record) {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: journalPath}, logx.Nop())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer st.Close()
	runs, err := st.Runs(context.Background(), 1)
	if err != nil || len(runs) != 1 {
		t.Fatalf("runs = %v, %v", runs, err)
	}
	recs, err := st.Recent(context.Background(), runs[0].ID, 100)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	return runs[0], recs
}

func TestRunStopsAtTickLimitAndJournals(t *testing.T) {
	cfgPath, journalPath := writeConfig(t, "stop_after_ticks: 200")

	a, err := New(cfgPath)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if ctx.Err() != nil {
		t.Fatalf("run ended by timeout, not by tick limit")
	}

	st := a.Scheduler().Stats()
	if st.Tick < 200 || st.WCETOverruns != 1 || st.Recoveries != 1 {
		t.Fatalf("stats = %+v", st)
	}

	run, recs := lastRun(t, journalPath)
	if run.ID != a.RunID() || run.Reason != string(StopTickLimit) || run.Policy != "rms" || run.Tasks != 2 {
		t.Fatalf("run = %+v", run)
	}
	var overrun, recovered bool
	for _, r := range recs {
		if r.Task != "sensor" {
			continue
		}
		switch r.Type {
		case periodic.EventWCETExceeded:
			overrun = true
		case periodic.EventRecovered:
			recovered = true
		}
	}
	if !overrun || !recovered {
		t.Fatalf("journal records = %+v", recs)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	cfgPath, journalPath := writeConfig(t, "tick_rate_hz: 1000")

	a, err := New(cfgPath)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	if err := a.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	run, _ := lastRun(t, journalPath)
	if run.Reason != string(StopSignal) || run.FinishedAt.IsZero() {
		t.Fatalf("run = %+v", run)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	body := "tasks:\n  - name: t\n    period: 10\n    wcet: 2\n    resource: {name: missing, hold: 1}\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := New(path); err == nil || !strings.Contains(err.Error(), "missing") {
		t.Fatalf("err = %v", err)
	}
}

func TestMapSchedulerConfigDefaults(t *testing.T) {
	t.Parallel()
	off := false
	cfg := &config.Config{Scheduler: config.SchedulerConfig{Policy: "DMS", DetectWCET: &off}}
	pc, err := mapSchedulerConfig(cfg)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if pc.Policy != periodic.PolicyDMS || !pc.DetectDeadline || pc.DetectWCET || !pc.Watchdog.Enabled {
		t.Fatalf("config = %+v", pc)
	}

	cfg.Scheduler.Policy = "edf"
	if _, err := mapSchedulerConfig(cfg); err == nil {
		t.Fatalf("unknown policy accepted")
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		journal *config.JournalConfig
		enabled bool
		wantErr bool
	}{
		{"absent", nil, false, false},
		{"none", &config.JournalConfig{Driver: "none"}, false, false},
		{"file", &config.JournalConfig{Driver: "file", Path: "./j"}, true, false},
		{"sqlite needs path", &config.JournalConfig{Driver: "sqlite"}, false, true},
		{"sqlite bad timeout", &config.JournalConfig{Driver: "sqlite", Path: "x.db", BusyTimeout: "soon"}, false, true},
		{"unknown", &config.JournalConfig{Driver: "redis"}, false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, enabled, err := mapStorageConfig(&config.Config{Journal: tc.journal})
			if enabled != tc.enabled || (err != nil) != tc.wantErr {
				t.Fatalf("enabled=%v err=%v", enabled, err)
			}
		})
	}

	sc, _, err := mapStorageConfig(&config.Config{Journal: &config.JournalConfig{Driver: "SQLite", Path: "x.db"}})
	if err != nil || sc.Driver != "sqlite" || sc.BusyTimeout != 5*time.Second {
		t.Fatalf("sqlite config = %+v, %v", sc, err)
	}
}

func TestLatestKeepsNewest(t *testing.T) {
	t.Parallel()
	sub := make(chan *config.Config, 3)
	a, b, c := &config.Config{}, &config.Config{}, &config.Config{}
	sub <- b
	sub <- nil
	sub <- c
	if got := latest(sub, a); got != c {
		t.Fatalf("latest did not return the newest config")
	}
}

func TestPlanMatchesRunPriorities(t *testing.T) {
	t.Parallel()
	cfgPath, _ := writeConfig(t, "stop_after_ticks: 10")
	cfg, _, err := config.NewManager(cfgPath).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	plan, err := Plan(cfg)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(plan) != 2 || plan[0].Name != "sensor" || plan[0].Priority != 6 || plan[1].Priority != 5 {
		t.Fatalf("plan = %+v", plan)
	}
	if plan[1].Deadline != 50 {
		t.Fatalf("logger deadline = %d, want period", plan[1].Deadline)
	}
}
