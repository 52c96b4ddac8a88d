package report

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"fpsched/internal/task/periodic"
	logx "fpsched/pkg/logx"
)

type countingSource struct {
	mu    sync.Mutex
	calls int
}

func (c *countingSource) Stats() periodic.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return periodic.Stats{Tick: 10, Tasks: 1}
}

func (c *countingSource) Snapshot() []periodic.TaskStatus {
	return []periodic.TaskStatus{{Name: "sensor"}}
}

func (c *countingSource) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestTableLayout(t *testing.T) {
	t.Parallel()
	out := Table([]periodic.TaskStatus{
		{ID: 1<<32 | 1, Name: "sensor", Priority: 6, Period: 20, Deadline: 20, WCET: 5, Instances: 3},
		{ID: 1<<32 | 2, Name: "logger", Priority: 5, Period: 100, Deadline: 80, WCET: 30, HeldResources: []string{"bus"}},
	})
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %q", lines)
	}
	if !strings.HasPrefix(lines[0], "ID") || !strings.Contains(lines[1], "sensor") || !strings.HasSuffix(lines[2], "bus") {
		t.Fatalf("table:\n%s", out)
	}
	if strings.Index(lines[1], "sensor") != strings.Index(lines[2], "logger") {
		t.Fatalf("columns not aligned:\n%s", out)
	}
	if !strings.HasSuffix(lines[1], "-") {
		t.Fatalf("empty held column should be '-':\n%s", out)
	}
}

func TestRunFiresOnSchedule(t *testing.T) {
	t.Parallel()
	src := &countingSource{}
	r := New(src, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, "@every 1s") }()

	deadline := time.Now().Add(5 * time.Second)
	for src.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if src.count() == 0 {
		t.Fatalf("report never fired")
	}
}

func TestRunRejectsBadSpec(t *testing.T) {
	t.Parallel()
	r := New(&countingSource{}, logx.Nop())
	if err := r.Run(context.Background(), "every tuesday"); err == nil {
		t.Fatalf("bad spec accepted")
	}
}
