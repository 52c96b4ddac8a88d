// Package sdnotify reports daemon state to systemd and forwards the
// scheduler watchdog's wakes as systemd watchdog keep-alives.
//
// Outside systemd (no NOTIFY_SOCKET) every call is a no-op.
package sdnotify

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/time/rate"

	"fpsched/internal/eventbus"
	"fpsched/internal/task/periodic"
	logx "fpsched/pkg/logx"
)

type Notifier struct {
	log     logx.Logger
	enabled bool

	// interval is the keep-alive spacing (WatchdogSec/2). 0 when systemd
	// has no watchdog configured for the unit.
	interval time.Duration
	ping     rate.Sometimes

	notify func(state string) (bool, error)
	sent   atomic.Uint64
}

func New(enabled bool, log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	n := &Notifier{
		log:     log.With(logx.String("comp", "sdnotify")),
		enabled: enabled,
		notify:  func(state string) (bool, error) { return daemon.SdNotify(false, state) },
	}
	if enabled {
		d, err := daemon.SdWatchdogEnabled(false)
		if err != nil {
			n.log.Warn("systemd watchdog settings unreadable", logx.Err(err))
		}
		n.setInterval(d / 2)
	}
	return n
}

func (n *Notifier) setInterval(d time.Duration) {
	n.interval = d
	n.ping = rate.Sometimes{Interval: d}
}

// Interval is the keep-alive spacing, 0 if systemd expects none.
func (n *Notifier) Interval() time.Duration { return n.interval }

// Sent counts notifications systemd accepted.
func (n *Notifier) Sent() uint64 { return n.sent.Load() }

func (n *Notifier) Ready(status string) { n.send(daemon.SdNotifyReady + "\nSTATUS=" + status) }

func (n *Notifier) Status(status string) { n.send("STATUS=" + status) }

func (n *Notifier) Stopping() { n.send(daemon.SdNotifyStopping) }

func (n *Notifier) send(state string) {
	if !n.enabled {
		return
	}
	ok, err := n.notify(state)
	switch {
	case err != nil:
		n.log.Warn("sd_notify failed", logx.Err(err))
	case ok:
		n.sent.Add(1)
	}
}

// Subscribe listens for watchdog wakes.
func (n *Notifier) Subscribe(bus eventbus.Bus) (<-chan eventbus.Event, func()) {
	return bus.Subscribe(16, periodic.EventWatchdogWake)
}

// Run sends WATCHDOG=1 for watchdog wakes, at most once per interval, until
// ctx is done or events closes. Without a systemd watchdog it only drains.
func (n *Notifier) Run(ctx context.Context, events <-chan eventbus.Event) error {
	if n.enabled && n.interval > 0 {
		n.log.Info("systemd watchdog keep-alive armed", logx.Duration("interval", n.interval))
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-events:
			if !ok {
				return nil
			}
			if !n.enabled || n.interval <= 0 {
				continue
			}
			n.ping.Do(func() { n.send(daemon.SdNotifyWatchdog) })
		}
	}
}
