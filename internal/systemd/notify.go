// Package systemd reports limitd's service lifecycle to systemd when run
// under it. It is a thin wrapper over go-systemd's sd_notify protocol; hosts
// not running under systemd (NOTIFY_SOCKET unset) get silent no-ops.
package systemd

import (
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog"
)

// Notifier reports readiness, stopping, and watchdog pings to systemd.
type Notifier struct {
	log zerolog.Logger
}

// New returns a Notifier that logs through log.
func New(log zerolog.Logger) *Notifier {
	return &Notifier{log: log.With().Str("component", "systemd").Logger()}
}

// Ready tells systemd the service has finished starting up.
func (n *Notifier) Ready() {
	n.send(daemon.SdNotifyReady)
}

// Stopping tells systemd the service is shutting down.
func (n *Notifier) Stopping() {
	n.send(daemon.SdNotifyStopping)
}

// WatchdogInterval returns the interval at which the caller should invoke
// Ping to satisfy systemd's watchdog, and false if no watchdog is configured.
func (n *Notifier) WatchdogInterval() (time.Duration, bool) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		n.log.Warn().Err(err).Msg("watchdog status check failed")
		return 0, false
	}
	if interval == 0 {
		return 0, false
	}
	return interval, true
}

// Ping sends a single watchdog keepalive.
func (n *Notifier) Ping() {
	n.send(daemon.SdNotifyWatchdog)
}

func (n *Notifier) send(state string) {
	ok, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Warn().Err(err).Str("state", state).Msg("sd_notify failed")
		return
	}
	if !ok {
		n.log.Debug().Str("state", state).Msg("not running under systemd, sd_notify skipped")
	}
}
