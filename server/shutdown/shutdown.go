// Package shutdown orchestrates staged server drains: a scheduled deadline,
// periodic countdown announcements to connected clients, and a final grace
// period before every session is force-closed.
package shutdown

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/raidwatch/relay/protocol"
	"github.com/raidwatch/relay/server/registry"
)

const (
	// Scheduled deadlines are padded so a shutdown requested for "in N
	// minutes" does not fire a hair before the N minute mark.
	deadlineBuffer = 5 * time.Second

	// Time between the imminent broadcast and closing all sessions.
	imminentGrace = 2 * time.Second

	// Time spent in SHUTDOWN_CANCELED before reverting to RUNNING.
	cancelRevertDelay = 10 * time.Second

	// Announcements are scheduled slightly before their nominal offset so
	// clients see a round countdown value.
	announcementSlack = time.Second
)

// StatusUpdate is a snapshot of the server lifecycle state. ShutdownTime is
// zero unless a shutdown is scheduled.
type StatusUpdate struct {
	State        protocol.ServerState
	ShutdownTime time.Time
}

// Observer is invoked on every lifecycle transition.
type Observer func(StatusUpdate)

// Options tune the orchestrator. Zero values fall back to defaults.
type Options struct {
	// DefaultDuration is used when a shutdown request carries no duration.
	DefaultDuration time.Duration
	// AnnouncementIntervals are the offsets before the deadline at which
	// countdown broadcasts are sent, in decreasing order.
	AnnouncementIntervals []time.Duration
	// ImminentGrace overrides the imminent-to-offline grace period.
	ImminentGrace time.Duration
	// CancelRevertDelay overrides the canceled-to-running revert delay.
	CancelRevertDelay time.Duration
}

func (o *Options) applyDefaults() {
	if o.DefaultDuration <= 0 {
		o.DefaultDuration = 30 * time.Minute
	}
	if o.ImminentGrace <= 0 {
		o.ImminentGrace = imminentGrace
	}
	if o.CancelRevertDelay <= 0 {
		o.CancelRevertDelay = cancelRevertDelay
	}
	if len(o.AnnouncementIntervals) == 0 {
		o.AnnouncementIntervals = []time.Duration{
			time.Hour,
			30 * time.Minute,
			15 * time.Minute,
			5 * time.Minute,
			time.Minute,
		}
	}
}

// Orchestrator owns the authoritative server lifecycle state machine:
//
//	RUNNING -> SHUTDOWN_PENDING -> SHUTDOWN_IMMINENT -> OFFLINE
//
// with SHUTDOWN_CANCELED reachable from SHUTDOWN_PENDING, auto-reverting to
// RUNNING. Every transition notifies registered observers and broadcasts
// the new state to all sessions.
type Orchestrator struct {
	registry *registry.Registry
	opts     Options
	logger   zerolog.Logger

	mu            sync.Mutex
	state         protocol.ServerState
	shutdownTime  time.Time
	observers     []Observer
	pendingTimer  *time.Timer
	announceTimer *time.Timer
	revertTimer   *time.Timer
}

func NewOrchestrator(reg *registry.Registry, opts Options, logger zerolog.Logger) *Orchestrator {
	opts.applyDefaults()
	return &Orchestrator{
		registry: reg,
		opts:     opts,
		logger:   logger.With().Str("com", "shutdown").Logger(),
		state:    protocol.StateRunning,
	}
}

// OnStatusUpdate registers an observer for lifecycle transitions.
func (o *Orchestrator) OnStatusUpdate(observer Observer) {
	o.mu.Lock()
	o.observers = append(o.observers, observer)
	o.mu.Unlock()
}

// Status returns the current lifecycle state.
func (o *Orchestrator) Status() StatusUpdate {
	o.mu.Lock()
	defer o.mu.Unlock()
	return StatusUpdate{State: o.state, ShutdownTime: o.shutdownTime}
}

// HasPendingShutdown reports whether a shutdown deadline is scheduled.
func (o *Orchestrator) HasPendingShutdown() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return !o.shutdownTime.IsZero()
}

// Schedule arranges a shutdown after the given duration (the default when
// zero). A request while one is already pending is ignored unless forced,
// in which case the new deadline and announcement schedule replace the old.
// Returns false if the request was ignored.
func (o *Orchestrator) Schedule(duration time.Duration, force bool) bool {
	o.mu.Lock()

	if o.state == protocol.StateShutdownImminent || o.state == protocol.StateOffline {
		o.mu.Unlock()
		return false
	}
	if !o.shutdownTime.IsZero() && !force {
		o.mu.Unlock()
		return false
	}

	// Replace any previous schedule and stop a pending cancel revert: the
	// fresh schedule must not race with it.
	o.stopTimersLocked()

	if duration <= 0 {
		duration = o.opts.DefaultDuration
	}
	duration += deadlineBuffer
	o.shutdownTime = time.Now().Add(duration)

	// A long lead time delays the SHUTDOWN_PENDING transition so that it
	// coincides with the first announcement.
	if lead := o.opts.AnnouncementIntervals[0]; duration > lead {
		delay := duration - lead
		o.pendingTimer = time.AfterFunc(delay, o.enterPending)
		shutdownTime := o.shutdownTime
		wasCanceled := o.state == protocol.StateShutdownCanceled
		o.mu.Unlock()
		if wasCanceled {
			// The stopped revert timer would have done this; the server
			// must not sit in SHUTDOWN_CANCELED until the countdown starts.
			o.setState(protocol.StateRunning)
		}
		o.logger.Info().
			Time("shutdown_time", shutdownTime).
			Time("countdown_start", time.Now().Add(delay)).
			Msg("shutdown scheduled")
		return true
	}

	o.mu.Unlock()
	o.enterPending()
	return true
}

// Cancel aborts a pending shutdown. The server enters SHUTDOWN_CANCELED and
// reverts to RUNNING after a grace delay. Returns false if no shutdown was
// pending or the drain has already begun.
func (o *Orchestrator) Cancel() bool {
	o.mu.Lock()
	if o.shutdownTime.IsZero() ||
		o.state == protocol.StateShutdownImminent || o.state == protocol.StateOffline {
		o.mu.Unlock()
		return false
	}

	o.stopTimersLocked()
	o.shutdownTime = time.Time{}
	o.mu.Unlock()

	o.logger.Info().Msg("shutdown canceled")
	o.setState(protocol.StateShutdownCanceled)

	o.mu.Lock()
	o.revertTimer = time.AfterFunc(o.opts.CancelRevertDelay, o.revertToRunning)
	o.mu.Unlock()
	return true
}

// HandleNewSession informs a freshly registered session of a pending
// shutdown, so late connections see the countdown too.
func (o *Orchestrator) HandleNewSession(send func(*protocol.Message)) {
	o.mu.Lock()
	pending := !o.shutdownTime.IsZero()
	update := StatusUpdate{State: o.state, ShutdownTime: o.shutdownTime}
	o.mu.Unlock()

	if pending {
		send(statusMessage(update))
	}
}

func (o *Orchestrator) enterPending() {
	o.mu.Lock()
	if o.shutdownTime.IsZero() {
		o.mu.Unlock()
		return
	}
	remaining := time.Until(o.shutdownTime)
	o.pendingTimer = time.AfterFunc(remaining, o.enterImminent)
	shutdownTime := o.shutdownTime
	o.mu.Unlock()

	o.logger.Info().Time("shutdown_time", shutdownTime).Msg("shutdown pending")
	o.setState(protocol.StateShutdownPending)
	o.scheduleNextAnnouncement()
}

func (o *Orchestrator) enterImminent() {
	o.logger.Info().Msg("shutdown imminent")
	o.setState(protocol.StateShutdownImminent)

	time.AfterFunc(o.opts.ImminentGrace, func() {
		o.registry.CloseAll()
		o.setState(protocol.StateOffline)
		// The process stays up in an offline state; restarting it is an
		// operator decision.
		o.logger.Info().Msg("shutdown complete")
	})
}

func (o *Orchestrator) revertToRunning() {
	o.mu.Lock()
	canceled := o.state == protocol.StateShutdownCanceled
	o.revertTimer = nil
	o.mu.Unlock()

	if canceled {
		o.setState(protocol.StateRunning)
	}
}

func (o *Orchestrator) setState(state protocol.ServerState) {
	o.mu.Lock()
	o.state = state
	update := StatusUpdate{State: state, ShutdownTime: o.shutdownTime}
	observers := make([]Observer, len(o.observers))
	copy(observers, o.observers)
	o.mu.Unlock()

	for _, observer := range observers {
		observer(update)
	}
	o.registry.Broadcast(statusMessage(update))
}

// scheduleNextAnnouncement arms a timer for the next countdown broadcast,
// each broadcast re-scheduling the one after it relative to current time.
func (o *Orchestrator) scheduleNextAnnouncement() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != protocol.StateShutdownPending || o.shutdownTime.IsZero() {
		o.announceTimer = nil
		return
	}

	offset := o.nextAnnouncementOffsetLocked()
	if offset == 0 {
		o.announceTimer = nil
		return
	}

	delay := time.Until(o.shutdownTime.Add(-offset))
	o.announceTimer = time.AfterFunc(delay, func() {
		o.broadcastStatus()
		o.scheduleNextAnnouncement()
	})
}

func (o *Orchestrator) nextAnnouncementOffsetLocked() time.Duration {
	until := time.Until(o.shutdownTime)
	for _, interval := range o.opts.AnnouncementIntervals {
		adjusted := interval + announcementSlack
		if until > adjusted {
			return adjusted
		}
	}
	return 0
}

func (o *Orchestrator) broadcastStatus() {
	o.mu.Lock()
	update := StatusUpdate{State: o.state, ShutdownTime: o.shutdownTime}
	o.mu.Unlock()
	o.registry.Broadcast(statusMessage(update))
}

func (o *Orchestrator) stopTimersLocked() {
	if o.pendingTimer != nil {
		o.pendingTimer.Stop()
		o.pendingTimer = nil
	}
	if o.announceTimer != nil {
		o.announceTimer.Stop()
		o.announceTimer = nil
	}
	if o.revertTimer != nil {
		o.revertTimer.Stop()
		o.revertTimer = nil
	}
}

func statusMessage(update StatusUpdate) *protocol.Message {
	info := &protocol.ServerStatusInfo{Status: update.State}
	if update.State == protocol.StateShutdownPending && !update.ShutdownTime.IsZero() {
		info.ShutdownTime = update.ShutdownTime.Unix()
	}
	return &protocol.Message{Type: protocol.TypeServerStatus, ServerStatus: info}
}
