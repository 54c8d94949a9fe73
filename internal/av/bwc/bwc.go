// Package bwc implements the per-friend bandwidth controller (C6): a
// periodic tick that turns raw receive/loss byte counters into a loss
// fraction and forwards it to the bitrate regulator, mirroring the
// accumulate-then-log pattern of a connection's media statistics loop,
// repurposed here to drive control rather than logging. The tick itself is
// driven externally by session.Session.Iterate's onBWCTick hook (spec §5,
// §4.8 step 5: "BWC counters are owned by the session") rather than by a
// private ticker goroutine, so the cadence stays on the same mutex the rest
// of the call's pacing loop already serializes through.
package bwc

import (
	"log/slog"
	"strconv"
	"sync"

	"github.com/alxayo/toxav-go/internal/logger"
	"github.com/alxayo/toxav-go/internal/metrics"
)

// LossFunc receives the (friendID, loss fraction) pair computed on every
// tick; typically wired to a bitrate.Regulator.Observe.
type LossFunc func(friendID uint32, loss float64)

// Controller tracks receive/loss byte counts for one friend and reduces
// them to a loss fraction each time Tick is called.
type Controller struct {
	mu sync.Mutex

	friendID uint32
	log      *slog.Logger
	metrics  *metrics.Registry

	recvBytes uint64
	lostBytes uint64

	onLoss LossFunc
}

// New constructs a bandwidth controller for one friend. Its tick must be
// driven by calling Tick, typically from session.Session's onBWCTick hook.
// reg may be nil (tests that don't care about metrics exposition).
func New(friendID uint32, reg *metrics.Registry, onLoss LossFunc) *Controller {
	return &Controller{
		friendID: friendID,
		log:      logger.WithFriend(logger.Logger(), friendID),
		metrics:  reg,
		onLoss:   onLoss,
	}
}

// NoteReceived accounts bytes of a frame (full or partial) that arrived
// successfully.
func (c *Controller) NoteReceived(n uint32) {
	c.mu.Lock()
	c.recvBytes += uint64(n)
	c.mu.Unlock()
}

// NoteLost accounts bytes inferred lost: either a detected sequence gap
// (missingCount * fullLength, spec §4.6 source 1) or the received portion
// of a partial frame evicted by the video work buffer (source 2).
func (c *Controller) NoteLost(n uint32) {
	c.mu.Lock()
	c.lostBytes += uint64(n)
	c.mu.Unlock()
}

// Tick reduces the accumulated byte counts to a loss fraction, resets them,
// and forwards the result to onLoss. The caller (session.Session.Iterate)
// owns the cadence.
func (c *Controller) Tick() {
	c.tick()
}

func (c *Controller) tick() {
	c.mu.Lock()
	recv, lost := c.recvBytes, c.lostBytes
	c.recvBytes, c.lostBytes = 0, 0
	c.mu.Unlock()

	denom := recv + lost
	if denom == 0 {
		denom = 1
	}
	loss := float64(lost) / float64(denom)

	c.log.Debug("bandwidth tick", "recv_bytes", recv, "lost_bytes", lost, "loss", loss)
	if c.metrics != nil {
		c.metrics.LossFraction.WithLabelValues(friendLabel(c.friendID)).Set(loss)
	}
	if c.onLoss != nil {
		c.onLoss(c.friendID, loss)
	}
}

func friendLabel(id uint32) string { return strconv.FormatUint(uint64(id), 10) }
