// Package msi implements the Media Session Initiation state machine (C9):
// the event-driven negotiation that moves a friend's call through
// Inactive/Requesting/Requested/Active/Error, in the same
// event-table-dispatched style as the command dispatcher routes RTMP
// command names to handlers, here routing (event, state) pairs to
// transition actions instead.
package msi

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	averrors "github.com/alxayo/toxav-go/internal/errors"
	"github.com/alxayo/toxav-go/internal/logger"
)

// State is one of the five MSI call states (spec §4.9).
type State int

const (
	Inactive State = iota
	Requesting
	Requested
	Active
	Error
)

func (s State) String() string {
	switch s {
	case Inactive:
		return "Inactive"
	case Requesting:
		return "Requesting"
	case Requested:
		return "Requested"
	case Active:
		return "Active"
	case Error:
		return "Error"
	default:
		return "Unknown"
	}
}

// Event is one of the MSI transition triggers.
type Event int

const (
	InviteIn Event = iota
	InviteOut
	StartIn
	AnswerOut
	CapChangeIn
	CapChangeOut
	HangupIn
	HangupOut
	PeerTimeout
	ErrorEvent
)

// Capabilities is the 4-bit {SendA, RecvA, SendV, RecvV} set (spec §4.9).
type Capabilities struct {
	SendA, RecvA, SendV, RecvV bool
}

// IsZero reports whether every capability bit is clear (the "paused" state).
func (c Capabilities) IsZero() bool {
	return !c.SendA && !c.RecvA && !c.SendV && !c.RecvV
}

const (
	minAudioBitrateKbps = 6
	maxAudioBitrateKbps = 510
)

// Hooks are the side effects a transition fires; all are optional.
type Hooks struct {
	OnInvite  func(caps Capabilities)
	OnStart   func(caps Capabilities)
	OnCapChange func(caps Capabilities)
	OnEnd     func()
	OnError   func(err error)

	// AllocateStreams/FreeStreams bracket the RTP+codec session lifetime
	// (spec §4.9: "allocate RTP+codec sessions" / "free codec sessions").
	AllocateStreams func()
	FreeStreams     func()

	// SetStreamEnabled is invoked when a capability flip should start or
	// stop one direction of a media stream (spec §4.9 CapChange action).
	SetStreamEnabled func(media string, direction string, enabled bool)
}

// Call drives one friend's MSI state machine.
type Call struct {
	mu sync.Mutex

	// ID uniquely names one invite/answer negotiation; it does not travel
	// on the wire, only through logs and metrics, so a re-invite after a
	// hangup is distinguishable from the call it replaced.
	ID uuid.UUID

	friendID uint32
	log      *slog.Logger
	hooks    Hooks

	state State
	caps  Capabilities

	pausedCapsSnapshot Capabilities
	paused             bool

	audioBitrateKbps int
	videoBitrateKbps int
}

// New constructs an MSI call state machine in Inactive state.
func New(friendID uint32, hooks Hooks) *Call {
	id := uuid.New()
	return &Call{
		ID:       id,
		friendID: friendID,
		log:      logger.WithCall(logger.Logger(), friendID, id.String()),
		hooks:    hooks,
		state:    Inactive,
	}
}

// State returns the call's current MSI state.
func (c *Call) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Capabilities returns the call's current capability set.
func (c *Call) Capabilities() Capabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps
}

// HandleInviteIn processes a received invite (spec §4.9: Inactive →
// Requested, fire on_invite).
func (c *Call) HandleInviteIn(caps Capabilities) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Inactive {
		return c.stateErr("HandleInviteIn")
	}
	c.caps = caps
	c.state = Requested
	if c.hooks.OnInvite != nil {
		c.hooks.OnInvite(caps)
	}
	return nil
}

// HandleInviteOut sends an invite (spec §4.9: Inactive → Requesting).
func (c *Call) HandleInviteOut(caps Capabilities) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Inactive {
		return c.stateErr("HandleInviteOut")
	}
	c.caps = caps
	c.state = Requesting
	return nil
}

// HandleStartIn processes the peer's start message (spec §4.9: Requesting →
// Active, allocate streams, fire on_start).
func (c *Call) HandleStartIn() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Requesting {
		return c.stateErr("HandleStartIn")
	}
	c.state = Active
	if c.hooks.AllocateStreams != nil {
		c.hooks.AllocateStreams()
	}
	if c.hooks.OnStart != nil {
		c.hooks.OnStart(c.caps)
	}
	return nil
}

// HandleAnswerOut answers an invite we received (spec §4.9: Requested →
// Active, send start, allocate streams, fire on_start).
func (c *Call) HandleAnswerOut(caps Capabilities) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Requested {
		return c.stateErr("HandleAnswerOut")
	}
	c.caps = caps
	c.state = Active
	if c.hooks.AllocateStreams != nil {
		c.hooks.AllocateStreams()
	}
	if c.hooks.OnStart != nil {
		c.hooks.OnStart(caps)
	}
	return nil
}

// HandleCapChange applies a capability update while Active, whether it
// originated locally or from the peer; direction only matters to callers
// deciding whether to also send the change.
func (c *Call) HandleCapChange(caps Capabilities) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Active {
		return c.stateErr("HandleCapChange")
	}
	prev := c.caps
	c.caps = caps
	c.applyStreamTransitions(prev, caps)
	if c.hooks.OnCapChange != nil {
		c.hooks.OnCapChange(caps)
	}
	return nil
}

func (c *Call) applyStreamTransitions(prev, next Capabilities) {
	if c.hooks.SetStreamEnabled == nil {
		return
	}
	if prev.SendA && !next.SendA {
		c.hooks.SetStreamEnabled("audio", "send", false)
	}
	if prev.SendV && !next.SendV {
		c.hooks.SetStreamEnabled("video", "send", false)
	}
	if !prev.RecvA && next.RecvA {
		c.hooks.SetStreamEnabled("audio", "recv", true)
	}
	if !prev.RecvV && next.RecvV {
		c.hooks.SetStreamEnabled("video", "recv", true)
	}
}

// Pause clears all capability bits, snapshotting the prior set for Resume
// (spec §4.9: "Pause is modeled as 'clear all bits'").
func (c *Call) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Active {
		return c.stateErr("Pause")
	}
	c.pausedCapsSnapshot = c.caps
	c.paused = true
	prev := c.caps
	c.caps = Capabilities{}
	c.applyStreamTransitions(prev, c.caps)
	return nil
}

// Resume restores the capability set captured by the most recent Pause.
// Resuming a call that is not paused is a state error.
func (c *Call) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Active {
		return c.stateErr("Resume")
	}
	if !c.paused {
		return c.stateErr("Resume")
	}
	prev := c.caps
	c.caps = c.pausedCapsSnapshot
	c.paused = false
	c.applyStreamTransitions(prev, c.caps)
	return nil
}

// SetAudioBitrate applies the audio bitrate invariant (spec §4.9: audio
// bitrate must lie in [6, 510] kbps); zero toggles SendA off via a
// capability change.
func (c *Call) SetAudioBitrate(kbps int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if kbps != 0 && (kbps < minAudioBitrateKbps || kbps > maxAudioBitrateKbps) {
		return averrors.NewProtocolError("msi.setAudioBitrate", fmt.Errorf("bitrate %d kbps out of range [%d,%d]", kbps, minAudioBitrateKbps, maxAudioBitrateKbps))
	}
	c.audioBitrateKbps = kbps
	if kbps == 0 && c.caps.SendA {
		prev := c.caps
		c.caps.SendA = false
		c.applyStreamTransitions(prev, c.caps)
	}
	return nil
}

// SetVideoBitrate applies the video bitrate invariant (spec §4.9: video
// bitrate unconstrained above zero, but zero toggles SendV off).
func (c *Call) SetVideoBitrate(kbps int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if kbps < 0 {
		return averrors.NewProtocolError("msi.setVideoBitrate", fmt.Errorf("negative bitrate %d", kbps))
	}
	c.videoBitrateKbps = kbps
	if kbps == 0 && c.caps.SendV {
		prev := c.caps
		c.caps.SendV = false
		c.applyStreamTransitions(prev, c.caps)
	}
	return nil
}

// HandleHangup tears the call down from any state (spec §4.9: Any →
// Inactive, stop RTP, free codec sessions, fire on_end).
func (c *Call) HandleHangup() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Inactive {
		return nil
	}
	c.teardown()
	c.state = Inactive
	if c.hooks.OnEnd != nil {
		c.hooks.OnEnd()
	}
	return nil
}

// HandlePeerTimeout transitions to Error from any in-progress state (spec
// §4.9: Requesting/Requested/Active → Error, fire on_error, free).
func (c *Call) HandlePeerTimeout() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Requesting && c.state != Requested && c.state != Active {
		return c.stateErr("HandlePeerTimeout")
	}
	c.teardown()
	c.state = Error
	if c.hooks.OnError != nil {
		c.hooks.OnError(averrors.NewTimeoutError("msi.peerTimeout", 0, nil))
	}
	return nil
}

// HandleError forces the call into Error from any state.
func (c *Call) HandleError(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardown()
	c.state = Error
	if c.hooks.OnError != nil {
		c.hooks.OnError(cause)
	}
}

func (c *Call) teardown() {
	if c.hooks.FreeStreams != nil {
		c.hooks.FreeStreams()
	}
	c.caps = Capabilities{}
	c.paused = false
}

func (c *Call) stateErr(op string) error {
	err := averrors.NewStateError(op, c.state.String(), fmt.Errorf("invalid transition from %s", c.state))
	c.log.Warn("invalid MSI transition", "op", op, "state", c.state.String())
	return err
}
