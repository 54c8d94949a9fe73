package msi

import (
	"errors"
	"testing"
)

func TestInviteOutThenStartInReachesActive(t *testing.T) {
	started := false
	c := New(1, Hooks{OnStart: func(Capabilities) { started = true }})

	if err := c.HandleInviteOut(Capabilities{SendA: true, SendV: true}); err != nil {
		t.Fatalf("invite out: %v", err)
	}
	if c.State() != Requesting {
		t.Fatalf("expected Requesting, got %s", c.State())
	}
	if err := c.HandleStartIn(); err != nil {
		t.Fatalf("start in: %v", err)
	}
	if c.State() != Active {
		t.Fatalf("expected Active, got %s", c.State())
	}
	if !started {
		t.Fatalf("expected on_start to fire")
	}
}

func TestInviteInThenAnswerOutReachesActive(t *testing.T) {
	invited := false
	c := New(1, Hooks{OnInvite: func(Capabilities) { invited = true }})

	if err := c.HandleInviteIn(Capabilities{SendA: true, RecvA: true}); err != nil {
		t.Fatalf("invite in: %v", err)
	}
	if c.State() != Requested || !invited {
		t.Fatalf("expected Requested with on_invite fired, got state=%s invited=%v", c.State(), invited)
	}
	if err := c.HandleAnswerOut(Capabilities{SendA: true, RecvA: true}); err != nil {
		t.Fatalf("answer out: %v", err)
	}
	if c.State() != Active {
		t.Fatalf("expected Active, got %s", c.State())
	}
}

func TestPauseThenResumeRestoresCapabilities(t *testing.T) {
	c := New(1, Hooks{})
	c.HandleInviteOut(Capabilities{SendA: true, SendV: true})
	c.HandleStartIn()

	original := c.Capabilities()
	if err := c.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if !c.Capabilities().IsZero() {
		t.Fatalf("expected all capability bits cleared after pause")
	}
	if err := c.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if c.Capabilities() != original {
		t.Fatalf("expected capabilities restored to %+v, got %+v", original, c.Capabilities())
	}
}

func TestCancelFromAnyStateFreesResourcesAndReturnsInactive(t *testing.T) {
	freed := false
	c := New(1, Hooks{FreeStreams: func() { freed = true }})
	c.HandleInviteOut(Capabilities{SendA: true})
	c.HandleStartIn()

	if err := c.HandleHangup(); err != nil {
		t.Fatalf("hangup: %v", err)
	}
	if c.State() != Inactive {
		t.Fatalf("expected Inactive after hangup, got %s", c.State())
	}
	if !freed {
		t.Fatalf("expected stream resources to be freed")
	}
}

func TestAudioBitrateOutOfRangeRejected(t *testing.T) {
	c := New(1, Hooks{})
	if err := c.SetAudioBitrate(5); err == nil {
		t.Fatalf("expected error for bitrate below minimum")
	}
	if err := c.SetAudioBitrate(600); err == nil {
		t.Fatalf("expected error for bitrate above maximum")
	}
	if err := c.SetAudioBitrate(64); err != nil {
		t.Fatalf("expected 64kbps to be accepted: %v", err)
	}
}

func TestZeroAudioBitrateTogglesSendOff(t *testing.T) {
	var disabled bool
	c := New(1, Hooks{SetStreamEnabled: func(media, direction string, enabled bool) {
		if media == "audio" && direction == "send" && !enabled {
			disabled = true
		}
	}})
	c.HandleInviteOut(Capabilities{SendA: true})
	c.HandleStartIn()

	if err := c.SetAudioBitrate(0); err != nil {
		t.Fatalf("zero bitrate: %v", err)
	}
	if !disabled {
		t.Fatalf("expected SendA to be toggled off via stream-enabled hook")
	}
	if c.Capabilities().SendA {
		t.Fatalf("expected SendA capability cleared")
	}
}

func TestPeerTimeoutMovesToErrorAndFreesResources(t *testing.T) {
	var gotErr error
	freed := false
	c := New(1, Hooks{
		OnError:     func(err error) { gotErr = err },
		FreeStreams: func() { freed = true },
	})
	c.HandleInviteOut(Capabilities{SendA: true})

	if err := c.HandlePeerTimeout(); err != nil {
		t.Fatalf("peer timeout: %v", err)
	}
	if c.State() != Error {
		t.Fatalf("expected Error state, got %s", c.State())
	}
	if gotErr == nil || !freed {
		t.Fatalf("expected on_error fired and resources freed")
	}
}

func TestInviteOutFromNonInactiveStateRejected(t *testing.T) {
	c := New(1, Hooks{})
	c.HandleInviteOut(Capabilities{SendA: true})
	if err := c.HandleInviteOut(Capabilities{SendA: true}); err == nil {
		t.Fatalf("expected state error for duplicate invite out")
	}
}

func TestHandleErrorIsUnconditional(t *testing.T) {
	c := New(1, Hooks{})
	c.HandleError(errors.New("boom"))
	if c.State() != Error {
		t.Fatalf("expected Error state, got %s", c.State())
	}
}
