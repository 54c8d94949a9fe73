package sidechannel

import (
	"testing"
	"time"

	"github.com/alxayo/toxav-go/internal/av/transport"
	"github.com/alxayo/toxav-go/internal/av/wire"
)

func encodeClockRequestForTest(t0 uint32) []byte {
	b, _ := wire.EncodeControl(wire.ControlMessage{Subtype: wire.ControlClockRequest, EchoT0: t0})
	return b
}

func encodeClockAnswerForTest(echoT0, t1, t2 uint32) []byte {
	b, _ := wire.EncodeControl(wire.ControlMessage{Subtype: wire.ControlClockAnswer, EchoT0: echoT0, RemoteT1: t1, RemoteT2: t2})
	return b
}

func TestRequestKeyframeSetsPendingRetryBudgetOnReceiver(t *testing.T) {
	trA := transport.NewInMemory(1)
	trB := transport.NewInMemory(2)
	transport.Connect(trA, trB)

	chA := New(1, trA, Handlers{})
	chB := New(2, trB, Handlers{})
	trB.OnReceive(func(_ uint32, data []byte) {
		// strip the transport packet id byte the real RTP layer would route on.
		chB.OnPacket(data[1:])
	})

	if err := chA.RequestKeyframe(); err != nil {
		t.Fatalf("request keyframe: %v", err)
	}
	if !chB.ConsumeKeyframeRetry() {
		t.Fatalf("expected keyframe retry budget to be armed on receipt")
	}
}

func TestConsumeKeyframeRetryExhaustsBudget(t *testing.T) {
	ch := New(1, nil, Handlers{})
	ch.pendingKeyframeRetries = 2
	if !ch.ConsumeKeyframeRetry() {
		t.Fatalf("expected first consume to succeed")
	}
	if !ch.ConsumeKeyframeRetry() {
		t.Fatalf("expected second consume to succeed")
	}
	if ch.ConsumeKeyframeRetry() {
		t.Fatalf("expected budget exhausted after two consumes")
	}
}

func TestLessVideoFPSRateLimited(t *testing.T) {
	sent := 0
	trA := transport.NewInMemory(1)
	trB := transport.NewInMemory(2)
	transport.Connect(trA, trB)
	trB.OnReceive(func(uint32, []byte) { sent++ })

	chA := New(1, trA, Handlers{})
	if err := chA.RequestLessVideoFPS(3); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if err := chA.RequestLessVideoFPS(3); err != nil {
		t.Fatalf("second request: %v", err)
	}
	if sent != 1 {
		t.Fatalf("expected exactly one LESS_VIDEO_FPS sent within the rate-limit window, got %d", sent)
	}

	chA.lastLessFPSSentAt = time.Now().Add(-lessFPSRateLimit - time.Second)
	if err := chA.RequestLessVideoFPS(3); err != nil {
		t.Fatalf("third request: %v", err)
	}
	if sent != 2 {
		t.Fatalf("expected a second send once the rate-limit window elapsed, got %d", sent)
	}
}

func TestOnPacketDispatchesClockMessages(t *testing.T) {
	var gotT0 uint32
	var gotT1, gotT2 uint32
	ch := New(1, nil, Handlers{
		OnClockRequest: func(t0 uint32) { gotT0 = t0 },
		OnClockAnswer:  func(t0, t1, t2 uint32) { gotT0, gotT1, gotT2 = t0, t1, t2 },
	})

	if err := ch.OnPacket(encodeClockRequestForTest(77)); err != nil {
		t.Fatalf("clock request: %v", err)
	}
	if gotT0 != 77 {
		t.Fatalf("expected echoed t0=77, got %d", gotT0)
	}
	if err := ch.OnPacket(encodeClockAnswerForTest(77, 100, 105)); err != nil {
		t.Fatalf("clock answer: %v", err)
	}
	if gotT1 != 100 || gotT2 != 105 {
		t.Fatalf("expected t1=100 t2=105, got t1=%d t2=%d", gotT1, gotT2)
	}
}

func TestSendCapChangeAckRoundTrip(t *testing.T) {
	trA := transport.NewInMemory(1)
	trB := transport.NewInMemory(2)
	transport.Connect(trA, trB)

	var gotSendA, gotRecvA, gotSendV, gotRecvV bool
	chB := New(2, trB, Handlers{
		OnCapChangeAck: func(sendA, recvA, sendV, recvV bool) {
			gotSendA, gotRecvA, gotSendV, gotRecvV = sendA, recvA, sendV, recvV
		},
	})
	trB.OnReceive(func(_ uint32, data []byte) { chB.OnPacket(data[1:]) })

	chA := New(1, trA, Handlers{})
	if err := chA.SendCapChangeAck(true, false, false, true); err != nil {
		t.Fatalf("send cap change ack: %v", err)
	}
	if !gotSendA || gotRecvA || gotSendV || !gotRecvV {
		t.Fatalf("unexpected echoed caps: sendA=%v recvA=%v sendV=%v recvV=%v", gotSendA, gotRecvA, gotSendV, gotRecvV)
	}
}

func TestOnPacketRejectsEmptyPayload(t *testing.T) {
	ch := New(1, nil, Handlers{})
	if err := ch.OnPacket(nil); err == nil {
		t.Fatalf("expected error for empty payload")
	}
}
