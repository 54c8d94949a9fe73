package rtp

import (
	"bytes"
	"testing"

	"github.com/alxayo/toxav-go/internal/av/audio"
	"github.com/alxayo/toxav-go/internal/av/transport"
	"github.com/alxayo/toxav-go/internal/av/video"
)

type nullDecoder struct{}

func (nullDecoder) Reconfigure(int, int) error                      { return nil }
func (nullDecoder) Decode(payload []byte, pcmOut []int16) (int, error) { return 0, nil }
func (nullDecoder) DecodePLC(int, []int16) (int, error)              { return 0, nil }

func newLoopback(t *testing.T) (*Session, *Session, *[]video.Frame, *[]video.Frame) {
	t.Helper()
	trA := transport.NewInMemory(1)
	trB := transport.NewInMemory(2)
	transport.Connect(trA, trB)

	var videoOutA, videoOutB []video.Frame

	jbA := audio.New(8, 1, nullDecoder{}, nil)
	jbB := audio.New(8, 2, nullDecoder{}, nil)
	wbA := video.New(1, nil)
	wbB := video.New(2, nil)

	sessA := NewSession(1, trA, jbA, wbA, nil, func(f video.Frame) { videoOutA = append(videoOutA, f) }, BWCHooks{})
	sessB := NewSession(2, trB, jbB, wbB, nil, func(f video.Frame) { videoOutB = append(videoOutB, f) }, BWCHooks{})

	trA.OnReceive(func(_ uint32, data []byte) { sessB.OnPacket(data) })
	trB.OnReceive(func(_ uint32, data []byte) { sessA.OnPacket(data) })

	return sessA, sessB, &videoOutA, &videoOutB
}

func TestSendSmallVideoFrameSinglePacket(t *testing.T) {
	sessA, _, _, videoOutB := newLoopback(t)

	payload := bytes.Repeat([]byte{0xAB}, 200)
	if err := sessA.Send(SendParams{Payload: payload, IsVideo: true, IsKeyframe: true}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(*videoOutB) != 1 {
		t.Fatalf("expected exactly one delivered frame, got %d", len(*videoOutB))
	}
	f := (*videoOutB)[0]
	if !f.Complete || f.ReceivedLength != uint32(len(payload)) || !f.KeyFrame {
		t.Fatalf("unexpected frame: %+v", f)
	}
	if !bytes.Equal(f.Payload, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestSendFragmentedVideoFrameReassembles(t *testing.T) {
	sessA, _, _, videoOutB := newLoopback(t)

	payload := bytes.Repeat([]byte{0x01, 0x02, 0x03, 0x04}, 1000) // 4000 bytes, forces fragmentation
	if err := sessA.Send(SendParams{Payload: payload, IsVideo: true, IsKeyframe: true}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(*videoOutB) != 1 {
		t.Fatalf("expected exactly one reassembled frame, got %d", len(*videoOutB))
	}
	f := (*videoOutB)[0]
	if !f.Complete || f.ReceivedLength != uint32(len(payload)) {
		t.Fatalf("expected complete reassembled frame of %d bytes, got complete=%v received=%d", len(payload), f.Complete, f.ReceivedLength)
	}
	if !bytes.Equal(f.Payload, payload) {
		t.Fatalf("reassembled payload mismatch")
	}
}

func TestSendAudioFrameDeliveredToJitterBuffer(t *testing.T) {
	sessA, sessB, _, _ := newLoopback(t)
	var gotPayload []byte
	sessB.onAudio = func(payload []byte, seqnum uint16, recordTS uint64) {
		gotPayload = payload
	}

	payload := []byte{0x30, 0x2c, 1, 0xAA, 0xBB}
	if err := sessA.Send(SendParams{Payload: payload, IsVideo: false, RecordTS: 1234}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !bytes.Equal(gotPayload, payload) {
		t.Fatalf("expected audio payload delivered to callback, got %v", gotPayload)
	}
	if sessB.jitter.Count() != 1 {
		t.Fatalf("expected jitter buffer to hold the enqueued frame, got count=%d", sessB.jitter.Count())
	}
}

func TestOnPacketRejectsShortInput(t *testing.T) {
	sessA, _, _, _ := newLoopback(t)
	if err := sessA.OnPacket([]byte{0xC0, 0x01}); err == nil {
		t.Fatalf("expected error for short packet")
	}
}

func TestOnPacketRejectsWrongPayloadType(t *testing.T) {
	sessA, _, _, _ := newLoopback(t)
	// Build a well-formed header but with a video payload type under the
	// audio transport id.
	raw := make([]byte, 1+80+4)
	raw[0] = byte(transport.PacketAudioLossy)
	raw[1] = 193 // video payload type, mismatched with audio transport id
	if err := sessA.OnPacket(raw); err == nil {
		t.Fatalf("expected protocol error for payload-type mismatch")
	}
}
