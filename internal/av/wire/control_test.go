package wire

import "testing"

func TestControlRoundTrip(t *testing.T) {
	cases := []ControlMessage{
		{Subtype: ControlRequestKeyframe},
		{Subtype: ControlHaveH264Video},
		{Subtype: ControlLessVideoFPS, FPSDivisor: 3},
		{Subtype: ControlClockRequest, EchoT0: 123456},
		{Subtype: ControlClockAnswer, EchoT0: 123456, RemoteT1: 123460, RemoteT2: 123461},
		{Subtype: ControlCapChangeAck, CapSendA: true, CapRecvV: true},
	}
	for i, m := range cases {
		b, err := EncodeControl(m)
		if err != nil {
			t.Fatalf("case %d: encode error: %v", i, err)
		}
		got, err := DecodeControl(b)
		if err != nil {
			t.Fatalf("case %d: decode error: %v", i, err)
		}
		if got != m {
			t.Fatalf("case %d: round trip mismatch: got %+v want %+v", i, got, m)
		}
	}
}

func TestLessVideoFPSRejectsOutOfRange(t *testing.T) {
	for _, n := range []uint8{0, 1, 10, 255} {
		if _, err := EncodeControl(ControlMessage{Subtype: ControlLessVideoFPS, FPSDivisor: n}); err == nil {
			t.Fatalf("expected error for out-of-range divisor %d", n)
		}
	}
}

func TestDecodeControlRejectsShortPayloads(t *testing.T) {
	cases := [][]byte{
		{},
		{byte(ControlLessVideoFPS)},
		{byte(ControlClockRequest), 0, 0, 0},
		{byte(ControlClockAnswer), 0, 0, 0, 0, 0, 0, 0, 0},
	}
	for i, b := range cases {
		if _, err := DecodeControl(b); err == nil {
			t.Fatalf("case %d: expected error for short payload %v", i, b)
		}
	}
}

func TestDecodeControlRejectsUnknownSubtype(t *testing.T) {
	if _, err := DecodeControl([]byte{99}); err == nil {
		t.Fatalf("expected error for unknown subtype")
	}
}

func TestMakeBroadcastHeader(t *testing.T) {
	h := MakeBroadcastHeader(PayloadTypeAudio, 1000, 4)
	if h.PayloadType != PayloadTypeAudio || h.Timestamp != 1000 || h.CaptureDelayMS != 4 {
		t.Fatalf("unexpected broadcast header: %+v", h)
	}
}

func TestDecodeControlMatchesGoldenVectors(t *testing.T) {
	cases := []struct {
		file string
		want ControlMessage
	}{
		{"control_request_keyframe.bin", ControlMessage{Subtype: ControlRequestKeyframe}},
		{"control_have_h264_video.bin", ControlMessage{Subtype: ControlHaveH264Video}},
		{"control_less_video_fps_div3.bin", ControlMessage{Subtype: ControlLessVideoFPS, FPSDivisor: 3}},
		{"control_clock_request.bin", ControlMessage{Subtype: ControlClockRequest, EchoT0: 123456}},
		{"control_clock_answer.bin", ControlMessage{Subtype: ControlClockAnswer, EchoT0: 123456, RemoteT1: 123480, RemoteT2: 123500}},
	}
	for _, tc := range cases {
		got, err := DecodeControl(readGolden(t, tc.file))
		if err != nil {
			t.Fatalf("%s: decode error: %v", tc.file, err)
		}
		if got != tc.want {
			t.Fatalf("%s: got %+v want %+v", tc.file, got, tc.want)
		}
	}
}
