package wire

import (
	"os"
	"path/filepath"
	"testing"
)

// goldenPath resolves a golden file path relative to repo root (wire sits
// at internal/av/wire).
func goldenPath(name string) string { return filepath.Join("..", "..", "..", "tests", "golden", name) }

func readGolden(t *testing.T, name string) []byte {
	t.Helper()
	b, err := os.ReadFile(goldenPath(name))
	if err != nil {
		t.Fatalf("golden file %s read error: %v", name, err)
	}
	return b
}

func TestUnpackMatchesAudioGoldenVector(t *testing.T) {
	b := readGolden(t, "header_audio_basic.bin")
	h, err := Unpack(b)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if !PayloadTypeAudio.Matches(h.PayloadType) {
		t.Fatalf("expected audio payload type, got field value %d", h.PayloadType)
	}
	if h.Sequnum != 7 || h.Timestamp != 1000 || !h.HasRecordTimestamp() {
		t.Fatalf("unexpected audio header fields: %+v", h)
	}
}

func TestUnpackMatchesVideoKeyframeGoldenVector(t *testing.T) {
	b := readGolden(t, "header_video_keyframe_h264.bin")
	h, err := Unpack(b)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if !PayloadTypeVideo.Matches(h.PayloadType) {
		t.Fatalf("expected video payload type, got field value %d", h.PayloadType)
	}
	if !h.IsKeyFrame() || !h.IsH264() || !h.IsLargeFrame() {
		t.Fatalf("expected KEY_FRAME|ENCODER_IS_H264|LARGE_FRAME, got flags %#x", h.Flags)
	}
	if h.LengthFull != 8000 || h.EncoderBitrate != 500000 {
		t.Fatalf("unexpected video keyframe fields: %+v", h)
	}
}

func TestUnpackMatchesVideoFragmentGoldenVector(t *testing.T) {
	b := readGolden(t, "header_video_fragment_offset.bin")
	h, err := Unpack(b)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if h.OffsetFull != 2000 || h.LengthFull != 8000 || h.FragmentNum != 1 {
		t.Fatalf("unexpected fragment offset fields: %+v", h)
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	cases := []Header{
		{},
		{
			Version: 2, Padding: true, Extension: true, CSRCCount: 9,
			Marker: true, PayloadType: PayloadTypeVideo % 128,
			Sequnum: 42, Timestamp: 0xDEADBEEF, SSRC: 0x11223344,
			Flags:              FlagLargeFrame | FlagKeyFrame | FlagEncoderIsH264,
			OffsetFull:         4096,
			LengthFull:         8000,
			ReceivedLengthFull: 8000,
			RecordTimestamp:    1690000000123,
			FragmentNum:        3,
			RealFrameNum:       0,
			EncoderBitrate:     1_500_000,
			CaptureDelayMS:     12,
			OffsetLegacy:       100,
			LengthLegacy:       200,
		},
		{
			PayloadType: PayloadTypeAudio % 128,
			Flags:       FlagHasRecordTS,
		},
	}

	for i, h := range cases {
		packed := Pack(&h)
		got, err := Unpack(packed[:])
		if err != nil {
			t.Fatalf("case %d: unexpected error: %v", i, err)
		}
		if got != h {
			t.Fatalf("case %d: round trip mismatch:\n got  %+v\n want %+v", i, got, h)
		}
	}
}

func TestHeaderReservedFlagsZeroedOnPack(t *testing.T) {
	h := Header{Flags: ^uint64(0)} // every bit set, including reserved ones
	packed := Pack(&h)
	got, err := Unpack(packed[:])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Flags&flagReservedMask != 0 {
		t.Fatalf("expected reserved flag bits zeroed, got %#x", got.Flags)
	}
	want := FlagLargeFrame | FlagKeyFrame | FlagHasRecordTS | FlagEncoderIsH264 | FlagRotationBit0 | FlagRotationBit1
	if got.Flags != want {
		t.Fatalf("expected only defined flags to survive: got %#x want %#x", got.Flags, want)
	}
}

func TestUnpackRejectsShortInput(t *testing.T) {
	if _, err := Unpack(make([]byte, HeaderSize-1)); err == nil {
		t.Fatalf("expected error for short input")
	}
}

func TestRotationRoundTrip(t *testing.T) {
	for _, r := range []Rotation{Rotation0, Rotation90, Rotation180, Rotation270} {
		var h Header
		h.SetRotation(r)
		if got := h.RotationAngle(); got != r {
			t.Fatalf("rotation round trip: got %v want %v", got, r)
		}
	}
}

func TestPayloadTypeMatchesModulo128(t *testing.T) {
	var h Header
	h.PayloadType = PayloadTypeAudio
	packed := Pack(&h)
	got, _ := Unpack(packed[:])
	if !PayloadTypeAudio.Matches(got.PayloadType) {
		t.Fatalf("expected masked payload type %d to match PayloadTypeAudio", got.PayloadType)
	}
	if PayloadTypeVideo.Matches(got.PayloadType) {
		t.Fatalf("did not expect video payload type to match an audio field value")
	}
}

func TestHeaderSizeConstant(t *testing.T) {
	var h Header
	packed := Pack(&h)
	if len(packed) != HeaderSize || HeaderSize != 80 {
		t.Fatalf("expected 80-byte header, got %d (HeaderSize=%d)", len(packed), HeaderSize)
	}
}
