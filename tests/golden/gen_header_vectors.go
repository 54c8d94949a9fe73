//go:build ignore

// Golden test vectors for the 80-byte frame header (spec §3/§6.1).
// Run: go run tests/golden/gen_header_vectors.go
// Produces the following files in tests/golden/:
//   - header_audio_basic.bin             (audio frame, seq=7, ts=1000)
//   - header_video_keyframe_h264.bin     (video keyframe, KEY_FRAME|ENCODER_IS_H264)
//   - header_video_fragment_offset.bin   (video fragment at offset 2000 of a 8000-byte frame)
//
// Each file contains exactly HeaderSize (80) bytes; no payload.
package main

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
)

const headerSize = 80

func must(err error) {
	if err != nil {
		panic(err)
	}
}

func write(path string, data []byte) {
	must(os.WriteFile(path, data, 0o644))
	fmt.Printf("Wrote %-40s size=%d bytes\n", filepath.Base(path), len(data))
}

func boolBit(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// packHeader mirrors internal/av/wire.Pack's byte layout exactly, kept
// independent here so the generator can't silently drift with the package
// it's meant to pin down.
func packHeader(payloadType byte, marker bool, seq uint16, ts, ssrc uint32, flags uint64, offset, length, recvLength uint32, recordTS uint64, fragNum, realFrameNum, bitrate, captureDelay uint32, offsetLegacy, lengthLegacy uint16) []byte {
	buf := make([]byte, headerSize)
	buf[0] = 0 // version=0, no padding/extension/csrc
	buf[1] = boolBit(marker)<<7 | payloadType&0x7F
	binary.BigEndian.PutUint16(buf[2:4], seq)
	binary.BigEndian.PutUint32(buf[4:8], ts)
	binary.BigEndian.PutUint32(buf[8:12], ssrc)
	binary.BigEndian.PutUint64(buf[12:20], flags)
	binary.BigEndian.PutUint32(buf[20:24], offset)
	binary.BigEndian.PutUint32(buf[24:28], length)
	binary.BigEndian.PutUint32(buf[28:32], recvLength)
	binary.BigEndian.PutUint64(buf[32:40], recordTS)
	binary.BigEndian.PutUint32(buf[40:44], fragNum)
	binary.BigEndian.PutUint32(buf[44:48], realFrameNum)
	binary.BigEndian.PutUint32(buf[48:52], bitrate)
	binary.BigEndian.PutUint32(buf[52:56], captureDelay)
	binary.BigEndian.PutUint16(buf[76:78], offsetLegacy)
	binary.BigEndian.PutUint16(buf[78:80], lengthLegacy)
	return buf
}

func main() {
	outDir := filepath.Join("tests", "golden")
	must(os.MkdirAll(outDir, 0o755))

	const (
		payloadTypeAudio = 192 % 128 // 64, the masked 7-bit field value
		payloadTypeVideo = 193 % 128 // 65
		flagLargeFrame   = uint64(1) << 0
		flagKeyFrame     = uint64(1) << 1
		flagHasRecordTS  = uint64(1) << 2
		flagEncoderH264  = uint64(1) << 3
	)

	audio := packHeader(byte(payloadTypeAudio), true, 7, 1000, 0, flagHasRecordTS, 0, 0, 0, 1000, 0, 0, 0, 0, 0, 0)
	write(filepath.Join(outDir, "header_audio_basic.bin"), audio)

	videoKF := packHeader(byte(payloadTypeVideo), true, 1, 100, 0, flagLargeFrame|flagKeyFrame|flagEncoderH264, 0, 8000, 0, 0, 0, 0, 500000, 0, 0, 0)
	write(filepath.Join(outDir, "header_video_keyframe_h264.bin"), videoKF)

	videoFrag := packHeader(byte(payloadTypeVideo), true, 42, 100, 0, flagLargeFrame|flagKeyFrame|flagEncoderH264, 2000, 8000, 0, 0, 1, 0, 500000, 0, 0, 0)
	write(filepath.Join(outDir, "header_video_fragment_offset.bin"), videoFrag)

	fmt.Println("Frame header golden vectors generated in", outDir)
}
