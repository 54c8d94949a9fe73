//go:build ignore

// Golden test vectors for the lossless control side-channel body (spec
// §4.10/§6.1): subtype byte plus payload, excluding the transport packet id.
// Run: go run tests/golden/gen_control_vectors.go
// Produces the following files in tests/golden/:
//   - control_request_keyframe.bin        (subtype=1, no payload)
//   - control_have_h264_video.bin         (subtype=2, no payload)
//   - control_less_video_fps_div3.bin     (subtype=3, divisor=3)
//   - control_clock_request.bin           (subtype=4, echo_t0=123456)
//   - control_clock_answer.bin            (subtype=5, echo_t0/remote_t1/remote_t2)
package main

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
)

func must(err error) {
	if err != nil {
		panic(err)
	}
}

func write(path string, data []byte) {
	must(os.WriteFile(path, data, 0o644))
	fmt.Printf("Wrote %-40s size=%d bytes\n", filepath.Base(path), len(data))
}

func main() {
	outDir := filepath.Join("tests", "golden")
	must(os.MkdirAll(outDir, 0o755))

	write(filepath.Join(outDir, "control_request_keyframe.bin"), []byte{1})
	write(filepath.Join(outDir, "control_have_h264_video.bin"), []byte{2})

	write(filepath.Join(outDir, "control_less_video_fps_div3.bin"), []byte{3, 3})

	clockReq := make([]byte, 5)
	clockReq[0] = 4
	binary.BigEndian.PutUint32(clockReq[1:5], 123456)
	write(filepath.Join(outDir, "control_clock_request.bin"), clockReq)

	clockAns := make([]byte, 13)
	clockAns[0] = 5
	binary.BigEndian.PutUint32(clockAns[1:5], 123456)
	binary.BigEndian.PutUint32(clockAns[5:9], 123480)
	binary.BigEndian.PutUint32(clockAns[9:13], 123500)
	write(filepath.Join(outDir, "control_clock_answer.bin"), clockAns)

	fmt.Println("Control message golden vectors generated in", outDir)
}
