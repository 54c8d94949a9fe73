// Package audio implements the audio jitter buffer (spec §3, §4.3): a
// bounded ring of completed Opus frames indexed strictly by arrival order,
// plus the per-tick drain loop that feeds a decoder backend and invokes the
// session's receive callback.
package audio

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	averrors "github.com/alxayo/toxav-go/internal/errors"
	"github.com/alxayo/toxav-go/internal/logger"
	"github.com/alxayo/toxav-go/internal/metrics"
)

// fillThresholdMultiple is how many multiples of capacity constitute
// "over full" and trigger a slow-down hint to the video path (spec §4.3).
const fillThresholdMultiple = 2

// minReconfigureInterval guards against thrashing the decoder when the
// sender's (rate, channels) pair toggles rapidly.
const minReconfigureInterval = 500 * time.Millisecond

// pcm120msStereo48k is the fixed PCM16 scratch size: 120ms @ 48kHz stereo.
const pcm120msStereo48k = 48000 * 120 / 1000 * 2

// Decoder is the subset of an audio codec backend the jitter buffer drives.
// internal/av/codec.OpusBackend implements this.
type Decoder interface {
	Reconfigure(sampleRateHz, channels int) error
	Decode(payload []byte, pcmOut []int16) (samples int, err error)
	DecodePLC(frameSize int, pcmOut []int16) (samples int, err error)
}

// ReceiveFunc is invoked once per decoded (or concealed) frame.
type ReceiveFunc func(pcm []int16, samples, channels, rate int)

// IterateResult mirrors the {idle, ok, slow} encoding from spec §4.8.
type IterateResult int

const (
	IterateIdle IterateResult = iota
	IterateOK
	IterateSlow
)

type slot struct {
	occupied  bool
	payload   []byte
	seqnum    uint16
	recordTS  uint64
}

// JitterBuffer is a power-of-two-sized ring with S = nextPow2(4*capacity)
// backing slots; bottom/top are monotonic counters, count tracks fill level
// independently of their difference, preserving the invariant explicitly
// rather than inferring it from wrapped counters.
type JitterBuffer struct {
	mu sync.Mutex

	capacity int
	size     uint64 // power of two, >= 4*capacity
	mask     uint64
	slots    []slot

	bottom uint64
	top    uint64
	count  int

	decoder   Decoder
	rate      int
	channels  int
	lastReconf time.Time

	lastFrameDurationMS int

	friendID uint32
	metrics  *metrics.Registry
}

// New allocates a JitterBuffer with the given frame capacity C.
func New(capacity int, friendID uint32, decoder Decoder, reg *metrics.Registry) *JitterBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	size := nextPow2(uint64(4 * capacity))
	return &JitterBuffer{
		capacity: capacity,
		size:     size,
		mask:     size - 1,
		slots:    make([]slot, size),
		decoder:  decoder,
		friendID: friendID,
		metrics:  reg,
	}
}

func nextPow2(v uint64) uint64 {
	if v == 0 {
		return 1
	}
	p := uint64(1)
	for p < v {
		p <<= 1
	}
	return p
}

// Write stores an arrived frame. Returns a ResourceError when the buffer is
// at capacity C (not when the backing ring itself is full — the ring is
// intentionally oversized to 4C so write failures are governed by the
// logical capacity, per spec §8's testable property).
func (j *JitterBuffer) Write(payload []byte, seqnum uint16, recordTS uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.count == j.capacity {
		return averrors.NewResourceError("jitter.write", nil)
	}
	idx := j.top & j.mask
	j.slots[idx] = slot{occupied: true, payload: payload, seqnum: seqnum, recordTS: recordTS}
	j.top++
	j.count++
	if j.metrics != nil {
		j.metrics.JitterFillLevel.WithLabelValues(friendLabel(j.friendID)).Set(float64(j.count))
	}
	return nil
}

// ReadStatus is the three-way result of Read.
type ReadStatus int

const (
	ReadOK ReadStatus = iota
	ReadPLC
	ReadEmpty
)

// Read pops the oldest frame, or reports PLC when the oldest logical slot
// has fallen behind by more than the configured capacity (spec §4.3), or
// EMPTY when there is nothing ready yet.
func (j *JitterBuffer) Read() (payload []byte, seqnum uint16, recordTS uint64, status ReadStatus) {
	j.mu.Lock()
	defer j.mu.Unlock()

	idx := j.bottom & j.mask
	s := j.slots[idx]
	if s.occupied {
		j.slots[idx] = slot{}
		j.bottom++
		j.count--
		if j.metrics != nil {
			j.metrics.JitterFillLevel.WithLabelValues(friendLabel(j.friendID)).Set(float64(j.count))
		}
		return s.payload, s.seqnum, s.recordTS, ReadOK
	}

	if j.top-j.bottom > uint64(j.capacity) {
		j.bottom++
		if j.metrics != nil {
			j.metrics.JitterPLCTotal.WithLabelValues(friendLabel(j.friendID)).Inc()
		}
		return nil, 0, 0, ReadPLC
	}

	return nil, 0, 0, ReadEmpty
}

// NoteArrivalGap advances the expected-arrival counter without occupying a
// slot. The RTP layer calls this when it detects a sequence-number gap on
// the audio stream so the window (top-bottom) can grow past the logical
// capacity and trigger concealment via Read's PLC path, without the ring
// ever physically overwriting unread data (the backing store is 4x
// capacity precisely to absorb this).
func (j *JitterBuffer) NoteArrivalGap() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.top++
}

// Clear drops every pending frame and resets the window.
func (j *JitterBuffer) Clear() {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i := range j.slots {
		j.slots[i] = slot{}
	}
	j.bottom, j.top, j.count = 0, 0, 0
}

// Count returns the number of frames physically occupying a slot right now.
func (j *JitterBuffer) Count() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.count
}

// fillLevel returns the logical backlog (top-bottom), which includes both
// buffered frames and any arrival gaps noted via NoteArrivalGap. Iterate
// uses this (rather than Count) to decide IDLE/SLOW, since a run of missing
// frames should make the audio path look "busy" to the pacing loop exactly
// as a run of buffered frames would.
func (j *JitterBuffer) fillLevel() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.top - j.bottom
}

// LastFrameDurationMS returns the most recently learned frame duration,
// used by session.Iterate's next-wake computation (spec §4.8).
func (j *JitterBuffer) LastFrameDurationMS() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastFrameDurationMS
}

// Iterate drains the buffer for a single tick. Per the original source's
// ac_iterate (spec §9 open question), only one message is processed per
// call even when more are ready.
func (j *JitterBuffer) Iterate(recv ReceiveFunc) IterateResult {
	fill := j.fillLevel()
	if fill == 0 {
		return IterateIdle
	}
	if fill > uint64(fillThresholdMultiple*j.capacity) {
		return j.drainOne(recv, IterateSlow)
	}
	return j.drainOne(recv, IterateOK)
}

func (j *JitterBuffer) drainOne(recv ReceiveFunc, resultOnSuccess IterateResult) IterateResult {
	payload, _, _, status := j.Read()
	log := logger.WithFriend(logger.Logger(), j.friendID)

	switch status {
	case ReadOK:
		rate, channels, ok := parseOpusMeta(payload)
		opusPacket := payload
		if ok {
			j.maybeReconfigure(rate, channels, log)
			opusPacket = payload[opusMetaSize:]
		}
		pcm := make([]int16, pcm120msStereo48k)
		samples, err := j.decoder.Decode(opusPacket, pcm)
		if err != nil {
			log.Warn("opus decode failed, dropping frame", "error", err)
			return resultOnSuccess
		}
		j.mu.Lock()
		if j.rate > 0 {
			j.lastFrameDurationMS = samples * 1000 / j.rate
		}
		j.mu.Unlock()
		recv(pcm[:samples*channels], samples, channels, j.rate)
		return resultOnSuccess

	case ReadPLC:
		frameSize := j.rate * lpFrameDurationMS / 1000
		if frameSize <= 0 {
			frameSize = pcm120msStereo48k / 2
		}
		pcm := make([]int16, frameSize*maxInt(j.channels, 1))
		samples, err := j.decoder.DecodePLC(frameSize, pcm)
		if err != nil {
			log.Warn("opus PLC decode failed", "error", err)
			return resultOnSuccess
		}
		recv(pcm[:samples*maxInt(j.channels, 1)], samples, j.channels, j.rate)
		return resultOnSuccess

	default: // ReadEmpty
		return IterateIdle
	}
}

// lpFrameDurationMS is the "loss-plan" frame duration used when sizing the
// PLC concealment frame (spec §4.3: "(lp_sampling_rate * lp_frame_duration_ms)/1000").
const lpFrameDurationMS = 20

func (j *JitterBuffer) maybeReconfigure(rate, channels int, log *slog.Logger) error {
	j.mu.Lock()
	changed := rate != j.rate || channels != j.channels
	sinceLast := time.Since(j.lastReconf)
	if !changed {
		j.mu.Unlock()
		return nil
	}
	if !j.lastReconf.IsZero() && sinceLast < minReconfigureInterval {
		j.mu.Unlock()
		log.Warn("reconfigure suppressed: inside minimum interval", "since_ms", sinceLast.Milliseconds())
		return averrors.NewCodecError("jitter.reconfigure", nil)
	}
	j.mu.Unlock()

	if err := j.decoder.Reconfigure(rate, channels); err != nil {
		log.Warn("opus reconfigure failed, keeping previous decoder", "error", err)
		return averrors.NewCodecError("jitter.reconfigure", err)
	}

	j.mu.Lock()
	j.rate, j.channels = rate, channels
	j.lastReconf = time.Now()
	j.mu.Unlock()
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func friendLabel(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}

// opusMetaSize is the length of the fixed preamble parseOpusMeta reads;
// drainOne slices it off the front of payload before handing the rest to
// the decoder as the actual Opus packet.
const opusMetaSize = 3

// parseOpusMeta extracts (rate, channels) from the first three bytes of the
// frame, a small fixed preamble the sender prepends ahead of the raw Opus
// packet (spec §4.3): byte0..1 = sample rate / 1000 (big-endian u16),
// byte2 = channel count.
func parseOpusMeta(payload []byte) (rate, channels int, ok bool) {
	if len(payload) < opusMetaSize {
		return 0, 0, false
	}
	rate = (int(payload[0])<<8 | int(payload[1])) * 1000
	channels = int(payload[2])
	if channels != 1 && channels != 2 {
		return 0, 0, false
	}
	return rate, channels, true
}
