// Package video implements the video work buffer (spec §3, §4.4): a small
// slot array that reassembles multi-fragment video frames identified by
// (sequnum, timestamp), with eviction, gap detection, and out-of-order
// delivery support.
package video

import (
	"strconv"
	"sync"

	averrors "github.com/alxayo/toxav-go/internal/errors"
	"github.com/alxayo/toxav-go/internal/metrics"
)

// NumSlots is N from spec §4.4: a small fixed slot count, not a tunable.
const NumSlots = 5

// codecPadding is extra trailing space allocated past full_length, matching
// decoder backends (VP8/VP9/H.264) that read a small lookahead past the
// final byte of a bitstream buffer.
const codecPadding = 32

// gapToleranceSeq is the "slot0.sequnum + 2 < slot[k].sequnum" heuristic
// threshold from spec §4.4.
const gapToleranceSeq = 2

// rolloverThreshold is the number of consecutive stale-sequence detections
// treated as a rollover rather than genuine reordering (spec §4.4).
const rolloverThreshold = 6

type slotState int

const (
	slotEmpty slotState = iota
	slotFilling
	slotComplete
)

type videoSlot struct {
	state      slotState
	sequnum    uint16
	timestamp  uint32
	buf        []byte
	received   uint32
	fullLength uint32
	keyFrame   bool
}

// PlacementAction is the result of GetSlot when no slot index is directly
// usable.
type PlacementAction int

const (
	PlaceInSlot PlacementAction = iota
	PlaceDropOldest
	PlaceDropIncoming
)

// Frame is a completed (or force-evicted partial) video frame handed to the
// decoder collaborator.
type Frame struct {
	Sequnum           uint16
	Timestamp         uint32
	Payload           []byte
	ReceivedLength    uint32
	FullLength        uint32
	KeyFrame          bool
	Complete          bool
}

// WorkBuffer holds up to NumSlots in-flight video frames for one friend.
type WorkBuffer struct {
	mu sync.Mutex

	slots    [NumSlots]videoSlot
	nextFree int

	lastSeenSeq   uint16
	haveLastSeen  bool
	oldFrameCount int

	friendID uint32
	metrics  *metrics.Registry
}

// New creates an empty WorkBuffer for the given friend.
func New(friendID uint32, reg *metrics.Registry) *WorkBuffer {
	return &WorkBuffer{friendID: friendID, metrics: reg}
}

// NoteSequence tracks sequence-number skew (spec §4.4): if seq is less than
// the last seen sequence, bump a counter; after rolloverThreshold
// consecutive such events, treat it as a 16-bit rollover and resynchronize.
func (wb *WorkBuffer) NoteSequence(seq uint16) {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	if !wb.haveLastSeen {
		wb.lastSeenSeq = seq
		wb.haveLastSeen = true
		return
	}
	if seq < wb.lastSeenSeq {
		wb.oldFrameCount++
		if wb.oldFrameCount >= rolloverThreshold {
			wb.lastSeenSeq = seq
			wb.oldFrameCount = 0
		}
		return
	}
	wb.oldFrameCount = 0
	wb.lastSeenSeq = seq
}

// GetSlot locates (or allocates) a slot for an incoming packet, per the
// get_slot algorithm in spec §4.4.
func (wb *WorkBuffer) GetSlot(isMultipart bool, sequnum uint16, timestamp uint32) (idx int, action PlacementAction) {
	wb.mu.Lock()
	defer wb.mu.Unlock()

	if wb.nextFree == 0 {
		return 0, PlaceInSlot
	}
	if isMultipart {
		for i := 0; i < wb.nextFree; i++ {
			if wb.slots[i].state != slotEmpty && wb.slots[i].sequnum == sequnum && wb.slots[i].timestamp == timestamp {
				return i, PlaceInSlot
			}
		}
	}
	if wb.nextFree < NumSlots {
		return wb.nextFree, PlaceInSlot
	}
	return 0, PlaceDropOldest
}

// FillSlot copies payload at header.offset into the slot's backing buffer,
// allocating it on first touch. evictGap reports whether the caller should
// immediately force-deliver slot 0 per the gap heuristic in spec §4.4.
func (wb *WorkBuffer) FillSlot(idx int, sequnum uint16, timestamp uint32, offset, fullLength uint32, keyFrame bool, payload []byte) (completed bool, evictGap bool, err error) {
	wb.mu.Lock()
	defer wb.mu.Unlock()

	if idx < 0 || idx >= NumSlots {
		return false, false, averrors.NewProtocolError("video.fillSlot", nil)
	}
	s := &wb.slots[idx]
	if s.state == slotEmpty {
		s.buf = make([]byte, fullLength+codecPadding)
		s.fullLength = fullLength
		s.sequnum = sequnum
		s.timestamp = timestamp
		s.keyFrame = keyFrame
		s.received = 0
		s.state = slotFilling
		if idx == wb.nextFree {
			wb.nextFree++
		}
	}

	if offset+uint32(len(payload)) > s.fullLength {
		return false, false, averrors.NewProtocolError("video.fillSlot", nil)
	}
	copy(s.buf[offset:], payload)
	s.received += uint32(len(payload))

	if s.received == s.fullLength {
		s.state = slotComplete
	}

	if wb.metrics != nil {
		wb.metrics.WorkBufferActiveSlots.WithLabelValues(friendLabel(wb.friendID)).Set(float64(wb.nextFree))
	}

	if idx > 0 && wb.slots[0].state != slotEmpty && uint32(wb.slots[0].sequnum)+gapToleranceSeq < uint32(s.sequnum) {
		evictGap = true
	}
	return s.state == slotComplete, evictGap, nil
}

// ProcessFrame atomically moves slot idx's buffer out, shifts later slots
// down to close the gap, and returns the frame (complete or not).
func (wb *WorkBuffer) ProcessFrame(idx int) (Frame, bool) {
	wb.mu.Lock()
	defer wb.mu.Unlock()

	if idx < 0 || idx >= wb.nextFree || wb.slots[idx].state == slotEmpty {
		return Frame{}, false
	}
	s := wb.slots[idx]
	frame := Frame{
		Sequnum:        s.sequnum,
		Timestamp:      s.timestamp,
		Payload:        s.buf[:s.received],
		ReceivedLength: s.received,
		FullLength:     s.fullLength,
		KeyFrame:       s.keyFrame,
		Complete:       s.state == slotComplete,
	}

	for i := idx; i < wb.nextFree-1; i++ {
		wb.slots[i] = wb.slots[i+1]
	}
	wb.slots[wb.nextFree-1] = videoSlot{}
	wb.nextFree--

	if wb.metrics != nil {
		wb.metrics.WorkBufferActiveSlots.WithLabelValues(friendLabel(wb.friendID)).Set(float64(wb.nextFree))
		if !frame.Complete {
			wb.metrics.WorkBufferDropOldestTotal.WithLabelValues(friendLabel(wb.friendID)).Inc()
		}
	}
	return frame, true
}

// ActiveSlots returns the current number of occupied slots.
func (wb *WorkBuffer) ActiveSlots() int {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	return wb.nextFree
}

func friendLabel(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}
