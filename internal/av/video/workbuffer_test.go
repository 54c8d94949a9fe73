package video

import (
	"bytes"
	"testing"
)

// TestReassembleOutOfOrderFragments mirrors spec §8 scenario S2: a 4-fragment
// 8000-byte keyframe delivered as fragments [2, 0, 3, 1] reassembles intact.
func TestReassembleOutOfOrderFragments(t *testing.T) {
	wb := New(1, nil)
	const full = 8000
	const seq = 42
	const ts = 100

	piece := full / 4
	want := make([]byte, full)
	for i := range want {
		want[i] = byte(i)
	}

	order := []int{2, 0, 3, 1}
	idx, action := wb.GetSlot(true, seq, ts)
	if action != PlaceInSlot {
		t.Fatalf("expected first fragment to place into a slot, got action=%v", action)
	}

	var completed bool
	for n, fragIdx := range order {
		off := uint32(fragIdx * piece)
		payload := want[off : off+uint32(piece)]
		if n > 0 {
			// Subsequent fragments must resolve to the same slot via (seq, ts).
			var act PlacementAction
			idx, act = wb.GetSlot(true, seq, ts)
			if act != PlaceInSlot {
				t.Fatalf("fragment %d: expected matching slot, got action=%v", n, act)
			}
		}
		done, _, err := wb.FillSlot(idx, seq, ts, off, full, true, payload)
		if err != nil {
			t.Fatalf("fragment %d: unexpected error: %v", n, err)
		}
		completed = done
	}
	if !completed {
		t.Fatalf("expected slot to report complete after the final unique fragment")
	}

	frame, ok := wb.ProcessFrame(idx)
	if !ok {
		t.Fatalf("expected ProcessFrame to succeed")
	}
	if !frame.Complete || frame.ReceivedLength != full {
		t.Fatalf("expected complete frame of length %d, got complete=%v received=%d", full, frame.Complete, frame.ReceivedLength)
	}
	if !frame.KeyFrame {
		t.Fatalf("expected KEY_FRAME flag preserved")
	}
	if !bytes.Equal(frame.Payload, want) {
		t.Fatalf("reassembled payload mismatch")
	}
}

// TestDropOldestDeliversPartialFrame mirrors spec §8 scenario S5: 5 slots
// filled with partial frames; a 6th multipart packet forces slot 0 out
// (even though partial), and the new frame occupies the freed slot.
func TestDropOldestDeliversPartialFrame(t *testing.T) {
	wb := New(1, nil)

	for i := 0; i < NumSlots; i++ {
		seq := uint16(i)
		idx, action := wb.GetSlot(true, seq, uint32(i))
		if action != PlaceInSlot {
			t.Fatalf("slot %d: expected placement, got %v", i, action)
		}
		// Only partially fill each (half of a 1000-byte frame).
		if _, _, err := wb.FillSlot(idx, seq, uint32(i), 0, 1000, false, make([]byte, 500)); err != nil {
			t.Fatalf("slot %d: fill error: %v", i, err)
		}
	}
	if wb.ActiveSlots() != NumSlots {
		t.Fatalf("expected %d active slots, got %d", NumSlots, wb.ActiveSlots())
	}

	// 6th incoming multipart packet for a brand-new (seq, ts): no matching
	// slot, none free -> DropOldest.
	_, action := wb.GetSlot(true, 99, 999)
	if action != PlaceDropOldest {
		t.Fatalf("expected DropOldest when all slots full and no match, got %v", action)
	}

	evicted, ok := wb.ProcessFrame(0)
	if !ok {
		t.Fatalf("expected slot 0 to be force-delivered")
	}
	if evicted.Complete {
		t.Fatalf("expected the force-evicted frame to be reported incomplete")
	}
	if evicted.ReceivedLength != 500 {
		t.Fatalf("expected ReceivedLength to report actual bytes received (500), got %d", evicted.ReceivedLength)
	}
	if evicted.Sequnum != 0 {
		t.Fatalf("expected slot 0's frame (seq=0) to be the one evicted, got seq=%d", evicted.Sequnum)
	}

	// Now placement should succeed for the new frame.
	idx, action2 := wb.GetSlot(true, 99, 999)
	if action2 != PlaceInSlot {
		t.Fatalf("expected placement to succeed after eviction, got %v", action2)
	}
	if _, _, err := wb.FillSlot(idx, 99, 999, 0, 2000, false, make([]byte, 2000)); err != nil {
		t.Fatalf("unexpected error filling freed slot: %v", err)
	}
	if wb.ActiveSlots() != NumSlots {
		t.Fatalf("expected slot count to return to %d after reuse, got %d", NumSlots, wb.ActiveSlots())
	}
}

func TestFillSlotBoundsChecked(t *testing.T) {
	wb := New(1, nil)
	idx, _ := wb.GetSlot(true, 1, 1)
	if _, _, err := wb.FillSlot(idx, 1, 1, 900, 1000, false, make([]byte, 200)); err == nil {
		t.Fatalf("expected bounds-check error when offset+len exceeds full_length")
	}
}

func TestGapEvictionHeuristic(t *testing.T) {
	wb := New(1, nil)
	// Slot 0: old partial frame at seq=1.
	idx0, _ := wb.GetSlot(true, 1, 1)
	wb.FillSlot(idx0, 1, 1, 0, 1000, false, make([]byte, 100))

	// Slot 1: a much newer frame (seq jumps by more than the tolerance of 2).
	idx1, _ := wb.GetSlot(true, 10, 2)
	_, evictGap, err := wb.FillSlot(idx1, 10, 2, 0, 1000, false, make([]byte, 100))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !evictGap {
		t.Fatalf("expected gap-eviction signal when slot0.seq+2 < slot[k].seq")
	}
}

func TestSequenceRolloverResync(t *testing.T) {
	wb := New(1, nil)
	wb.NoteSequence(65530)
	// 6 consecutive lower sequence numbers triggers rollover resync.
	for i := 0; i < rolloverThreshold; i++ {
		wb.NoteSequence(uint16(i))
	}
	wb.mu.Lock()
	got := wb.lastSeenSeq
	cnt := wb.oldFrameCount
	wb.mu.Unlock()
	if got != uint16(rolloverThreshold-1) {
		t.Fatalf("expected resync to the latest low sequence number, got %d", got)
	}
	if cnt != 0 {
		t.Fatalf("expected old-frame counter reset after rollover, got %d", cnt)
	}
}

func TestSequenceSkewWithoutRolloverDoesNotResync(t *testing.T) {
	wb := New(1, nil)
	wb.NoteSequence(100)
	wb.NoteSequence(90) // one stale packet, below threshold
	wb.mu.Lock()
	got := wb.lastSeenSeq
	cnt := wb.oldFrameCount
	wb.mu.Unlock()
	if got != 100 {
		t.Fatalf("expected lastSeenSeq unchanged below rollover threshold, got %d", got)
	}
	if cnt != 1 {
		t.Fatalf("expected oldFrameCount=1, got %d", cnt)
	}
}
