package session

import (
	"context"
	"sync"
	"time"
)

const keepMarks = 16

// Ring keeps the most recent stderr lines of one engine generation. Every
// line gets a sequence number; marks record the sequence at which a stderr
// sentinel was seen so the lines written by one command can be told apart.
type Ring struct {
	mx      sync.Mutex
	lines   []string
	start   int
	size    int
	seq     uint64 // number of lines ever added
	marks   uint64
	markSeq map[uint64]uint64
	changed chan struct{}
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{
		lines:   make([]string, capacity),
		markSeq: make(map[uint64]uint64, keepMarks),
		changed: make(chan struct{}),
	}
}

// Add stores line, evicting the oldest one when full.
func (r *Ring) Add(line string) {
	r.mx.Lock()
	defer r.mx.Unlock()
	idx := (r.start + r.size) % len(r.lines)
	r.lines[idx] = line
	if r.size < len(r.lines) {
		r.size++
	} else {
		r.start = (r.start + 1) % len(r.lines)
	}
	r.seq++
}

// Mark records a stderr sentinel and wakes up WaitMark callers.
func (r *Ring) Mark() {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.marks++
	r.markSeq[r.marks] = r.seq
	delete(r.markSeq, r.marks-keepMarks)
	close(r.changed)
	r.changed = make(chan struct{})
}

// Seq returns the number of lines added so far.
func (r *Ring) Seq() uint64 {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.seq
}

// Lines returns the buffered lines, oldest first.
func (r *Ring) Lines() []string {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.between(r.seq-uint64(r.size), r.seq)
}

// Since returns the buffered lines added after sequence from.
func (r *Ring) Since(from uint64) []string {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.between(from, r.seq)
}

// WaitMark waits for mark n and returns the lines between marks n-1 and n.
// If the mark does not arrive in time, the lines added after fallback are
// returned instead and ok is false.
func (r *Ring) WaitMark(ctx context.Context, n uint64, fallback uint64, wait time.Duration) (lines []string, ok bool) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		r.mx.Lock()
		if to, found := r.markSeq[n]; found {
			from, hasPrev := r.markSeq[n-1]
			if !hasPrev {
				from = fallback
			}
			lines = r.between(from, to)
			r.mx.Unlock()
			return lines, true
		}
		ch := r.changed
		r.mx.Unlock()

		select {
		case <-ch:
		case <-timer.C:
			return r.Since(fallback), false
		case <-ctx.Done():
			return r.Since(fallback), false
		}
	}
}

// between returns lines with sequence in (from, to]; evicted ones are skipped.
func (r *Ring) between(from, to uint64) []string {
	oldest := r.seq - uint64(r.size)
	if from < oldest {
		from = oldest
	}
	if to > r.seq {
		to = r.seq
	}
	if from >= to {
		return nil
	}
	out := make([]string, 0, to-from)
	for s := from; s < to; s++ {
		idx := (r.start + int(s-oldest)) % len(r.lines)
		out = append(out, r.lines[idx])
	}
	return out
}
