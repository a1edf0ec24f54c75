// Package exec runs commands inside containers and retains their output in
// per-execution ring buffers that clients read with cursor-based polls.
package exec

import (
	"sync"
	"time"

	"github.com/devbench-ai/devbench/internal/model"
)

// Streams carried by output frames.
const (
	StreamStdout  = "stdout"
	StreamStderr  = "stderr"
	StreamControl = "control"
)

// Default byte limits, overridable through configuration.
const (
	DefaultBudgetBytes = 64 << 20
	DefaultPollBytes   = 1 << 20
)

// Frame is one unit of buffered output. Data frames carry a chunk of stdout
// or stderr. The control frame is appended exactly once, closes the stream,
// and carries the exit code and usage summary.
type Frame struct {
	Seq    uint64
	Stream string
	Data   []byte
	TS     time.Time

	// Set on the control frame only.
	ExitCode *int
	Usage    *model.Usage
	Reason   string
}

// PollResult is one page of frames read from a Buffer.
type PollResult struct {
	Frames []Frame
	// Complete reports that the control frame exists and nothing remains
	// past the returned page.
	Complete bool
	// GapFromSeq is the sequence number polling resumed from after skipping
	// evicted frames. Zero means no gap.
	GapFromSeq uint64
}

// Buffer retains the output of one execution inside a byte budget. Sequence
// numbers start at 1 and increase by one per frame. When a new frame would
// exceed the budget, the oldest whole frames are evicted and the eviction
// watermark advances; pollers behind the watermark receive a gap marker and
// resume at the oldest retained frame.
type Buffer struct {
	mu             sync.Mutex
	budget         int64
	used           int64
	frames         []Frame
	nextSeq        uint64
	evictedThrough uint64
	terminal       bool
	touchedAt      time.Time
}

// NewBuffer returns an empty buffer holding at most budget bytes of frame
// data. Non-positive budgets fall back to DefaultBudgetBytes.
func NewBuffer(budget int64) *Buffer {
	if budget <= 0 {
		budget = DefaultBudgetBytes
	}
	return &Buffer{
		budget:    budget,
		nextSeq:   1,
		touchedAt: time.Now().UTC(),
	}
}

// Append adds one data frame. The data is copied, so the caller may reuse
// the slice. Appends after the control frame are dropped.
func (b *Buffer) Append(stream string, data []byte) {
	if len(data) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.terminal {
		return
	}
	b.push(Frame{Stream: stream, Data: append([]byte(nil), data...)})
}

// AppendControl closes the buffer with the terminal control frame. It
// reports false when the buffer was already closed, in which case nothing
// is appended.
func (b *Buffer) AppendControl(exitCode int, usage model.Usage, reason string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.terminal {
		return false
	}
	code := exitCode
	u := usage
	b.push(Frame{Stream: StreamControl, ExitCode: &code, Usage: &u, Reason: reason})
	b.terminal = true
	return true
}

// push assigns the next sequence number and stores the frame, evicting the
// oldest frames first when the budget would be exceeded. Callers hold b.mu.
func (b *Buffer) push(f Frame) {
	need := int64(len(f.Data))
	for b.used+need > b.budget && len(b.frames) > 0 {
		oldest := b.frames[0]
		b.frames[0] = Frame{}
		b.frames = b.frames[1:]
		b.used -= int64(len(oldest.Data))
		b.evictedThrough = oldest.Seq
	}
	f.Seq = b.nextSeq
	f.TS = time.Now().UTC()
	b.nextSeq++
	b.frames = append(b.frames, f)
	b.used += need
	b.touchedAt = f.TS
}

// Poll returns frames with sequence numbers greater than afterSeq, limited
// to roughly maxBytes of frame data. At least one frame is returned whenever
// any is available, even if it alone exceeds the limit. Returned frames
// share their data with the buffer and must not be modified.
func (b *Buffer) Poll(afterSeq uint64, maxBytes int64) PollResult {
	if maxBytes <= 0 {
		maxBytes = DefaultPollBytes
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.touchedAt = time.Now().UTC()

	var res PollResult
	minAvail := b.evictedThrough + 1
	start := afterSeq + 1
	if start < minAvail {
		res.GapFromSeq = minAvail
		start = minAvail
	}
	if start >= b.nextSeq {
		res.Complete = b.terminal
		return res
	}

	var size int64
	for i := int(start - minAvail); i < len(b.frames); i++ {
		f := b.frames[i]
		if len(res.Frames) > 0 && size+int64(len(f.Data)) > maxBytes {
			break
		}
		res.Frames = append(res.Frames, f)
		size += int64(len(f.Data))
	}
	if n := len(res.Frames); n > 0 {
		res.Complete = b.terminal && res.Frames[n-1].Seq == b.nextSeq-1
	}
	return res
}

// Terminal reports whether the control frame has been appended.
func (b *Buffer) Terminal() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.terminal
}

// MinAvailableSeq returns the sequence number of the oldest retained frame.
func (b *Buffer) MinAvailableSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.evictedThrough + 1
}

// LastSeq returns the highest assigned sequence number, zero when empty.
func (b *Buffer) LastSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextSeq - 1
}

// BufferedBytes returns the frame data bytes currently retained.
func (b *Buffer) BufferedBytes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

// idleSince returns the time of the last append or poll.
func (b *Buffer) idleSince() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.touchedAt
}
