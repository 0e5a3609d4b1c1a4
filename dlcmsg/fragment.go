package dlcmsg

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"
)

const (
	// DefaultFragmentSize is the maximum payload carried by a single
	// fragment.
	DefaultFragmentSize = 65000

	// DefaultReassemblyTimeout bounds how long partial reassembly state
	// is kept before being discarded.
	DefaultReassemblyTimeout = 5 * time.Minute
)

var (
	// ErrIncomplete is returned when a reassembly times out with
	// fragments missing.
	ErrIncomplete = errors.New("incomplete fragmented message")

	// ErrFragmentMismatch is returned when a fragment contradicts the
	// reassembly state of its message id.
	ErrFragmentMismatch = errors.New("fragment mismatch")
)

// Fragment is one piece of a segmented oversized message. Reassembly is
// keyed by (peer, message id); the id is the hash of the full message so
// it needs no coordination.
type Fragment struct {
	// MessageID identifies the fragmented message.
	MessageID [32]byte

	// Index is the zero based fragment index.
	Index uint32

	// Total is the total number of fragments of the message.
	Total uint32

	// Payload is this fragment's slice of the message bytes.
	Payload []byte
}

// MsgType returns the fragment type tag.
func (f *Fragment) MsgType() uint16 {
	return MsgFragment
}

// Encode writes the fragment body.
func (f *Fragment) Encode(w io.Writer) error {
	if _, err := w.Write(f.MessageID[:]); err != nil {
		return err
	}
	if err := wireWriteU32(w, f.Index); err != nil {
		return err
	}
	if err := wireWriteU32(w, f.Total); err != nil {
		return err
	}

	return wireWriteBytes(w, f.Payload)
}

// Decode reads the fragment body.
func (f *Fragment) Decode(r io.Reader) error {
	if _, err := io.ReadFull(r, f.MessageID[:]); err != nil {
		return err
	}
	if err := wireReadU32(r, &f.Index); err != nil {
		return err
	}
	if err := wireReadU32(r, &f.Total); err != nil {
		return err
	}

	return wireReadBytes(r, &f.Payload)
}

// FragmentMessage splits the encoded message into fragments of at most
// fragmentSize payload bytes. A message that fits returns nil, signalling
// it should be sent unfragmented.
func FragmentMessage(msgBytes []byte, fragmentSize int) []*Fragment {
	if fragmentSize <= 0 {
		fragmentSize = DefaultFragmentSize
	}
	if len(msgBytes) <= fragmentSize {
		return nil
	}

	msgID := sha256.Sum256(msgBytes)
	total := uint32((len(msgBytes) + fragmentSize - 1) / fragmentSize)

	fragments := make([]*Fragment, 0, total)
	for i := uint32(0); i < total; i++ {
		start := int(i) * fragmentSize
		end := start + fragmentSize
		if end > len(msgBytes) {
			end = len(msgBytes)
		}

		fragments = append(fragments, &Fragment{
			MessageID: msgID,
			Index:     i,
			Total:     total,
			Payload:   msgBytes[start:end],
		})
	}

	return fragments
}

// reassemblyKey identifies one in-flight reassembly.
type reassemblyKey struct {
	peer  [33]byte
	msgID [32]byte
}

// reassemblyState collects the fragments of one message.
type reassemblyState struct {
	total    uint32
	received map[uint32][]byte
	started  time.Time
}

// Reassembler collects fragments per (peer, message id) with a bounded
// lifetime: partial state older than the timeout is discarded on the next
// Add or Sweep call.
type Reassembler struct {
	timeout time.Duration
	now     func() time.Time

	pending map[reassemblyKey]*reassemblyState
}

// NewReassembler creates a reassembler with the given timeout. The now
// function can be overridden in tests; nil uses the wall clock.
func NewReassembler(timeout time.Duration,
	now func() time.Time) *Reassembler {

	if timeout <= 0 {
		timeout = DefaultReassemblyTimeout
	}
	if now == nil {
		now = time.Now
	}

	return &Reassembler{
		timeout: timeout,
		now:     now,
		pending: make(map[reassemblyKey]*reassemblyState),
	}
}

// Add feeds one fragment into the reassembler. When the final fragment of
// a message arrives, the fully reassembled message bytes are returned and
// the state is released; nil bytes mean the message is still incomplete.
func (r *Reassembler) Add(peer [33]byte, frag *Fragment) ([]byte, error) {
	r.sweep()

	if frag.Total == 0 || frag.Index >= frag.Total {
		return nil, fmt.Errorf("%w: index %d of %d",
			ErrFragmentMismatch, frag.Index, frag.Total)
	}

	key := reassemblyKey{peer: peer, msgID: frag.MessageID}
	state, ok := r.pending[key]
	if !ok {
		state = &reassemblyState{
			total:    frag.Total,
			received: make(map[uint32][]byte),
			started:  r.now(),
		}
		r.pending[key] = state
	}

	if state.total != frag.Total {
		return nil, fmt.Errorf("%w: total changed from %d to %d",
			ErrFragmentMismatch, state.total, frag.Total)
	}

	// Duplicate fragments are ignored, the first copy wins.
	if _, ok := state.received[frag.Index]; !ok {
		state.received[frag.Index] = frag.Payload
	}

	if uint32(len(state.received)) < state.total {
		return nil, nil
	}

	var buf bytes.Buffer
	for i := uint32(0); i < state.total; i++ {
		buf.Write(state.received[i])
	}
	delete(r.pending, key)

	full := buf.Bytes()

	// The id binds the fragments to the original message bytes.
	if sha256.Sum256(full) != frag.MessageID {
		return nil, fmt.Errorf("%w: message id doesn't match "+
			"reassembled bytes", ErrFragmentMismatch)
	}

	return full, nil
}

// Sweep drops all partial reassemblies older than the timeout and returns
// one error per dropped message enumerating the missing fragments.
func (r *Reassembler) Sweep() []error {
	return r.sweepErrs(true)
}

// sweep silently drops expired state.
func (r *Reassembler) sweep() {
	r.sweepErrs(false)
}

func (r *Reassembler) sweepErrs(report bool) []error {
	var errs []error

	now := r.now()
	for key, state := range r.pending {
		if now.Sub(state.started) < r.timeout {
			continue
		}

		if report {
			var missing []uint32
			for i := uint32(0); i < state.total; i++ {
				if _, ok := state.received[i]; !ok {
					missing = append(missing, i)
				}
			}
			sort.Slice(missing, func(i, j int) bool {
				return missing[i] < missing[j]
			})

			errs = append(errs, fmt.Errorf("%w: message %x "+
				"missing fragments %v", ErrIncomplete,
				key.msgID[:8], missing))
		}

		delete(r.pending, key)
	}

	return errs
}
