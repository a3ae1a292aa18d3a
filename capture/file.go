package capture

import (
	"io"
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// FileRecorder appends events to a file or stream. It is safe for
// concurrent use; encoding errors are dropped so recording never disturbs
// register access.
type FileRecorder struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	enc    *cbor.Encoder
	closed bool
}

// OpenFile appends to the file at path, creating it with mode 0644.
func OpenFile(path string) (*FileRecorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileRecorder{w: f, closer: f, enc: encMode.NewEncoder(f)}, nil
}

// NewFileRecorder writes events to w. Close closes w when it is an
// io.Closer.
func NewFileRecorder(w io.Writer) *FileRecorder {
	r := &FileRecorder{w: w, enc: encMode.NewEncoder(w)}
	if c, ok := w.(io.Closer); ok {
		r.closer = c
	}
	return r
}

// Record writes ev. Events after Close are ignored.
func (r *FileRecorder) Record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	_ = r.enc.Encode(ev)
}

// Close closes the underlying writer. It is safe to call more than once.
func (r *FileRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

var _ Recorder = (*FileRecorder)(nil)
