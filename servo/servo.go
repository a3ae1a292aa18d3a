// Package servo implements a session with one servo drive: serialized
// register access over a Transport, the CiA 402 power state machine, a
// status listener and configuration save/load.
package servo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/notnil/servolink/capture"
	"github.com/notnil/servolink/cia402"
	"github.com/notnil/servolink/codec"
	"github.com/notnil/servolink/notify"
	"github.com/notnil/servolink/register"
)

const (
	DefaultStatusPollInterval = 1500 * time.Millisecond
	DefaultStateTimeout       = 2 * time.Second
	DefaultTransitionTimeout  = 10 * time.Second
	DefaultFaultResetRetries  = 5
	DefaultStatusWaitPoll     = 10 * time.Millisecond
)

// Options configure a Servo. Zero values select the defaults above.
type Options struct {
	// Name identifies the drive in logs and capture events.
	Name string
	// Dictionary is the loaded drive dictionary, if any.
	Dictionary *register.Dictionary
	// Bootstrap supplies the registers needed before, or missing from, a
	// dictionary. It also fixes the subnodes polled by the listener when
	// no dictionary is loaded.
	Bootstrap *register.Dictionary

	StatusPollInterval time.Duration
	// StateTimeout bounds each wait for the status word to change.
	StateTimeout time.Duration
	// TransitionTimeout bounds a whole Enable or Disable.
	TransitionTimeout time.Duration
	FaultResetRetries int
	StatusWaitPoll    time.Duration

	Logger   *slog.Logger
	Recorder capture.Recorder
}

func (o *Options) normalize() {
	if o.Bootstrap == nil {
		o.Bootstrap = register.NewDictionary()
	}
	if o.StatusPollInterval <= 0 {
		o.StatusPollInterval = DefaultStatusPollInterval
	}
	if o.StateTimeout <= 0 {
		o.StateTimeout = DefaultStateTimeout
	}
	if o.TransitionTimeout <= 0 {
		o.TransitionTimeout = DefaultTransitionTimeout
	}
	if o.FaultResetRetries <= 0 {
		o.FaultResetRetries = DefaultFaultResetRetries
	}
	if o.StatusWaitPoll <= 0 {
		o.StatusWaitPoll = DefaultStatusWaitPoll
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Recorder == nil {
		o.Recorder = capture.NopRecorder{}
	}
}

// Servo is a session with one drive. Register access is serialized by a
// single lock; every operation fails with ErrClosed after Close.
type Servo struct {
	opts      Options
	transport Transport
	log       *slog.Logger
	tracker   *cia402.Tracker

	io     sync.Mutex
	closed atomic.Bool

	dmu  sync.RWMutex
	dict *register.Dictionary

	lmu      sync.Mutex
	listener *listener
}

// New starts a session over t.
func New(t Transport, opts Options) *Servo {
	opts.normalize()
	s := &Servo{
		opts:      opts,
		transport: t,
		log:       opts.Logger.With("servo", opts.Name),
		tracker:   cia402.NewTracker(),
		dict:      opts.Dictionary,
	}
	return s
}

// Name returns the drive name given in Options.
func (s *Servo) Name() string { return s.opts.Name }

// SetDictionary replaces the loaded dictionary.
func (s *Servo) SetDictionary(d *register.Dictionary) {
	s.dmu.Lock()
	s.dict = d
	s.dmu.Unlock()
}

// Dictionary returns the loaded dictionary or nil.
func (s *Servo) Dictionary() *register.Dictionary {
	s.dmu.RLock()
	defer s.dmu.RUnlock()
	return s.dict
}

// Subnodes returns the axis subnodes of the drive, at least subnode 1.
func (s *Servo) Subnodes() []uint8 {
	var out []uint8
	src := s.Dictionary()
	if src == nil || src.Axes() == 0 {
		src = s.opts.Bootstrap
	}
	for _, sub := range src.Subnodes() {
		if sub > 0 {
			out = append(out, sub)
		}
	}
	if len(out) == 0 {
		out = []uint8{1}
	}
	return out
}

// Register resolves an identifier on subnode, falling back to the bootstrap
// registers.
func (s *Servo) Register(id string, subnode uint8) (*register.Register, error) {
	dict := s.Dictionary()
	var err error
	if dict != nil {
		var r *register.Register
		if r, err = dict.Register(id, subnode); err == nil {
			return r, nil
		}
	}
	if r, berr := s.opts.Bootstrap.Register(id, subnode); berr == nil {
		return r, nil
	}
	if dict == nil {
		return nil, fmt.Errorf("%w: looking up %s", register.ErrNoDictionaryLoaded, id)
	}
	return nil, err
}

// resolve accepts an identifier or a *register.Register.
func (s *Servo) resolve(ref any, subnode uint8) (*register.Register, error) {
	switch r := ref.(type) {
	case *register.Register:
		if r == nil {
			return nil, fmt.Errorf("%w: nil register", register.ErrInvalidArgument)
		}
		return r, nil
	case string:
		return s.Register(r, subnode)
	default:
		return nil, fmt.Errorf("%w: register reference of type %T", register.ErrInvalidArgument, ref)
	}
}

// Read returns the value of a register. ref is an identifier resolved on
// subnode, or a *register.Register.
func (s *Servo) Read(ctx context.Context, ref any, subnode uint8) (any, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	r, err := s.resolve(ref, subnode)
	if err != nil {
		return nil, err
	}
	if !r.CanRead() {
		return nil, fmt.Errorf("%w: %s is write-only", register.ErrAccessDenied, r.ID())
	}
	raw, err := s.exchange(ctx, r, capture.OpRead, nil)
	if err != nil {
		return nil, err
	}
	return codec.Decode(r.DType(), raw)
}

// Write stores value in a register after coercing it to the register dtype.
// Values outside the register range are written anyway and logged; the drive
// enforces its own limits.
func (s *Servo) Write(ctx context.Context, ref any, value any, subnode uint8) error {
	if s.closed.Load() {
		return ErrClosed
	}
	r, err := s.resolve(ref, subnode)
	if err != nil {
		return err
	}
	if !r.CanWrite() {
		return fmt.Errorf("%w: %s is read-only", register.ErrAccessDenied, r.ID())
	}
	data, err := codec.Encode(r.DType(), value)
	if err != nil {
		return fmt.Errorf("servo: %s: %w", r.ID(), err)
	}
	if ok, _ := r.InRange(value); !ok {
		s.log.Warn("value outside register range", "register", r.ID(), "subnode", r.Subnode(), "value", value)
	}
	_, err = s.exchange(ctx, r, capture.OpWrite, data)
	return err
}

// exchange runs one transport operation under the session lock.
func (s *Servo) exchange(ctx context.Context, r *register.Register, op capture.Op, data []byte) ([]byte, error) {
	s.io.Lock()
	defer s.io.Unlock()
	if s.closed.Load() {
		return nil, ErrClosed
	}

	var err error
	if op == capture.OpRead {
		data, err = s.transport.Read(ctx, r)
	} else {
		err = s.transport.Write(ctx, r, data)
	}

	ev := capture.Event{
		Time:     time.Now(),
		Servo:    s.opts.Name,
		Subnode:  r.Subnode(),
		Register: r.ID(),
		Op:       op,
		Data:     data,
	}
	if err != nil {
		ev.Err = err.Error()
	}
	s.opts.Recorder.Record(ev)

	if err != nil {
		name := "read"
		if op == capture.OpWrite {
			name = "write"
		}
		s.log.Debug("register access failed", "register", r.ID(), "subnode", r.Subnode(), "op", name, "error", err)
		return nil, &IOError{Register: r.ID(), Subnode: r.Subnode(), Op: name, Err: err}
	}
	return data, nil
}

// Close stops the status listener and closes the transport. Later register
// operations fail with ErrClosed.
func (s *Servo) Close() error {
	if s.closed.Load() {
		return nil
	}
	s.StopStatusListener()
	s.io.Lock()
	defer s.io.Unlock()
	if s.closed.Swap(true) {
		return nil
	}
	return s.transport.Close()
}

// Closed reports whether Close was called.
func (s *Servo) Closed() bool { return s.closed.Load() }

// SubscribeToStatus registers cb for power state changes of any subnode.
// Callbacks run on the goroutine that observed the change and must not
// access the drive.
func (s *Servo) SubscribeToStatus(cb func(cia402.Event)) notify.Handle {
	return s.tracker.Subscribe(cb)
}

// UnsubscribeFromStatus removes a subscription.
func (s *Servo) UnsubscribeFromStatus(h notify.Handle) bool {
	return s.tracker.Unsubscribe(h)
}

// State returns the last observed power state of subnode.
func (s *Servo) State(subnode uint8) cia402.State { return s.tracker.State(subnode) }

func isClosed(err error) bool { return errors.Is(err, ErrClosed) }
