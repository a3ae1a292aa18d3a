// Package firmware loads application images into drives through the CiA 302
// bootloader objects: force boot, program control sequencing, chunked
// program data transfer and restart.
package firmware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/notnil/servolink/register"
)

// ErrFirmwareLoad is wrapped by every LoadError.
var ErrFirmwareLoad = errors.New("firmware: load failed")

// LoadError reports the step at which a firmware load stopped.
type LoadError struct {
	Step string
	Err  error
}

func (e *LoadError) Error() string { return fmt.Sprintf("firmware: %s: %v", e.Step, e.Err) }

func (e *LoadError) Unwrap() []error { return []error{ErrFirmwareLoad, e.Err} }

// ProgramState is a program control value.
type ProgramState uint8

const (
	ProgramStop  ProgramState = 0
	ProgramStart ProgramState = 1
	ProgramReset ProgramState = 2
	ProgramClear ProgramState = 3
	ProgramFlash ProgramState = 0x80
)

func (p ProgramState) String() string {
	switch p {
	case ProgramStop:
		return "STOP"
	case ProgramStart:
		return "START"
	case ProgramReset:
		return "RESET"
	case ProgramClear:
		return "CLEAR"
	case ProgramFlash:
		return "FLASH"
	}
	return fmt.Sprintf("ProgramState(%d)", uint8(p))
}

// Registers is register access on the drive being programmed.
// *servo.Servo implements it.
type Registers interface {
	Read(ctx context.Context, ref any, subnode uint8) (any, error)
	Write(ctx context.Context, ref any, value any, subnode uint8) error
}

// Target is a drive that can be programmed. WaitHeartbeat returns once the
// drive announces itself from the bootloader or from the application.
type Target interface {
	Registers
	WaitHeartbeat(ctx context.Context, bootloader bool) error
}

// Callbacks report progress. Every field is optional.
type Callbacks struct {
	Status   func(msg string)
	Progress func(percent int)
	Error    func(err error)
}

func (c Callbacks) status(msg string) {
	if c.Status != nil {
		c.Status(msg)
	}
}

const (
	DefaultChunkSize   = 256
	DefaultStepRetries = 10
	DefaultStepPoll    = 100 * time.Millisecond
)

// Options configure a Loader.
type Options struct {
	ChunkSize int
	// StepRetries bounds the reads polling a program control step.
	StepRetries int
	StepPoll    time.Duration
	// Subnode holding the bootloader objects.
	Subnode uint8
	Logger  *slog.Logger
}

// Loader programs one target.
type Loader struct {
	target Target
	opts   Options
	log    *slog.Logger
}

// New returns a loader for t.
func New(t Target, opts Options) *Loader {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.StepRetries <= 0 {
		opts.StepRetries = DefaultStepRetries
	}
	if opts.StepPoll <= 0 {
		opts.StepPoll = DefaultStepPoll
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Loader{target: t, opts: opts, log: opts.Logger}
}

// Load writes image to the target. Any failing step ends the load with a
// *LoadError and no further step runs; the drive session is stale afterwards
// and must be reconnected.
func (l *Loader) Load(ctx context.Context, image []byte, cb Callbacks) error {
	err := l.load(ctx, image, cb)
	if err != nil {
		l.log.Error("firmware load failed", "error", err)
		if cb.Error != nil {
			cb.Error(err)
		}
	}
	return err
}

func (l *Loader) load(ctx context.Context, image []byte, cb Callbacks) error {
	if len(image) == 0 {
		return &LoadError{Step: "image", Err: errors.New("empty image")}
	}

	cb.status("checking bootloader")
	if err := l.forceBoot(ctx); err != nil {
		return &LoadError{Step: "force boot", Err: err}
	}

	for _, st := range []ProgramState{ProgramStart, ProgramStop, ProgramClear, ProgramFlash} {
		cb.status("program control " + st.String())
		if err := l.program(ctx, st); err != nil {
			return &LoadError{Step: "program control " + st.String(), Err: err}
		}
	}

	cb.status("downloading image")
	if err := l.transfer(ctx, image, cb.Progress); err != nil {
		return &LoadError{Step: "program data", Err: err}
	}

	cb.status("stopping bootloader")
	if err := l.target.Write(ctx, register.ProgramControl, uint8(ProgramStop), l.opts.Subnode); err != nil {
		return &LoadError{Step: "program control STOP", Err: err}
	}
	if err := l.target.WaitHeartbeat(ctx, true); err != nil {
		return &LoadError{Step: "bootloader heartbeat", Err: err}
	}

	cb.status("starting application")
	if err := l.target.Write(ctx, register.ProgramControl, uint8(ProgramStart), l.opts.Subnode); err != nil {
		return &LoadError{Step: "program control START", Err: err}
	}
	if err := l.target.WaitHeartbeat(ctx, false); err != nil {
		return &LoadError{Step: "application heartbeat", Err: err}
	}
	cb.status("done")
	l.log.Info("firmware loaded", "bytes", len(image))
	return nil
}

// forceBoot restarts a drive running its application into the bootloader.
func (l *Loader) forceBoot(ctx context.Context) error {
	v, err := l.target.Read(ctx, register.ProgramControl, l.opts.Subnode)
	if err != nil {
		return err
	}
	if ProgramState(toUint8(v)) != ProgramStart {
		return nil
	}
	l.log.Info("forcing bootloader")
	// The drive resets while answering, so the write may fail.
	if err := l.target.Write(ctx, register.ForceBoot, register.ForceBootPassword, l.opts.Subnode); err != nil {
		l.log.Debug("force boot write", "error", err)
	}
	return l.target.WaitHeartbeat(ctx, true)
}

// program writes st and polls until the drive reports it.
func (l *Loader) program(ctx context.Context, st ProgramState) error {
	if err := l.target.Write(ctx, register.ProgramControl, uint8(st), l.opts.Subnode); err != nil {
		return err
	}
	var last any
	for i := 0; i < l.opts.StepRetries; i++ {
		v, err := l.target.Read(ctx, register.ProgramControl, l.opts.Subnode)
		if err != nil {
			l.log.Debug("program control poll", "error", err)
		} else if ProgramState(toUint8(v)) == st {
			return nil
		} else {
			last = v
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.opts.StepPoll):
		}
	}
	return fmt.Errorf("program control still %v after %d polls", last, l.opts.StepRetries)
}

func (l *Loader) transfer(ctx context.Context, image []byte, progress func(int)) error {
	last := -1
	for off := 0; off < len(image); off += l.opts.ChunkSize {
		end := min(off+l.opts.ChunkSize, len(image))
		if err := l.target.Write(ctx, register.ProgramData, image[off:end], l.opts.Subnode); err != nil {
			return fmt.Errorf("chunk at %d: %w", off, err)
		}
		if pct := end * 100 / len(image); pct != last {
			last = pct
			if progress != nil {
				progress(pct)
			}
		}
	}
	return nil
}

func toUint8(v any) uint8 {
	switch x := v.(type) {
	case uint8:
		return x
	case uint16:
		return uint8(x)
	case uint32:
		return uint8(x)
	case int:
		return uint8(x)
	}
	return 0xFF
}
