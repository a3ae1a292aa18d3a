package servo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/notnil/servolink/cia402"
	"github.com/notnil/servolink/register"
)

// StatusWord reads the status word of subnode and records the decoded state.
func (s *Servo) StatusWord(ctx context.Context, subnode uint8) (uint16, error) {
	w, err := s.readStatus(ctx, subnode)
	if err != nil {
		return 0, err
	}
	s.tracker.Set(cia402.Decode(w), subnode)
	return w, nil
}

func (s *Servo) readStatus(ctx context.Context, subnode uint8) (uint16, error) {
	v, err := s.Read(ctx, register.StatusWord, subnode)
	if err != nil {
		return 0, err
	}
	w, ok := v.(uint16)
	if !ok {
		return 0, fmt.Errorf("servo: status word decoded as %T", v)
	}
	return w, nil
}

func (s *Servo) writeControl(ctx context.Context, word uint16, subnode uint8) error {
	return s.Write(ctx, register.ControlWord, word, subnode)
}

// waitStatusChange polls the status word until it differs from prev or
// StateTimeout elapses.
func (s *Servo) waitStatusChange(ctx context.Context, prev uint16, subnode uint8) (uint16, error) {
	deadline := time.Now().Add(s.opts.StateTimeout)
	for {
		w, err := s.StatusWord(ctx, subnode)
		if err != nil {
			return 0, err
		}
		if w != prev {
			return w, nil
		}
		if time.Now().After(deadline) {
			return w, fmt.Errorf("%w: status word 0x%04X unchanged on subnode %d", ErrTimeout, w, subnode)
		}
		select {
		case <-ctx.Done():
			return w, ctx.Err()
		case <-time.After(s.opts.StatusWaitPoll):
		}
	}
}

// Enable drives subnode to Enabled, resetting a fault first.
func (s *Servo) Enable(ctx context.Context, subnode uint8) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.TransitionTimeout)
	defer cancel()

	w, err := s.StatusWord(ctx, subnode)
	if err != nil {
		return transitionErr(err)
	}
	if st := cia402.Decode(w); st == cia402.Fault || st == cia402.FaultReactionActive {
		if err := s.FaultReset(ctx, subnode); err != nil {
			return transitionErr(err)
		}
		if w, err = s.StatusWord(ctx, subnode); err != nil {
			return transitionErr(err)
		}
	}
	for {
		st := cia402.Decode(w)
		if st == cia402.Enabled {
			s.log.Info("enabled", "subnode", subnode)
			return nil
		}
		cmd, err := cia402.NextCommand(st)
		if err != nil {
			return fmt.Errorf("%w: subnode %d: %w", ErrStillFaulted, subnode, err)
		}
		if err := s.writeControl(ctx, cmd, subnode); err != nil {
			return transitionErr(err)
		}
		if w, err = s.waitStatusChange(ctx, w, subnode); err != nil {
			return transitionErr(err)
		}
	}
}

// Disable drives subnode to Disabled, resetting a fault first.
func (s *Servo) Disable(ctx context.Context, subnode uint8) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.TransitionTimeout)
	defer cancel()

	w, err := s.StatusWord(ctx, subnode)
	if err != nil {
		return transitionErr(err)
	}
	for {
		switch cia402.Decode(w) {
		case cia402.Disabled:
			s.log.Info("disabled", "subnode", subnode)
			return nil
		case cia402.Fault, cia402.FaultReactionActive:
			if err := s.FaultReset(ctx, subnode); err != nil {
				return transitionErr(err)
			}
			if w, err = s.StatusWord(ctx, subnode); err != nil {
				return transitionErr(err)
			}
		default:
			if err := s.writeControl(ctx, cia402.DisableVoltage, subnode); err != nil {
				return transitionErr(err)
			}
			if w, err = s.waitStatusChange(ctx, w, subnode); err != nil {
				return transitionErr(err)
			}
		}
	}
}

// FaultReset clears a fault on subnode by writing 0 then the fault reset
// bit to the control word. A drive still in Fault or FaultReactionActive
// after FaultResetRetries attempts yields ErrStillFaulted.
func (s *Servo) FaultReset(ctx context.Context, subnode uint8) error {
	w, err := s.StatusWord(ctx, subnode)
	if err != nil {
		return err
	}
	for attempt := 1; isFaulted(cia402.Decode(w)); attempt++ {
		if attempt > s.opts.FaultResetRetries {
			return fmt.Errorf("%w: subnode %d after %d attempts", ErrStillFaulted, subnode, s.opts.FaultResetRetries)
		}
		s.log.Debug("fault reset", "subnode", subnode, "attempt", attempt)
		if err := s.writeControl(ctx, 0, subnode); err != nil {
			return err
		}
		if err := s.writeControl(ctx, cia402.FaultResetBit, subnode); err != nil {
			return err
		}
		w, err = s.waitStatusChange(ctx, w, subnode)
		if err != nil && !errors.Is(err, ErrTimeout) {
			return err
		}
	}
	return nil
}

func isFaulted(st cia402.State) bool {
	return st == cia402.Fault || st == cia402.FaultReactionActive
}

// transitionErr reports an expired transition deadline as ErrTimeout.
func transitionErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}
