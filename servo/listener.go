package servo

import (
	"context"
	"sync"
	"time"

	"github.com/notnil/servolink/cia402"
)

type statusSample struct {
	subnode uint8
	state   cia402.State
}

type listener struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// StartStatusListener polls the status word of every subnode each
// StatusPollInterval. A poller goroutine feeds samples to a state holder
// goroutine, which updates the tracker and runs subscribers. Poll failures
// are logged and polling continues. Starting a running listener is a no-op.
func (s *Servo) StartStatusListener() {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	if s.listener != nil || s.closed.Load() {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &listener{cancel: cancel}
	samples := make(chan statusSample)

	l.wg.Add(2)
	go func() {
		defer l.wg.Done()
		defer close(samples)
		s.pollStatus(ctx, samples)
	}()
	go func() {
		defer l.wg.Done()
		for smp := range samples {
			s.tracker.Set(smp.state, smp.subnode)
		}
	}()
	s.listener = l
	s.log.Debug("status listener started", "interval", s.opts.StatusPollInterval)
}

// StopStatusListener stops the listener and waits for it to exit, which may
// take up to one poll.
func (s *Servo) StopStatusListener() {
	s.lmu.Lock()
	l := s.listener
	s.listener = nil
	s.lmu.Unlock()
	if l == nil {
		return
	}
	l.cancel()
	l.wg.Wait()
	s.log.Debug("status listener stopped")
}

// ListenerRunning reports whether the status listener is active.
func (s *Servo) ListenerRunning() bool {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	return s.listener != nil
}

func (s *Servo) pollStatus(ctx context.Context, out chan<- statusSample) {
	ticker := time.NewTicker(s.opts.StatusPollInterval)
	defer ticker.Stop()
	for {
		for _, sub := range s.Subnodes() {
			w, err := s.readStatus(ctx, sub)
			if err != nil {
				if ctx.Err() != nil || isClosed(err) {
					return
				}
				s.log.Warn("status poll failed", "subnode", sub, "error", err)
				continue
			}
			select {
			case out <- statusSample{subnode: sub, state: cia402.Decode(w)}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
