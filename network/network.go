// Package network manages the drives reachable over one transport: lazy
// connection bring-up, scanning, servo sessions bound to a target, liveness
// supervision and firmware loading.
//
// Connection setup and teardown are not reentrant. Callers must not run
// ConnectToSlave and DisconnectFromSlave concurrently on one network.
package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/notnil/servolink/notify"
	"github.com/notnil/servolink/servo"
)

var (
	// ErrTransceiverNotFound means the transport hardware or interface is
	// missing.
	ErrTransceiverNotFound = errors.New("network: transceiver not found")
	// ErrConnectionFailed means the transport exists but could not be opened
	// or the drive did not answer.
	ErrConnectionFailed = errors.New("network: connection failed")
	// ErrNodeNotFound means the target did not answer a scan.
	ErrNodeNotFound = errors.New("network: node not found")
)

// Status is the liveness of a connected drive.
type Status int

const (
	Connected Status = iota
	Disconnected
)

func (s Status) String() string {
	switch s {
	case Connected:
		return "CONNECTED"
	case Disconnected:
		return "DISCONNECTED"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

const DefaultLivenessInterval = time.Second

type binding[K comparable] struct {
	target K
	servo  *servo.Servo
}

// supervisor owns the servo list of a network, the liveness state of each
// target and the liveness goroutine.
type supervisor[K comparable] struct {
	log      *slog.Logger
	interval time.Duration

	mu     sync.Mutex
	bound  []binding[K]
	status map[K]Status
	subs   map[K]*notify.Registry[Status]

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newSupervisor[K comparable](log *slog.Logger, interval time.Duration) *supervisor[K] {
	if interval <= 0 {
		interval = DefaultLivenessInterval
	}
	return &supervisor[K]{
		log:      log,
		interval: interval,
		status:   make(map[K]Status),
		subs:     make(map[K]*notify.Registry[Status]),
	}
}

func (s *supervisor[K]) add(target K, sv *servo.Servo) {
	s.mu.Lock()
	s.bound = append(s.bound, binding[K]{target, sv})
	s.mu.Unlock()
	s.set(target, Connected)
}

// remove drops sv and reports its target and how many servos remain.
func (s *supervisor[K]) remove(sv *servo.Servo) (K, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := slices.IndexFunc(s.bound, func(b binding[K]) bool { return b.servo == sv })
	if i < 0 {
		var zero K
		return zero, len(s.bound), false
	}
	target := s.bound[i].target
	s.bound = slices.Delete(s.bound, i, i+1)
	delete(s.status, target)
	return target, len(s.bound), true
}

func (s *supervisor[K]) servos() []*servo.Servo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*servo.Servo, len(s.bound))
	for i, b := range s.bound {
		out[i] = b.servo
	}
	return out
}

func (s *supervisor[K]) targets() []K {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]K, len(s.bound))
	for i, b := range s.bound {
		out[i] = b.target
	}
	return out
}

func (s *supervisor[K]) lookup(target K) *servo.Servo {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.bound {
		if b.target == target {
			return b.servo
		}
	}
	return nil
}

func (s *supervisor[K]) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bound)
}

// set records st for target and notifies subscribers on a change only.
func (s *supervisor[K]) set(target K, st Status) {
	s.mu.Lock()
	prev, known := s.status[target]
	if known && prev == st {
		s.mu.Unlock()
		return
	}
	s.status[target] = st
	reg := s.subs[target]
	s.mu.Unlock()
	if known {
		s.log.Info("liveness changed", "target", target, "status", st)
	}
	if reg != nil {
		reg.Notify(st)
	}
}

func (s *supervisor[K]) get(target K) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.status[target]
	return st, ok
}

func (s *supervisor[K]) subscribe(target K, cb func(Status)) notify.Handle {
	s.mu.Lock()
	reg := s.subs[target]
	if reg == nil {
		reg = &notify.Registry[Status]{}
		s.subs[target] = reg
	}
	s.mu.Unlock()
	return reg.Subscribe(cb)
}

func (s *supervisor[K]) unsubscribe(target K, h notify.Handle) bool {
	s.mu.Lock()
	reg := s.subs[target]
	s.mu.Unlock()
	return reg != nil && reg.Unsubscribe(h)
}

// start runs check for every bound target each interval. A check error marks
// the target Disconnected. Starting twice is a no-op.
func (s *supervisor[K]) start(check func(ctx context.Context, target K) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(s.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
			for _, target := range s.targets() {
				err := check(ctx, target)
				if ctx.Err() != nil {
					return
				}
				if err != nil {
					s.log.Debug("liveness check failed", "target", target, "error", err)
					s.set(target, Disconnected)
				} else {
					s.set(target, Connected)
				}
			}
		}
	}()
}

// stop ends the liveness goroutine and waits for it.
func (s *supervisor[K]) stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		s.wg.Wait()
	}
}

func loggerOr(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
