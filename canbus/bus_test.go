package canbus

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestLoopbackBusMultiEndpoint(t *testing.T) {
	bus := NewLoopbackBus()
	defer bus.Close()
	a, b, c := bus.Open(), bus.Open(), bus.Open()
	ctx := testCtx(t)

	send := MustFrame(0x321, []byte("hello"))
	if err := a.Send(ctx, send); err != nil {
		t.Fatalf("send: %v", err)
	}
	for name, ep := range map[string]Bus{"b": b, "c": c} {
		got, err := ep.Receive(ctx)
		if err != nil {
			t.Fatalf("receive %s: %v", name, err)
		}
		if got.ID != send.ID || !bytes.Equal(got.Payload(), send.Payload()) {
			t.Fatalf("%s mismatch: got %+v want %+v", name, got, send)
		}
	}

	// The sender never sees its own frame.
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := a.Receive(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("sender receive: got %v want deadline", err)
	}
}

func TestLoopbackBusClose(t *testing.T) {
	bus := NewLoopbackBus()
	a, b := bus.Open(), bus.Open()
	ctx := testCtx(t)

	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := a.Send(ctx, MustFrame(1, nil)); !errors.Is(err, ErrClosed) {
		t.Fatalf("send after close: %v", err)
	}
	if _, err := a.Receive(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("receive after close: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := b.Receive(ctx)
		done <- err
	}()
	bus.Close()
	if err := <-done; !errors.Is(err, ErrClosed) {
		t.Fatalf("blocked receive: got %v want ErrClosed", err)
	}
	if _, err := bus.Open().Receive(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("open on closed bus: %v", err)
	}
}

func TestMuxFiltersAndCancel(t *testing.T) {
	bus := NewLoopbackBus()
	defer bus.Close()
	tx, rx := bus.Open(), bus.Open()
	mux := NewMux(rx)
	defer mux.Close()
	ctx := testCtx(t)

	sdo, cancelSDO := mux.Subscribe(ByID(0x581), 4)
	hb, cancelHB := mux.Subscribe(And(ByRange(0x701, 0x77F), DataOnly()), 4)
	defer cancelHB()

	for _, f := range []Frame{
		MustFrame(0x581, []byte{0x60}),
		MustFrame(0x705, []byte{0x05}),
		MustFrame(0x181, []byte{1}),
	} {
		if err := tx.Send(ctx, f); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	select {
	case f := <-sdo:
		if f.ID != 0x581 {
			t.Fatalf("sdo got %v", f)
		}
	case <-ctx.Done():
		t.Fatal("sdo subscriber timed out")
	}
	select {
	case f := <-hb:
		if f.ID != 0x705 {
			t.Fatalf("heartbeat got %v", f)
		}
	case <-ctx.Done():
		t.Fatal("heartbeat subscriber timed out")
	}

	cancelSDO()
	if _, ok := <-sdo; ok {
		t.Fatal("cancelled subscriber channel still open")
	}
	cancelSDO()
}

func TestMuxClosesSubscribersOnBusFailure(t *testing.T) {
	bus := NewLoopbackBus()
	rx := bus.Open()
	mux := NewMux(rx)
	ch, cancel := mux.Subscribe(nil, 1)
	defer cancel()

	bus.Close()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber not closed")
	}
	<-mux.Done()
	if !errors.Is(mux.Err(), ErrClosed) {
		t.Fatalf("mux err = %v", mux.Err())
	}
	late, _ := mux.Subscribe(nil, 1)
	if _, ok := <-late; ok {
		t.Fatal("subscribe after shutdown should yield closed channel")
	}
}

func TestFilterComposition(t *testing.T) {
	f := MustFrame(0x705, []byte{5})
	ext := Frame{ID: 0x705, Extended: true}
	if !ByIDs(0x1, 0x705)(f) || ByIDs(0x1)(f) {
		t.Fatal("ByIDs")
	}
	if !ByMask(0x700, 0x780)(f) || ByMask(0x580, 0x780)(f) {
		t.Fatal("ByMask")
	}
	if !ByRange(0x77F, 0x701)(f) {
		t.Fatal("ByRange swapped bounds")
	}
	if !StandardOnly()(f) || StandardOnly()(ext) {
		t.Fatal("StandardOnly")
	}
	if !Or(nil, ByID(0x705))(f) || Not(ByID(0x705))(f) || Not(nil)(f) {
		t.Fatal("Or/Not")
	}
	if !And(nil, LenAtLeast(1))(f) || LenAtLeast(2)(f) {
		t.Fatal("And/LenAtLeast")
	}
}
