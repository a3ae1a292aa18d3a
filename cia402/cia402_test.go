package cia402

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeTable(t *testing.T) {
	cases := map[uint16]State{
		0x0000: NotReady,
		0x0040: Disabled,
		0x0250: Disabled,
		0x0021: ReadyToSwitchOn,
		0x0231: ReadyToSwitchOn,
		0x0023: SwitchedOn,
		0x0027: Enabled,
		0x1637: Enabled,
		0x0007: QuickStop,
		0x000F: FaultReactionActive,
		0x002F: FaultReactionActive,
		0x0008: Fault,
		0x0028: Fault,
		0x0001: NotReady, // no entry matches
	}
	for word, want := range cases {
		assert.Equal(t, want, Decode(word), "0x%04X", word)
	}
}

func TestDecodeTotalAndStable(t *testing.T) {
	for w := 0; w <= 0xFFFF; w++ {
		s := Decode(uint16(w))
		require.True(t, s >= NotReady && s <= Fault, "0x%04X", w)
		require.Equal(t, s, Decode(uint16(w)))
	}
}

func TestNextCommand(t *testing.T) {
	_, err := NextCommand(Fault)
	assert.ErrorIs(t, err, ErrFault)
	for s, want := range map[State]uint16{
		NotReady:            DisableVoltage,
		Disabled:            Shutdown,
		ReadyToSwitchOn:     SwitchOnEnableOperation,
		SwitchedOn:          EnableOperation,
		QuickStop:           EnableOperation,
		FaultReactionActive: EnableOperation,
	} {
		cmd, err := NextCommand(s)
		require.NoError(t, err)
		assert.Equal(t, want, cmd, "%v", s)
	}
}

func TestTrackerDebounce(t *testing.T) {
	tr := NewTracker()
	var events []Event
	h := tr.Subscribe(func(e Event) { events = append(events, e) })

	seq := []State{NotReady, Disabled, Disabled, ReadyToSwitchOn, ReadyToSwitchOn, ReadyToSwitchOn, Enabled, Enabled, Fault, NotReady}
	changes := 0
	for _, s := range seq {
		if tr.Set(s, 1) {
			changes++
		}
	}
	want := []State{Disabled, ReadyToSwitchOn, Enabled, Fault, NotReady}
	require.Len(t, events, len(want))
	for i, e := range events {
		assert.Equal(t, want[i], e.State)
		assert.Equal(t, uint8(1), e.Subnode)
		assert.NoError(t, e.Err)
	}
	assert.Equal(t, len(want), changes)

	// Subnodes are tracked independently.
	assert.True(t, tr.Set(Enabled, 2))
	assert.Equal(t, Enabled, tr.State(2))
	assert.Equal(t, NotReady, tr.State(1))

	require.True(t, tr.Unsubscribe(h))
	tr.Set(Disabled, 1)
	assert.Len(t, events, len(want)+1)
}

func TestTrackerConcurrentSetOrder(t *testing.T) {
	for round := 0; round < 200; round++ {
		tr := NewTracker()
		var mu sync.Mutex
		var last State
		tr.Subscribe(func(e Event) {
			mu.Lock()
			last = e.State
			mu.Unlock()
		})

		var wg sync.WaitGroup
		for _, s := range []State{Enabled, Disabled} {
			wg.Add(1)
			go func(s State) {
				defer wg.Done()
				for i := 0; i < 20; i++ {
					tr.Set(s, 1)
				}
			}(s)
		}
		wg.Wait()

		mu.Lock()
		got := last
		mu.Unlock()
		require.Equal(t, tr.State(1), got, "round %d", round)
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "ENABLED", Enabled.String())
	assert.Equal(t, "State(42)", State(42).String())
}
