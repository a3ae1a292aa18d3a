package capture

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalRoundTrip(t *testing.T) {
	ev := Event{
		Time:     time.Date(2024, 3, 1, 12, 0, 0, 123456789, time.UTC),
		Servo:    "can:32",
		Subnode:  1,
		Register: "DRV_STATE_STATUS",
		Op:       OpRead,
		Data:     []byte{0x27, 0x00},
	}
	b, err := Marshal(ev)
	require.NoError(t, err)
	got, err := Unmarshal(b)
	require.NoError(t, err)
	assert.True(t, ev.Time.Equal(got.Time), "nanosecond timestamps survive")
	got.Time = ev.Time
	assert.Equal(t, ev, got)
}

func TestFileRecorderAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.cbor")

	rec, err := OpenFile(path)
	require.NoError(t, err)
	rec.Record(Event{Register: "A", Op: OpWrite, Data: []byte{1}})
	require.NoError(t, rec.Close())
	require.NoError(t, rec.Close())
	rec.Record(Event{Register: "ignored"})

	rec, err = OpenFile(path)
	require.NoError(t, err)
	rec.Record(Event{Register: "B", Op: OpRead, Err: "timeout"})
	require.NoError(t, rec.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	events, err := ReadAll(f)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "A", events[0].Register)
	assert.Equal(t, OpWrite, events[0].Op)
	assert.Equal(t, "B", events[1].Register)
	assert.Equal(t, "timeout", events[1].Err)
}

func TestFileRecorderConcurrent(t *testing.T) {
	var buf bytes.Buffer
	rec := NewFileRecorder(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				rec.Record(Event{Subnode: uint8(i), Register: "R", Data: bytes.Repeat([]byte{byte(j)}, j)})
			}
		}(i)
	}
	wg.Wait()

	events, err := ReadAll(&buf)
	require.NoError(t, err)
	assert.Len(t, events, 400)
}

func TestMultiRecorder(t *testing.T) {
	var a, b bytes.Buffer
	m := MultiRecorder{NewFileRecorder(&a), NopRecorder{}, NewFileRecorder(&b)}
	m.Record(Event{Register: "X"})

	for _, buf := range []*bytes.Buffer{&a, &b} {
		events, err := ReadAll(buf)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "X", events[0].Register)
	}
	assert.Equal(t, "WRITE", OpWrite.String())
}
