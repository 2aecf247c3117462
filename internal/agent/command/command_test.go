package command

import (
	"encoding/base64"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamspace-dev/proxyfabric/internal/protocol"
)

type fakeSink struct {
	mu   sync.Mutex
	msgs []sentMessage
}

type sentMessage struct {
	Type    protocol.MessageType
	Payload interface{}
}

func (f *fakeSink) Send(t protocol.MessageType, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, sentMessage{Type: t, Payload: payload})
	return nil
}

func (f *fakeSink) snapshot() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentMessage, len(f.msgs))
	copy(out, f.msgs)
	return out
}

func waitForCompletion(t *testing.T, sink *fakeSink) protocol.CommandResponseTransferComplete {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, m := range sink.snapshot() {
			if tc, ok := m.Payload.(protocol.CommandResponseTransferComplete); ok {
				return tc
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for command completion")
	return protocol.CommandResponseTransferComplete{}
}

func skipOnWindows(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("test assumes a POSIX shell")
	}
}

func TestHandleCapturesStdoutAndStderrWithExitCode(t *testing.T) {
	skipOnWindows(t)

	sink := &fakeSink{}
	ex := New(sink, zerolog.Nop())

	ex.Handle(protocol.CommandRequest{
		RequestID: "req-1",
		Command:   "printf 'a\\nb\\n' ; printf 'e\\n' 1>&2 ; exit 3",
	})

	var stdoutData, stderrData []byte
	for _, m := range sink.snapshot() {
		if chunk, ok := m.Payload.(protocol.CommandResponseChunk); ok {
			decoded, err := base64.StdEncoding.DecodeString(chunk.Data)
			require.NoError(t, err)
			switch chunk.StreamType {
			case protocol.StreamStdout:
				stdoutData = append(stdoutData, decoded...)
			case protocol.StreamStderr:
				stderrData = append(stderrData, decoded...)
			}
		}
	}

	assert.Equal(t, "a\nb\n", string(stdoutData))
	assert.Equal(t, "e\n", string(stderrData))

	complete := waitForCompletion(t, sink)
	assert.False(t, complete.Success)
	require.NotNil(t, complete.ExitCode)
	assert.Equal(t, int32(3), *complete.ExitCode)
}

func TestHandleSuccessfulCommandReportsZeroExitCode(t *testing.T) {
	skipOnWindows(t)

	sink := &fakeSink{}
	ex := New(sink, zerolog.Nop())

	ex.Handle(protocol.CommandRequest{RequestID: "req-2", Command: "true"})

	complete := waitForCompletion(t, sink)
	assert.True(t, complete.Success)
	require.NotNil(t, complete.ExitCode)
	assert.Equal(t, int32(0), *complete.ExitCode)
}

func TestChunkIDsAreSharedAndMonotonicAcrossStreams(t *testing.T) {
	skipOnWindows(t)

	sink := &fakeSink{}
	ex := New(sink, zerolog.Nop())

	ex.Handle(protocol.CommandRequest{
		RequestID: "req-3",
		Command:   "for i in 1 2 3; do printf 'x' ; printf 'y' 1>&2 ; done",
	})

	seen := map[uint32]bool{}
	for _, m := range sink.snapshot() {
		if chunk, ok := m.Payload.(protocol.CommandResponseChunk); ok {
			assert.False(t, seen[chunk.ChunkID], "chunk id %d reused", chunk.ChunkID)
			seen[chunk.ChunkID] = true
		}
	}
	// One counter across both streams yields exactly 1..N with no gaps.
	for id := 1; id <= len(seen); id++ {
		assert.True(t, seen[uint32(id)], "chunk id %d missing", id)
	}
}

func TestBuildCommandUsesShOnNonWindows(t *testing.T) {
	skipOnWindows(t)
	cmd := buildCommand("echo hi")
	assert.Equal(t, []string{"sh", "-c", "echo hi"}, cmd.Args)
}
