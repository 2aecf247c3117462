// Package command implements the agent's Command Executor: spawning a
// shell subprocess on behalf of the hub and streaming its stdout/stderr
// back as CommandResponseChunk frames.
package command

import (
	"encoding/base64"
	"io"
	"os/exec"
	"runtime"
	"sync"

	"github.com/rs/zerolog"

	"github.com/streamspace-dev/proxyfabric/internal/protocol"
)

const chunkBufferBytes = 1024

// Sink is the control-loop's outbound channel to the hub.
type Sink interface {
	Send(t protocol.MessageType, payload interface{}) error
}

// Executor runs CommandRequests.
type Executor struct {
	sink Sink
	log  zerolog.Logger
}

// New constructs an Executor.
func New(sink Sink, log zerolog.Logger) *Executor {
	return &Executor{sink: sink, log: log}
}

// Handle spawns the requested command and streams its output until exit,
// per §4.6: sh -c on Unix, cmd /C on Windows, one shared chunk_id counter
// across both stdout and stderr.
func (e *Executor) Handle(req protocol.CommandRequest) {
	e.log.Info().Str("request_id", req.RequestID).Str("command", req.Command).Msg("command request received")

	cmd := buildCommand(req.Command)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		e.fail(req.RequestID, "failed to capture command stdout pipe: "+err.Error())
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		e.fail(req.RequestID, "failed to capture command stderr pipe: "+err.Error())
		return
	}

	if err := cmd.Start(); err != nil {
		e.fail(req.RequestID, "failed to spawn command: "+err.Error())
		return
	}

	var chunkID uint32
	var mu sync.Mutex
	nextChunkID := func() uint32 {
		mu.Lock()
		defer mu.Unlock()
		chunkID++
		return chunkID
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go e.pump(&wg, req.RequestID, protocol.StreamStdout, stdout, nextChunkID)
	go e.pump(&wg, req.RequestID, protocol.StreamStderr, stderr, nextChunkID)
	wg.Wait()

	waitErr := cmd.Wait()
	e.sendCompletion(req.RequestID, cmd, waitErr)
}

// pump reads r in chunkBufferBytes chunks, base64-encodes, and emits a
// CommandResponseChunk per read, using the shared chunk_id sequence.
func (e *Executor) pump(wg *sync.WaitGroup, requestID string, streamType protocol.StreamType, r io.Reader, nextChunkID func() uint32) {
	defer wg.Done()
	buf := make([]byte, chunkBufferBytes)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			e.sink.Send(protocol.TypeCommandResponseChunk, protocol.CommandResponseChunk{
				RequestID:  requestID,
				ChunkID:    nextChunkID(),
				StreamType: streamType,
				Data:       base64.StdEncoding.EncodeToString(buf[:n]),
			})
		}
		if err != nil {
			return
		}
	}
}

func (e *Executor) fail(requestID, message string) {
	e.log.Warn().Str("request_id", requestID).Str("error", message).Msg("command request failed")
	e.sink.Send(protocol.TypeCommandResponseTransferComplete, protocol.CommandResponseTransferComplete{
		RequestID:    requestID,
		Success:      false,
		ErrorMessage: message,
	})
}

func (e *Executor) sendCompletion(requestID string, cmd *exec.Cmd, waitErr error) {
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			code := int32(exitErr.ExitCode())
			e.sink.Send(protocol.TypeCommandResponseTransferComplete, protocol.CommandResponseTransferComplete{
				RequestID: requestID,
				Success:   false,
				ExitCode:  &code,
			})
			return
		}
		e.fail(requestID, "failed to wait for command: "+waitErr.Error())
		return
	}

	code := int32(cmd.ProcessState.ExitCode())
	e.sink.Send(protocol.TypeCommandResponseTransferComplete, protocol.CommandResponseTransferComplete{
		RequestID: requestID,
		Success:   cmd.ProcessState.Success(),
		ExitCode:  &code,
	})
}

// buildCommand chooses the OS-appropriate shell invocation.
func buildCommand(command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.Command("cmd", "/C", command)
	}
	return exec.Command("sh", "-c", command)
}
