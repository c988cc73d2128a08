package protocol

import (
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/twiz718/udp-ferry/pkg/internal"
)

type Kind int

const (
	KindProtocol Kind = iota + 1
	KindTimeout
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "ProtocolError"
	case KindTimeout:
		return "TimeoutError"
	case KindIO:
		return "IOError"
	default:
		return "Error"
	}
}

// Phase is the part of the exchange an aborted transfer was in.
type Phase int

const (
	PhaseSource Phase = iota + 1
	PhaseLength
	PhaseChunk
	PhaseAck
	PhaseFinish
	PhasePersist
)

func (p Phase) String() string {
	switch p {
	case PhaseSource:
		return "source read"
	case PhaseLength:
		return "length handshake"
	case PhaseChunk:
		return "chunk"
	case PhaseAck:
		return "acknowledgment of chunk"
	case PhaseFinish:
		return "finish handshake"
	case PhasePersist:
		return "persist"
	default:
		return "unknown phase"
	}
}

var (
	ErrEmptyPayload        = internal.ErrEmptyPayload
	ErrMalformedLen        = errors.New("MalformedLenMessage")
	ErrInvalidLength       = errors.New("InvalidLength")
	ErrInvalidChunk        = errors.New("InvalidChunk")
	ErrUnexpectedSequence  = errors.New("UnexpectedSequence")
	ErrUnexpectedFinal     = errors.New("UnexpectedFinalMessage")
	ErrAckNotReceived      = errors.New("AckNotReceived")
	ErrNoDataReceived      = errors.New("NoDataReceived")
	ErrTransferInterrupted = errors.New("TransferInterrupted")
	ErrFinNotReceived      = errors.New("FinNotReceived")
	ErrReadFailed          = errors.New("ReadFailed")
	ErrSendFailed          = errors.New("SendFailed")
	ErrReceiveFailed       = errors.New("ReceiveFailed")
	ErrPersistFailed       = errors.New("PersistFailed")
)

// Error aborts a transfer. Chunk is -1 when the failure is not tied to a chunk.
type Error struct {
	Kind  Kind
	Phase Phase
	Chunk int
	Err   error
	Cause error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Kind, e.Err)
	if e.Chunk >= 0 {
		msg += fmt.Sprintf("(chunk=%d)", e.Chunk)
	}
	if e.Phase == PhaseChunk || e.Phase == PhaseAck {
		msg += fmt.Sprintf(" during %s %d", e.Phase, e.Chunk)
	} else if e.Phase != 0 {
		msg += " during " + e.Phase.String()
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

func protocolError(phase Phase, chunk int, err error) *Error {
	return &Error{Kind: KindProtocol, Phase: phase, Chunk: chunk, Err: err}
}

func timeoutError(phase Phase, chunk int, err error) *Error {
	return &Error{Kind: KindTimeout, Phase: phase, Chunk: chunk, Err: err}
}

func ioError(phase Phase, chunk int, err, cause error) *Error {
	return &Error{Kind: KindIO, Phase: phase, Chunk: chunk, Err: err, Cause: cause}
}

// NewProtocolError reports a protocol violation noticed outside the engine,
// e.g. by a command layer that refuses an empty file.
func NewProtocolError(phase Phase, err error) error {
	return protocolError(phase, -1, err)
}

func NewIOError(phase Phase, err, cause error) error {
	return ioError(phase, -1, err, cause)
}

// AsError extracts the transfer error from err, if there is one.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

func IsTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
