package protocol

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/twiz718/udp-ferry/pkg/internal"
)

const (
	DefaultChunkSize  = internal.ChunkSize
	DefaultAckTimeout = time.Second

	// seqHeaderLen is the chunk index prefix used by sequenced framing.
	seqHeaderLen = 4

	// maxDatagram is the read buffer for one datagram. Anything longer than a
	// framed chunk is rejected rather than silently truncated.
	maxDatagram = 64 * 1024
)

type Framing int

const (
	// FramingRaw is the reference wire format: chunks are bare payload bytes
	// and any datagram received while awaiting an ACK counts as the ACK.
	FramingRaw Framing = iota
	// FramingSequenced prefixes chunks with a big-endian uint32 index and
	// echoes it in "ACK:<index>".
	FramingSequenced
)

func (f Framing) String() string {
	switch f {
	case FramingRaw:
		return "raw"
	case FramingSequenced:
		return "sequenced"
	default:
		return fmt.Sprintf("framing(%d)", int(f))
	}
}

func ParseFraming(s string) (Framing, error) {
	switch strings.ToLower(s) {
	case "raw":
		return FramingRaw, nil
	case "sequenced", "seq":
		return FramingSequenced, nil
	default:
		return 0, fmt.Errorf("unknown framing %q", s)
	}
}

type Options struct {
	ChunkSize  int
	AckTimeout time.Duration
	// FinTimeout bounds the transmitter's wait for FIN. Zero waits until the
	// context is done.
	FinTimeout time.Duration
	// Retries is how many times a chunk is resent after its ACK deadline.
	Retries int
	Framing Framing
}

func DefaultOptions() Options {
	return Options{
		ChunkSize:  DefaultChunkSize,
		AckTimeout: DefaultAckTimeout,
		Framing:    FramingRaw,
	}
}

func (o Options) Validate() error {
	if o.ChunkSize <= 0 {
		return errors.New("chunk size must be positive")
	}
	if o.Framing == FramingSequenced && o.ChunkSize+seqHeaderLen > maxDatagram {
		return fmt.Errorf("chunk size %d does not fit a datagram", o.ChunkSize)
	}
	if o.AckTimeout <= 0 {
		return errors.New("ack timeout must be positive")
	}
	if o.FinTimeout < 0 {
		return errors.New("fin timeout must not be negative")
	}
	if o.Retries < 0 {
		return errors.New("retries must not be negative")
	}
	if o.Retries > 0 && o.Framing != FramingSequenced {
		return errors.New("retransmission requires sequenced framing")
	}
	return nil
}

// idleTimeout is how long the receiver waits for the next chunk. It covers
// every retransmission the sender may still attempt.
func (o Options) idleTimeout() time.Duration {
	return o.AckTimeout * time.Duration(o.Retries+1)
}
