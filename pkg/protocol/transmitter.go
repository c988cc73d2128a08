package protocol

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/twiz718/udp-ferry/pkg/internal"
)

type TxState int

const (
	TxIdle TxState = iota
	TxSentLen
	TxSendingChunk
	TxAwaitingAck
	TxAwaitingFin
	TxClosed
)

func (s TxState) String() string {
	switch s {
	case TxIdle:
		return "Idle"
	case TxSentLen:
		return "SentLen"
	case TxSendingChunk:
		return "SendingChunk"
	case TxAwaitingAck:
		return "AwaitingAck"
	case TxAwaitingFin:
		return "AwaitingFin"
	case TxClosed:
		return "Closed"
	default:
		return fmt.Sprintf("TxState(%d)", int(s))
	}
}

// Result summarizes a finished transfer.
type Result struct {
	Bytes       int
	Chunks      int
	Retransmits int
	Duplicates  int
	Peer        net.Addr
	Elapsed     time.Duration
}

// Transmitter is the sending half of the stop-and-wait exchange. It is used
// for one transfer only.
type Transmitter struct {
	sess  *Session
	state TxState
	chunk int
}

func NewTransmitter(sess *Session) *Transmitter {
	return &Transmitter{sess: sess, state: TxIdle, chunk: -1}
}

func (t *Transmitter) State() TxState {
	return t.state
}

func (t *Transmitter) enter(state TxState, chunk int) {
	t.state, t.chunk = state, chunk
	t.sess.log.Debugw("transmitter", "state", state.String(), "chunk", chunk, "peer", t.sess.peer)
}

// Transmit sends payload: LEN, then each chunk waiting for its ACK, then
// waits for FIN. Chunk i+1 is never sent before chunk i is acknowledged.
func (t *Transmitter) Transmit(ctx context.Context, payload []byte) (Result, error) {
	started := time.Now()
	res := Result{Bytes: len(payload)}
	opts := t.sess.opts

	chunks, err := internal.Split(payload, opts.ChunkSize)
	if err != nil {
		return res, protocolError(PhaseLength, -1, ErrEmptyPayload)
	}
	if len(payload) > MaxLength {
		return res, protocolError(PhaseLength, -1, ErrInvalidLength)
	}
	res.Chunks = len(chunks)

	if err := t.sess.Send(EncodeLen(len(payload))); err != nil {
		return res, ioError(PhaseLength, -1, ErrSendFailed, err)
	}
	t.enter(TxSentLen, -1)

	finSeen := false
	last := len(chunks) - 1
	for _, c := range chunks {
		frame := EncodeChunk(opts.Framing, c.Index, c.Data)
		for attempt := 0; ; attempt++ {
			t.enter(TxSendingChunk, c.Index)
			if err := t.sess.Send(frame); err != nil {
				return res, ioError(PhaseChunk, c.Index, ErrSendFailed, err)
			}
			t.enter(TxAwaitingAck, c.Index)
			fin, err := t.awaitAck(ctx, c.Index, c.Index == last)
			if err == nil {
				finSeen = fin
				break
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return res, ctxErr
			}
			if !IsTimeout(err) {
				return res, ioError(PhaseAck, c.Index, ErrReceiveFailed, err)
			}
			if attempt >= opts.Retries {
				t.sess.log.Errorw("no acknowledgment", "chunk", c.Index, "attempts", attempt+1)
				return res, timeoutError(PhaseAck, c.Index, ErrAckNotReceived)
			}
			res.Retransmits++
			t.sess.log.Infow("retransmitting", "chunk", c.Index, "attempt", attempt+1)
		}
	}

	t.enter(TxAwaitingFin, -1)
	if !finSeen {
		msg, err := t.sess.Recv(ctx, opts.FinTimeout)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return res, ctxErr
			}
			if IsTimeout(err) {
				return res, timeoutError(PhaseFinish, -1, ErrFinNotReceived)
			}
			return res, ioError(PhaseFinish, -1, ErrReceiveFailed, err)
		}
		if !IsFin(msg) {
			t.sess.log.Errorw("expected FIN", "received", string(msg))
			return res, protocolError(PhaseFinish, -1, ErrUnexpectedFinal)
		}
	}
	t.enter(TxClosed, -1)

	res.Peer = t.sess.peer
	res.Elapsed = time.Since(started)
	return res, nil
}

// awaitAck waits until the ACK deadline for chunk seq. With sequenced framing
// stale ACKs are skipped, and a FIN in place of the last ACK means the ACK
// itself was lost but the receiver finished.
func (t *Transmitter) awaitAck(ctx context.Context, seq int, last bool) (bool, error) {
	opts := t.sess.opts
	deadline := time.Now().Add(opts.AckTimeout)
	for {
		msg, err := t.sess.recvUntil(ctx, deadline)
		if err != nil {
			return false, err
		}
		if opts.Framing == FramingRaw {
			return false, nil
		}
		if last && IsFin(msg) {
			return true, nil
		}
		if got, ok := DecodeAck(opts.Framing, msg); ok && got == seq {
			return false, nil
		}
		t.sess.log.Debugw("ignoring datagram while awaiting ack", "chunk", seq, "received", string(msg))
		if !time.Now().Before(deadline) {
			return false, os.ErrDeadlineExceeded
		}
	}
}
