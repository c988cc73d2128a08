package protocol

import (
	"context"
	"fmt"
	"time"

	"github.com/twiz718/udp-ferry/pkg/internal"
)

type RxState int

const (
	RxIdle RxState = iota
	RxAwaitingLen
	RxAwaitingChunk
	RxAcking
	RxSentFin
	RxClosed
)

func (s RxState) String() string {
	switch s {
	case RxIdle:
		return "Idle"
	case RxAwaitingLen:
		return "AwaitingLen"
	case RxAwaitingChunk:
		return "AwaitingChunk"
	case RxAcking:
		return "Acking"
	case RxSentFin:
		return "SentFin"
	case RxClosed:
		return "Closed"
	default:
		return fmt.Sprintf("RxState(%d)", int(s))
	}
}

// Receiver is the receiving half of the stop-and-wait exchange. It is used
// for one transfer only.
type Receiver struct {
	sess  *Session
	state RxState
	chunk int
}

func NewReceiver(sess *Session) *Receiver {
	return &Receiver{sess: sess, state: RxIdle, chunk: -1}
}

func (r *Receiver) State() RxState {
	return r.state
}

func (r *Receiver) enter(state RxState, chunk int) {
	r.state, r.chunk = state, chunk
	r.sess.log.Debugw("receiver", "state", state.String(), "chunk", chunk, "peer", r.sess.peer)
}

// Receive waits for LEN, collects ceil(LEN/chunkSize) chunks acknowledging
// each one to whichever address it came from, then sends FIN and returns the
// chunks joined in receipt order.
func (r *Receiver) Receive(ctx context.Context) ([]byte, Result, error) {
	started := time.Now()
	var res Result
	opts := r.sess.opts

	r.enter(RxAwaitingLen, -1)
	msg, err := r.sess.Recv(ctx, 0)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, res, ctxErr
		}
		return nil, res, ioError(PhaseLength, -1, ErrReceiveFailed, err)
	}
	total, err := DecodeLen(msg)
	if err != nil {
		r.sess.log.Errorw("bad length message", "received", string(msg), "error", err)
		return nil, res, protocolError(PhaseLength, -1, err)
	}

	file := internal.NewFileFromPeer(total, opts.ChunkSize)
	res.Chunks = file.TotalChunks
	r.sess.log.Debugw("incoming transfer", "bytes", total, "chunks", file.TotalChunks)

	for !file.Complete() {
		next := file.Next()
		r.enter(RxAwaitingChunk, next)
		msg, err := r.sess.Recv(ctx, opts.idleTimeout())
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, res, ctxErr
			}
			if !IsTimeout(err) {
				return nil, res, ioError(PhaseChunk, next, ErrReceiveFailed, err)
			}
			if next == 0 {
				return nil, res, timeoutError(PhaseChunk, 0, ErrNoDataReceived)
			}
			return nil, res, timeoutError(PhaseChunk, next, ErrTransferInterrupted)
		}

		seq, data, err := DecodeChunk(opts.Framing, next, msg)
		if err != nil {
			return nil, res, protocolError(PhaseChunk, next, err)
		}
		if seq < next {
			// our ACK was lost and the sender retransmitted
			res.Duplicates++
			r.sess.log.Debugw("duplicate chunk", "chunk", seq, "expected", next)
			if err := r.sess.Send(EncodeAck(opts.Framing, seq)); err != nil {
				return nil, res, ioError(PhaseAck, seq, ErrSendFailed, err)
			}
			continue
		}
		if seq > next {
			return nil, res, protocolError(PhaseChunk, next, ErrUnexpectedSequence)
		}
		if len(data) == 0 || len(data) > opts.ChunkSize {
			return nil, res, protocolError(PhaseChunk, next, ErrInvalidChunk)
		}

		file.Append(data)
		r.enter(RxAcking, next)
		if err := r.sess.Send(EncodeAck(opts.Framing, next)); err != nil {
			return nil, res, ioError(PhaseAck, next, ErrSendFailed, err)
		}
	}

	if err := r.sess.Send(EncodeFin()); err != nil {
		return nil, res, ioError(PhaseFinish, -1, ErrSendFailed, err)
	}
	r.enter(RxSentFin, -1)

	payload := file.Bytes()
	res.Bytes = len(payload)
	res.Peer = r.sess.peer
	res.Elapsed = time.Since(started)
	r.enter(RxClosed, -1)
	return payload, res, nil
}
