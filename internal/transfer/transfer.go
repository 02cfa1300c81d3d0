// Package transfer moves one payload over a message connection in acknowledged
// chunks and verifies it end to end against the SHA-256 announced up front.
package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pinbridge/vault/internal/logging"
	"github.com/pinbridge/vault/internal/util"
)

// Defaults
const (
	DefaultChunkSize   = 16 * 1024
	DefaultAckTimeout  = 4 * time.Second
	DefaultMaxAttempts = 3
	DefaultIdleTimeout = 30 * time.Second
	DefaultMaxSize     = 64 << 20
)

// Conn is an ordered message connection. pairing.Transport satisfies it.
type Conn interface {
	Send(ctx context.Context, msg []byte) error
	Recv(ctx context.Context) ([]byte, error)
}

// MessageType tags a protocol message
type MessageType string

// Message types
const (
	TypeMeta  MessageType = "meta"
	TypeChunk MessageType = "chunk"
	TypeAck   MessageType = "ack"
	TypeDone  MessageType = "done"
)

// Message is one protocol frame
type Message struct {
	Type  MessageType `json:"type"`
	Seq   int         `json:"seq"`
	Data  []byte      `json:"data,omitempty"`
	Total int         `json:"total,omitempty"`
	Size  int64       `json:"size,omitempty"`
	Hash  string      `json:"hash,omitempty"`
}

// Options tunes the protocol. Zero values take the defaults.
type Options struct {
	ChunkSize   int
	AckTimeout  time.Duration
	MaxAttempts int
	IdleTimeout time.Duration
	// MaxSize bounds the payload a receiver accepts and a sender offers
	MaxSize int64
	Logger  *logrus.Logger
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = DefaultAckTimeout
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.MaxSize <= 0 {
		o.MaxSize = DefaultMaxSize
	}
	return o
}

// Send transmits payload: meta, then each chunk until acknowledged, then done.
// A chunk that is not acknowledged after MaxAttempts aborts the transfer.
func Send(ctx context.Context, conn Conn, payload []byte, opts Options) error {
	opts = opts.withDefaults()
	log := logging.Component(opts.Logger, "transfer")

	if int64(len(payload)) > opts.MaxSize {
		return fmt.Errorf("%w: payload of %d bytes exceeds the %d byte limit", util.ErrTransferAborted, len(payload), opts.MaxSize)
	}
	chunks := Split(payload, opts.ChunkSize)
	hash := Hash(payload)
	meta := Message{Type: TypeMeta, Total: len(chunks), Size: int64(len(payload)), Hash: hash}
	if err := write(ctx, conn, meta); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"chunks": len(chunks), "size": len(payload), "hash": hash}).Debug("transfer started")

	for seq, chunk := range chunks {
		if err := sendChunk(ctx, conn, seq, chunk, opts, log); err != nil {
			return err
		}
	}

	if err := write(ctx, conn, Message{Type: TypeDone}); err != nil {
		return err
	}
	log.WithField("hash", hash).Debug("transfer sent")
	return nil
}

func sendChunk(ctx context.Context, conn Conn, seq int, data []byte, opts Options, log *logrus.Entry) error {
	msg := Message{Type: TypeChunk, Seq: seq, Data: data}
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		if err := write(ctx, conn, msg); err != nil {
			return err
		}
		acked, err := awaitAck(ctx, conn, seq, opts.AckTimeout)
		if err != nil {
			return err
		}
		if acked {
			return nil
		}
		log.WithFields(logrus.Fields{"seq": seq, "attempt": attempt}).Warn("chunk not acknowledged")
	}
	return fmt.Errorf("%w: chunk %d not acknowledged after %d attempts", util.ErrTransferAborted, seq, opts.MaxAttempts)
}

// awaitAck reads until the ack for seq arrives or the timeout passes. Acks for
// other sequence numbers are stale duplicates and are skipped.
func awaitAck(ctx context.Context, conn Conn, seq int, timeout time.Duration) (bool, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		msg, err := read(waitCtx, conn)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return false, nil
			}
			return false, err
		}
		if msg.Type == TypeAck && msg.Seq == seq {
			return true, nil
		}
	}
}

// Receive reads one transfer and returns the verified payload. It completes
// when the declared size has arrived or the sender signals done; a payload
// whose hash does not match is discarded.
func Receive(ctx context.Context, conn Conn, opts Options) ([]byte, error) {
	opts = opts.withDefaults()
	log := logging.Component(opts.Logger, "transfer")

	meta, err := readIdle(ctx, conn, opts.IdleTimeout)
	if err != nil {
		return nil, err
	}
	if meta.Type != TypeMeta {
		return nil, fmt.Errorf("%w: expected meta, got %q", util.ErrProtocol, meta.Type)
	}
	if err := checkMeta(meta, opts.MaxSize); err != nil {
		return nil, err
	}

	// chunks are kept by seq until all have arrived so a large declared Total
	// allocates nothing up front
	chunks := make(map[int][]byte)
	var received int
	var have int64
	for received < meta.Total || have < meta.Size {
		msg, err := readIdle(ctx, conn, opts.IdleTimeout)
		if err != nil {
			return nil, err
		}
		if msg.Type == TypeDone {
			break
		}
		if msg.Type != TypeChunk {
			continue
		}
		if msg.Seq < 0 || msg.Seq >= meta.Total {
			return nil, fmt.Errorf("%w: chunk %d outside 0..%d", util.ErrProtocol, msg.Seq, meta.Total-1)
		}
		if _, dup := chunks[msg.Seq]; !dup {
			if have+int64(len(msg.Data)) > meta.Size {
				return nil, fmt.Errorf("%w: chunk %d overruns the declared size %d", util.ErrProtocol, msg.Seq, meta.Size)
			}
			chunks[msg.Seq] = msg.Data
			received++
			have += int64(len(msg.Data))
		} else {
			log.WithField("seq", msg.Seq).Debug("duplicate chunk")
		}
		if err := write(ctx, conn, Message{Type: TypeAck, Seq: msg.Seq}); err != nil {
			return nil, err
		}
	}

	if received != meta.Total {
		return nil, fmt.Errorf("%w: %d of %d chunks received", util.ErrIntegrity, received, meta.Total)
	}
	ordered := make([][]byte, meta.Total)
	for seq, data := range chunks {
		ordered[seq] = data
	}
	payload, err := Assemble(ordered, meta.Size)
	if err != nil {
		return nil, err
	}
	if err := Verify(payload, meta.Hash); err != nil {
		clear(payload)
		log.WithField("hash", meta.Hash).Error("transfer failed verification, payload discarded")
		return nil, err
	}
	log.WithFields(logrus.Fields{"size": meta.Size, "hash": meta.Hash}).Debug("transfer received")
	return payload, nil
}

// checkMeta rejects a meta frame whose declared sizes are malformed or larger
// than maxSize. Every chunk carries at least one byte, so Total never exceeds Size.
func checkMeta(meta Message, maxSize int64) error {
	switch {
	case meta.Total < 0 || meta.Size < 0 || meta.Hash == "":
		return fmt.Errorf("%w: malformed meta", util.ErrProtocol)
	case meta.Size > maxSize:
		return fmt.Errorf("%w: declared size %d exceeds the %d byte limit", util.ErrProtocol, meta.Size, maxSize)
	case int64(meta.Total) > meta.Size:
		return fmt.Errorf("%w: %d chunks declared for %d bytes", util.ErrProtocol, meta.Total, meta.Size)
	}
	return nil
}

func readIdle(ctx context.Context, conn Conn, idle time.Duration) (Message, error) {
	readCtx, cancel := context.WithTimeout(ctx, idle)
	defer cancel()
	msg, err := read(readCtx, conn)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return Message{}, fmt.Errorf("%w: peer idle for %s", util.ErrTransferAborted, idle)
	}
	return msg, err
}

func write(ctx context.Context, conn Conn, msg Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s message: %w", msg.Type, err)
	}
	return conn.Send(ctx, raw)
}

func read(ctx context.Context, conn Conn) (Message, error) {
	raw, err := conn.Recv(ctx)
	if err != nil {
		return Message{}, err
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: malformed transfer message", util.ErrProtocol)
	}
	return msg, nil
}
