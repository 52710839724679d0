package codec

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// MaxPayloadSize bounds a task payload.
	MaxPayloadSize = 10 << 20

	// MaxFrameSize bounds a whole frame body: a task payload plus a fixed
	// allowance for the surrounding message.
	MaxFrameSize = MaxPayloadSize + 1<<20

	headerSize = 4
)

var (
	// ErrProtocol is the parent of every framing error.
	ErrProtocol = errors.New("codec: protocol error")

	ErrFrameTooLarge = fmt.Errorf("%w: frame too large", ErrProtocol)
	ErrUnknownType   = fmt.Errorf("%w: unknown message type", ErrProtocol)
	ErrShortFrame    = fmt.Errorf("%w: short frame", ErrProtocol)
)

// MessageType tags the payload carried by a frame.
type MessageType uint8

// Worker and client messages.
const (
	TypeSubmitTask     MessageType = 1
	TypeClaimTask      MessageType = 2
	TypeTaskResult     MessageType = 3
	TypeHeartbeat      MessageType = 4
	TypeAck            MessageType = 5
	TypeNack           MessageType = 6
	TypeQueryStatus    MessageType = 7
	TypeRegisterWorker MessageType = 8
	TypeCancelTask     MessageType = 9
	TypeRetryTask      MessageType = 10
	TypeListTasks      MessageType = 11
	TypeListWorkers    MessageType = 12
	TypeStats          MessageType = 13
	TypeClusterStatus  MessageType = 14
)

// Replica to replica messages.
const (
	TypeRequestVote     MessageType = 32
	TypeVoteReply       MessageType = 33
	TypeAppendEntries   MessageType = 34
	TypeAppendReply     MessageType = 35
	TypeInstallSnapshot MessageType = 36
	TypeSnapshotReply   MessageType = 37
)

var typeNames = map[MessageType]string{
	TypeSubmitTask:      "SubmitTask",
	TypeClaimTask:       "ClaimTask",
	TypeTaskResult:      "TaskResult",
	TypeHeartbeat:       "Heartbeat",
	TypeAck:             "Ack",
	TypeNack:            "Nack",
	TypeQueryStatus:     "QueryStatus",
	TypeRegisterWorker:  "RegisterWorker",
	TypeCancelTask:      "CancelTask",
	TypeRetryTask:       "RetryTask",
	TypeListTasks:       "ListTasks",
	TypeListWorkers:     "ListWorkers",
	TypeStats:           "Stats",
	TypeClusterStatus:   "ClusterStatus",
	TypeRequestVote:     "RequestVote",
	TypeVoteReply:       "VoteReply",
	TypeAppendEntries:   "AppendEntries",
	TypeAppendReply:     "AppendReply",
	TypeInstallSnapshot: "InstallSnapshot",
	TypeSnapshotReply:   "SnapshotReply",
}

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

func (t MessageType) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("MessageType(%d)", uint8(t))
}

// Frame is one protocol message.
type Frame struct {
	Type    MessageType
	Payload []byte
}

// Encode serializes f into its wire form.
func Encode(f Frame) ([]byte, error) {
	if !f.Type.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, f.Type)
	}
	n := 1 + len(f.Payload)
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	buf := make([]byte, headerSize+n)
	binary.BigEndian.PutUint32(buf, uint32(n)) //nolint:gosec // bounded by MaxFrameSize
	buf[headerSize] = byte(f.Type)
	copy(buf[headerSize+1:], f.Payload)
	return buf, nil
}

// Decode parses exactly one frame from b. Trailing bytes are an error.
func Decode(b []byte) (Frame, error) {
	if len(b) < headerSize+1 {
		return Frame{}, ErrShortFrame
	}
	n := binary.BigEndian.Uint32(b)
	if n > MaxFrameSize {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	if n == 0 {
		return Frame{}, ErrShortFrame
	}
	if uint64(len(b)-headerSize) != uint64(n) {
		return Frame{}, fmt.Errorf("%w: header says %d bytes, have %d", ErrShortFrame, n, len(b)-headerSize)
	}
	t := MessageType(b[headerSize])
	if !t.Valid() {
		return Frame{}, fmt.Errorf("%w: %d", ErrUnknownType, t)
	}
	payload := make([]byte, n-1)
	copy(payload, b[headerSize+1:])
	return Frame{Type: t, Payload: payload}, nil
}

// WriteFrame writes f to w.
func WriteFrame(w io.Writer, f Frame) error {
	b, err := Encode(f)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// ReadFrame reads one frame from r. The length header is checked before the
// body is allocated. io.EOF is returned unchanged when r ends cleanly
// between frames.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortFrame
		}
		return Frame{}, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	if n == 0 {
		return Frame{}, ErrShortFrame
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortFrame
		}
		return Frame{}, err
	}
	t := MessageType(body[0])
	if !t.Valid() {
		return Frame{}, fmt.Errorf("%w: %d", ErrUnknownType, t)
	}
	return Frame{Type: t, Payload: body[1:]}, nil
}

// Conn wraps a stream with buffered frame reads and writes. It is not safe
// for concurrent use.
type Conn struct {
	r *bufio.Reader
	w *bufio.Writer
}

// NewConn wraps rw.
func NewConn(rw io.ReadWriter) *Conn {
	return &Conn{r: bufio.NewReader(rw), w: bufio.NewWriter(rw)}
}

// Read reads the next frame.
func (c *Conn) Read() (Frame, error) { return ReadFrame(c.r) }

// Write writes f and flushes.
func (c *Conn) Write(f Frame) error {
	if err := WriteFrame(c.w, f); err != nil {
		return err
	}
	return c.w.Flush()
}

// NewFrame marshals v with the default codec into a frame of type t.
func NewFrame(t MessageType, v any) (Frame, error) {
	if v == nil {
		return Frame{Type: t}, nil
	}
	b, err := Marshal(v)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s: %w", t, err)
	}
	return Frame{Type: t, Payload: b}, nil
}

// Unpack decodes the frame payload into v with the default codec.
func (f Frame) Unpack(v any) error {
	if err := Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrProtocol, f.Type, err)
	}
	return nil
}
