// Package protocol implements the length-framed binary wire protocol shared
// by the chatterd server and client: message type tags, the outer/inner
// framing layers, and the per-type content layouts.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Type is the one-byte message tag carried in every frame.
type Type byte

// Stable message type tags. Unknown tags decode to TypeUnknown; handlers
// ignore those except to log them.
const (
	TypeUnknown              Type = 0
	TypeChatMessage          Type = 1
	TypeJoin                 Type = 2
	TypeLeave                Type = 3
	TypeUserRename           Type = 4
	TypeListUsers            Type = 5
	TypeDirectMessage        Type = 6
	TypeError                Type = 7
	TypeRenameRequest        Type = 8
	TypeFileTransfer         Type = 9
	TypeFileTransferAck      Type = 10
	TypeFileTransferRequest  Type = 11
	TypeFileTransferResponse Type = 12
	TypeSetStatus            Type = 13
	TypePing                 Type = 14
	TypePong                 Type = 15
	TypeVersionCheck         Type = 16
	TypeVersionMismatch      Type = 17
)

func (t Type) String() string {
	switch t {
	case TypeChatMessage:
		return "ChatMessage"
	case TypeJoin:
		return "Join"
	case TypeLeave:
		return "Leave"
	case TypeUserRename:
		return "UserRename"
	case TypeListUsers:
		return "ListUsers"
	case TypeDirectMessage:
		return "DirectMessage"
	case TypeError:
		return "Error"
	case TypeRenameRequest:
		return "RenameRequest"
	case TypeFileTransfer:
		return "FileTransfer"
	case TypeFileTransferAck:
		return "FileTransferAck"
	case TypeFileTransferRequest:
		return "FileTransferRequest"
	case TypeFileTransferResponse:
		return "FileTransferResponse"
	case TypeSetStatus:
		return "SetStatus"
	case TypePing:
		return "Ping"
	case TypePong:
		return "Pong"
	case TypeVersionCheck:
		return "VersionCheck"
	case TypeVersionMismatch:
		return "VersionMismatch"
	default:
		return fmt.Sprintf("Unknown(%d)", byte(t))
	}
}

// MaxFrameSize is the maximum outer frame length (u16 BE). Per the Open
// Question in the spec, the outer length field is a u16 while the inner
// length is a u32; to avoid the overflow that implies, this codec treats
// 65535 as the hard ceiling for every frame, including file transfers.
// Larger files are split by the client session into multiple FileTransfer
// messages (see SPEC_FULL.md §4.1).
const MaxFrameSize = 65535

// headerLen is the fixed portion of the inner message: 4 bytes length + 1
// byte type, before content.
const headerLen = 5

// ackBytes is the literal 2-byte acknowledgment written by a receiver after
// it has fully read one message.
var ackBytes = [2]byte{'O', 'K'}

var (
	// ErrFrameTooLarge is returned when a peer advertises a frame length
	// beyond MaxFrameSize. The reader must reject this before allocating.
	ErrFrameTooLarge = errors.New("protocol: frame length exceeds maximum")
	// ErrTruncated is returned when a frame body is shorter than the
	// minimum header.
	ErrTruncated = errors.New("protocol: truncated frame")
	// ErrLengthMismatch is returned when the inner u32 length disagrees
	// with the number of body bytes actually read.
	ErrLengthMismatch = errors.New("protocol: inner length mismatch")
	// ErrBadAck is returned when the peer's 2-byte acknowledgment is not
	// the literal "OK".
	ErrBadAck = errors.New("protocol: bad acknowledgment")
	// ErrContentTooLarge is returned by ReadMessage when content exceeds
	// the caller-supplied content cap.
	ErrContentTooLarge = errors.New("protocol: content exceeds configured cap")
)

// Message is one decoded application-level message: a type tag plus its
// opaque content. Content layout is type-specific (see content.go).
type Message struct {
	Type    Type
	Content []byte
}

// writeChunkSize bounds how much is written per Write call; receivers must
// accept arbitrarily chunked writes, but senders chunk large payloads so a
// single huge Write never blocks the connection's other housekeeping.
const writeChunkSize = 8 * 1024

// Encode produces the inner frame bytes for m: the 4-byte big-endian inner
// length (which equals 4+1+len(content) and is reused verbatim as the
// 2-byte outer length), the type byte, and the content. It does not include
// the acknowledgment.
func Encode(m Message) ([]byte, error) {
	msgLen := headerLen + len(m.Content)
	if msgLen > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, msgLen)
	binary.BigEndian.PutUint32(buf[0:4], uint32(msgLen))
	buf[4] = byte(m.Type)
	copy(buf[headerLen:], m.Content)
	return buf, nil
}

// WriteMessage frames and writes m to rw, chunking large payloads, then
// reads and validates the peer's 2-byte "OK" acknowledgment. The outer
// 2-byte BE length prefix precedes the framed body on the wire.
func WriteMessage(rw io.ReadWriter, m Message) error {
	body, err := Encode(m)
	if err != nil {
		return err
	}

	var outer [2]byte
	binary.BigEndian.PutUint16(outer[:], uint16(len(body)))
	if _, err := rw.Write(outer[:]); err != nil {
		return err
	}

	for len(body) > 0 {
		n := len(body)
		if n > writeChunkSize {
			n = writeChunkSize
		}
		if _, err := rw.Write(body[:n]); err != nil {
			return err
		}
		body = body[n:]
	}
	if f, ok := rw.(interface{ Flush() error }); ok {
		if err := f.Flush(); err != nil {
			return err
		}
	}

	var ack [2]byte
	if _, err := io.ReadFull(rw, ack[:]); err != nil {
		return err
	}
	if ack != ackBytes {
		return ErrBadAck
	}
	return nil
}

// ReadMessage reads one framed message from rw and writes back the "OK"
// acknowledgment on success. maxContent bounds len(Content); pass
// MaxFrameSize-headerLen to accept anything this codec can represent.
func ReadMessage(rw io.ReadWriter, maxContent int) (Message, error) {
	var outer [2]byte
	if _, err := io.ReadFull(rw, outer[:]); err != nil {
		return Message{}, err
	}
	frameLen := binary.BigEndian.Uint16(outer[:])
	if int(frameLen) > MaxFrameSize {
		return Message{}, ErrFrameTooLarge
	}
	if int(frameLen) < headerLen {
		return Message{}, ErrTruncated
	}

	body := make([]byte, frameLen)
	if _, err := io.ReadFull(rw, body); err != nil {
		return Message{}, err
	}

	msgLen := binary.BigEndian.Uint32(body[0:4])
	if int(msgLen) != len(body) {
		return Message{}, ErrLengthMismatch
	}
	typ := Type(body[4])
	content := body[headerLen:]
	if len(content) > maxContent {
		return Message{}, ErrContentTooLarge
	}

	if _, err := rw.Write(ackBytes[:]); err != nil {
		return Message{}, err
	}
	return Message{Type: typ, Content: content}, nil
}
