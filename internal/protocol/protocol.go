// Package protocol implements the single framed message codec shared
// by both of Marathon's wire transports: the vsock channel between a
// node and a guest agent, and the TCP/TLS channel between a node and
// the orchestrator.
//
// Every message is a fixed 16-byte header followed by payload_len
// bytes of payload:
//
//	offset  size  field
//	0       4     magic ("MRTN")
//	4       1     msg_type
//	5       1     version
//	6       2     reserved/flags
//	8       4     request_id
//	12      4     payload_len
//
// Variable-length payload fields are each length-prefixed with a
// big-endian uint32, fixed-size fields are written bare, and optional
// fields carry a 1-byte presence flag ahead of the field, so decoders
// never need to track cross-field state.
package protocol

import (
	"encoding/binary"
	"errors"
	"io"
)

// Magic is the fixed 4-byte prefix every frame starts with.
const Magic = "MRTN"

// HeaderSize is the fixed size of the frame header in bytes.
const HeaderSize = 16

// Version is the current wire version written by this implementation.
const Version = 1

// MsgType identifies the payload shape that follows a header.
type MsgType byte

// Node <-> orchestrator message types.
const (
	MsgHeartbeatRequest  MsgType = 1
	MsgHeartbeatResponse MsgType = 2
	MsgErrorResponse     MsgType = 3
)

// Host <-> guest (vsock) message types.
const (
	MsgVsockReady    MsgType = 10
	MsgVsockStart    MsgType = 11
	MsgVsockOutput   MsgType = 12
	MsgVsockMetrics  MsgType = 13
	MsgVsockProgress MsgType = 14
	MsgVsockComplete MsgType = 15
	MsgVsockError    MsgType = 16
	MsgVsockCancel   MsgType = 17
)

// Sentinel errors for the decoder contract described in spec §4.A/§7.
var (
	// ErrInvalidMagic is returned when a header's first 4 bytes aren't "MRTN".
	ErrInvalidMagic = errors.New("protocol: invalid magic")
	// ErrConnectionClosed is returned on premature EOF reading a header or payload.
	ErrConnectionClosed = errors.New("protocol: connection closed")
	// ErrUnexpectedMessageType is returned for an unrecognized msg_type.
	ErrUnexpectedMessageType = errors.New("protocol: unexpected message type")
	// ErrPayloadTooLarge guards against a corrupt/hostile payload_len.
	ErrPayloadTooLarge = errors.New("protocol: payload too large")
)

// MaxPayloadSize bounds payload_len to protect decoders from absurd
// allocations on a corrupt or adversarial stream.
const MaxPayloadSize = 64 << 20 // 64MiB

// Header is the fixed 16-byte frame header.
type Header struct {
	MsgType   MsgType
	Version   byte
	Flags     uint16
	RequestID uint32
	PayloadLen uint32
}

// Frame is a decoded message: its header plus the raw payload bytes.
// Payload decoding into a concrete Go struct is done by the caller via
// the per-message Encode*/Decode* helpers below.
type Frame struct {
	Header  Header
	Payload []byte
}

// WriteFrame writes one complete frame (header + payload) to w in a
// single call sequence. It never partially writes a frame on success.
func WriteFrame(w io.Writer, msgType MsgType, requestID uint32, payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return ErrPayloadTooLarge
	}
	buf := make([]byte, HeaderSize+len(payload))
	copy(buf[0:4], Magic)
	buf[4] = byte(msgType)
	buf[5] = Version
	binary.BigEndian.PutUint16(buf[6:8], 0)
	binary.BigEndian.PutUint32(buf[8:12], requestID)
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)

	_, err := w.Write(buf)
	return err
}

// ReadFrame reads exactly one frame from r: 16 header bytes, then
// exactly payload_len payload bytes. It never consumes more than one
// message's worth of bytes.
func ReadFrame(r io.Reader) (*Frame, error) {
	hdr := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, wrapReadErr(err)
	}

	if string(hdr[0:4]) != Magic {
		return nil, ErrInvalidMagic
	}

	payloadLen := binary.BigEndian.Uint32(hdr[12:16])
	if payloadLen > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	header := Header{
		MsgType:    MsgType(hdr[4]),
		Version:    hdr[5],
		Flags:      binary.BigEndian.Uint16(hdr[6:8]),
		RequestID:  binary.BigEndian.Uint32(hdr[8:12]),
		PayloadLen: payloadLen,
	}

	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, wrapReadErr(err)
		}
	}

	return &Frame{Header: header, Payload: payload}, nil
}

func wrapReadErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrConnectionClosed
	}
	return err
}
