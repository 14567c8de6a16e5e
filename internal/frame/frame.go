// Package frame implements the wire codec shared by the ship and offshore
// processes: a length-prefixed frame over an ordinary TCP byte stream.
//
// Layout: [1 byte kind][8 bytes job id, big-endian][4 bytes length,
// big-endian][length bytes payload].
package frame

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/shipshore/proxy/internal/ferr"
)

// Kind identifies the purpose of a frame, per spec §4.1.
type Kind byte

const (
	HTTPReq Kind = iota
	HTTPRespChunk
	HTTPRespEnd
	ConnectOpen
	ConnectOK
	ConnectFail
	Data
	Close
	Error
)

func (k Kind) String() string {
	switch k {
	case HTTPReq:
		return "HTTP_REQ"
	case HTTPRespChunk:
		return "HTTP_RESP_CHUNK"
	case HTTPRespEnd:
		return "HTTP_RESP_END"
	case ConnectOpen:
		return "CONNECT_OPEN"
	case ConnectOK:
		return "CONNECT_OK"
	case ConnectFail:
		return "CONNECT_FAIL"
	case Data:
		return "DATA"
	case Close:
		return "CLOSE"
	case Error:
		return "ERROR"
	default:
		return fmt.Sprintf("Kind(%d)", byte(k))
	}
}

// CloseDirection values used as the single payload byte of a CLOSE frame.
const (
	CloseRemoteToLocal byte = 0
	CloseLocalToRemote byte = 1
)

// MaxPayload bounds a single frame's payload, per spec §4.1. Larger bodies
// are split across multiple DATA/HTTP_RESP_CHUNK frames by the caller.
const MaxPayload = 1 << 20 // 1 MiB

const headerLen = 1 + 8 + 4

// Frame is one length-prefixed unit on the link.
type Frame struct {
	Kind    Kind
	JobID   uint64
	Payload []byte
}

// WriteFrame writes a whole frame to w. Any I/O error is wrapped as
// ferr.LinkLost, since the socket is unusable afterward and the caller
// must reconnect.
func WriteFrame(w io.Writer, f Frame) error {
	if len(f.Payload) > MaxPayload {
		return fmt.Errorf("frame payload of %d bytes exceeds %d byte bound: %w", len(f.Payload), MaxPayload, ferr.ProtocolViolation)
	}

	var header [headerLen]byte
	header[0] = byte(f.Kind)
	binary.BigEndian.PutUint64(header[1:9], f.JobID)
	binary.BigEndian.PutUint32(header[9:13], uint32(len(f.Payload)))

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("writing frame header: %w: %w", ferr.LinkLost, err)
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return fmt.Errorf("writing frame payload: %w: %w", ferr.LinkLost, err)
		}
	}
	return nil
}

// ReadFrame reads a whole frame from r. Any I/O error or EOF mid-frame is
// wrapped as ferr.LinkLost. A declared payload length over MaxPayload is a
// fatal ferr.ProtocolViolation.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [headerLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, fmt.Errorf("reading frame header: %w: %w", ferr.LinkLost, err)
	}

	length := binary.BigEndian.Uint32(header[9:13])
	if length > MaxPayload {
		return Frame{}, fmt.Errorf("frame declares payload of %d bytes, exceeds %d byte bound: %w", length, MaxPayload, ferr.ProtocolViolation)
	}

	f := Frame{
		Kind:  Kind(header[0]),
		JobID: binary.BigEndian.Uint64(header[1:9]),
	}
	if length > 0 {
		f.Payload = make([]byte, length)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return Frame{}, fmt.Errorf("reading frame payload: %w: %w", ferr.LinkLost, err)
		}
	}
	return f, nil
}
