// Package sshmux implements the SSH multiplexed proxy (C10): a bespoke
// length-prefixed framed protocol that lets one persistent worker↔host
// connection carry many concurrent SSH client sessions. No pack library
// implements this wire format; it is built on net and encoding/binary per
// spec.md §4.C10, with the long-lived-listener/per-connection-goroutine
// shape patterned on banksean-sand's Mux.ServeUnix/startDaemonServer.
package sshmux

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Flag is the frame's operation code.
type Flag uint8

const (
	FlagOpen Flag = iota
	FlagData
	FlagClose
	FlagErr
)

func (f Flag) String() string {
	switch f {
	case FlagOpen:
		return "OPEN"
	case FlagData:
		return "DATA"
	case FlagClose:
		return "CLOSE"
	case FlagErr:
		return "ERR"
	default:
		return fmt.Sprintf("FLAG(%d)", f)
	}
}

// maxPayload bounds a single frame so a malformed length prefix can't make a
// peer allocate unbounded memory.
const maxPayload = 1 << 20

// Frame is one message of the per-worker channel protocol.
type Frame struct {
	ChannelID uint32
	TaskID    uint64
	Flags     Flag
	Payload   []byte
}

// headerSize is the encoding of {channel_id, task_id, flags, payload_len}.
const headerSize = 4 + 8 + 1 + 4

// WriteFrame length-prefixes and writes f to w.
func WriteFrame(w io.Writer, f Frame) error {
	if len(f.Payload) > maxPayload {
		return fmt.Errorf("sshmux: payload of %d bytes exceeds max %d", len(f.Payload), maxPayload)
	}
	buf := make([]byte, headerSize+len(f.Payload))
	binary.BigEndian.PutUint32(buf[0:4], f.ChannelID)
	binary.BigEndian.PutUint64(buf[4:12], f.TaskID)
	buf[12] = byte(f.Flags)
	binary.BigEndian.PutUint32(buf[13:17], uint32(len(f.Payload)))
	copy(buf[17:], f.Payload)

	_, err := w.Write(buf)
	return err
}

// ReadFrame reads and decodes one frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return Frame{}, err
	}

	payloadLen := binary.BigEndian.Uint32(header[13:17])
	if payloadLen > maxPayload {
		return Frame{}, fmt.Errorf("sshmux: frame declares %d byte payload, exceeds max %d", payloadLen, maxPayload)
	}

	f := Frame{
		ChannelID: binary.BigEndian.Uint32(header[0:4]),
		TaskID:    binary.BigEndian.Uint64(header[4:12]),
		Flags:     Flag(header[12]),
	}
	if payloadLen > 0 {
		f.Payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return Frame{}, err
		}
	}
	return f, nil
}
