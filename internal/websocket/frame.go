package websocket

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	OpContinuation byte = 0x0
	OpText         byte = 0x1
	OpBinary       byte = 0x2
	OpClose        byte = 0x8
	OpPing         byte = 0x9
	OpPong         byte = 0xA

	DefaultMaxPayload int64 = 16 << 20
	maxControlPayload       = 125

	CloseNormal        = 1000
	CloseProtocolError = 1002
	CloseTooBig        = 1009
)

var (
	// ErrProtocol covers every frame the server refuses: fragments,
	// unmasked client frames and any opcode other than text or close.
	ErrProtocol = errors.New("websocket protocol violation")

	// ErrClosed is returned by ReadMessage when the peer sent a close frame.
	ErrClosed = errors.New("websocket closed by peer")
)

type Frame struct {
	Fin     bool
	RSV     byte
	Opcode  byte
	Masked  bool
	Mask    [4]byte
	Payload []byte
}

// WriteFrame writes one FIN frame. A nil mask writes an unmasked frame as
// servers do; clients pass a mask.
func WriteFrame(w io.Writer, opcode byte, payload []byte, mask *[4]byte) error {
	header := make([]byte, 0, 14)
	header = append(header, 0x80|opcode)

	maskBit := byte(0)
	if mask != nil {
		maskBit = 0x80
	}
	n := len(payload)
	switch {
	case n <= 125:
		header = append(header, maskBit|byte(n))
	case n <= 0xFFFF:
		header = append(header, maskBit|126)
		header = binary.BigEndian.AppendUint16(header, uint16(n))
	default:
		header = append(header, maskBit|127)
		header = binary.BigEndian.AppendUint64(header, uint64(n))
	}

	if mask == nil {
		if _, err := w.Write(header); err != nil {
			return err
		}
		_, err := w.Write(payload)
		return err
	}

	header = append(header, mask[:]...)
	masked := make([]byte, n)
	for i := range payload {
		masked[i] = payload[i] ^ mask[i%4]
	}
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(masked)
	return err
}

// ReadFrame decodes one frame and unmasks its payload.
func ReadFrame(r io.Reader, maxPayload int64) (Frame, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	f := Frame{
		Fin:    hdr[0]&0x80 != 0,
		RSV:    (hdr[0] >> 4) & 0x7,
		Opcode: hdr[0] & 0x0F,
		Masked: hdr[1]&0x80 != 0,
	}

	length := uint64(hdr[1] & 0x7F)
	switch length {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return Frame{}, unexpected(err)
		}
		length = uint64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return Frame{}, unexpected(err)
		}
		length = binary.BigEndian.Uint64(ext[:])
		if length>>63 != 0 {
			return Frame{}, fmt.Errorf("%w: 64-bit length has the high bit set", ErrProtocol)
		}
	}
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	if length > uint64(maxPayload) {
		return Frame{}, fmt.Errorf("%w: payload of %d bytes exceeds limit %d", ErrProtocol, length, maxPayload)
	}

	if f.Masked {
		if _, err := io.ReadFull(r, f.Mask[:]); err != nil {
			return Frame{}, unexpected(err)
		}
	}
	f.Payload = make([]byte, length)
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return Frame{}, unexpected(err)
	}
	if f.Masked {
		for i := range f.Payload {
			f.Payload[i] ^= f.Mask[i%4]
		}
	}
	return f, nil
}

// ReadMessage reads one client message. Only a masked, unfragmented text
// frame is accepted; a well-formed close frame yields ErrClosed.
func ReadMessage(r io.Reader, maxPayload int64) ([]byte, error) {
	f, err := ReadFrame(r, maxPayload)
	if err != nil {
		return nil, err
	}
	switch {
	case f.RSV != 0:
		return nil, fmt.Errorf("%w: reserved bits set", ErrProtocol)
	case !f.Masked:
		return nil, fmt.Errorf("%w: unmasked client frame", ErrProtocol)
	}
	if f.Opcode&0x8 != 0 {
		// Control frames are never fragmented and carry at most 125 bytes.
		if !f.Fin {
			return nil, fmt.Errorf("%w: fragmented control frame", ErrProtocol)
		}
		if len(f.Payload) > maxControlPayload {
			return nil, fmt.Errorf("%w: control frame payload of %d bytes", ErrProtocol, len(f.Payload))
		}
	}
	switch {
	case f.Opcode == OpClose:
		return nil, ErrClosed
	case !f.Fin || f.Opcode == OpContinuation:
		return nil, fmt.Errorf("%w: fragmented messages are not supported", ErrProtocol)
	case f.Opcode != OpText:
		return nil, fmt.Errorf("%w: unsupported opcode 0x%x", ErrProtocol, f.Opcode)
	}
	return f.Payload, nil
}

// WriteClose sends a close frame with a status code.
func WriteClose(w io.Writer, code int) error {
	payload := binary.BigEndian.AppendUint16(nil, uint16(code))
	return WriteFrame(w, OpClose, payload, nil)
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
