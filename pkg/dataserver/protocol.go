package dataserver

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Wire protocol: every request starts with a one-byte opcode. Integers
// are big-endian. Strings and payloads are length-prefixed.
//
//	read request:   op=1 | blockID int64 | offset int64 | length int64
//	write request:  op=2 | blockID int64 | sessionID str16 | payload bytes64
//	response:       status byte | body bytes64
//
// A zero status carries block bytes (read) or nothing (write); a nonzero
// status carries an error message.
const (
	OpRead  byte = 1
	OpWrite byte = 2

	StatusOK    byte = 0
	StatusError byte = 1

	// MaxFrameBytes bounds a single payload so a misbehaving client
	// cannot make the server allocate unbounded memory.
	MaxFrameBytes = 256 << 20
)

type readRequest struct {
	BlockID int64
	Offset  int64
	Length  int64
}

type writeRequest struct {
	BlockID   int64
	SessionID string
	Payload   []byte
}

func readInt64(r io.Reader) (int64, error) {
	var v int64
	err := binary.Read(r, binary.BigEndian, &v)
	return v, err
}

func writeInt64(w io.Writer, v int64) error {
	return binary.Write(w, binary.BigEndian, v)
}

func readString16(r io.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeString16(w io.Writer, s string) error {
	if len(s) > int(^uint16(0)) {
		return fmt.Errorf("string too long for frame: %d bytes", len(s))
	}
	if err := binary.Write(w, binary.BigEndian, uint16(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readBytes64(r io.Reader) ([]byte, error) {
	n, err := readInt64(r)
	if err != nil {
		return nil, err
	}
	if n < 0 || n > MaxFrameBytes {
		return nil, fmt.Errorf("frame length %d out of range", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeBytes64(w io.Writer, p []byte) error {
	if err := writeInt64(w, int64(len(p))); err != nil {
		return err
	}
	_, err := w.Write(p)
	return err
}

func decodeReadRequest(r io.Reader) (readRequest, error) {
	var req readRequest
	var err error
	if req.BlockID, err = readInt64(r); err != nil {
		return req, err
	}
	if req.Offset, err = readInt64(r); err != nil {
		return req, err
	}
	req.Length, err = readInt64(r)
	return req, err
}

func decodeWriteRequest(r io.Reader) (writeRequest, error) {
	var req writeRequest
	var err error
	if req.BlockID, err = readInt64(r); err != nil {
		return req, err
	}
	if req.SessionID, err = readString16(r); err != nil {
		return req, err
	}
	req.Payload, err = readBytes64(r)
	return req, err
}

func writeResponse(w *bufio.Writer, status byte, body []byte) error {
	if err := w.WriteByte(status); err != nil {
		return err
	}
	if err := writeBytes64(w, body); err != nil {
		return err
	}
	return w.Flush()
}
