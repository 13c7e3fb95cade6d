// Package peer implements the peer runtime (spec.md §4.6-4.7): the
// length-prefixed binary file-transfer protocol, tracker registration and
// heartbeating, and the sequential startup state machine.
package peer

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Protocol commands and handshake tokens (spec.md §6.3).
const (
	protocolV1   = "PROTOCOL_V1"
	cmdGetFile   = "GET_FILE"
	respSending  = "SENDING_FILE"
	respNotFound = "FILE_NOT_FOUND"
	respError    = "ERROR"
)

// writeUTF encodes s as a 2-byte big-endian length followed by its UTF-8
// bytes, matching the wire encoding spec.md §6.3 requires.
func writeUTF(w io.Writer, s string) error {
	b := []byte(s)
	if len(b) > 0xFFFF {
		return fmt.Errorf("peer: string too long for writeUTF: %d bytes", len(b))
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(b)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// readUTF reverses writeUTF.
func readUTF(r io.Reader) (string, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	buf := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", err
		}
	}
	return string(buf), nil
}

// writeLong writes a big-endian int64, the wire encoding for fileSize.
func writeLong(w io.Writer, v int64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	_, err := w.Write(buf[:])
	return err
}

// readLong reverses writeLong.
func readLong(r io.Reader) (int64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(buf[:])), nil
}
