package gossip

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Frame flag bits (spec.md §6.1).
const (
	flagCompressed byte = 1 << 0
)

// compressionThreshold is the serialized-size cutoff above which the
// transport attempts compression; spec.md §4.3 requires >1KiB.
const compressionThreshold = 1024

// compressionMinGain is the minimum fractional size reduction required to
// keep a compressed payload over the uncompressed one (spec.md §4.3: 10%).
const compressionMinGain = 0.10

// encodeMessage serializes msg to its canonical JSON encoding, and
// opportunistically compresses it per spec.md §4.3, returning the payload
// bytes and whether flagCompressed should be set.
func encodeMessage(msg Message) (payload []byte, compressed bool, err error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, false, fmt.Errorf("gossip: marshal message: %w", err)
	}
	if len(raw) <= compressionThreshold {
		return raw, false, nil
	}

	packed, err := deflate(raw)
	if err != nil {
		// Compression is an optimization; a failure here must not block
		// delivery of the message.
		return raw, false, nil
	}
	if float64(len(raw)-len(packed)) < compressionMinGain*float64(len(raw)) {
		return raw, false, nil
	}
	return packed, true, nil
}

// decodeMessage reverses encodeMessage given the flags byte read from the
// frame header.
func decodeMessage(payload []byte, compressed bool) (Message, error) {
	raw := payload
	if compressed {
		var err error
		raw, err = inflate(payload)
		if err != nil {
			return Message{}, fmt.Errorf("gossip: inflate message: %w", err)
		}
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("gossip: unmarshal message: %w", err)
	}
	return msg, nil
}

func deflate(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func inflate(packed []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(packed))
	defer r.Close()
	return io.ReadAll(r)
}

// writeFrame writes the uint32 length || uint8 flags || payload frame
// spec.md §6.1 defines to w.
func writeFrame(w io.Writer, msg Message) error {
	payload, compressed, err := encodeMessage(msg)
	if err != nil {
		return err
	}

	var flags byte
	if compressed {
		flags |= flagCompressed
	}

	header := make([]byte, 5)
	binary.BigEndian.PutUint32(header[0:4], uint32(len(payload)))
	header[4] = flags

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("gossip: write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("gossip: write frame payload: %w", err)
	}
	return nil
}

// readFrame reads one frame from r and decodes its message.
func readFrame(r io.Reader) (Message, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return Message{}, err
	}
	length := binary.BigEndian.Uint32(header[0:4])
	flags := header[4]

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Message{}, fmt.Errorf("gossip: read frame payload: %w", err)
	}

	return decodeMessage(payload, flags&flagCompressed != 0)
}
