package protocol

import (
	"encoding/binary"
	"errors"
	"io"
)

const (
	// MaxBodySize is the exclusive upper bound for an envelope body (10 MiB)
	MaxBodySize = 10 * 1024 * 1024

	// lengthPrefixSize is the size of the big-endian length prefix
	lengthPrefixSize = 4
)

var (
	ErrMessageTooLarge = errors.New("message body exceeds maximum size (10 MiB)")
	ErrTrailingData    = errors.New("trailing data after envelope")
)

// Envelope format: [Length (4 bytes, big-endian)][Body (Length bytes, UTF-8 JSON)]

// WriteFrame writes a length-prefixed body to the writer.
// The prefix and body go out in a single Write so that message-oriented
// transports (WebSocket, SSH channels) receive one envelope per write.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) >= MaxBodySize {
		return ErrMessageTooLarge
	}

	buf := make([]byte, lengthPrefixSize+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[lengthPrefixSize:], body)

	_, err := w.Write(buf)
	return err
}

// ReadFrame reads exactly one envelope body from the reader.
// Short reads are reassembled; io.EOF is returned only when the stream ends
// cleanly before the first prefix byte. A zero-length body yields an empty slice.
func ReadFrame(r io.Reader) ([]byte, error) {
	var prefix [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length >= MaxBodySize {
		return nil, ErrMessageTooLarge
	}

	body := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			if err == io.EOF {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}

	return body, nil
}
