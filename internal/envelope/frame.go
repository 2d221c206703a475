package envelope

import (
	"encoding/binary"
	"io"

	"github.com/agentbook/agentbook/internal/apperr"
)

// lengthPrefixSize is the size of the big-endian frame length prefix.
const lengthPrefixSize = 4

// WriteFrame writes body with a 4-byte big-endian length prefix (spec
// §6.1). Encode already rejects bodies over MaxEnvelopeSize, but WriteFrame
// re-checks so it is safe to call on any byte slice a caller assembles.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > MaxEnvelopeSize {
		return apperr.New(apperr.PayloadTooLarge, "frame exceeds maximum size")
	}
	var header [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return apperr.Wrap(apperr.Transport, "write frame header", err)
	}
	if _, err := w.Write(body); err != nil {
		return apperr.Wrap(apperr.Transport, "write frame body", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r. A declared length over
// MaxEnvelopeSize yields apperr.PayloadTooLarge; per spec §9(b) the caller
// must still drain and discard the oversized body rather than close the
// connection, which ReadFrame does before returning the error.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, apperr.Wrap(apperr.Transport, "read frame header", err)
	}
	length := binary.BigEndian.Uint32(header[:])

	if length > MaxEnvelopeSize {
		if _, err := io.CopyN(io.Discard, r, int64(length)); err != nil {
			return nil, apperr.Wrap(apperr.Transport, "discard oversized frame", err)
		}
		return nil, apperr.New(apperr.PayloadTooLarge, "frame exceeds maximum size")
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, apperr.Wrap(apperr.Transport, "read frame body", err)
	}
	return body, nil
}
