// Package transproto frames body chunks exchanged with pipe plugins.
//
// Each chunk travels as a 4-byte big-endian length followed by the payload.
// A zero-length frame ends the stream; a bare EOF on a frame boundary is
// accepted as an end as well.
package transproto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/ruleflow/ruleflow/internal/codec"
)

const (
	headerSize = 4
	chunkSize  = 32 * 1024
	// MaxFrameSize bounds a single frame so a broken peer cannot force a huge allocation.
	MaxFrameSize = 16 * 1024 * 1024
)

var ErrFrameTooLarge = errors.New("transproto: frame too large")

// NewEncoder returns a stage that frames whatever is written to it.
func NewEncoder() codec.Stage {
	return codec.NewStage("transproto encode", encode)
}

// NewDecoder returns a stage that strips framing written to it.
func NewDecoder() codec.Stage {
	return codec.NewStage("transproto decode", decode)
}

func encode(dst io.Writer, src io.Reader) error {
	buf := make([]byte, headerSize+chunkSize)
	for {
		n, err := src.Read(buf[headerSize:])
		if n > 0 {
			binary.BigEndian.PutUint32(buf[:headerSize], uint32(n))
			if _, werr := dst.Write(buf[:headerSize+n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return err
		}
	}
	var end [headerSize]byte
	_, err := dst.Write(end[:])
	return err
}

func decode(dst io.Writer, src io.Reader) error {
	var header [headerSize]byte
	for {
		if _, err := io.ReadFull(src, header[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read frame header: %w", err)
		}
		size := binary.BigEndian.Uint32(header[:])
		if size == 0 {
			return nil
		}
		if size > MaxFrameSize {
			return ErrFrameTooLarge
		}
		if _, err := io.CopyN(dst, src, int64(size)); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return fmt.Errorf("read frame payload: %w", err)
		}
	}
}

// WriteFrame writes one framed chunk. A nil or empty p writes the end frame.
func WriteFrame(w io.Writer, p []byte) error {
	var header [headerSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(p)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if len(p) == 0 {
		return nil
	}
	_, err := w.Write(p)
	return err
}

// ReadFrame reads one framed chunk. It returns io.EOF on the end frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size == 0 {
		return nil, io.EOF
	}
	if size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	p := make([]byte, size)
	if _, err := io.ReadFull(r, p); err != nil {
		return nil, err
	}
	return p, nil
}
