package transproto

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func pump(t *testing.T, w io.WriteCloser, data []byte) {
	t.Helper()
	go func() {
		_, _ = w.Write(data)
		_ = w.Close()
	}()
}

func TestEncodeDecode(t *testing.T) {
	payload := []byte(strings.Repeat("0123456789", 10000))

	enc := NewEncoder()
	pump(t, enc, payload)
	framed, err := io.ReadAll(enc)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(framed) <= len(payload) {
		t.Fatalf("framed size %d should exceed payload size %d", len(framed), len(payload))
	}
	if !bytes.HasSuffix(framed, []byte{0, 0, 0, 0}) {
		t.Fatal("missing end frame")
	}

	dec := NewDecoder()
	pump(t, dec, framed)
	plain, err := io.ReadAll(dec)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(plain, payload) {
		t.Fatal("payload mismatch")
	}
}

func TestDecodeWithoutEndFrame(t *testing.T) {
	var buf bytes.Buffer
	_ = WriteFrame(&buf, []byte("hello "))
	_ = WriteFrame(&buf, []byte("plugin"))

	dec := NewDecoder()
	pump(t, dec, buf.Bytes())
	plain, err := io.ReadAll(dec)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(plain) != "hello plugin" {
		t.Fatalf("got %q", plain)
	}
}

func TestDecodeTruncatedFrame(t *testing.T) {
	var buf bytes.Buffer
	_ = WriteFrame(&buf, []byte("truncated payload"))
	data := buf.Bytes()[:buf.Len()-3]

	dec := NewDecoder()
	pump(t, dec, data)
	if _, err := io.ReadAll(dec); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("err = %v, want ErrUnexpectedEOF", err)
	}
}

func TestReadFrame(t *testing.T) {
	var buf bytes.Buffer
	_ = WriteFrame(&buf, []byte("a"))
	_ = WriteFrame(&buf, nil)

	p, err := ReadFrame(&buf)
	if err != nil || string(p) != "a" {
		t.Fatalf("ReadFrame = %q, %v", p, err)
	}
	if _, err := ReadFrame(&buf); !errors.Is(err, io.EOF) {
		t.Fatalf("end frame err = %v, want io.EOF", err)
	}
}

func TestFrameTooLarge(t *testing.T) {
	header := []byte{0xff, 0xff, 0xff, 0xff}
	if _, err := ReadFrame(bytes.NewReader(header)); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("err = %v, want ErrFrameTooLarge", err)
	}
}
