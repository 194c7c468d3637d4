package codec

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/flate"
)

func runStage(t *testing.T, s Stage, input []byte) ([]byte, error) {
	t.Helper()
	go func() {
		_, _ = s.Write(input)
		_ = s.Close()
	}()
	return io.ReadAll(s)
}

func TestStageRoundTrip(t *testing.T) {
	payload := []byte(strings.Repeat("ruleflow body payload ", 512))

	for _, enc := range []string{EncodingGzip, EncodingDeflate, EncodingBrotli, EncodingZstd, "X-GZIP"} {
		t.Run(enc, func(t *testing.T) {
			compressed, err := runStage(t, Compressor(enc), payload)
			if err != nil {
				t.Fatalf("compress: %v", err)
			}
			if bytes.Equal(compressed, payload) {
				t.Fatalf("compressed output equals input")
			}
			plain, err := runStage(t, Decompressor(enc), compressed)
			if err != nil {
				t.Fatalf("decompress: %v", err)
			}
			if !bytes.Equal(plain, payload) {
				t.Fatalf("round trip mismatch: got %d bytes, want %d", len(plain), len(payload))
			}
		})
	}
}

func TestUnknownEncodingHasNoStage(t *testing.T) {
	for _, enc := range []string{"", "identity", "compress", "snappy"} {
		if Decompressor(enc) != nil {
			t.Errorf("Decompressor(%q) should be nil", enc)
		}
		if Compressor(enc) != nil {
			t.Errorf("Compressor(%q) should be nil", enc)
		}
		if Supported(enc) {
			t.Errorf("Supported(%q) = true", enc)
		}
	}
}

func TestGzipIsDeterministic(t *testing.T) {
	payload := []byte("same input, same bytes")
	a, err := Encode(EncodingGzip, payload)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	b, err := Encode(EncodingGzip, payload)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatal("gzip output differs between runs")
	}
}

func TestDeflateAcceptsRawStream(t *testing.T) {
	var buf bytes.Buffer
	fw, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		t.Fatalf("flate.NewWriter: %v", err)
	}
	_, _ = fw.Write([]byte("raw deflate"))
	_ = fw.Close()

	plain, err := Decode(EncodingDeflate, buf.Bytes())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if string(plain) != "raw deflate" {
		t.Fatalf("got %q", plain)
	}
}

func TestEmptyGzipBody(t *testing.T) {
	plain, err := Decode(EncodingGzip, nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(plain) != 0 {
		t.Fatalf("got %q, want empty", plain)
	}
}

func TestStageErrorReachesLateHandler(t *testing.T) {
	s := Decompressor(EncodingGzip)
	_, err := runStage(t, s, []byte("definitely not gzip"))
	if err == nil {
		t.Fatal("expected read error")
	}

	got := make(chan error, 1)
	s.OnError(func(err error) { got <- err })
	select {
	case err := <-got:
		var se *StageError
		if !errors.As(err, &se) {
			t.Fatalf("error %T is not a StageError", err)
		}
		if se.Stage != "decompress gzip" {
			t.Errorf("Stage = %q", se.Stage)
		}
	case <-time.After(time.Second):
		t.Fatal("error was not delivered")
	}
}

func TestSpliceRoutesThroughTail(t *testing.T) {
	head := NewStage("upper", func(dst io.Writer, src io.Reader) error {
		data, err := io.ReadAll(src)
		if err != nil {
			return err
		}
		_, err = dst.Write(bytes.ToUpper(data))
		return err
	})
	tail := Compressor(EncodingGzip)
	Pipe(tail, head, nil)

	s := Splice(head, tail)
	compressed, err := runStage(t, s, []byte("spliced"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	plain, err := Decode(EncodingGzip, compressed)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if string(plain) != "SPLICED" {
		t.Fatalf("got %q", plain)
	}
}
