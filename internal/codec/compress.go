package codec

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

const (
	EncodingGzip    = "gzip"
	EncodingDeflate = "deflate"
	EncodingBrotli  = "br"
	EncodingZstd    = "zstd"
)

// Normalize maps a Content-Encoding value to its canonical coding name.
func Normalize(encoding string) string {
	e := strings.ToLower(strings.TrimSpace(encoding))
	switch e {
	case "x-gzip":
		return EncodingGzip
	case "identity":
		return ""
	}
	return e
}

// Supported reports whether encoding has a codec.
func Supported(encoding string) bool {
	switch Normalize(encoding) {
	case EncodingGzip, EncodingDeflate, EncodingBrotli, EncodingZstd:
		return true
	}
	return false
}

// Decompressor returns a stage turning encoded bytes into plain ones, or nil
// when encoding is empty or unknown.
func Decompressor(encoding string) Stage {
	fn := decompressFunc(Normalize(encoding))
	if fn == nil {
		return nil
	}
	return NewStage("decompress "+Normalize(encoding), fn)
}

// Compressor returns a stage turning plain bytes into encoded ones, or nil
// when encoding is empty or unknown.
func Compressor(encoding string) Stage {
	fn := compressFunc(Normalize(encoding))
	if fn == nil {
		return nil
	}
	return NewStage("compress "+Normalize(encoding), fn)
}

// Decode decompresses a fully buffered body.
func Decode(encoding string, data []byte) ([]byte, error) {
	fn := decompressFunc(Normalize(encoding))
	if fn == nil {
		return data, nil
	}
	var buf bytes.Buffer
	if err := fn(&buf, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("decode %s: %w", encoding, err)
	}
	return buf.Bytes(), nil
}

// Encode compresses a fully buffered body.
func Encode(encoding string, data []byte) ([]byte, error) {
	fn := compressFunc(Normalize(encoding))
	if fn == nil {
		return data, nil
	}
	var buf bytes.Buffer
	if err := fn(&buf, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("encode %s: %w", encoding, err)
	}
	return buf.Bytes(), nil
}

func decompressFunc(encoding string) TransformFunc {
	switch encoding {
	case EncodingGzip:
		return gunzip
	case EncodingDeflate:
		return inflate
	case EncodingBrotli:
		return func(dst io.Writer, src io.Reader) error {
			_, err := io.Copy(dst, brotli.NewReader(src))
			return err
		}
	case EncodingZstd:
		return func(dst io.Writer, src io.Reader) error {
			zr, err := zstd.NewReader(src)
			if err != nil {
				return err
			}
			defer zr.Close()
			_, err = io.Copy(dst, zr)
			return err
		}
	}
	return nil
}

func compressFunc(encoding string) TransformFunc {
	switch encoding {
	case EncodingGzip:
		return func(dst io.Writer, src io.Reader) error {
			return compressWith(gzip.NewWriter(dst), src)
		}
	case EncodingDeflate:
		return func(dst io.Writer, src io.Reader) error {
			return compressWith(zlib.NewWriter(dst), src)
		}
	case EncodingBrotli:
		return func(dst io.Writer, src io.Reader) error {
			return compressWith(brotli.NewWriter(dst), src)
		}
	case EncodingZstd:
		return func(dst io.Writer, src io.Reader) error {
			zw, err := zstd.NewWriter(dst)
			if err != nil {
				return err
			}
			return compressWith(zw, src)
		}
	}
	return nil
}

func compressWith(w io.WriteCloser, src io.Reader) error {
	if _, err := io.Copy(w, src); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func gunzip(dst io.Writer, src io.Reader) error {
	zr, err := gzip.NewReader(src)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	defer zr.Close()
	_, err = io.Copy(dst, zr)
	return err
}

// inflate accepts both zlib-wrapped data (what "deflate" means on the wire)
// and bare deflate streams sent by non-conformant servers.
func inflate(dst io.Writer, src io.Reader) error {
	br := bufio.NewReader(src)
	head, err := br.Peek(2)
	if err != nil {
		if errors.Is(err, io.EOF) && len(head) == 0 {
			return nil
		}
		if !errors.Is(err, io.EOF) {
			return err
		}
	}
	var r io.ReadCloser
	if len(head) == 2 && isZlibHeader(head[0], head[1]) {
		if r, err = zlib.NewReader(br); err != nil {
			return err
		}
	} else {
		r = flate.NewReader(br)
	}
	defer r.Close()
	_, err = io.Copy(dst, r)
	return err
}

func isZlibHeader(cmf, flg byte) bool {
	return cmf&0x0f == 8 && (uint16(cmf)<<8|uint16(flg))%31 == 0
}
