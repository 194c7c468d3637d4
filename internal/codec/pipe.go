package codec

import (
	"io"
)

type closeWriter interface {
	CloseWrite() error
}

type errorCloser interface {
	CloseWithError(err error) error
}

// Pipe copies src into dst in the background and ends dst's input once src is
// drained. Sockets are half-closed so their read side stays usable.
func Pipe(dst io.Writer, src io.Reader, onErr func(error)) {
	go func() {
		_, err := io.Copy(dst, src)
		if err != nil {
			if ec, ok := dst.(errorCloser); ok {
				_ = ec.CloseWithError(err)
			}
			if ec, ok := src.(errorCloser); ok {
				_ = ec.CloseWithError(err)
			}
			if onErr != nil {
				onErr(err)
			}
			return
		}
		EndWrite(dst)
	}()
}

// EndWrite signals end of input on w.
func EndWrite(w io.Writer) {
	switch c := w.(type) {
	case closeWriter:
		_ = c.CloseWrite()
	case io.Closer:
		_ = c.Close()
	}
}

// Spliced exposes the writable head of one chain and the readable tail of
// another as a single Stage.
type Spliced struct {
	head Stage
	tail Stage
}

// Splice joins head and tail. Writes and Close go to head, reads come from tail.
func Splice(head, tail Stage) *Spliced {
	return &Spliced{head: head, tail: tail}
}

func (s *Spliced) Write(p []byte) (int, error) {
	return s.head.Write(p)
}

func (s *Spliced) Close() error {
	return s.head.Close()
}

func (s *Spliced) Read(p []byte) (int, error) {
	return s.tail.Read(p)
}

func (s *Spliced) CloseWithError(err error) error {
	_ = s.head.CloseWithError(err)
	return s.tail.CloseWithError(err)
}

func (s *Spliced) OnError(fn func(error)) {
	s.head.OnError(fn)
	if s.tail != s.head {
		s.tail.OnError(fn)
	}
}

// Head returns the segment that receives writes.
func (s *Spliced) Head() Stage {
	return s.head
}

// Tail returns the segment reads are served from.
func (s *Spliced) Tail() Stage {
	return s.tail
}
