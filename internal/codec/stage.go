package codec

import (
	"errors"
	"io"
	"sync"
)

// Stage is one segment of a body pipeline. Bytes written to it come out of
// Read transformed; Close ends the input side.
type Stage interface {
	io.Writer
	io.Closer
	io.Reader
	CloseWithError(err error) error
	OnError(fn func(error))
}

// TransformFunc moves bytes from src to dst. It runs in the stage's own goroutine.
type TransformFunc func(dst io.Writer, src io.Reader) error

type errorHub struct {
	mu       sync.Mutex
	handlers []func(error)
	pending  []error
}

// OnError registers fn. Errors raised before any handler was registered are
// delivered to the first one.
func (h *errorHub) OnError(fn func(error)) {
	if fn == nil {
		return
	}
	h.mu.Lock()
	h.handlers = append(h.handlers, fn)
	pending := h.pending
	h.pending = nil
	h.mu.Unlock()
	for _, err := range pending {
		fn(err)
	}
}

func (h *errorHub) emit(err error) {
	h.mu.Lock()
	handlers := make([]func(error), len(h.handlers))
	copy(handlers, h.handlers)
	if len(handlers) == 0 {
		h.pending = append(h.pending, err)
	}
	h.mu.Unlock()
	for _, fn := range handlers {
		fn(err)
	}
}

type pipeStage struct {
	errorHub
	name string
	inR  *io.PipeReader
	inW  *io.PipeWriter
	outR *io.PipeReader
	outW *io.PipeWriter
}

// NewStage starts transform between an input and an output pipe.
func NewStage(name string, transform TransformFunc) Stage {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	s := &pipeStage{
		name: name,
		inR:  inR,
		inW:  inW,
		outR: outR,
		outW: outW,
	}
	go s.run(transform)
	return s
}

func (s *pipeStage) run(transform TransformFunc) {
	if err := transform(s.outW, s.inR); err != nil {
		if errors.Is(err, io.ErrClosedPipe) {
			_ = s.inR.CloseWithError(err)
			_ = s.outW.CloseWithError(err)
			return
		}
		err = &StageError{Stage: s.name, Err: err}
		_ = s.inR.CloseWithError(err)
		_ = s.outW.CloseWithError(err)
		s.emit(err)
		return
	}
	_ = s.outW.Close()
	// trailing input after the transform finished is discarded so writers never block
	_, _ = io.Copy(io.Discard, s.inR)
}

func (s *pipeStage) Write(p []byte) (int, error) {
	return s.inW.Write(p)
}

func (s *pipeStage) Close() error {
	return s.inW.Close()
}

func (s *pipeStage) Read(p []byte) (int, error) {
	return s.outR.Read(p)
}

func (s *pipeStage) CloseWithError(err error) error {
	_ = s.inW.CloseWithError(err)
	return s.outR.CloseWithError(err)
}

// StageError reports a failure inside a named stage.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return e.Stage + ": " + e.Err.Error()
}

func (e *StageError) Unwrap() error {
	return e.Err
}
