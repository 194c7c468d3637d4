package common

import (
	"context"
	"io"
	"net/http"
	"sync"

	"github.com/ruleflow/ruleflow/internal/codec"
)

// DecodeFunc builds the inbound pipeline: wire bytes are written into decoder,
// plain bytes are read from socket when a plugin is spliced in, otherwise from
// decoder itself. A nil decoder means the body passes through untouched.
type DecodeFunc func(ctx context.Context) (decoder codec.Stage, socket io.Reader, err error)

// EncodeFunc builds the outbound pipeline. A nil encoder means no re-encoding.
type EncodeFunc func(ctx context.Context) (encoder codec.Stage, err error)

// Message is the state shared by requests and responses.
type Message struct {
	Emitter

	Header         http.Header
	RawHeaders     []string
	RawHeaderNames map[string]string
	// OriginEncoding is the Content-Encoding seen when the message entered
	// the pipeline. It never changes afterwards.
	OriginEncoding string

	originCaptured bool
	needGunzip     bool

	codecMu    sync.Mutex
	decodeFn   DecodeFunc
	encodeFn   EncodeFunc
	decodeUsed bool
	encodeUsed bool
}

// CaptureOriginEncoding freezes the current Content-Encoding. Only the first
// call has an effect.
func (m *Message) CaptureOriginEncoding() {
	if m.originCaptured {
		return
	}
	m.originCaptured = true
	m.OriginEncoding = m.ContentEncoding()
}

func (m *Message) ContentEncoding() string {
	if m.Header == nil {
		return ""
	}
	return m.Header.Get("Content-Encoding")
}

// MarkGunzip records that the body must be presented decompressed. The flag
// is sticky.
func (m *Message) MarkGunzip() {
	m.needGunzip = true
}

func (m *Message) NeedGunzip() bool {
	return m.needGunzip
}

// SetCodec installs the lazily built pipeline accessors.
func (m *Message) SetCodec(decode DecodeFunc, encode EncodeFunc) {
	m.codecMu.Lock()
	defer m.codecMu.Unlock()
	m.decodeFn = decode
	m.encodeFn = encode
	m.decodeUsed = false
	m.encodeUsed = false
}

// Decode builds the inbound pipeline. It may be called once.
func (m *Message) Decode(ctx context.Context) (codec.Stage, io.Reader, error) {
	m.codecMu.Lock()
	fn := m.decodeFn
	if fn == nil {
		m.codecMu.Unlock()
		return nil, nil, ErrCodecNotReady
	}
	if m.decodeUsed {
		m.codecMu.Unlock()
		return nil, nil, ErrCodecConsumed
	}
	m.decodeUsed = true
	m.codecMu.Unlock()
	return fn(ctx)
}

// Encode builds the outbound pipeline. It may be called once.
func (m *Message) Encode(ctx context.Context) (codec.Stage, error) {
	m.codecMu.Lock()
	fn := m.encodeFn
	if fn == nil {
		m.codecMu.Unlock()
		return nil, ErrCodecNotReady
	}
	if m.encodeUsed {
		m.codecMu.Unlock()
		return nil, ErrCodecConsumed
	}
	m.encodeUsed = true
	m.codecMu.Unlock()
	return fn(ctx)
}

// Emitter carries the error and body-stream-ready events of a message.
type Emitter struct {
	mu            sync.Mutex
	errHandlers   []func(error)
	pendingErrs   []error
	readyHandlers []func(codec.Stage)
	readyStream   codec.Stage
	readyFired    bool
}

// OnError registers fn. Errors emitted before the first registration are
// replayed to it.
func (e *Emitter) OnError(fn func(error)) {
	e.mu.Lock()
	e.errHandlers = append(e.errHandlers, fn)
	pending := e.pendingErrs
	e.pendingErrs = nil
	e.mu.Unlock()
	for _, err := range pending {
		fn(err)
	}
}

func (e *Emitter) EmitError(err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	handlers := make([]func(error), len(e.errHandlers))
	copy(handlers, e.errHandlers)
	if len(handlers) == 0 {
		e.pendingErrs = append(e.pendingErrs, err)
	}
	e.mu.Unlock()
	for _, fn := range handlers {
		fn(err)
	}
}

// OnBodyStreamReady registers fn. If the stream is already ready fn runs at once.
func (e *Emitter) OnBodyStreamReady(fn func(codec.Stage)) {
	e.mu.Lock()
	if e.readyFired {
		s := e.readyStream
		e.mu.Unlock()
		fn(s)
		return
	}
	e.readyHandlers = append(e.readyHandlers, fn)
	e.mu.Unlock()
}

// EmitBodyStreamReady notifies listeners once; later calls are ignored.
func (e *Emitter) EmitBodyStreamReady(s codec.Stage) {
	e.mu.Lock()
	if e.readyFired {
		e.mu.Unlock()
		return
	}
	e.readyFired = true
	e.readyStream = s
	handlers := e.readyHandlers
	e.readyHandlers = nil
	e.mu.Unlock()
	for _, fn := range handlers {
		fn(s)
	}
}
