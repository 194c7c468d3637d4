package pipeline

import (
	"context"
	"io"
	"log/slog"
	"net"

	"github.com/ruleflow/ruleflow/internal/codec"
	"github.com/ruleflow/ruleflow/internal/common"
	"github.com/ruleflow/ruleflow/internal/log"
	"github.com/ruleflow/ruleflow/internal/transproto"
)

// installCodecs gives req and res their lazy Decode/Encode accessors. Plugin
// pipes are dialed only when an accessor is used.
func (p *Pipeline) installCodecs(req *common.Request, res *common.Response) {
	req.SetCodec(
		func(ctx context.Context) (codec.Stage, io.Reader, error) {
			socket := p.pipe(req, "RequestReadPipe", func() (net.Conn, error) {
				return p.plugins.RequestReadPipe(ctx, req)
			})
			dec, down := newDecoder(&req.Message, socket)
			return dec, down, nil
		},
		func(ctx context.Context) (codec.Stage, error) {
			socket := p.pipe(req, "RequestWritePipe", func() (net.Conn, error) {
				return p.plugins.RequestWritePipe(ctx, req)
			})
			return newEncoder(&req.Message, nil, socket), nil
		},
	)
	if res == nil {
		return
	}
	if res.Req == nil {
		res.Req = req
	}
	res.SetCodec(
		func(ctx context.Context) (codec.Stage, io.Reader, error) {
			socket := p.pipe(req, "ResponseReadPipe", func() (net.Conn, error) {
				return p.plugins.ResponseReadPipe(ctx, req, res)
			})
			dec, down := newDecoder(&res.Message, socket)
			return dec, down, nil
		},
		func(ctx context.Context) (codec.Stage, error) {
			socket := p.pipe(req, "ResponseWritePipe", func() (net.Conn, error) {
				return p.plugins.ResponseWritePipe(ctx, req, res)
			})
			return newEncoder(&res.Message, req, socket), nil
		},
	)
}

// pipe opens a plugin socket. A failed dial is logged and the stream goes on
// without the plugin.
func (p *Pipeline) pipe(req *common.Request, op string, open func() (net.Conn, error)) net.Conn {
	if p.plugins == nil {
		return nil
	}
	conn, err := open()
	if err != nil {
		log.LogWarnWithReq(req, op, slog.Any("error", err))
		return nil
	}
	return conn
}

// newDecoder builds the inbound chain of msg. Wire bytes are written into
// decoder; plain bytes are read from downstream when a plugin socket is
// spliced in, otherwise from decoder. A nil decoder means pass-through.
func newDecoder(msg *common.Message, socket net.Conn) (decoder codec.Stage, downstream io.Reader) {
	encoding := msg.OriginEncoding
	if msg.NeedGunzip() || socket != nil || encoding != msg.ContentEncoding() {
		msg.MarkGunzip()
		decoder = codec.Decompressor(encoding)
	}
	if decoder != nil {
		decoder.OnError(msg.EmitError)
	}
	if socket == nil {
		return decoder, nil
	}

	msg.Header.Del("Content-Length")
	en := transproto.NewEncoder()
	de := transproto.NewDecoder()
	en.OnError(msg.EmitError)
	de.OnError(msg.EmitError)
	codec.Pipe(socket, en, msg.EmitError)
	codec.Pipe(de, socket, msg.EmitError)
	if decoder != nil {
		codec.Pipe(en, decoder, msg.EmitError)
	} else {
		decoder = en
	}
	return decoder, de
}

// newEncoder builds the outbound chain of msg. owner supplies the enable
// switches and is nil for requests. The result is nil when the body needs
// no re-encoding and no plugin socket is spliced in.
func newEncoder(msg *common.Message, owner *common.Request, socket net.Conn) codec.Stage {
	var target string
	switch {
	case owner != nil && owner.Enable.Gzip() && (msg.NeedGunzip() || msg.OriginEncoding == ""):
		target = "gzip"
		msg.Header.Set("Content-Encoding", "gzip")
	case msg.NeedGunzip():
		target = msg.ContentEncoding()
	}
	encoder := codec.Compressor(target)
	if encoder != nil {
		encoder.OnError(msg.EmitError)
		msg.Header.Del("Content-Length")
	}
	if socket == nil {
		return encoder
	}

	msg.Header.Del("Content-Length")
	en := transproto.NewEncoder()
	de := transproto.NewDecoder()
	en.OnError(msg.EmitError)
	de.OnError(msg.EmitError)
	codec.Pipe(socket, en, msg.EmitError)
	codec.Pipe(de, socket, msg.EmitError)
	var tail codec.Stage = de
	if encoder != nil {
		codec.Pipe(encoder, de, msg.EmitError)
		tail = encoder
	}
	exposed := codec.Splice(en, tail)
	msg.EmitBodyStreamReady(exposed)
	return exposed
}

// Transform runs body through the Decode and Encode accessors of msg and
// returns the reader of the final bytes. changed reports whether the body
// bytes may differ from the wire bytes.
func Transform(ctx context.Context, msg *common.Message, body io.Reader) (out io.Reader, changed bool, err error) {
	out = body
	decoder, downstream, err := msg.Decode(ctx)
	if err != nil {
		return nil, false, err
	}
	if decoder != nil {
		codec.Pipe(decoder, out, msg.EmitError)
		out = decoder
		if downstream != nil {
			out = downstream
		}
		changed = true
	}
	encoder, err := msg.Encode(ctx)
	if err != nil {
		return nil, false, err
	}
	if encoder != nil {
		codec.Pipe(encoder, out, msg.EmitError)
		out = encoder
		changed = true
	}
	return out, changed, nil
}
