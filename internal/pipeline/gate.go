package pipeline

import (
	"context"
	"log/slog"

	"github.com/ruleflow/ruleflow/internal/codec"
	"github.com/ruleflow/ruleflow/internal/common"
	"github.com/ruleflow/ruleflow/internal/log"
)

// payloadLimit returns how much of the request body must be buffered before
// rule resolution, or -1 when the body is streamed untouched.
func (p *Pipeline) payloadLimit(req *common.Request) int {
	hasFilter := p.rules != nil && p.rules.HasBodyFilter(req)
	if !hasFilter && req.PipePluginPorts.ReqRead == 0 {
		return -1
	}
	if hasFilter {
		return p.maxPayloadSize
	}
	if p.rules != nil && p.rules.HasReqScript(req) {
		return 0
	}
	return p.maxPayloadSize
}

func (p *Pipeline) gate(ctx context.Context, req *common.Request) {
	ports := req.PipePluginPorts
	if ports.ReqRead != 0 || ports.ReqWrite != 0 {
		req.Header.Del("Content-Length")
	}
	limit := p.payloadLimit(req)
	if limit < 0 {
		return
	}
	req.MarkGunzip()

	data, complete, err := req.BufferPayload(limit)
	if err != nil {
		log.LogWarnWithReq(req, "BufferPayload", slog.Any("error", err))
	}
	if len(data) == 0 || ctx.Err() != nil {
		return
	}
	if complete && codec.Supported(req.OriginEncoding) {
		decoded, err := codec.Decode(req.OriginEncoding, data)
		if err != nil {
			log.LogDebugWithReq(req, "request body kept encoded", slog.String("encoding", req.OriginEncoding), slog.Any("error", err))
		} else {
			data = decoded
		}
	}
	req.ReqBody = data
}
