package common

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/ruleflow/ruleflow/internal/urlutil"
)

// PipePorts are the plugin ports negotiated for each body direction. Zero
// means no plugin wants that stream.
type PipePorts struct {
	ReqRead  int `json:"reqReadPort,omitempty"`
	ReqWrite int `json:"reqWritePort,omitempty"`
	ResRead  int `json:"resReadPort,omitempty"`
	ResWrite int `json:"resWritePort,omitempty"`
}

// Request is the per-transaction request state owned by the pipeline.
type Request struct {
	Message

	ID         string
	Method     string
	Scheme     string
	Host       string
	Proto      string
	RemoteAddr string
	// URL is the path-only request target; change it with SetURL.
	URL     string
	CurURL  string
	FullURL string

	Rules       *Rules
	PluginRules RuleSource
	HeaderRules RuleSource
	Enable      EnableSet

	ActivePlugins   []string
	PipePlugin      string
	PipePluginPorts PipePorts

	// ReqBody is the decoded body, present only when the payload gate buffered it.
	ReqBody []byte
	HasBody bool
	Body    io.Reader

	Options *url.URL
}

// NewRequest builds pipeline state from a parsed HTTP request. rawHeaders is
// the wire header list with original spelling, if the transport captured it.
func NewRequest(req *http.Request, rawHeaders []string) *Request {
	scheme := "http"
	if req.TLS != nil {
		scheme = "https"
	}
	if req.URL != nil && req.URL.Scheme != "" {
		scheme = strings.ToLower(req.URL.Scheme)
	}
	host := req.Host
	if host == "" && req.URL != nil {
		host = req.URL.Host
	}
	path := "/"
	if req.URL != nil {
		path = req.URL.RequestURI()
	}
	r := &Request{
		Message: Message{
			Header:     req.Header.Clone(),
			RawHeaders: rawHeaders,
		},
		Method:     req.Method,
		Scheme:     scheme,
		Host:       host,
		Proto:      req.Proto,
		RemoteAddr: req.RemoteAddr,
		URL:        path,
		Rules:      NewRules(),
		Body:       req.Body,
	}
	if r.Header == nil {
		r.Header = http.Header{}
	}
	r.RefreshURL()
	return r
}

// RefreshURL recomputes CurURL and FullURL from URL.
func (r *Request) RefreshURL() {
	r.FullURL = urlutil.FullURL(r.Scheme, r.Host, r.URL)
	r.CurURL = r.FullURL
}

// SetURL replaces the path-only URL and refreshes the full URL projections.
func (r *Request) SetURL(u string) {
	r.URL = u
	r.RefreshURL()
}

// Hostname returns Host without its port.
func (r *Request) Hostname() string {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// BufferPayload materializes up to limit bytes of the body and returns them.
// The body stays readable in full afterwards. A zero limit only detects
// whether a body exists and materializes nothing.
func (r *Request) BufferPayload(limit int) ([]byte, bool, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, true, nil
	}
	if limit <= 0 {
		br := bufio.NewReaderSize(r.Body, 16)
		_, err := br.Peek(1)
		r.HasBody = err == nil
		r.Body = br
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, false, err
		}
		return nil, !r.HasBody, nil
	}

	buf := make([]byte, limit+1)
	n, err := io.ReadFull(r.Body, buf)
	complete := false
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		complete = true
		err = nil
	case err != nil:
		complete = false
	}
	data := buf[:n]
	r.HasBody = n > 0
	if complete {
		r.Body = io.NopCloser(strings.NewReader(string(data)))
		return data, true, nil
	}
	r.Body = io.MultiReader(strings.NewReader(string(data)), r.Body)
	if n > limit {
		data = data[:limit]
	}
	return data, false, err
}

func (r *Request) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", r.ID),
		slog.String("method", r.Method),
		slog.String("url", r.FullURL),
		slog.String("remote", r.RemoteAddr),
	)
}

// Response is the per-transaction response state. Req is a back-reference to
// the request it answers.
type Response struct {
	Message

	Req        *Request
	StatusCode int
	Status     string
	Proto      string
	Body       io.Reader
}

func NewResponse(req *Request) *Response {
	return &Response{
		Req:     req,
		Message: Message{Header: http.Header{}},
	}
}

// SetHeader installs the upstream header and freezes its Content-Encoding.
func (r *Response) SetHeader(h http.Header, rawHeaders []string) {
	r.Header = h
	r.RawHeaders = rawHeaders
	r.RawHeaderNames = RawHeaderNames(rawHeaders)
	r.CaptureOriginEncoding()
}

func (r *Response) LogValue() slog.Value {
	id := ""
	if r.Req != nil {
		id = r.Req.ID
	}
	return slog.GroupValue(
		slog.String("id", id),
		slog.Int("status", r.StatusCode),
	)
}
