// Package message models HTTP requests and responses flowing through the
// filter pipeline, together with the body chunks streamed after them.
package message

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"edge-proxy-go/internal/reqctx"
)

// DefaultMaxBodySize is the body ceiling used when none is configured.
const DefaultMaxBodySize = 25 * 1000 * 1024

// ErrBodyTooLarge is returned when buffering would exceed a message's body ceiling.
var ErrBodyTooLarge = errors.New("message body exceeds maximum size")

// Component is one unit delivered through the pipeline: a *Request, a
// *Response or a *Content chunk. The set is closed.
type Component interface {
	Context() *reqctx.Context
	component()
}

// Message is the part shared by requests and responses.
type Message interface {
	Component
	Headers() *Headers
	Body() []byte
	HasBody() bool
	AddContent(b []byte) error
	MaxBodySize() int64
	BodyBuffered() bool
}

type base struct {
	ctx          *reqctx.Context
	headers      *Headers
	body         []byte
	maxBodySize  int64
	bodyBuffered bool
}

func newBase(ctx *reqctx.Context) base {
	return base{
		ctx:         ctx,
		headers:     NewHeaders(),
		maxBodySize: DefaultMaxBodySize,
	}
}

func (b *base) Context() *reqctx.Context { return b.ctx }
func (b *base) Headers() *Headers        { return b.headers }
func (b *base) Body() []byte             { return b.body }
func (b *base) HasBody() bool            { return len(b.body) > 0 }
func (b *base) MaxBodySize() int64       { return b.maxBodySize }

// BodyBuffered reports whether the whole body is held in memory, as opposed
// to being streamed as discrete chunks.
func (b *base) BodyBuffered() bool { return b.bodyBuffered }

func (b *base) SetBodyBuffered(v bool) { b.bodyBuffered = v }

func (b *base) SetMaxBodySize(n int64) { b.maxBodySize = n }

// SetHeaders replaces the header set.
func (b *base) SetHeaders(h *Headers) { b.headers = h }

// SetBody replaces the buffered body and marks it as fully buffered.
func (b *base) SetBody(body []byte) {
	b.body = body
	b.bodyBuffered = true
}

// AddContent appends a chunk to the buffered body.
func (b *base) AddContent(p []byte) error {
	if b.maxBodySize > 0 && int64(len(b.body)+len(p)) > b.maxBodySize {
		return fmt.Errorf("%w: %d > %d", ErrBodyTooLarge, len(b.body)+len(p), b.maxBodySize)
	}
	b.body = append(b.body, p...)
	return nil
}

// Request is an inbound HTTP request.
type Request struct {
	base

	Method   string
	Path     string
	Query    url.Values
	Protocol string
	Scheme   string
	Host     string
	ClientIP string
	Port     int
}

// NewRequest returns a request bound to ctx.
func NewRequest(ctx *reqctx.Context, method, path string) *Request {
	return &Request{
		base:   newBase(ctx),
		Method: method,
		Path:   path,
		Query:  make(url.Values),
	}
}

func (*Request) component() {}

// PathAndQuery returns the path with the encoded query appended.
func (r *Request) PathAndQuery() string {
	if len(r.Query) == 0 {
		return r.Path
	}
	return r.Path + "?" + r.Query.Encode()
}

func (r *Request) String() string {
	return fmt.Sprintf("%s %s", r.Method, r.PathAndQuery())
}

// Response is an HTTP response travelling back to the caller.
type Response struct {
	base

	status  int
	request *Request
	emitted bool

	inboundStatus  int
	inboundHeaders *Headers
}

// NewResponse returns a response to req with the given status.
func NewResponse(ctx *reqctx.Context, req *Request, status int) *Response {
	return &Response{
		base:    newBase(ctx),
		status:  status,
		request: req,
	}
}

func (*Response) component() {}

func (r *Response) Status() int          { return r.status }
func (r *Response) SetStatus(status int) { r.status = status }

// Request returns the request this response answers.
func (r *Response) Request() *Request { return r.request }

// Emitted reports whether the response head was already written downstream.
// Header changes made after that point never reach the caller.
func (r *Response) Emitted() bool { return r.emitted }

// MarkEmitted records that the response head has been written.
func (r *Response) MarkEmitted() { r.emitted = true }

// StoreInboundResponse snapshots the status and headers as received from the
// origin, for access logging after outbound filters have run.
func (r *Response) StoreInboundResponse() {
	r.inboundStatus = r.status
	r.inboundHeaders = r.headers.Clone()
}

// Inbound returns the snapshot taken by StoreInboundResponse.
func (r *Response) Inbound() (int, *Headers) {
	return r.inboundStatus, r.inboundHeaders
}

func (r *Response) String() string {
	return "HTTP " + strconv.Itoa(r.status)
}

// Content is one fragment of a message body.
type Content struct {
	msg  Message
	data []byte
	last bool
}

// NewContent returns a chunk of msg's body.
func NewContent(msg Message, data []byte, last bool) *Content {
	return &Content{msg: msg, data: data, last: last}
}

// EmptyLast returns the terminating chunk of a body-less message.
func EmptyLast(msg Message) *Content {
	return NewContent(msg, nil, true)
}

func (*Content) component() {}

func (c *Content) Context() *reqctx.Context { return c.msg.Context() }
func (c *Content) Message() Message         { return c.msg }
func (c *Content) Bytes() []byte            { return c.data }
func (c *Content) IsLast() bool             { return c.last }

// RequestOf returns the request a component belongs to: the request itself,
// the request a response answers, or the owner of a chunk's message.
func RequestOf(c Component) (*Request, error) {
	switch v := c.(type) {
	case *Request:
		return v, nil
	case *Response:
		if v.request == nil {
			return nil, errors.New("response has no request")
		}
		return v.request, nil
	case *Content:
		return RequestOf(v.msg)
	default:
		return nil, fmt.Errorf("unsupported message component %T", c)
	}
}
