package message

import "net/http"

// DefaultErrorStatus is the status of the fallback error response.
const DefaultErrorStatus = http.StatusInternalServerError

// DefaultErrorResponse builds the conservative response sent when proxying
// fails. It never copies anything from the origin and never touches req, so
// calling it repeatedly yields independent, identical responses.
func DefaultErrorResponse(req *Request) *Response {
	resp := NewResponse(req.Context(), req, DefaultErrorStatus)
	resp.Headers().Set("Content-Length", "0")
	resp.SetBody(nil)
	return resp
}
