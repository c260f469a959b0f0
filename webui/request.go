// Package webui is the HTTP control surface: request-line parsing, the
// route table and response serialisation. Transport lives with the platform
// glue; this package only sees raw request bytes.
package webui

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
)

var (
	// ErrMalformedRequest is returned for a request line that cannot be parsed.
	ErrMalformedRequest = errors.New("webui: malformed request")
	// ErrIncomplete is returned while the request head has not fully arrived.
	ErrIncomplete = errors.New("webui: incomplete request")
)

// Request is the part of an HTTP request the router needs.
type Request struct {
	Method string
	Path   string
	Query  url.Values
}

// Has reports whether the query carries key, even with an empty value.
func (r Request) Has(key string) bool {
	return r.Query.Has(key)
}

// Param returns the first value for key.
func (r Request) Param(key string) string {
	return r.Query.Get(key)
}

var headEnd = []byte("\r\n\r\n")

// HeadComplete reports whether raw contains the full request head.
func HeadComplete(raw []byte) bool {
	return bytes.Contains(raw, headEnd)
}

// ParseRequest extracts method, path and query from the request line of raw.
// Headers and body are ignored.
func ParseRequest(raw []byte) (Request, error) {
	eol := bytes.IndexByte(raw, '\n')
	if eol < 0 {
		return Request{}, ErrIncomplete
	}
	line := bytes.TrimRight(raw[:eol], "\r")

	method, rest, ok := bytes.Cut(line, []byte{' '})
	if !ok || len(method) == 0 {
		return Request{}, fmt.Errorf("%w: no method", ErrMalformedRequest)
	}
	target, proto, ok := bytes.Cut(rest, []byte{' '})
	if !ok || !bytes.HasPrefix(proto, []byte("HTTP/")) {
		return Request{}, fmt.Errorf("%w: bad protocol", ErrMalformedRequest)
	}
	if len(target) == 0 || target[0] != '/' {
		return Request{}, fmt.Errorf("%w: bad target", ErrMalformedRequest)
	}

	u, err := url.ParseRequestURI(string(target))
	if err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	query, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	return Request{Method: string(method), Path: u.Path, Query: query}, nil
}
