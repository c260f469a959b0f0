package webui

import (
	"io"
	"strconv"
)

// Content types served by the router.
const (
	ContentHTML = "text/html; charset=utf-8"
	ContentJSON = "application/json"
	ContentText = "text/plain; charset=utf-8"
)

// Response is a complete HTTP response. Connections are always closed after
// one response.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// Text returns a plain-text response.
func Text(status int, body string) Response {
	return Response{Status: status, ContentType: ContentText, Body: []byte(body)}
}

// JSON returns a JSON response.
func JSON(body []byte) Response {
	return Response{Status: 200, ContentType: ContentJSON, Body: body}
}

// HTML returns an HTML response.
func HTML(body []byte) Response {
	return Response{Status: 200, ContentType: ContentHTML, Body: body}
}

func statusText(code int) string {
	switch code {
	case 200:
		return "OK"
	case 400:
		return "Bad Request"
	case 404:
		return "Not Found"
	case 405:
		return "Method Not Allowed"
	case 500:
		return "Internal Server Error"
	case 503:
		return "Service Unavailable"
	default:
		return "Status"
	}
}

// WriteTo serialises the response as HTTP/1.1.
func (r Response) WriteTo(w io.Writer) (int64, error) {
	var hdr [160]byte
	h := hdr[:0]
	h = append(h, "HTTP/1.1 "...)
	h = strconv.AppendInt(h, int64(r.Status), 10)
	h = append(h, ' ')
	h = append(h, statusText(r.Status)...)
	h = append(h, "\r\nContent-Type: "...)
	h = append(h, r.ContentType...)
	h = append(h, "\r\nContent-Length: "...)
	h = strconv.AppendInt(h, int64(len(r.Body)), 10)
	h = append(h, "\r\nConnection: close\r\n\r\n"...)

	n, err := w.Write(h)
	total := int64(n)
	if err != nil {
		return total, err
	}
	n, err = w.Write(r.Body)
	total += int64(n)
	return total, err
}
