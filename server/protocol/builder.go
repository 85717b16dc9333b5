package protocol

import "strconv"

// reason phrases for the statuses a session can end with, anything else needs an explicit one
func reasonPhrase(code int) string {
	switch code {
	case 200:
		return "OK"
	case 400:
		return "Bad Request"
	case 408:
		return "Request Timeout"
	case 413:
		return "Content Too Large"
	case 500:
		return "Internal Server Error"
	case 503:
		return "Service Unavailable"
	}
	return ""
}

// Header is a response header field
type Header struct {
	Key, Val []byte
}

// headers sent w every status, there is never a response body and never a second request
var statusHeaders = []Header{
	{Key: []byte("Content-Length"), Val: []byte("0")},
	{Key: []byte("Connection"), Val: []byte("close")},
}

// AppendStatus appends a status line and header block to dst.
// An empty reason takes the standard phrase if there is one, codes outside 100-599 become 500.
func AppendStatus(dst []byte, code int, reason string, headers ...Header) []byte {
	if code < 100 || code > 599 {
		code, reason = 500, ""
	}
	if reason == "" {
		reason = reasonPhrase(code)
	}

	dst = append(dst, "HTTP/1.1 "...)
	dst = strconv.AppendUint(dst, uint64(code), 10)
	if reason != "" {
		dst = append(dst, ' ')
		dst = append(dst, reason...)
	}
	dst = append(dst, "\r\n"...)

	for _, h := range headers {
		dst = append(dst, h.Key...)
		dst = append(dst, ": "...)
		dst = append(dst, h.Val...)
		dst = append(dst, "\r\n"...)
	}

	return append(dst, "\r\n"...)
}
