// parse single request-line and header-field lines
// only parser logic, reading lines off the wire lives in runtime.go
package protocol

import (
	"bytes"
	"fmt"
	"net/textproto"
)

var (
	// available request methods
	availablem = [][]byte{
		[]byte("GET"),
		[]byte("HEAD"),
		[]byte("POST"),
		[]byte("PUT"),
		[]byte("PATCH"),
		[]byte("DELETE"),
		[]byte("OPTIONS"),
	}
)

// RequestLine is a parsed request line, strings are copied out of the read buffer
type RequestLine struct {
	Method   string
	Target   string
	Protocol string
}

// trim CRLF from the end of a raw line,
// bare LF is invalid same as in the header block
func trimCRLF(raw []byte) ([]byte, error) {
	n := len(raw)
	if n < 2 || raw[n-2] != '\r' || raw[n-1] != '\n' {
		return nil, fmt.Errorf("%w: line is not CRLF terminated", ErrInvalid)
	}
	return raw[:n-2], nil
}

// parse "METHOD SP TARGET SP PROTOCOL", line must not contain the CRLF
func parseRequestLine(line []byte) (RequestLine, error) {
	crs := 0

	// find a separator
	findsep := func(start int, sep byte) int {
		idx := bytes.IndexByte(line[start:], sep)
		if idx == -1 {
			return -1
		}
		return start + idx
	}

	// find request method
	sep := findsep(crs, ' ')
	if sep == -1 {
		return RequestLine{}, fmt.Errorf("%w: no method", ErrInvalid)
	}
	method := line[crs:sep]

	// check if request method is valid
	isvalid := false
	for _, me := range availablem {
		if bytes.Equal(me, method) {
			isvalid = true
			break
		}
	}
	if !isvalid {
		return RequestLine{}, fmt.Errorf("%w: unknown method %q", ErrInvalid, method)
	}
	crs = sep + 1

	// find request target
	sep = findsep(crs, ' ')
	if sep == -1 || sep == crs {
		return RequestLine{}, fmt.Errorf("%w: no target", ErrInvalid)
	}
	target := line[crs:sep]
	crs = sep + 1

	// protocol is the rest (basically HTTP/1.1)
	proto := line[crs:]
	if !bytes.HasPrefix(proto, []byte("HTTP/")) {
		return RequestLine{}, fmt.Errorf("%w: bad protocol %q", ErrInvalid, proto)
	}

	return RequestLine{
		Method:   string(method),
		Target:   string(target),
		Protocol: string(proto),
	}, nil
}

// parse "Name: value", name is canonicalized (content-length -> Content-Length)
// so callers can compare names as presented
func parseHeaderField(line []byte) (string, string, error) {
	coloni := bytes.IndexByte(line, ':')
	if coloni <= 0 {
		return "", "", fmt.Errorf("%w: malformed header", ErrInvalid)
	}

	key := line[:coloni]
	if bytes.ContainsAny(key, " \t") {
		return "", "", fmt.Errorf("%w: whitespace in header name %q", ErrInvalid, key)
	}
	val := bytes.Trim(line[coloni+1:], " \t")

	return textproto.CanonicalMIMEHeaderKey(string(key)), string(val), nil
}
