package protocol

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func BenchmarkAppendStatus(b *testing.B) {
	dst := make([]byte, 0, 1024)

	b.ReportAllocs()
	b.ResetTimer()
	for b.Loop() {
		dst = AppendStatus(dst[:0], 200, "", statusHeaders...)
	}
}

func BenchmarkParseHeaderField(b *testing.B) {
	line := []byte("Content-Type: application/octet-stream")

	b.ReportAllocs()
	b.ResetTimer()
	for b.Loop() {
		if _, _, err := parseHeaderField(line); err != nil {
			b.Fatal(err)
		}
	}
}

func Test_parser_all_cases(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		expectError error
		expectLine  RequestLine
	}{
		{
			name:       "valid get request",
			raw:        "GET /index.html HTTP/1.1\r\n",
			expectLine: RequestLine{Method: "GET", Target: "/index.html", Protocol: "HTTP/1.1"},
		},
		{
			name:       "valid post request",
			raw:        "POST /submit HTTP/1.0\r\n",
			expectLine: RequestLine{Method: "POST", Target: "/submit", Protocol: "HTTP/1.0"},
		},
		{
			name:        "invalid method",
			raw:         "777 /sky HTTP/1.1\r\n",
			expectError: ErrInvalid,
		},
		{
			name:        "lowercase method",
			raw:         "get / HTTP/1.1\r\n",
			expectError: ErrInvalid,
		},
		{
			name:        "missing target",
			raw:         "GET  HTTP/1.1\r\n",
			expectError: ErrInvalid,
		},
		{
			name:        "missing protocol",
			raw:         "GET /\r\n",
			expectError: ErrInvalid,
		},
		{
			name:        "bare lf",
			raw:         "GET / HTTP/1.1\n",
			expectError: ErrInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line, err := trimCRLF([]byte(tt.raw))
			if err == nil {
				var rl RequestLine
				rl, err = parseRequestLine(line)
				if tt.expectError == nil {
					assert.Equal(t, tt.expectLine, rl)
				}
			}
			if tt.expectError != nil {
				assert.ErrorIs(t, err, tt.expectError)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func Test_parseHeaderField(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantName  string
		wantValue string
		wantErr   error
	}{
		{name: "simple", raw: "Host: localhost", wantName: "Host", wantValue: "localhost"},
		{name: "canonical name", raw: "content-length: 42", wantName: "Content-Length", wantValue: "42"},
		{name: "no space", raw: "X-Id:7", wantName: "X-Id", wantValue: "7"},
		{name: "trailing whitespace", raw: "Accept: */* \t", wantName: "Accept", wantValue: "*/*"},
		{name: "empty value", raw: "X-Empty:", wantName: "X-Empty", wantValue: ""},
		{name: "no colon", raw: "NoColonHeader", wantErr: ErrInvalid},
		{name: "empty name", raw: ": value", wantErr: ErrInvalid},
		{name: "space in name", raw: "Bad Name: value", wantErr: ErrInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name, value, err := parseHeaderField([]byte(tt.raw))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, name)
			assert.Equal(t, tt.wantValue, value)
		})
	}
}

func TestAppendStatus(t *testing.T) {
	tests := []struct {
		name    string
		code    int
		reason  string
		headers []Header
		expect  string
	}{
		{name: "standard phrase", code: 200, expect: "HTTP/1.1 200 OK\r\n\r\n"},
		{name: "explicit phrase", code: 200, reason: "Fine", expect: "HTTP/1.1 200 Fine\r\n\r\n"},
		{name: "out of range", code: 999, reason: "Whatever", expect: "HTTP/1.1 500 Internal Server Error\r\n\r\n"},
		{name: "below range", code: 42, expect: "HTTP/1.1 500 Internal Server Error\r\n\r\n"},
		{name: "no known phrase", code: 299, expect: "HTTP/1.1 299\r\n\r\n"},
		{
			name:    "with headers",
			code:    413,
			headers: statusHeaders,
			expect:  "HTTP/1.1 413 Content Too Large\r\nContent-Length: 0\r\nConnection: close\r\n\r\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, string(AppendStatus(nil, tt.code, tt.reason, tt.headers...)))
		})
	}
}

// client writes req and collects everything the server sends until close
func pipeClient(t *testing.T, req string, closeAfterWrite bool) (net.Conn, <-chan string) {
	t.Helper()
	srv, cli := net.Pipe()
	out := make(chan string, 1)
	go func() {
		defer cli.Close()
		if _, err := cli.Write([]byte(req)); err != nil {
			out <- ""
			return
		}
		if closeAfterWrite {
			out <- ""
			return
		}
		b, _ := io.ReadAll(cli)
		out <- string(b)
	}()
	t.Cleanup(func() { _ = srv.Close() })
	return srv, out
}

func readHeaders(t *testing.T, st Stream) [][2]string {
	t.Helper()
	var fields [][2]string
	for {
		name, value, err := st.ReceiveHeaderField(context.Background(), NoTimeout)
		if errors.Is(err, ErrEndOfHeaders) {
			return fields
		}
		require.NoError(t, err)
		fields = append(fields, [2]string{name, value})
	}
}

func TestHTTP_getExchange(t *testing.T) {
	conn, resp := pipeClient(t, "GET /index.html HTTP/1.1\r\nHost: localhost\r\ncontent-length: 0\r\n\r\n", false)
	ctx := context.Background()

	st, err := (&HTTP{}).Attach(conn)
	require.NoError(t, err)

	method, target, err := st.ReceiveRequestLine(ctx, NoTimeout)
	require.NoError(t, err)
	assert.Equal(t, "GET", method)
	assert.Equal(t, "/index.html", target)

	assert.Equal(t, [][2]string{{"Host", "localhost"}, {"Content-Length", "0"}}, readHeaders(t, st))

	// end of headers is sticky
	_, _, err = st.ReceiveHeaderField(ctx, NoTimeout)
	assert.ErrorIs(t, err, ErrEndOfHeaders)

	require.NoError(t, st.SendStatus(ctx, 200, "", time.Second))

	raw, err := st.Detach(ctx, NoTimeout)
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	// closing twice reports the first result
	assert.NoError(t, st.Close())

	assert.Equal(t, "HTTP/1.1 200 OK\r\nContent-Length: 0\r\nConnection: close\r\n\r\n", <-resp)
}

func TestHTTP_bodyAfterDetach(t *testing.T) {
	conn, resp := pipeClient(t, "POST /api/v1 HTTP/1.1\r\nContent-Length: 11\r\n\r\nhello world", false)
	ctx := context.Background()

	st, err := (&HTTP{}).Attach(conn)
	require.NoError(t, err)
	_, _, err = st.ReceiveRequestLine(ctx, NoTimeout)
	require.NoError(t, err)
	readHeaders(t, st)
	require.NoError(t, st.SendStatus(ctx, 200, "OK", NoTimeout))

	raw, err := st.Detach(ctx, NoTimeout)
	require.NoError(t, err)

	// stream is unusable once detached
	_, _, err = st.ReceiveHeaderField(ctx, NoTimeout)
	assert.ErrorIs(t, err, ErrDetached)
	_, err = st.Detach(ctx, NoTimeout)
	assert.ErrorIs(t, err, ErrDetached)

	buf := make([]byte, 6)
	n, err := raw.ReceiveBytes(ctx, buf[:5], NoTimeout)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	n, err = raw.ReceiveBytes(ctx, buf[:6], NoTimeout)
	require.NoError(t, err)
	assert.Equal(t, " world", string(buf[:n]))

	require.NoError(t, raw.Close())
	assert.Contains(t, <-resp, "200 OK")
}

func TestHTTP_shortBodyIsPeerClosed(t *testing.T) {
	conn, done := pipeClient(t, "POST / HTTP/1.1\r\n\r\nabc", true)
	ctx := context.Background()

	st, err := (&HTTP{}).Attach(conn)
	require.NoError(t, err)
	_, _, err = st.ReceiveRequestLine(ctx, NoTimeout)
	require.NoError(t, err)
	readHeaders(t, st)
	<-done

	raw, err := st.Detach(ctx, NoTimeout)
	require.NoError(t, err)

	buf := make([]byte, 10)
	n, err := raw.ReceiveBytes(ctx, buf, NoTimeout)
	assert.ErrorIs(t, err, ErrPeerClosed)
	assert.Equal(t, "abc", string(buf[:n]))
}

func TestHTTP_peerClosedBeforeRequest(t *testing.T) {
	srv, cli := net.Pipe()
	require.NoError(t, cli.Close())

	st, err := (&HTTP{}).Attach(srv)
	require.NoError(t, err)
	_, _, err = st.ReceiveRequestLine(context.Background(), NoTimeout)
	assert.ErrorIs(t, err, ErrPeerClosed)
	assert.False(t, errors.Is(err, ErrCancelled))
}

func TestHTTP_cancelUnblocksWait(t *testing.T) {
	srv, cli := net.Pipe()
	defer cli.Close()
	defer srv.Close()

	st, err := (&HTTP{}).Attach(srv)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	_, _, err = st.ReceiveRequestLine(ctx, NoTimeout)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second)

	// already cancelled, no I/O attempted
	_, _, err = st.ReceiveRequestLine(ctx, NoTimeout)
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestHTTP_timeout(t *testing.T) {
	srv, cli := net.Pipe()
	defer cli.Close()
	defer srv.Close()

	st, err := (&HTTP{}).Attach(srv)
	require.NoError(t, err)

	_, _, err = st.ReceiveRequestLine(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.False(t, errors.Is(err, ErrCancelled))
}

func TestHTTP_lineTooLong(t *testing.T) {
	conn, _ := pipeClient(t, fmt.Sprintf("GET /%s HTTP/1.1\r\n\r\n", bytes.Repeat([]byte("a"), 64)), true)

	st, err := (&HTTP{LineSize: 32}).Attach(conn)
	require.NoError(t, err)
	_, _, err = st.ReceiveRequestLine(context.Background(), NoTimeout)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestHTTP_orderIsEnforced(t *testing.T) {
	srv, cli := net.Pipe()
	defer cli.Close()
	defer srv.Close()

	st, err := (&HTTP{}).Attach(srv)
	require.NoError(t, err)
	_, _, err = st.ReceiveHeaderField(context.Background(), NoTimeout)
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = (&HTTP{}).Attach(nil)
	assert.Error(t, err)
}
