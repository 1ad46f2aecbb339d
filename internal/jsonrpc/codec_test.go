package jsonrpc_test

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/relaymcp/gateway/internal/jsonrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	codec := jsonrpc.NewCodec(&buf, &buf)

	req, err := jsonrpc.NewRequest(float64(1), "ping", nil)
	require.NoError(t, err)
	require.NoError(t, codec.WriteMessage(req))

	got, err := codec.ReadMessage()
	require.NoError(t, err)
	assert.True(t, got.IsRequest())
	assert.Equal(t, "ping", got.Method)
}

func TestCodecWriteIsNewlineTerminated(t *testing.T) {
	var buf bytes.Buffer
	codec := jsonrpc.NewCodec(&buf, &buf)
	req, err := jsonrpc.NewRequest(float64(1), "ping", nil)
	require.NoError(t, err)
	require.NoError(t, codec.WriteMessage(req))

	assert.True(t, strings.HasSuffix(buf.String(), "\n"))
	assert.Equal(t, 1, strings.Count(buf.String(), "\n"))
}

func TestCodecParseErrorDoesNotCloseStream(t *testing.T) {
	r := strings.NewReader("not json\n{\"jsonrpc\":\"2.0\",\"id\":1,\"method\":\"ping\"}\n")
	codec := jsonrpc.NewCodec(r, io.Discard)

	_, err := codec.ReadMessage()
	var perr *jsonrpc.ParseError
	require.True(t, errors.As(err, &perr))

	msg, err := codec.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "ping", msg.Method)
}

func TestCodecMissingEnvelope(t *testing.T) {
	r := strings.NewReader("{\"id\":1,\"method\":\"ping\"}\n")
	codec := jsonrpc.NewCodec(r, io.Discard)

	_, err := codec.ReadMessage()
	var ierr *jsonrpc.InvalidRequestError
	require.True(t, errors.As(err, &ierr))
}

func TestCodecEOF(t *testing.T) {
	codec := jsonrpc.NewCodec(strings.NewReader(""), io.Discard)
	_, err := codec.ReadMessage()
	assert.ErrorIs(t, err, io.EOF)
}

func TestCodecConcurrentWritesDoNotInterleave(t *testing.T) {
	var buf bytes.Buffer
	codec := jsonrpc.NewCodec(&bytes.Buffer{}, &buf)

	const n = 50
	done := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer func() { done <- struct{}{} }()
			req, _ := jsonrpc.NewRequest(float64(i), "ping", nil)
			_ = codec.WriteMessage(req)
		}(i)
	}
	for i := 0; i < n; i++ {
		<-done
	}

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	assert.Len(t, lines, n)
	for _, line := range lines {
		assert.True(t, strings.HasPrefix(line, "{") && strings.HasSuffix(line, "}"))
	}
}
