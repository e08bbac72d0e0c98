package stream

import (
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAll(t *testing.T, r io.Reader) []string {
	t.Helper()
	f := newFrameReader(r)
	var out []string
	for {
		p, err := f.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, string(p))
	}
}

func TestFrameReader_SplitsEvents(t *testing.T) {
	body := "data: {\"a\":1}\n\n" +
		": keep-alive comment\n" +
		"event: message\n" +
		"id: 7\n" +
		"data: {\"b\":2}\r\n\r\n" +
		"retry: 1000\n\n"
	assert.Equal(t, []string{`{"a":1}`, `{"b":2}`}, readAll(t, strings.NewReader(body)))
}

func TestFrameReader_PartialReads(t *testing.T) {
	body := "data: {\"text\":\"Hello\"}\n\ndata: {\"text\":\" world\"}\n\n"
	got := readAll(t, iotest.OneByteReader(strings.NewReader(body)))
	assert.Equal(t, []string{`{"text":"Hello"}`, `{"text":" world"}`}, got)
}

func TestFrameReader_MultiLineData(t *testing.T) {
	body := "data: {\"a\":\ndata: 1}\n\n"
	assert.Equal(t, []string{"{\"a\":\n1}"}, readAll(t, strings.NewReader(body)))
}

func TestFrameReader_DispatchAtEOF(t *testing.T) {
	assert.Equal(t, []string{`{"last":true}`}, readAll(t, strings.NewReader("data: {\"last\":true}")))
	assert.Empty(t, readAll(t, strings.NewReader("")))
	assert.Empty(t, readAll(t, strings.NewReader("event: ping\n\n")))
}

func TestFrameReader_NoSpaceAfterColon(t *testing.T) {
	assert.Equal(t, []string{`{"x":1}`}, readAll(t, strings.NewReader("data:{\"x\":1}\n\n")))
}

func TestFrameReader_ReadError(t *testing.T) {
	f := newFrameReader(iotest.ErrReader(io.ErrUnexpectedEOF))
	_, err := f.Next()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
