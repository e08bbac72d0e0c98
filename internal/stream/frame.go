package stream

import (
	"bufio"
	"bytes"
	"io"
)

// frameReader splits a server-sent-events body into event payloads.
// Partial lines are buffered across reads by the underlying bufio.Reader;
// data lines accumulate until a blank line (or EOF) dispatches the event.
// Comments and non-data fields are ignored.
type frameReader struct {
	r    *bufio.Reader
	data bytes.Buffer
	has  bool
	eof  bool
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the payload of the next event with at least one data line.
// It returns io.EOF after the last event.
func (f *frameReader) Next() ([]byte, error) {
	for {
		if f.eof {
			return f.flush()
		}
		line, err := f.r.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return nil, err
		}
		if err == io.EOF {
			f.eof = true
			if len(line) == 0 {
				continue
			}
		}
		line = bytes.TrimRight(line, "\r\n")

		if len(line) == 0 {
			if f.has {
				return f.take(), nil
			}
			continue
		}
		if line[0] == ':' {
			continue
		}

		field, value := line, []byte(nil)
		if i := bytes.IndexByte(line, ':'); i >= 0 {
			field, value = line[:i], line[i+1:]
			if len(value) > 0 && value[0] == ' ' {
				value = value[1:]
			}
		}
		if string(field) != "data" {
			continue
		}
		if f.has {
			f.data.WriteByte('\n')
		}
		f.data.Write(value)
		f.has = true
	}
}

func (f *frameReader) flush() ([]byte, error) {
	if f.has {
		return f.take(), nil
	}
	return nil, io.EOF
}

func (f *frameReader) take() []byte {
	out := append([]byte(nil), f.data.Bytes()...)
	f.data.Reset()
	f.has = false
	return out
}
