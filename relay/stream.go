// Package relay moves message bodies between readers and writers and
// classifies the errors carriers end with.
package relay

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/rs/zerolog/log"
)

const defaultBufferSize = 128 * 1024

var bufferPool = sync.Pool{
	New: func() any {
		buf := make([]byte, defaultBufferSize)
		return &buf
	},
}

func Copy(dst io.Writer, src io.Reader) (written int64, err error) {
	if wt, ok := src.(io.WriterTo); ok {
		return wt.WriteTo(dst)
	}
	if rf, ok := dst.(io.ReaderFrom); ok {
		return rf.ReadFrom(src)
	}

	buffer := bufferPool.Get().(*[]byte)
	defer bufferPool.Put(buffer)

	return io.CopyBuffer(dst, src, *buffer)
}

// ReadAll drains and closes body. A nil body or http.NoBody yields nil.
func ReadAll(body io.ReadCloser) ([]byte, error) {
	if body == nil || body == http.NoBody {
		return nil, nil
	}
	defer body.Close()

	var buf bytes.Buffer
	if _, err := Copy(&buf, body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Stream copies src to w chunk by chunk, flushing after every write so each
// chunk leaves as its own DATA frame.
func Stream(w io.Writer, src io.Reader) (written int64, err error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return Copy(w, src)
	}

	buffer := bufferPool.Get().(*[]byte)
	defer bufferPool.Put(buffer)
	buf := *buffer

	defer func() {
		if r := recover(); r != nil {
			log.Error().Msgf("recovered from panic while streaming: %v", r)
			err = fmt.Errorf("stream aborted: %v", r)
		}
	}()

	for {
		nr, er := src.Read(buf)
		if nr > 0 {
			nw, ew := w.Write(buf[:nr])
			written += int64(nw)
			if ew != nil {
				return written, ew
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
			flusher.Flush()
		}
		if er != nil {
			if errors.Is(er, io.EOF) {
				return written, nil
			}
			if !IsOKNetworkError(er) {
				log.Debug().Err(er).Int64("written", written).Msg("stream interrupted")
			}
			return written, er
		}
	}
}
