package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/fr13n8/h2mux/multiplex"
	"github.com/fr13n8/h2mux/protocol"
	"github.com/fr13n8/h2mux/relay"
	"github.com/fr13n8/h2mux/transport"
	"golang.org/x/net/http2/hpack"
)

// Response is a fully buffered response.
type Response struct {
	StatusCode int
	Proto      string
	Header     http.Header
	Trailer    http.Header
	Body       []byte
	// StreamID is the HTTP/2 stream the exchange ran on, 0 for HTTP/1.1.
	StreamID uint32
}

var errMissingStatus = errors.New("response without :status")

// Connection-specific fields are not allowed in HTTP/2 requests.
var hopByHop = map[string]bool{
	"connection":        true,
	"keep-alive":        true,
	"proxy-connection":  true,
	"transfer-encoding": true,
	"upgrade":           true,
	"http2-settings":    true,
}

func requestHeaders(req *http.Request, contentLength int) []hpack.HeaderField {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	scheme := req.URL.Scheme
	if scheme == "" {
		scheme = "http"
	}
	host := req.Host
	if host == "" {
		host = req.URL.Host
	}

	fields := []hpack.HeaderField{
		{Name: ":method", Value: method},
		{Name: ":scheme", Value: scheme},
		{Name: ":authority", Value: host},
		{Name: ":path", Value: req.URL.RequestURI()},
	}
	for name, values := range req.Header {
		name = strings.ToLower(name)
		if hopByHop[name] || name == "content-length" {
			continue
		}
		for _, v := range values {
			fields = append(fields, hpack.HeaderField{Name: name, Value: v})
		}
	}
	if contentLength > 0 {
		fields = append(fields, hpack.HeaderField{Name: "content-length", Value: strconv.Itoa(contentLength)})
	}
	return fields
}

func writeRequest(ctx context.Context, s *multiplex.Stream, req *http.Request) error {
	body, err := relay.ReadAll(req.Body)
	if err != nil {
		return fmt.Errorf("could not read request body: %w", err)
	}

	headers := protocol.Frame{
		Headers:   requestHeaders(req, len(body)),
		EndStream: len(body) == 0,
	}
	if err := s.Write(ctx, headers); err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	return s.Write(ctx, protocol.Frame{Data: body, EndStream: true})
}

// readResponse reads frames until the end of the stream. first is a frame
// that was already read from s, if any.
func readResponse(ctx context.Context, s transport.Transport[protocol.Frame, protocol.Frame], id uint32, first *protocol.Frame) (*Response, error) {
	resp := &Response{
		Proto:    "HTTP/2.0",
		Header:   make(http.Header),
		StreamID: id,
	}
	var body bytes.Buffer

	for {
		var f protocol.Frame
		if first != nil {
			f, first = *first, nil
		} else {
			var err error
			if f, err = s.Read(ctx); err != nil {
				return nil, err
			}
		}

		if len(f.Headers) > 0 {
			if err := resp.addHeaders(f.Headers); err != nil {
				return nil, err
			}
		}
		body.Write(f.Data)
		if f.Terminal() {
			break
		}
	}

	if resp.StatusCode == 0 {
		return nil, errMissingStatus
	}
	resp.Body = body.Bytes()
	return resp, nil
}

func (r *Response) addHeaders(fields []hpack.HeaderField) error {
	// A header block after the final status carries trailers.
	if r.StatusCode >= 200 {
		if r.Trailer == nil {
			r.Trailer = make(http.Header)
		}
		for _, hf := range fields {
			r.Trailer.Add(hf.Name, hf.Value)
		}
		return nil
	}

	header := make(http.Header)
	status := 0
	for _, hf := range fields {
		if hf.Name == ":status" {
			code, err := strconv.Atoi(hf.Value)
			if err != nil {
				return fmt.Errorf("invalid :status %q: %w", hf.Value, err)
			}
			status = code
			continue
		}
		if strings.HasPrefix(hf.Name, ":") {
			continue
		}
		header.Add(hf.Name, hf.Value)
	}
	if status == 0 {
		return errMissingStatus
	}
	// Informational responses are superseded by the final one.
	r.StatusCode = status
	r.Header = header
	return nil
}

func fromHTTP1(resp *http.Response) (*Response, error) {
	body, err := relay.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("could not read response body: %w", err)
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Proto:      resp.Proto,
		Header:     resp.Header,
		Trailer:    resp.Trailer,
		Body:       body,
	}, nil
}

func doPlain(ctx context.Context, plain transport.Transport[any, any], req *http.Request) (*Response, error) {
	if err := plain.Write(ctx, req); err != nil {
		return nil, err
	}
	msg, err := plain.Read(ctx)
	if err != nil {
		return nil, err
	}
	resp, ok := msg.(*http.Response)
	if !ok {
		return nil, fmt.Errorf("unexpected message %T", msg)
	}
	return fromHTTP1(resp)
}
