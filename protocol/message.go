package protocol

import (
	"fmt"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// Name is the ALPN protocol id spoken over TLS carriers.
const Name = "h2"

// MaxStreamID is the largest stream id representable on the wire (2^31-1).
const MaxStreamID = 1<<31 - 1

// ErrCode is an HTTP/2 error code carried by RST_STREAM and GOAWAY.
type ErrCode = http2.ErrCode

const (
	NoError         = http2.ErrCodeNo
	ProtocolError   = http2.ErrCodeProtocol
	RefusedStream   = http2.ErrCodeRefusedStream
	Cancel          = http2.ErrCodeCancel
	EnhanceYourCalm = http2.ErrCodeEnhanceYourCalm
)

// Frame is one unit of an exchange's content: a header block, a chunk of
// body, or both (a trailer-less empty body is a Frame with only EndStream).
type Frame struct {
	Headers   []hpack.HeaderField
	Data      []byte
	EndStream bool
}

// Terminal reports whether the frame ends its direction of the exchange.
func (f Frame) Terminal() bool {
	return f.EndStream
}

// Header returns the value of the first header field named name.
func (f Frame) Header(name string) (string, bool) {
	for _, hf := range f.Headers {
		if hf.Name == name {
			return hf.Value, true
		}
	}
	return "", false
}

// Message is a decoded connection-level message. The set of kinds is closed:
// Data, GoAway, Reset and Ping.
type Message interface {
	isMessage()
	fmt.Stringer
}

// Data carries a frame for a single stream.
type Data struct {
	StreamID uint32
	Frame    Frame
}

// GoAway announces the highest stream id the peer will still process.
type GoAway struct {
	LastStreamID uint32
	Code         ErrCode
	Debug        []byte
}

// Reset aborts a single stream.
type Reset struct {
	StreamID uint32
	Code     ErrCode
}

// Ping is a liveness probe. The framed transport answers probes from the
// peer itself, so consumers only ever read acknowledgements.
type Ping struct {
	Ack     bool
	Payload [8]byte
}

func (Data) isMessage()   {}
func (GoAway) isMessage() {}
func (Reset) isMessage()  {}
func (Ping) isMessage()   {}

func (m Data) String() string {
	return fmt.Sprintf("DATA stream=%d headers=%d len=%d end_stream=%t", m.StreamID, len(m.Frame.Headers), len(m.Frame.Data), m.Frame.EndStream)
}

func (m GoAway) String() string {
	return fmt.Sprintf("GOAWAY last_stream=%d code=%v", m.LastStreamID, m.Code)
}

func (m Reset) String() string {
	return fmt.Sprintf("RST_STREAM stream=%d code=%v", m.StreamID, m.Code)
}

func (m Ping) String() string {
	return fmt.Sprintf("PING ack=%t", m.Ack)
}
