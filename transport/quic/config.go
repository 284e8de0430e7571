package quic

import (
	"time"

	"github.com/quic-go/quic-go"
)

var (
	qConfig = &quic.Config{
		HandshakeIdleTimeout:       5 * time.Second,
		MaxIdleTimeout:             30 * time.Second,
		KeepAlivePeriod:            5 * time.Second,
		MaxIncomingStreams:         16,
		MaxIncomingUniStreams:      -1,
		DisablePathMTUDiscovery:    false,
		MaxConnectionReceiveWindow: 30 * (1 << 20), // 30 MB
		MaxStreamReceiveWindow:     6 * (1 << 20),  // 6 MB
		Versions:                   []quic.Version{quic.Version2, quic.Version1},
	}
)

// ApplicationOK is the application error code used for orderly closes.
const ApplicationOK = 0x0
