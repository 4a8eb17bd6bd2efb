package domain

import "time"

// LinkStats is the media accounting of one peer link.
type LinkStats struct {
	PeerID           PeerID
	PacketsReceived  uint64
	BytesReceived    uint64
	PacketsSent      uint64
	BytesSent        uint64
	KeyframeRequests uint64 // PLIs received from the remote side
	Timestamp        time.Time
}
