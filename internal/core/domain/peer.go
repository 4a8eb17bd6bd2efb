package domain

type Role string

const (
	RoleInitiator Role = "initiator"
	RoleJoiner    Role = "joiner"
)

func (r Role) Valid() bool {
	return r == RoleInitiator || r == RoleJoiner
}

type ParticipantInfo struct {
	ID          PeerID `json:"id"`
	DisplayName string `json:"displayName"`
	Role        Role   `json:"role"`
}

// CallParticipant is a roster entry. Stream is owned by the peer link that
// received it and must be treated as read-only.
type CallParticipant struct {
	ID           PeerID
	DisplayName  string
	Role         Role
	VideoEnabled bool
	AudioEnabled bool
	Stream       *RemoteStream
}

// ConnectionState is the lifecycle of one peer link.
type ConnectionState string

const (
	ConnectionNew            ConnectionState = "new"
	ConnectionGathering      ConnectionState = "gathering-local-description"
	ConnectionAwaitingRemote ConnectionState = "awaiting-remote-description"
	ConnectionNegotiatingICE ConnectionState = "negotiating-ice"
	ConnectionConnected      ConnectionState = "connected"
	ConnectionReconnecting   ConnectionState = "reconnecting"
	ConnectionClosed         ConnectionState = "closed"
	ConnectionFailed         ConnectionState = "failed"
)

func (s ConnectionState) Terminal() bool {
	return s == ConnectionClosed || s == ConnectionFailed
}

// ExchangingDescriptions reports whether the link has not yet finished the
// offer/answer exchange.
func (s ConnectionState) ExchangingDescriptions() bool {
	switch s {
	case ConnectionNew, ConnectionGathering, ConnectionAwaitingRemote:
		return true
	}
	return false
}

// TransportState is the state reported by the underlying peer connection.
type TransportState string

const (
	TransportNew          TransportState = "new"
	TransportConnecting   TransportState = "connecting"
	TransportConnected    TransportState = "connected"
	TransportDisconnected TransportState = "disconnected"
	TransportFailed       TransportState = "failed"
	TransportClosed       TransportState = "closed"
)
