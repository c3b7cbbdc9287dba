// Package domain contains core domain types for the coordination bridge.
package domain

import (
	"time"
)

// PeerKind identifies what kind of peer is on the other end of a session.
type PeerKind string

const (
	// PeerKindIDE is a developer-facing editor instance.
	PeerKindIDE PeerKind = "ide"
	// PeerKindNode is a remote bridge node.
	PeerKindNode PeerKind = "node"
)

// ConnectionState is the lifecycle state of a session's transport.
type ConnectionState string

const (
	StateConnecting   ConnectionState = "connecting"
	StateOpen         ConnectionState = "open"
	StateReconnecting ConnectionState = "reconnecting"
	StateClosed       ConnectionState = "closed"
)

// Session represents a live logical connection between the bridge and one peer.
// The session registry is the sole owner; other components see read-only copies.
type Session struct {
	ID              string          `json:"id"`
	PeerID          string          `json:"peer_id"`
	Kind            PeerKind        `json:"peer_kind"`
	GroupID         string          `json:"group_id,omitempty"`
	State           ConnectionState `json:"connection_state"`
	ProtocolVersion int             `json:"protocol_version"`
	LastActivityAt  time.Time       `json:"last_activity_at"`
	ConnectedAt     time.Time       `json:"connected_at"`
}

// Active reports whether the session can still accept outbound traffic,
// either immediately or after a reconnect.
func (s *Session) Active() bool {
	return s.State == StateOpen || s.State == StateReconnecting || s.State == StateConnecting
}

// IdleFor returns how long the session has been without peer activity.
func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActivityAt)
}
