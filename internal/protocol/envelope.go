// Package protocol defines the versioned peer message envelope and the
// translation shim for legacy message shapes. Internal components only ever
// see the current envelope; translation happens at the gateway boundary.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tesserbridge/bridge/internal/domain"
)

// Protocol versions carried in the envelope version tag.
const (
	VersionLegacy  = 1
	VersionCurrent = 2
)

// MessageType identifies the payload shape of an envelope.
type MessageType string

const (
	TypeHandshake         MessageType = "handshake"
	TypeHandshakeAck      MessageType = "handshake_ack"
	TypeActivityEvent     MessageType = "activity_event"
	TypeInvocationRequest MessageType = "invocation_request"
	TypeInvocationResult  MessageType = "invocation_result"
	TypeStateOperation    MessageType = "state_operation"
	TypeStateSnapshot     MessageType = "state_snapshot"
	TypeError             MessageType = "error"
	TypePing              MessageType = "ping"
	TypePong              MessageType = "pong"
)

var knownTypes = map[MessageType]bool{
	TypeHandshake:         true,
	TypeHandshakeAck:      true,
	TypeActivityEvent:     true,
	TypeInvocationRequest: true,
	TypeInvocationResult:  true,
	TypeStateOperation:    true,
	TypeStateSnapshot:     true,
	TypeError:             true,
	TypePing:              true,
	TypePong:              true,
}

// Envelope is the current wire format for all peer messages.
type Envelope struct {
	Version   int             `json:"version"`
	SessionID string          `json:"session_id,omitempty"`
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Error codes carried in ProtocolError and error payloads.
const (
	CodeMalformed          = "malformed_message"
	CodeUnknownType        = "unknown_message_type"
	CodeUnsupportedVersion = "unsupported_version"
	CodeBadPayload         = "bad_payload"
)

// ProtocolError describes a message the gateway rejected. It is always
// answered with an explicit error reply, never silently ignored.
type ProtocolError struct {
	Code   string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error (%s): %s", e.Code, e.Reason)
}

// HandshakePayload opens a session or resumes one after reconnect.
type HandshakePayload struct {
	PeerID          string `json:"peer_id"`
	PeerKind        string `json:"peer_kind"`
	GroupID         string `json:"group_id,omitempty"`
	ProtocolVersion int    `json:"protocol_version"`
	ResumeSessionID string `json:"resume_session_id,omitempty"`
}

// HandshakeAckPayload confirms a session to the peer.
type HandshakeAckPayload struct {
	SessionID       string `json:"session_id"`
	ProtocolVersion int    `json:"protocol_version"`
	Resumed         bool   `json:"resumed"`
}

// ActivityEventPayload carries peer activity for trigger evaluation.
type ActivityEventPayload struct {
	Kind       string            `json:"kind"`
	RawContext map[string]string `json:"raw_context"`
}

// StepSpec describes one requested step in an explicit invocation request.
type StepSpec struct {
	ID         string   `json:"id"`
	WorkerKind string   `json:"worker_kind"`
	DependsOn  []string `json:"depends_on,omitempty"`
}

// InvocationRequestPayload asks the bridge to run a multi-worker plan.
type InvocationRequestPayload struct {
	Steps      []StepSpec        `json:"steps"`
	RawContext map[string]string `json:"raw_context"`
}

// StateOperationPayload carries one shared-state mutation.
type StateOperationPayload struct {
	StateID string           `json:"state_id"`
	Op      domain.Operation `json:"op"`
}

// StateSnapshotPayload carries the full shared-state content, used to bring
// a peer up to date after reconnect or conflict resolution.
type StateSnapshotPayload struct {
	StateID  string `json:"state_id"`
	Revision int64  `json:"revision"`
	Content  string `json:"content"`
}

// ErrorPayload is the body of an error reply.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Decode parses raw bytes into a current-version envelope. Legacy envelopes
// are translated transparently; anything else yields a ProtocolError.
func Decode(data []byte) (*Envelope, error) {
	var probe struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, &ProtocolError{Code: CodeMalformed, Reason: "not a JSON envelope"}
	}

	switch probe.Version {
	case VersionCurrent:
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, &ProtocolError{Code: CodeMalformed, Reason: "invalid envelope fields"}
		}
		if !knownTypes[env.Type] {
			return nil, &ProtocolError{Code: CodeUnknownType, Reason: string(env.Type)}
		}
		return &env, nil
	case VersionLegacy:
		return translateLegacy(data)
	default:
		return nil, &ProtocolError{
			Code:   CodeUnsupportedVersion,
			Reason: fmt.Sprintf("version %d not supported", probe.Version),
		}
	}
}

// Encode marshals a current-version envelope for the wire.
func Encode(env *Envelope) ([]byte, error) {
	env.Version = VersionCurrent
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// NewEnvelope builds a current-version envelope around a payload value.
func NewEnvelope(sessionID string, t MessageType, payload any) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		raw = data
	}
	return &Envelope{
		Version:   VersionCurrent,
		SessionID: sessionID,
		Type:      t,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// DecodePayload unmarshals the envelope payload into dst, reporting a
// ProtocolError on mismatch so the gateway can reply explicitly.
func DecodePayload(env *Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return &ProtocolError{Code: CodeBadPayload, Reason: fmt.Sprintf("%s payload missing", env.Type)}
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return &ProtocolError{Code: CodeBadPayload, Reason: fmt.Sprintf("%s payload: %v", env.Type, err)}
	}
	return nil
}
