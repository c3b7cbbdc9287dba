package protocol

import (
	"encoding/json"
	"time"
)

// legacyEnvelope is the v1 wire shape. Older peers tag messages with short
// kind names, carry the body under "data", and use unix-second timestamps.
type legacyEnvelope struct {
	Version   int             `json:"version"`
	SessionID string          `json:"sid,omitempty"`
	Kind      string          `json:"kind"`
	Data      json.RawMessage `json:"data,omitempty"`
	Unix      int64           `json:"ts"`
}

// legacyKinds maps v1 kind names onto current message types.
var legacyKinds = map[string]MessageType{
	"hello":    TypeHandshake,
	"activity": TypeActivityEvent,
	"invoke":   TypeInvocationRequest,
	"result":   TypeInvocationResult,
	"op":       TypeStateOperation,
	"snapshot": TypeStateSnapshot,
	"err":      TypeError,
	"ping":     TypePing,
}

// translateLegacy converts a v1 message into the current envelope shape.
// This is the sole backward-compatibility seam: nothing past the gateway
// ever sees a legacy message.
func translateLegacy(data []byte) (*Envelope, error) {
	var leg legacyEnvelope
	if err := json.Unmarshal(data, &leg); err != nil {
		return nil, &ProtocolError{Code: CodeMalformed, Reason: "invalid legacy envelope"}
	}

	t, ok := legacyKinds[leg.Kind]
	if !ok {
		return nil, &ProtocolError{Code: CodeUnknownType, Reason: "legacy kind " + leg.Kind}
	}

	payload := leg.Data
	if t == TypeHandshake {
		translated, err := translateLegacyHandshake(leg.Data)
		if err != nil {
			return nil, err
		}
		payload = translated
	}

	ts := time.Now().UTC()
	if leg.Unix > 0 {
		ts = time.Unix(leg.Unix, 0).UTC()
	}

	return &Envelope{
		Version:   VersionCurrent,
		SessionID: leg.SessionID,
		Type:      t,
		Payload:   payload,
		Timestamp: ts,
	}, nil
}

// translateLegacyHandshake maps the v1 hello body, which only carried a peer
// name, to the current handshake payload. Legacy peers are always IDE peers.
func translateLegacyHandshake(data []byte) (json.RawMessage, error) {
	var hello struct {
		Peer    string `json:"peer"`
		Resume  string `json:"resume,omitempty"`
		GroupID string `json:"group,omitempty"`
	}
	if err := json.Unmarshal(data, &hello); err != nil {
		return nil, &ProtocolError{Code: CodeBadPayload, Reason: "legacy hello body"}
	}
	if hello.Peer == "" {
		return nil, &ProtocolError{Code: CodeBadPayload, Reason: "legacy hello missing peer"}
	}

	out, err := json.Marshal(HandshakePayload{
		PeerID:          hello.Peer,
		PeerKind:        "ide",
		GroupID:         hello.GroupID,
		ProtocolVersion: VersionLegacy,
		ResumeSessionID: hello.Resume,
	})
	if err != nil {
		return nil, &ProtocolError{Code: CodeBadPayload, Reason: "translate legacy hello"}
	}
	return out, nil
}
