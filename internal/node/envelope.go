package node

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// Envelope kinds carried inside message payloads. The exchange core treats
// payloads as opaque bytes; only the node layer interprets them.
const (
	kindChat  = "chat"
	kindPhase = "phase"
)

type envelope struct {
	Kind  string `json:"kind"`
	Text  string `json:"text,omitempty"`
	Phase string `json:"phase,omitempty"`
}

func chatPayload(text string) ([]byte, error) {
	return json.Marshal(envelope{Kind: kindChat, Text: text})
}

func phasePayload(p Phase) ([]byte, error) {
	return json.Marshal(envelope{Kind: kindPhase, Phase: p.String()})
}

func decodeEnvelope(payload []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return envelope{}, fmt.Errorf("decode payload envelope: %w", err)
	}
	return env, nil
}
