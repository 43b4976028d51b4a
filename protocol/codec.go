package protocol

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// Encode serializes an envelope for the wire.
func Encode(env Envelope) ([]byte, error) {
	data, err := sonic.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %q envelope: %w", env.Event, err)
	}
	return data, nil
}

// Decode parses a wire message, rejecting envelopes without an event type.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("protocol: unmarshal envelope: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("protocol: envelope missing event field")
	}
	return env, nil
}
