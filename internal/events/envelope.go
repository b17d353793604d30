package events

import (
	"encoding/json"
	"fmt"

	"AgentShield/internal/vault"
)

// EnvelopeVersion 标识对外事件格式的版本。
const EnvelopeVersion = 1

// Envelope 是事件在消息通道中的线上格式。
type Envelope struct {
	Version int `json:"version"`
	vault.Event
}

// Encode 将事件编码为 JSON。
func Encode(event vault.Event) ([]byte, error) {
	data, err := json.Marshal(Envelope{Version: EnvelopeVersion, Event: event})
	if err != nil {
		return nil, fmt.Errorf("编码事件 %s 失败: %w", event.Kind, err)
	}
	return data, nil
}

// Decode 解析事件外层字段，Payload 以 json.RawMessage 形式保留。
func Decode(data []byte) (Envelope, json.RawMessage, error) {
	var raw struct {
		Envelope
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Envelope{}, nil, fmt.Errorf("解析事件失败: %w", err)
	}
	return raw.Envelope, raw.Payload, nil
}
