// Package message defines the text-frame wire protocol spoken over device
// and App transports.
//
// Every text frame is a JSON object with a "type" discriminator. Decoding is
// permissive: unknown fields are ignored, and frames with an unrecognised
// discriminator still decode so routing layers can relay or drop them
// without failing the connection. Only a frame with no "type" at all fails
// with [ErrUnknownType].
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type discriminates text-frame payloads.
type Type string

// Device → session.
const (
	TypeConnectionInit        Type = "connection_init"
	TypeGlassesConnectionState Type = "glasses_connection_state"
	TypeVAD                   Type = "vad"
	TypeHeadPosition          Type = "head_position"
	TypeCalendarEvent         Type = "calendar_event"
	TypeLocationUpdate        Type = "location_update"
	TypePhotoResponse         Type = "photo_response"
	TypeRTMPStreamStatus      Type = "rtmp_stream_status"
	TypeKeepAliveAck          Type = "keep_alive_ack"
	TypeAudioChunk            Type = "audio_chunk"
)

// Session → device.
const (
	TypeMicrophoneStateChange  Type = "microphone_state_change"
	TypeStartRTMPStream        Type = "start_rtmp_stream"
	TypeKeepRTMPStreamAlive    Type = "keep_rtmp_stream_alive"
	TypeStopRTMPStream         Type = "stop_rtmp_stream"
	TypePhotoRequest           Type = "photo_request"
	TypeSetLocationTier        Type = "set_location_tier"
	TypeRequestSingleLocation  Type = "request_single_location"
	TypeConnectionError        Type = "connection_error"
	TypeAppStateChange         Type = "app_state_change"
)

// App → session.
const (
	TypeAppConnectionInit     Type = "app_connection_init"
	TypeSubscriptionUpdate    Type = "subscription_update"
	TypeRTMPStreamRequest     Type = "rtmp_stream_request"
	TypeRTMPStreamStopRequest Type = "rtmp_stream_stop_request"
	TypeAudioPlayRequest      Type = "audio_play_request"
	TypeAudioPlayResponse     Type = "audio_play_response"
	TypeManagedStreamStop     Type = "managed_stream_stop"
)

// Session → App.
const (
	TypeConnectionAck      Type = "connection_ack"
	TypeDataStream         Type = "data_stream"
	TypeCapabilitiesUpdate Type = "capabilities_update"
	TypePermissionError    Type = "permission_error"
	TypeAppStopped         Type = "app_stopped"
	TypeSettingsUpdate     Type = "augmentos_settings_update"
	TypePhotoResult        Type = "photo_result"
)

// ErrUnknownType is returned by [Decode] when the discriminator names no
// known message kind.
var ErrUnknownType = errors.New("message: unknown type")

// Envelope is a decoded frame header: the discriminator plus the raw bytes
// of the whole frame, for a second-stage [As] decode.
type Envelope struct {
	Type Type
	Raw  json.RawMessage
}

// Decode parses the discriminator of a text frame. The full frame is
// retained in Envelope.Raw. Frames without a "type" field fail with
// [ErrUnknownType].
func Decode(data []byte) (Envelope, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Envelope{}, fmt.Errorf("message: decode frame: %w", err)
	}
	if head.Type == "" {
		return Envelope{}, ErrUnknownType
	}
	return Envelope{Type: head.Type, Raw: json.RawMessage(data)}, nil
}

// As decodes the full payload of an envelope into a concrete message struct.
// Unknown fields are ignored.
func As[T any](env Envelope) (T, error) {
	var msg T
	if err := json.Unmarshal(env.Raw, &msg); err != nil {
		return msg, fmt.Errorf("message: decode %s payload: %w", env.Type, err)
	}
	return msg, nil
}

// Marshal encodes a message struct for sending as a text frame.
func Marshal(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("message: encode: %w", err)
	}
	return data, nil
}

// Bool is a boolean that also accepts the string forms "true" and "false",
// which older glasses firmware emits for VAD status.
type Bool bool

// UnmarshalJSON implements json.Unmarshaler.
func (b *Bool) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case "true", `"true"`:
		*b = true
	case "false", `"false"`:
		*b = false
	default:
		var v bool
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("message: boolean field: %w", err)
		}
		*b = Bool(v)
	}
	return nil
}

// Timestamp wraps time.Time so zero values are omitted cleanly and
// non-RFC3339 inputs (epoch milliseconds from older firmware) still parse.
type Timestamp struct {
	time.Time
}

// Now stamps the given wall time.
func Now(t time.Time) Timestamp { return Timestamp{Time: t} }

// UnmarshalJSON implements json.Unmarshaler. It accepts RFC 3339 strings and
// integer epoch milliseconds.
func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return ts.Time.UnmarshalJSON(data)
	}
	var ms int64
	if err := json.Unmarshal(data, &ms); err != nil {
		return fmt.Errorf("message: timestamp field: %w", err)
	}
	ts.Time = time.UnixMilli(ms).UTC()
	return nil
}
