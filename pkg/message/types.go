package message

import (
	"encoding/json"

	"github.com/openglass/lenshub/pkg/streamkey"
)

// ── Device → session ─────────────────────────────────────────────────────────

// ConnectionInit is the first frame a device sends after connecting.
type ConnectionInit struct {
	Type            Type   `json:"type"`
	UserID          string `json:"userId"`
	LiveKitRequested bool  `json:"livekitRequested,omitempty"`
}

// GlassesConnectionState reports the phone↔glasses link state.
type GlassesConnectionState struct {
	Type      Type   `json:"type"`
	Status    string `json:"status"`
	ModelName string `json:"modelName,omitempty"`
}

// Glasses connection statuses.
const (
	GlassesConnected    = "CONNECTED"
	GlassesDisconnected = "DISCONNECTED"
)

// VADStatus reports voice-activity detection from the device.
type VADStatus struct {
	Type   Type `json:"type"`
	Status Bool `json:"status"`
}

// CalendarEventMsg carries a calendar entry pushed from the device.
type CalendarEventMsg struct {
	Type      Type      `json:"type"`
	EventID   string    `json:"eventId"`
	Title     string    `json:"title"`
	DTStart   string    `json:"dtStart"`
	DTEnd     string    `json:"dtEnd,omitempty"`
	Timezone  string    `json:"timezone,omitempty"`
	TimeStamp Timestamp `json:"timeStamp,omitzero"`
}

// LocationUpdateMsg carries a device-originated location fix.
type LocationUpdateMsg struct {
	Type          Type      `json:"type"`
	Lat           float64   `json:"lat"`
	Lng           float64   `json:"lng"`
	Accuracy      *float64  `json:"accuracy,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
	Timestamp     Timestamp `json:"timestamp,omitzero"`
}

// PhotoResponseMsg is the device's answer to a photo request.
type PhotoResponseMsg struct {
	Type           Type   `json:"type"`
	RequestID      string `json:"requestId"`
	PhotoURL       string `json:"photoUrl"`
	SavedToGallery bool   `json:"savedToGallery"`
}

// RTMPStreamStatusMsg reports RTMP stream state from the device. It is also
// the shape relayed onward to Apps.
type RTMPStreamStatusMsg struct {
	Type         Type            `json:"type"`
	StreamID     string          `json:"streamId"`
	Status       string          `json:"status"`
	ErrorDetails string          `json:"errorDetails,omitempty"`
	Stats        json.RawMessage `json:"stats,omitempty"`
	AppID        string          `json:"appId,omitempty"`
	Timestamp    Timestamp       `json:"timestamp,omitzero"`
}

// KeepAliveAck acknowledges an RTMP keep-alive probe.
type KeepAliveAck struct {
	Type     Type   `json:"type"`
	StreamID string `json:"streamId"`
	AckID    string `json:"ackId"`
}

// SequencedAudioChunk is the text-wrapped ordered audio path.
type SequencedAudioChunk struct {
	Type           Type      `json:"type"`
	SequenceNumber int64     `json:"sequenceNumber"`
	Timestamp      Timestamp `json:"timestamp,omitzero"`
	Payload        []byte    `json:"payload"`
	IsLC3          bool      `json:"isLC3,omitempty"`
}

// ── Session → device ─────────────────────────────────────────────────────────

// MicrophoneStateChange tells the device to turn the microphone on or off
// and which data the cloud needs from it.
type MicrophoneStateChange struct {
	Type                Type      `json:"type"`
	SessionID           string    `json:"sessionId"`
	IsMicrophoneEnabled bool      `json:"isMicrophoneEnabled"`
	RequiredData        []string  `json:"requiredData"`
	BypassVAD           bool      `json:"bypassVad"`
	Timestamp           Timestamp `json:"timestamp,omitzero"`
}

// Required-data values for [MicrophoneStateChange].
const (
	RequiredDataPCM                  = "pcm"
	RequiredDataTranscription        = "transcription"
	RequiredDataPCMOrTranscription   = "pcm_or_transcription"
)

// StartRTMPStream commands the device to begin an RTMP push.
type StartRTMPStream struct {
	Type      Type            `json:"type"`
	SessionID string          `json:"sessionId"`
	RTMPURL   string          `json:"rtmpUrl"`
	AppID     string          `json:"appId"`
	StreamID  string          `json:"streamId"`
	Video     json.RawMessage `json:"video,omitempty"`
	Audio     json.RawMessage `json:"audio,omitempty"`
	Stream    json.RawMessage `json:"stream,omitempty"`
	Timestamp Timestamp       `json:"timestamp,omitzero"`
}

// KeepRTMPStreamAlive is the periodic liveness probe for an active stream.
type KeepRTMPStreamAlive struct {
	Type     Type   `json:"type"`
	StreamID string `json:"streamId"`
	AckID    string `json:"ackId"`
}

// StopRTMPStream commands the device to end an RTMP push.
type StopRTMPStream struct {
	Type      Type      `json:"type"`
	SessionID string    `json:"sessionId"`
	AppID     string    `json:"appId"`
	StreamID  string    `json:"streamId"`
	Timestamp Timestamp `json:"timestamp,omitzero"`
}

// PhotoRequestToDevice asks the glasses to take a photo and upload it.
type PhotoRequestToDevice struct {
	Type       Type      `json:"type"`
	SessionID  string    `json:"sessionId"`
	RequestID  string    `json:"requestId"`
	AppID      string    `json:"appId"`
	WebhookURL string    `json:"webhookUrl"`
	AuthToken  string    `json:"authToken,omitempty"`
	Size       string    `json:"size,omitempty"`
	Timestamp  Timestamp `json:"timestamp,omitzero"`
}

// SetLocationTier selects the device's location accuracy/frequency class.
type SetLocationTier struct {
	Type      Type      `json:"type"`
	Tier      string    `json:"tier"`
	Timestamp Timestamp `json:"timestamp,omitzero"`
}

// RequestSingleLocation asks the device for a one-shot location fix.
type RequestSingleLocation struct {
	Type          Type      `json:"type"`
	Accuracy      string    `json:"accuracy"`
	CorrelationID string    `json:"correlationId"`
	Timestamp     Timestamp `json:"timestamp,omitzero"`
}

// ConnectionError is a best-effort error notification, sent to devices and
// Apps alike.
type ConnectionError struct {
	Type      Type      `json:"type"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Timestamp Timestamp `json:"timestamp,omitzero"`
}

// Connection error codes surfaced to Apps.
const (
	ErrCodeInvalidAPIKey = "INVALID_API_KEY"
	ErrCodeAppNotStarted = "APP_NOT_STARTED"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// AppStateChange notifies the device of the running-app set.
type AppStateChange struct {
	Type      Type      `json:"type"`
	UserID    string    `json:"userId"`
	RunningApps []string `json:"runningApps"`
	Timestamp Timestamp `json:"timestamp,omitzero"`
}

// ── App → session ────────────────────────────────────────────────────────────

// AppConnectionInit is the first frame an App sends after connecting.
type AppConnectionInit struct {
	Type        Type   `json:"type"`
	PackageName string `json:"packageName"`
	APIKey      string `json:"apiKey"`
	SessionID   string `json:"sessionId"`
}

// SubscriptionEntry is one element of a subscription_update list: either a
// bare stream key or a structured location-stream entry carrying a rate.
type SubscriptionEntry struct {
	Stream streamkey.Key
	Rate   string
}

// UnmarshalJSON implements json.Unmarshaler, accepting both the string and
// the object form.
func (e *SubscriptionEntry) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s streamkey.Key
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		e.Stream, e.Rate = s, ""
		return nil
	}
	var obj struct {
		Stream streamkey.Key `json:"stream"`
		Rate   string        `json:"rate"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	e.Stream, e.Rate = obj.Stream, obj.Rate
	return nil
}

// MarshalJSON implements json.Marshaler.
func (e SubscriptionEntry) MarshalJSON() ([]byte, error) {
	if e.Rate == "" {
		return json.Marshal(e.Stream)
	}
	return json.Marshal(struct {
		Stream streamkey.Key `json:"stream"`
		Rate   string        `json:"rate"`
	}{e.Stream, e.Rate})
}

// Key returns the stream-set encoding of the entry: rate-qualified for
// location entries, the normalized key otherwise.
func (e SubscriptionEntry) Key() streamkey.Key {
	if e.Stream == streamkey.LocationStream && e.Rate != "" {
		return streamkey.WithLocationRate(e.Rate)
	}
	return e.Stream.Normalize()
}

// SubscriptionUpdate replaces an App's subscription set.
type SubscriptionUpdate struct {
	Type          Type                `json:"type"`
	PackageName   string              `json:"packageName,omitempty"`
	Subscriptions []SubscriptionEntry `json:"subscriptions"`
}

// PhotoRequestFromApp asks the session to capture a photo on the glasses.
type PhotoRequestFromApp struct {
	Type             Type   `json:"type"`
	PackageName      string `json:"packageName"`
	RequestID        string `json:"requestId"`
	SaveToGallery    bool   `json:"saveToGallery,omitempty"`
	CustomWebhookURL string `json:"customWebhookUrl,omitempty"`
	AuthToken        string `json:"authToken,omitempty"`
	Size             string `json:"size,omitempty"`
}

// RTMPStreamRequest asks the session to start an RTMP push for an App.
type RTMPStreamRequest struct {
	Type        Type            `json:"type"`
	PackageName string          `json:"packageName"`
	RTMPURL     string          `json:"rtmpUrl"`
	Video       json.RawMessage `json:"video,omitempty"`
	Audio       json.RawMessage `json:"audio,omitempty"`
	Stream      json.RawMessage `json:"stream,omitempty"`
}

// RTMPStreamStopRequest asks the session to stop an App's RTMP push.
type RTMPStreamStopRequest struct {
	Type        Type   `json:"type"`
	PackageName string `json:"packageName"`
	StreamID    string `json:"streamId,omitempty"`
}

// AudioPlayRequest asks the device to play a sound on behalf of an App.
type AudioPlayRequest struct {
	Type        Type   `json:"type"`
	PackageName string `json:"packageName,omitempty"`
	RequestID   string `json:"requestId"`
	AudioURL    string `json:"audioUrl,omitempty"`
	Volume      float64 `json:"volume,omitempty"`
}

// AudioPlayResponse is the device's completion report for an audio play
// request, routed back to the requesting App.
type AudioPlayResponse struct {
	Type      Type   `json:"type"`
	RequestID string `json:"requestId"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// ── Session → App ────────────────────────────────────────────────────────────

// ConnectionAck confirms a successful App handshake.
type ConnectionAck struct {
	Type              Type            `json:"type"`
	SessionID         string          `json:"sessionId"`
	Settings          json.RawMessage `json:"settings,omitempty"`
	AugmentOSSettings json.RawMessage `json:"augmentosSettings,omitempty"`
	Capabilities      json.RawMessage `json:"capabilities,omitempty"`
	Timestamp         Timestamp       `json:"timestamp,omitzero"`
}

// DataStream is the generic fan-out wrapper for subscribed streams.
type DataStream struct {
	Type       Type            `json:"type"`
	SessionID  string          `json:"sessionId"`
	StreamType streamkey.Key   `json:"streamType"`
	Data       json.RawMessage `json:"data"`
	Timestamp  Timestamp       `json:"timestamp,omitzero"`
}

// CapabilitiesUpdate notifies Apps of a device model change.
type CapabilitiesUpdate struct {
	Type         Type            `json:"type"`
	SessionID    string          `json:"sessionId"`
	ModelName    string          `json:"modelName"`
	Capabilities json.RawMessage `json:"capabilities"`
	Timestamp    Timestamp       `json:"timestamp,omitzero"`
}

// PermissionDetail describes one rejected subscription entry.
type PermissionDetail struct {
	Stream             streamkey.Key `json:"stream"`
	RequiredPermission string        `json:"requiredPermission"`
	Message            string        `json:"message"`
}

// PermissionError reports subscription entries rejected by the permission
// filter.
type PermissionError struct {
	Type      Type               `json:"type"`
	Message   string             `json:"message"`
	Details   []PermissionDetail `json:"details"`
	Timestamp Timestamp          `json:"timestamp,omitzero"`
}

// AppStopped tells an App its session has ended.
type AppStopped struct {
	Type      Type      `json:"type"`
	Timestamp Timestamp `json:"timestamp,omitzero"`
}

// SettingsUpdate is the legacy augmentos settings broadcast.
type SettingsUpdate struct {
	Type      Type           `json:"type"`
	SessionID string         `json:"sessionId"`
	Settings  map[string]any `json:"settings"`
	Timestamp Timestamp      `json:"timestamp,omitzero"`
}

// PhotoResult delivers a photo response to the requesting App.
type PhotoResult struct {
	Type           Type      `json:"type"`
	RequestID      string    `json:"requestId"`
	Success        bool      `json:"success"`
	PhotoURL       string    `json:"photoUrl,omitempty"`
	SavedToGallery bool      `json:"savedToGallery,omitempty"`
	Timestamp      Timestamp `json:"timestamp,omitzero"`
}
