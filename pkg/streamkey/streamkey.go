// Package streamkey defines the encoding of data-stream identifiers used by
// Apps to subscribe to session data.
//
// A stream key is a tagged string. Plain keys name a stream directly
// ("audio-chunk", "calendar-event"). Language-qualified keys carry a BCP-47
// tag ("transcription:en-US") or a translation pair
// ("translation:es-ES-to-en-US"). Wildcards ("*", "all") match every stream.
// Settings keys ("augmentos:<key>") subscribe an App to changes of a single
// user setting.
package streamkey

import (
	"fmt"
	"strings"
)

// Key is an encoded stream identifier.
type Key string

// Plain stream keys.
const (
	AudioChunk       Key = "audio-chunk"
	Transcription    Key = "transcription"
	Translation      Key = "translation"
	LocationStream   Key = "location-stream"
	LocationUpdate   Key = "location-update"
	CalendarEvent    Key = "calendar-event"
	RTMPStreamStatus Key = "rtmp-stream-status"
	VAD              Key = "vad"
	ButtonPress      Key = "button-press"
	GlassesBattery   Key = "glasses-battery-update"
	PhoneNotification Key = "phone-notification"
)

// Wildcard keys match every stream.
const (
	Wildcard    Key = "*"
	WildcardAll Key = "all"
)

// DefaultTranscription is the language stream a bare "transcription"
// subscription expands to.
const DefaultTranscription Key = "transcription:en-US"

// settingsPrefix tags keys that subscribe to user-setting changes.
const settingsPrefix = "augmentos:"

// translationSep separates source and target language in a translation key.
const translationSep = "-to-"

// IsWildcard reports whether k matches every stream.
func (k Key) IsWildcard() bool {
	return k == Wildcard || k == WildcardAll
}

// IsSettings reports whether k is a settings subscription key.
func (k Key) IsSettings() bool {
	return strings.HasPrefix(string(k), settingsPrefix)
}

// SettingsKey returns the setting name a settings key refers to.
// The second return is false when k is not a settings key.
func (k Key) SettingsKey() (string, bool) {
	if !k.IsSettings() {
		return "", false
	}
	return strings.TrimPrefix(string(k), settingsPrefix), true
}

// MatchesSetting reports whether k subscribes to changes of the named user
// setting. The wildcard settings keys "augmentos:*" and "augmentos:all"
// match every setting.
func (k Key) MatchesSetting(setting string) bool {
	name, ok := k.SettingsKey()
	if !ok {
		return false
	}
	return name == setting || name == "*" || name == "all"
}

// SettingKey builds the settings subscription key for a setting name.
func SettingKey(setting string) Key {
	return Key(settingsPrefix + setting)
}

// TranscriptionLanguage returns the language tag of a language-qualified
// transcription key ("transcription:en-US" → "en-US"). The second return is
// false for all other keys.
func (k Key) TranscriptionLanguage() (string, bool) {
	rest, ok := strings.CutPrefix(string(k), string(Transcription)+":")
	if !ok || rest == "" {
		return "", false
	}
	return rest, true
}

// TranslationPair returns the source and target language tags of a
// translation key ("translation:es-ES-to-en-US" → "es-ES", "en-US").
// The third return is false for all other keys.
func (k Key) TranslationPair() (src, dst string, ok bool) {
	rest, found := strings.CutPrefix(string(k), string(Translation)+":")
	if !found || rest == "" {
		return "", "", false
	}
	src, dst, found = strings.Cut(rest, translationSep)
	if !found || src == "" || dst == "" {
		return "", "", false
	}
	return src, dst, true
}

// IsTranscriptionLike reports whether k requires a speech pipeline: a direct
// or language-qualified transcription or translation key.
func (k Key) IsTranscriptionLike() bool {
	if k == Transcription || k == Translation {
		return true
	}
	if _, ok := k.TranscriptionLanguage(); ok {
		return true
	}
	_, _, ok := k.TranslationPair()
	return ok
}

// IsLocation reports whether k subscribes to location data, in either the
// current ("location-stream", optionally rate-qualified) or the legacy
// ("location-update") encoding.
func (k Key) IsLocation() bool {
	return k == LocationStream || k == LocationUpdate || k.LocationRate() != ""
}

// LocationRate returns the rate qualifier of a rate-qualified location key
// ("location-stream:high" → "high"), or "" when k carries no rate.
func (k Key) LocationRate() string {
	rest, ok := strings.CutPrefix(string(k), string(LocationStream)+":")
	if !ok {
		return ""
	}
	return rest
}

// WithLocationRate builds a rate-qualified location-stream key.
func WithLocationRate(rate string) Key {
	return Key(string(LocationStream) + ":" + rate)
}

// Base strips any language, translation-pair, or rate qualifier, returning
// the plain stream the key belongs to.
func (k Key) Base() Key {
	if base, _, ok := strings.Cut(string(k), ":"); ok {
		return Key(base)
	}
	return k
}

// Normalize canonicalises a key as it appears in a subscription request:
// a bare "transcription" expands to [DefaultTranscription]; everything else
// is returned unchanged.
func (k Key) Normalize() Key {
	if k == Transcription {
		return DefaultTranscription
	}
	return k
}

// Validate reports whether k is a well-formed stream key. Translation keys
// with identical source and target languages and empty keys are rejected.
func (k Key) Validate() error {
	if k == "" {
		return fmt.Errorf("streamkey: empty key")
	}
	if strings.HasPrefix(string(k), string(Translation)+":") {
		src, dst, ok := k.TranslationPair()
		if !ok {
			return fmt.Errorf("streamkey: malformed translation key %q", k)
		}
		if src == dst {
			return fmt.Errorf("streamkey: translation key %q has identical source and target", k)
		}
	}
	return nil
}

// Matches reports whether a subscription to k covers the concrete stream
// target. Wildcards match everything. A "location-stream" subscription (with
// or without a rate) covers the legacy "location-update" stream and vice
// versa.
func (k Key) Matches(target Key) bool {
	if k.IsWildcard() {
		return true
	}
	if k == target {
		return true
	}
	if k.IsLocation() && target.IsLocation() {
		return true
	}
	return false
}
