package subscription

import (
	"fmt"
	"slices"

	"github.com/openglass/lenshub/internal/store"
	"github.com/openglass/lenshub/pkg/message"
	"github.com/openglass/lenshub/pkg/streamkey"
)

// Permission names an App capability grant recorded in its descriptor.
const (
	PermissionMicrophone   = "MICROPHONE"
	PermissionLocation     = "LOCATION"
	PermissionCalendar     = "CALENDAR"
	PermissionNotifications = "NOTIFICATIONS"
)

// DeclaredPermissions is the default [PermissionChecker]: an App may
// subscribe to a protected stream only when its descriptor declares the
// matching permission. Streams without a permission mapping are open to
// every App.
type DeclaredPermissions struct{}

// requiredPermission maps a stream key to the permission guarding it, or ""
// when the stream is unprotected.
func requiredPermission(key streamkey.Key) string {
	switch {
	case key == streamkey.AudioChunk, key.IsTranscriptionLike():
		return PermissionMicrophone
	case key.IsLocation():
		return PermissionLocation
	case key == streamkey.CalendarEvent:
		return PermissionCalendar
	case key == streamkey.PhoneNotification:
		return PermissionNotifications
	}
	return ""
}

// Check implements [PermissionChecker].
func (DeclaredPermissions) Check(app store.App, key streamkey.Key) *message.PermissionDetail {
	required := requiredPermission(key)
	if required == "" {
		return nil
	}
	if slices.Contains(app.Permissions, required) {
		return nil
	}
	return &message.PermissionDetail{
		Stream:             key,
		RequiredPermission: required,
		Message:            fmt.Sprintf("subscription to %s requires the %s permission", key, required),
	}
}
