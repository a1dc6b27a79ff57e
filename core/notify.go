package core

// Notification permission states, mirroring the usual desktop/browser model.
type NotifyPermission string

const (
	NotifyDefault     NotifyPermission = "default"
	NotifyGranted     NotifyPermission = "granted"
	NotifyDenied      NotifyPermission = "denied"
	NotifyUnsupported NotifyPermission = "unsupported"
)

type Notification struct {
	Title string
	Body  string
	Tag   string // dedupe key; later notifications with the same tag replace earlier ones
}

// Notifier is any service that can surface user-facing notifications.
// An unsupported backend is a capability gap, not an error: callers
// feature-detect via IsSupported and degrade to nothing.
type Notifier interface {
	IsSupported() bool
	Permission() NotifyPermission
	RequestPermission() NotifyPermission
	Notify(n Notification) error
}
