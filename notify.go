package olx

import "log/slog"

// Notifier shows user-visible toasts or OS notifications.
type Notifier interface {
	NotifyMessage(conv ID, msg Message)
	Warn(text string)
}

// Navigator moves the user between views.
type Navigator interface {
	// ToConversationList leaves an unusable conversation view.
	ToConversationList(reason error)
	// ToLogin is used after a forced logout.
	ToLogin()
}

// NopNotifier drops every notification.
type NopNotifier struct{}

func (NopNotifier) NotifyMessage(ID, Message) {}
func (NopNotifier) Warn(string)               {}

// NopNavigator ignores navigation requests.
type NopNavigator struct{}

func (NopNavigator) ToConversationList(error) {}
func (NopNavigator) ToLogin()                 {}

// LogNotifier writes notifications to a logger.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) NotifyMessage(conv ID, msg Message) {
	n.Logger.Info("new message", "conversation", conv, "from", msg.SenderUsername, "id", msg.ID)
}

func (n LogNotifier) Warn(text string) {
	n.Logger.Warn(text)
}
