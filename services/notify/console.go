// Package notifysvc provides the core.Notifier backends the agent
// chooses from at startup.
package notifysvc

import (
	"fmt"

	"github.com/trezcool/mahudhurio/core"
)

// ConsoleNotifier routes notifications to the logger. Always supported;
// it is the floor every other backend degrades to.
type ConsoleNotifier struct {
	logger core.Logger
}

var _ core.Notifier = (*ConsoleNotifier)(nil)

func NewConsoleNotifier(logger core.Logger) *ConsoleNotifier {
	return &ConsoleNotifier{logger: logger}
}

func (n *ConsoleNotifier) IsSupported() bool { return true }

func (n *ConsoleNotifier) Permission() core.NotifyPermission { return core.NotifyGranted }

func (n *ConsoleNotifier) RequestPermission() core.NotifyPermission { return core.NotifyGranted }

func (n *ConsoleNotifier) Notify(notif core.Notification) error {
	n.logger.Info(fmt.Sprintf("NOTIFY: %s: %s", notif.Title, notif.Body))
	return nil
}
