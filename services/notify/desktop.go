package notifysvc

import (
	"context"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/mahudhurio/core"
)

const sendTimeout = 5 * time.Second

// DesktopNotifier shells out to notify-send. Installations without it
// report unsupported; there is no separate permission prompt on this
// path, so support implies granted.
type DesktopNotifier struct {
	appName string

	once sync.Once
	path string
}

var _ core.Notifier = (*DesktopNotifier)(nil)

func NewDesktopNotifier(appName string) *DesktopNotifier {
	return &DesktopNotifier{appName: appName}
}

func (n *DesktopNotifier) binary() string {
	n.once.Do(func() {
		if path, err := exec.LookPath("notify-send"); err == nil {
			n.path = path
		}
	})
	return n.path
}

func (n *DesktopNotifier) IsSupported() bool { return n.binary() != "" }

func (n *DesktopNotifier) Permission() core.NotifyPermission {
	if !n.IsSupported() {
		return core.NotifyUnsupported
	}
	return core.NotifyGranted
}

func (n *DesktopNotifier) RequestPermission() core.NotifyPermission { return n.Permission() }

func (n *DesktopNotifier) Notify(notif core.Notification) error {
	path := n.binary()
	if path == "" {
		return errors.New("notify: notify-send is not installed")
	}

	args := []string{"--app-name", n.appName}
	if notif.Tag != "" {
		// replace rather than stack notifications sharing a tag
		args = append(args, "-h", "string:x-canonical-private-synchronous:"+notif.Tag)
	}
	args = append(args, notif.Title, notif.Body)

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if out, err := exec.CommandContext(ctx, path, args...).CombinedOutput(); err != nil {
		return errors.Wrapf(err, "notify-send: %s", strings.TrimSpace(string(out)))
	}
	return nil
}
