package agent_test

import (
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/trezcool/mahudhurio/agent"
	"github.com/trezcool/mahudhurio/core"
	"github.com/trezcool/mahudhurio/core/attendance"
)

type fakeNotifier struct {
	mu        sync.Mutex
	supported bool
	perm      core.NotifyPermission
	grantTo   core.NotifyPermission // what RequestPermission settles on
	requests  int
	sent      []core.Notification
	notifyErr error
}

func (n *fakeNotifier) IsSupported() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.supported
}

func (n *fakeNotifier) Permission() core.NotifyPermission {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.perm
}

func (n *fakeNotifier) RequestPermission() core.NotifyPermission {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.requests++
	n.perm = n.grantTo
	return n.perm
}

func (n *fakeNotifier) Notify(notif core.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.notifyErr != nil {
		return n.notifyErr
	}
	n.sent = append(n.sent, notif)
	return nil
}

func (n *fakeNotifier) notified() []core.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]core.Notification(nil), n.sent...)
}

func grantedNotifier() *fakeNotifier {
	return &fakeNotifier{supported: true, perm: core.NotifyGranted}
}

func Test_dispatcher_notifiesTerminalStates(t *testing.T) {
	notifier := grantedNotifier()
	disp := agent.NewDispatcher(agent.DispatcherDeps{Notifier: notifier, Logger: testLogger})

	disp.HandleSessionStarted(&attendance.SessionEvent{ID: 7, Title: "Lecture 4", CourseCode: "CS101"})
	disp.HandleSessionStarted(nil)
	disp.HandleUpdate(agent.Update{SessionID: 7, Phase: agent.PhaseVerifying})
	disp.HandleUpdate(agent.Update{SessionID: 7, Phase: agent.PhaseOutcome}) // no outcome payload

	outcomes := []struct {
		kind  agent.OutcomeKind
		title string
	}{
		{agent.OutcomePresent, "Attendance marked"},
		{agent.OutcomeAbsent, "Attendance recorded as absent"},
		{agent.OutcomeDuplicate, "Attendance already marked"},
		{agent.OutcomeError, "Attendance submission failed"},
	}
	for _, o := range outcomes {
		disp.HandleUpdate(agent.Update{
			SessionID: 7,
			Phase:     agent.PhaseOutcome,
			Outcome:   &agent.Outcome{SessionID: 7, Kind: o.kind, Reason: "because"},
		})
	}
	disp.HandleUnreachable()

	sent := notifier.notified()
	if assert.Len(t, sent, 6, "one notification per event and terminal state, nothing for transient phases") {
		assert.Equal(t, "Attendance session started", sent[0].Title)
		assert.Contains(t, sent[0].Body, "CS101 Lecture 4")
		assert.Equal(t, "attendance-7", sent[0].Tag)
		for i, o := range outcomes {
			assert.Equal(t, o.title, sent[1+i].Title)
			assert.Equal(t, "because", sent[1+i].Body)
			assert.Equal(t, "attendance-7", sent[1+i].Tag)
		}
		assert.Equal(t, "Live updates unavailable", sent[5].Title)
	}
}

func Test_dispatcher_untitledSessionFallsBack(t *testing.T) {
	notifier := grantedNotifier()
	disp := agent.NewDispatcher(agent.DispatcherDeps{Notifier: notifier, Logger: testLogger})

	disp.HandleSessionStarted(&attendance.SessionEvent{ID: 9, CourseCode: "CS102"})
	disp.HandleUpdate(agent.Update{
		SessionID: 9,
		Phase:     agent.PhaseOutcome,
		Outcome:   &agent.Outcome{SessionID: 9, Kind: agent.OutcomePresent},
	})

	sent := notifier.notified()
	if assert.Len(t, sent, 2) {
		assert.Contains(t, sent[0].Body, "CS102 Unknown")
		assert.Contains(t, sent[1].Body, "Session 9")
	}
}

func Test_dispatcher_permissionHandling(t *testing.T) {
	started := &attendance.SessionEvent{ID: 7, Title: "Lecture 4", CourseCode: "CS101"}

	t.Run("unsupported stays silent", func(t *testing.T) {
		notifier := &fakeNotifier{supported: false, perm: core.NotifyUnsupported}
		disp := agent.NewDispatcher(agent.DispatcherDeps{Notifier: notifier, Logger: testLogger})

		disp.HandleSessionStarted(started)
		assert.Empty(t, notifier.notified())
		assert.Zero(t, notifier.requests, "no permission prompt without support")
	})

	t.Run("default asks once then delivers", func(t *testing.T) {
		notifier := &fakeNotifier{supported: true, perm: core.NotifyDefault, grantTo: core.NotifyGranted}
		disp := agent.NewDispatcher(agent.DispatcherDeps{Notifier: notifier, Logger: testLogger})

		disp.HandleSessionStarted(started)
		disp.HandleUnreachable()
		assert.Len(t, notifier.notified(), 2)
		assert.Equal(t, 1, notifier.requests)
	})

	t.Run("default denied stays silent", func(t *testing.T) {
		notifier := &fakeNotifier{supported: true, perm: core.NotifyDefault, grantTo: core.NotifyDenied}
		disp := agent.NewDispatcher(agent.DispatcherDeps{Notifier: notifier, Logger: testLogger})

		disp.HandleSessionStarted(started)
		disp.HandleUnreachable()
		assert.Empty(t, notifier.notified())
		assert.Equal(t, 1, notifier.requests, "a denial is not re-prompted")
	})

	t.Run("denied outright never asks", func(t *testing.T) {
		notifier := &fakeNotifier{supported: true, perm: core.NotifyDenied}
		disp := agent.NewDispatcher(agent.DispatcherDeps{Notifier: notifier, Logger: testLogger})

		disp.HandleSessionStarted(started)
		assert.Empty(t, notifier.notified())
		assert.Zero(t, notifier.requests)
	})

	t.Run("delivery failure is tolerated", func(t *testing.T) {
		notifier := grantedNotifier()
		notifier.notifyErr = errors.New("dbus gone")
		disp := agent.NewDispatcher(agent.DispatcherDeps{Notifier: notifier, Logger: testLogger})

		disp.HandleSessionStarted(started) // logs, nothing else
		assert.Empty(t, notifier.notified())
	})
}
