// The agent binary is the student-side attendance client: it signs in
// to the host app, listens for session events over the realtime channel
// with a polling fallback, and marks attendance automatically with a
// verified location fix.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/trezcool/mahudhurio/agent"
	"github.com/trezcool/mahudhurio/core"
	"github.com/trezcool/mahudhurio/core/attendance"
	"github.com/trezcool/mahudhurio/core/geo"
	"github.com/trezcool/mahudhurio/realtime"
	locationsvc "github.com/trezcool/mahudhurio/services/location"
	logsvc "github.com/trezcool/mahudhurio/services/logger"
	notifysvc "github.com/trezcool/mahudhurio/services/notify"
	"github.com/trezcool/mahudhurio/storage/ledger"
)

var readPasswordFunc = term.ReadPassword // mockable

func main() {
	if err := run(); err != nil {
		log.Fatalf("agent: %v", err)
	}
}

func run() error {
	// =========================================================================
	// Set up Dependencies

	conf := core.NewConfig()

	logger := logsvc.NewStdLogger(
		log.New(os.Stdout, "AGENT : ", log.LstdFlags|log.Lmicroseconds),
	)

	username := flag.String("username", os.Getenv("AGENT_USERNAME"), "host-app username")
	password := flag.String("password", os.Getenv("AGENT_PASSWORD"), "host-app password (prompted when empty)")
	flag.Parse()

	if *username == "" {
		return fmt.Errorf("a -username (or AGENT_USERNAME) is required")
	}
	if *password == "" {
		fmt.Print("Enter password:")
		pwd, err := readPasswordFunc(syscall.Stdin)
		fmt.Println()
		if err != nil {
			return err
		}
		*password = string(pwd)
	}
	if *password == "" {
		return fmt.Errorf("a password is required")
	}

	// =========================================================================
	// Sign in

	client := agent.NewClient(agent.ClientOptions{
		BaseURL: conf.Agent.ServerBaseURL,
		Logger:  logger,
	})

	loginCtx, cancelLogin := context.WithTimeout(context.Background(), 30*time.Second)
	token, err := client.Login(loginCtx, *username, *password)
	cancelLogin()
	if err != nil {
		return err
	}
	userID, err := client.UserID()
	if err != nil {
		return err
	}
	logger.Info(fmt.Sprintf("signed in as %s (user %d)", *username, userID))

	// =========================================================================
	// Build the marking pipeline

	led, err := openLedger(conf, userID)
	if err != nil {
		return err
	}
	defer led.Close()

	orch := agent.NewOrchestrator(agent.OrchestratorDeps{
		Marker:          client,
		Location:        newLocationProvider(conf, logger),
		Ledger:          led,
		Logger:          logger,
		LocationTimeout: conf.Agent.LocationTimeout,
	})
	defer orch.Close()

	monitor := agent.NewMonitor(agent.MonitorDeps{
		Board:    client,
		Sink:     orch,
		Ledger:   led,
		Logger:   logger,
		Interval: conf.Agent.PollInterval,
	})
	defer monitor.Close()

	channel := realtime.NewChannel(realtime.ChannelOptions{
		BaseURL:           conf.Agent.ServerBaseURL,
		UserID:            userID,
		Token:             token,
		HeartbeatInterval: conf.Agent.HeartbeatInterval,
		ReconnectDelay:    conf.Agent.ReconnectDelay,
		MaxAttempts:       conf.Agent.MaxReconnectAttempts,
		Logger:            logger,
	})
	defer channel.Close()

	dispatcher := agent.NewDispatcher(agent.DispatcherDeps{
		Notifier: newNotifier(conf, logger),
		Logger:   logger,
	})

	view := newViewLoop(conf)

	// =========================================================================
	// Wire events

	orch.OnUpdate(dispatcher.HandleUpdate)
	orch.OnUpdate(view.handleUpdate)
	orch.OnUpdate(func(u agent.Update) {
		// a terminal outcome changes the board; refetch it promptly
		if u.Phase == agent.PhaseOutcome {
			monitor.Kick()
		}
	})
	monitor.OnBoard(view.handleBoard)

	channel.OnEvent(attendance.EventSessionStarted, func(evt attendance.Event) {
		dispatcher.HandleSessionStarted(evt.Session)
		orch.Offer(agent.TriggerFromEvent(evt.Session))
	})
	channel.OnEvent(attendance.EventSessionEnded, func(attendance.Event) { monitor.Kick() })
	channel.OnEvent(attendance.EventMarked, func(attendance.Event) { monitor.Kick() })
	channel.OnState(func(s realtime.State) {
		view.handleChannelState(s)
		if s == realtime.StateOpen {
			// catch whatever happened while we were offline
			monitor.Kick()
		}
	})
	channel.OnUnreachable(func() {
		dispatcher.HandleUnreachable()
		view.handleUnreachable()
	})

	// =========================================================================
	// Run

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err = channel.Connect(ctx); err != nil {
		return err
	}
	if err = monitor.Start(); err != nil {
		return err
	}
	go refreshBearerLoop(ctx, client, logger)

	// =========================================================================
	// Shutdown

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range signals {
		if sig == syscall.SIGHUP {
			// focus-regain analog: sweep for missed sessions now
			monitor.Kick()
			continue
		}
		logger.Info(fmt.Sprintf("%v: shutting down", sig))
		return nil
	}
	return nil
}

func openLedger(conf *core.Config, userID int) (agent.Ledger, error) {
	path := conf.Agent.LedgerPath
	if path == "" {
		dir, err := os.UserCacheDir()
		if err != nil {
			dir = conf.WorkDir
		}
		dir = filepath.Join(dir, "mahudhurio")
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
		path = filepath.Join(dir, fmt.Sprintf("ledger-%d.db", userID))
	}
	return ledger.OpenBolt(path)
}

func newLocationProvider(conf *core.Config, logger core.Logger) geo.Provider {
	if conf.Agent.LocationProvider == "static" {
		return locationsvc.NewStaticProvider(conf.Agent.StaticLatitude, conf.Agent.StaticLongitude, 5)
	}
	return locationsvc.NewCommandProvider(locationsvc.CommandProviderOptions{
		Command: conf.Agent.LocationCommand,
		Logger:  logger,
	})
}

func newNotifier(conf *core.Config, logger core.Logger) core.Notifier {
	if conf.Agent.Notifier == "desktop" {
		if n := notifysvc.NewDesktopNotifier(conf.AppName); n.IsSupported() {
			return n
		}
		logger.Warn("desktop notifications unsupported here; using the console")
	}
	return notifysvc.NewConsoleNotifier(logger)
}

// refreshBearerLoop rotates the bearer token shortly before it lapses so
// polling and marking keep working across long-lived runs.
func refreshBearerLoop(ctx context.Context, client *agent.Client, logger core.Logger) {
	const margin = 5 * time.Minute
	for {
		expiry, err := client.BearerExpiry()
		if err != nil {
			logger.Warn(fmt.Sprintf("reading bearer expiry: %v", err))
			return
		}
		wait := time.Until(expiry) - margin
		if wait < time.Minute {
			wait = time.Minute
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		refreshCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		_, err = client.RefreshBearer(refreshCtx)
		cancel()
		if err != nil {
			// retried on the next round; the server keeps the old token
			// valid until its actual expiry
			logger.Warn(fmt.Sprintf("refreshing bearer token: %v", err))
		}
	}
}

// viewLoop gathers channel/monitor/orchestrator state and re-renders the
// terminal banner on every change.
type viewLoop struct {
	mu    sync.Mutex
	state agent.ViewState
}

func newViewLoop(conf *core.Config) *viewLoop {
	return &viewLoop{
		state: agent.ViewState{
			ChannelState: realtime.StateDisconnected,
			PollInterval: conf.Agent.PollInterval,
			Phase:        agent.PhaseIdle,
		},
	}
}

func (v *viewLoop) handleUpdate(u agent.Update) {
	v.mu.Lock()
	v.state.Phase = u.Phase
	if u.Outcome != nil {
		v.state.LastOutcome = u.Outcome
	}
	v.mu.Unlock()
	v.render()
}

func (v *viewLoop) handleBoard(board attendance.StudentBoard) {
	v.mu.Lock()
	v.state.Board = board
	v.mu.Unlock()
	v.render()
}

func (v *viewLoop) handleChannelState(s realtime.State) {
	v.mu.Lock()
	v.state.ChannelState = s
	v.mu.Unlock()
	v.render()
}

func (v *viewLoop) handleUnreachable() {
	v.mu.Lock()
	v.state.Unreachable = true
	v.mu.Unlock()
	v.render()
}

func (v *viewLoop) render() {
	v.mu.Lock()
	banner := agent.ProjectBanner(v.state)
	v.mu.Unlock()
	fmt.Print("\n" + banner.Render())
}
