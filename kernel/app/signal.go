package app

import (
	"os"
	"os/signal"
	"syscall"
)

// SignalBridge translates OS interrupt/terminate signals into a close_app
// request posted onto the App's own control queue, so shutdown is started
// from the same loop every other App-level command runs on, just as a
// close_app cmd starts it.
type SignalBridge struct {
	app   *App
	sigCh chan os.Signal
	stop  chan struct{}
}

// NewSignalBridge constructs a bridge for app. It does not start trapping
// signals until Start is called.
func NewSignalBridge(app *App) *SignalBridge {
	return &SignalBridge{
		app:   app,
		sigCh: make(chan os.Signal, 1),
		stop:  make(chan struct{}),
	}
}

// Start installs the signal trap and begins watching for SIGINT/SIGTERM,
// unless TEN_DISABLE_SIGNAL_TRAP is set, in which case it is a no-op —
// tests that need deterministic shutdown ordering set this rather than
// racing a real OS signal.
func (b *SignalBridge) Start() {
	if os.Getenv("TEN_DISABLE_SIGNAL_TRAP") == "true" {
		return
	}
	signal.Notify(b.sigCh, syscall.SIGINT, syscall.SIGTERM)
	go b.loop()
}

func (b *SignalBridge) loop() {
	select {
	case <-b.sigCh:
		b.app.PostTask(func() { go b.app.Stop() })
	case <-b.stop:
	}
}

// Stop releases the signal trap without closing the App.
func (b *SignalBridge) Stop() {
	signal.Stop(b.sigCh)
	close(b.stop)
}
