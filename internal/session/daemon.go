package session

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/zulandar/stealthchat/internal/transport"
)

// Daemon connects an adapter, reconciles the engine from channel history,
// pumps inbound messages to session subscribers and runs the idle reaper.
type Daemon struct {
	adapter transport.Adapter
	engine  *Engine
	reaper  *Reaper
	out     io.Writer
	booted  chan struct{}
}

// DaemonOpts holds parameters for creating a Daemon.
type DaemonOpts struct {
	Adapter transport.Adapter
	Engine  *Engine
	Reaper  *Reaper   // optional; idle sessions are never reaped without one
	Out     io.Writer // defaults to os.Stdout
}

// NewDaemon creates a Daemon with the given options.
func NewDaemon(opts DaemonOpts) (*Daemon, error) {
	if opts.Adapter == nil {
		return nil, fmt.Errorf("session: daemon: adapter is required")
	}
	if opts.Engine == nil {
		return nil, fmt.Errorf("session: daemon: engine is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	if opts.Reaper == nil {
		fmt.Fprintf(out, "session: no reaper configured; idle sessions will not expire\n")
	}
	return &Daemon{
		adapter: opts.Adapter,
		engine:  opts.Engine,
		reaper:  opts.Reaper,
		out:     out,
		booted:  make(chan struct{}),
	}, nil
}

// Booted is closed once the adapter is ready and the first reconciliation
// has completed. Lifecycle calls made before that see an empty registry.
func (d *Daemon) Booted() <-chan struct{} { return d.booted }

// Run connects the adapter, waits for readiness, reconciles, then serves
// inbound messages until ctx is cancelled. A readiness signal after boot
// (a gateway reconnect) triggers another reconciliation. On shutdown the
// adapter is closed.
func (d *Daemon) Run(ctx context.Context) error {
	fmt.Fprintf(d.out, "Connecting...\n")
	if err := d.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("session: connect: %w", err)
	}

	var readyCh <-chan struct{}
	if rn, ok := d.adapter.(transport.ReadyNotifier); ok {
		readyCh = rn.Ready()
		select {
		case <-ctx.Done():
			d.adapter.Close()
			return nil
		case <-readyCh:
		}
	}

	if err := d.engine.Reconcile(ctx); err != nil {
		d.adapter.Close()
		return err
	}
	fmt.Fprintf(d.out, "Recovered %d sessions\n", d.engine.Registry().Len())

	inbound, err := d.adapter.Listen(ctx)
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("session: listen: %w", err)
	}

	close(d.booted)
	if d.reaper != nil {
		go d.reaper.Run(ctx, d.booted)
	}

	fmt.Fprintf(d.out, "Online\n")

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(d.out, "Shutting down...\n")
			if err := d.adapter.Close(); err != nil {
				log.Printf("session: close adapter: %v", err)
			}
			fmt.Fprintf(d.out, "Stopped\n")
			return nil

		case <-readyCh:
			log.Printf("session: transport ready again, reconciling")
			if err := d.engine.Reconcile(ctx); err != nil {
				log.Printf("session: reconcile after reconnect: %v", err)
			}

		case msg, ok := <-inbound:
			if !ok {
				fmt.Fprintf(d.out, "Inbound channel closed\n")
				return nil
			}
			d.engine.HandleInbound(msg)
		}
	}
}
