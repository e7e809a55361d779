package commands

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/1ureka/udplink/internal/config"
	"github.com/1ureka/udplink/internal/identity"
	"github.com/1ureka/udplink/internal/link"
	"github.com/1ureka/udplink/internal/metrics"
	"github.com/1ureka/udplink/internal/monitor"
	"github.com/1ureka/udplink/internal/transport"
	"github.com/1ureka/udplink/internal/util"
)

// node is a running transport server plus everything started around it.
type node struct {
	*transport.Server
	ids *identity.Store
	mon *monitor.Server
}

// startNode opens the identity store, starts the server and, if configured,
// the monitor.
func startNode(ctx context.Context, cfg config.Config, report bool) (*node, error) {
	n := &node{}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.NewPrometheus("udplink", reg)

	var ids transport.IDStore
	if cfg.IdentityPath != "" {
		store, err := identity.Open(cfg.IdentityPath)
		if err != nil {
			util.LogWarning("using random peer ids: %v", err)
		} else {
			n.ids = store
			ids = store
		}
	}

	opts := cfg.TransportOptions(ids, rec)
	opts.Report = report

	srv, err := transport.NewServer(ctx, opts)
	if err != nil {
		n.closeStore()
		return nil, fmt.Errorf("failed to start server: %w", err)
	}
	n.Server = srv

	if cfg.MonitorAddr != "" {
		n.mon = monitor.New(srv, reg)
		if _, err := n.mon.Start(cfg.MonitorAddr); err != nil {
			srv.Close()
			n.closeStore()
			return nil, err
		}
	}

	for _, addr := range srv.LocalAddrs() {
		util.LogInfo("bound %s", addr)
	}
	return n, nil
}

// stop closes every link gracefully, then the server, the monitor and the
// identity store.
func (n *node) stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), transport.DefaultShutdownTimeout)
	defer cancel()

	var errs []error
	errs = append(errs, n.Shutdown(ctx))
	if n.mon != nil {
		errs = append(errs, n.mon.Close())
	}
	errs = append(errs, n.closeStore())
	return errors.Join(errs...)
}

func (n *node) closeStore() error {
	if n.ids == nil {
		return nil
	}
	return n.ids.Close()
}

// waitEstablished blocks until l is established. It fails if the link dies
// first or ctx is done.
func waitEstablished(ctx context.Context, l *link.Link) error {
	result := make(chan error, 1)
	report := func(err error) {
		select {
		case result <- err:
		default:
		}
	}

	cancel := l.Subscribe(func(e link.Event) {
		switch e.Type {
		case link.EventEstablished:
			report(nil)
		case link.EventTimeout, link.EventResendFailure, link.EventClosed:
			report(fmt.Errorf("link %s: %s", l, e.Type))
		}
	})
	defer cancel()

	if l.IsEstablished() {
		return nil
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// waitClosed blocks until l has finished or ctx is done.
func waitClosed(ctx context.Context, l *link.Link) error {
	done := make(chan struct{})
	var once sync.Once
	cancel := l.Subscribe(func(e link.Event) {
		if e.Type == link.EventClosed {
			once.Do(func() { close(done) })
		}
	})
	defer cancel()

	if l.IsDone() {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
