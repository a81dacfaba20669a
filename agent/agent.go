package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/golang/glog"

	"collabtext/client"
	"collabtext/protocol"
)

var errGaveUp = errors.New("server unreachable, gave up reconnecting")

// agent is one session connection mirroring one document. Operations still
// unacknowledged on Close are kept in the outbox and submitted again by the
// next agent for the same document.
type agent struct {
	cfg     *Config
	outbox  *client.Outbox
	session *client.Session
	doc     *client.Document

	// events is signalled on every document event
	events  chan struct{}
	history chan []protocol.Operation

	mu       sync.Mutex
	rejected []string
	gaveUp   bool
}

func openAgent(ctx context.Context, cfg *Config) (*agent, error) {
	addr := cfg.Addr
	if addr == "" {
		discoverCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
		var err error
		if addr, err = client.Discover(discoverCtx); err != nil {
			return nil, err
		}
	}
	url, err := client.SessionURL(addr, cfg.Session, cfg.User)
	if err != nil {
		return nil, err
	}

	outbox, err := client.OpenOutbox(cfg.Outbox)
	if err != nil {
		return nil, err
	}

	settings := client.DefaultDocumentSettings()
	settings.Transform = true
	settings.RequestTimeout = cfg.Timeout

	a := &agent{
		cfg:     cfg,
		outbox:  outbox,
		session: client.NewSession(client.NewConnectionWithDefaults(url), settings),
		events:  make(chan struct{}, 1),
		history: make(chan []protocol.Operation, 1),
	}
	a.session.Connection().SetGiveUpHandler(func(attempts int, err error) {
		glog.Errorf("[agent]gave up after %d attempts = %s\n", attempts, err)
		a.mu.Lock()
		a.gaveUp = true
		a.mu.Unlock()
		a.signal()
	})

	if err := a.session.Connect(ctx); err != nil {
		outbox.Close()
		return nil, err
	}
	glog.Infof("[agent]joined %s as %q\n", cfg.Session, cfg.User)

	a.doc = a.session.DocumentWithObserver(cfg.Collection, cfg.DocID, &client.DocumentObserver{
		OnChange: func(content string, version int) {
			glog.V(2).Infof("[agent]%s at v%d\n", protocol.Key(cfg.Collection, cfg.DocID), version)
			a.signal()
		},
		OnAck: func(op protocol.Operation, version int) {
			glog.V(1).Infof("[agent]acked %s\n", op)
			a.signal()
		},
		OnRejected: func(op protocol.Operation, reason string) {
			glog.Warningf("[agent]rejected %s = %s\n", op, reason)
			a.mu.Lock()
			a.rejected = append(a.rejected, fmt.Sprintf("%s: %s", op, reason))
			a.mu.Unlock()
			a.signal()
		},
		OnError: func(reason string) {
			glog.Warningf("[agent]document error = %s\n", reason)
			a.signal()
		},
		OnHistory: func(fromVersion int, ops []protocol.Operation) {
			select {
			case a.history <- ops:
			default:
			}
			a.signal()
		},
	})

	if err := a.wait(ctx, a.synced); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.resubmit(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *agent) signal() {
	select {
	case a.events <- struct{}{}:
	default:
	}
}

// wait blocks until done reports true, with the configured timeout.
func (a *agent) wait(ctx context.Context, done func() (bool, error)) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()
	for {
		if ok, err := done(); ok || err != nil {
			return err
		}
		select {
		case <-a.events:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (a *agent) synced() (bool, error) {
	if err := a.failed(); err != nil {
		return false, err
	}
	snap := a.doc.Snapshot()
	switch snap.State {
	case client.DocSynced:
		return true, nil
	case client.DocError:
		return false, fmt.Errorf("fetch %s: %s", a.doc.Key(), snap.Err)
	}
	return false, nil
}

// idle reports whether every submitted operation has been answered.
func (a *agent) idle() (bool, error) {
	if err := a.failed(); err != nil {
		return false, err
	}
	snap := a.doc.Snapshot()
	return !snap.InFlight && snap.Pending == 0, nil
}

func (a *agent) failed() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.gaveUp {
		return errGaveUp
	}
	return nil
}

// takeRejected returns and clears the rejections seen so far.
func (a *agent) takeRejected() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	rejected := a.rejected
	a.rejected = nil
	return rejected
}

// resubmit queues the operations an earlier agent left in the outbox. The
// document settles those it already transmitted against the history, so an
// operation the store applied before the earlier agent quit is not applied
// again.
func (a *agent) resubmit() error {
	ops, err := a.outbox.Drain(a.doc.Key())
	if err != nil || len(ops) == 0 {
		return err
	}
	glog.Infof("[agent]resubmit %d operations from v%d\n", len(ops), ops[0].Version)
	switch err := a.doc.Restore(ops); {
	case err == nil, errors.Is(err, client.ErrNotConnected):
		// queued; saved again on Close if never acknowledged
	default:
		glog.Warningf("[agent]drop %d operations = %s\n", len(ops), err)
	}
	return nil
}

// Close leaves the session and saves the unacknowledged operations.
func (a *agent) Close() error {
	var errs []error
	for key, ops := range a.session.Close() {
		glog.Infof("[agent]saving %d unacknowledged operations of %s\n", len(ops), key)
		errs = append(errs, a.outbox.Save(key, ops))
	}
	errs = append(errs, a.outbox.Close())
	return errors.Join(errs...)
}
