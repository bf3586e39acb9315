package riskgate

import (
	"context"
	"sync"

	"vigil/pkg/pushchan"
	"vigil/pkg/vision"
)

// Runner is a periodic worker driven until its context is cancelled. The
// capture pipeline and the heartbeat monitor both satisfy it.
type Runner interface {
	Run(ctx context.Context)
}

// Engine owns the lifecycle of one authenticated session: the periodic
// workers, the push channel, and the orchestrator that merges their outputs.
type Engine struct {
	source  vision.Source
	runners []Runner
	push    *pushchan.Client
	orch    *Orchestrator

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
	pushSub pushchan.Subscription
}

// NewEngine assembles an Engine. The runners are started verbatim by Start;
// callers pass the capture pipeline and heartbeat monitor.
func NewEngine(source vision.Source, push *pushchan.Client, orch *Orchestrator, runners ...Runner) *Engine {
	return &Engine{
		source:  source,
		runners: runners,
		push:    push,
		orch:    orch,
	}
}

// Orchestrator returns the engine's risk gate.
func (e *Engine) Orchestrator() *Orchestrator { return e.orch }

// Start launches the periodic workers and opens the push channel for the
// session token. Calling Start twice is a no-op.
func (e *Engine) Start(ctx context.Context, sessionToken string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true

	ctx, e.cancel = context.WithCancel(ctx)
	for _, r := range e.runners {
		e.wg.Add(1)
		go func(r Runner) {
			defer e.wg.Done()
			r.Run(ctx)
		}(r)
	}

	e.pushSub = e.orch.BindPush(e.push)
	e.push.Connect(sessionToken)
}

// Close tears the session down: every ticker stops, the push channel closes
// without entering its reconnect path, and the camera is released before
// Close returns.
func (e *Engine) Close() error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	e.push.Off(e.pushSub)
	e.push.Disconnect()
	err := e.source.Close()
	e.wg.Wait()
	return err
}
