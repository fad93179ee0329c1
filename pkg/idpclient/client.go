// Copyright 2018-2019 CERN
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

package idpclient

import (
	"context"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v2"
)

// DefaultPoolSize is the default number of concurrent in-flight IdP
// requests (spec.md §4.2: "a pool of reusable multiplexed-transfer
// handles (default 8)").
const DefaultPoolSize = 8

// Config tunes a Client's concurrency and failure-handling behavior.
type Config struct {
	PoolSize             int
	RequestTimeout       time.Duration
	CircuitFailThreshold int
	CircuitCoolDown      time.Duration
	FetchClientToken     func(ctx context.Context) (AdminToken, error)
}

// Client dispatches Requests against a registry of per-Kind Executors. A
// bounded worker pool (the "pool of reusable multiplexed-transfer
// handles") bounds concurrent outbound HTTP calls; a single completion
// goroutine delivers every Callback serialized, so callers never observe
// two callbacks running concurrently — the cooperative-loop property the
// spec's event-loop integration depends on.
type Client struct {
	cfg        Config
	sem        chan struct{}
	breaker    *circuitBreaker
	tokens     *tokenManager
	executors  map[Kind]Executor
	completion chan completion
	sessions   *sessionRegistry

	wg     sync.WaitGroup
	stopCh chan struct{}
}

type completion struct {
	ctx context.Context
	req Request
	res Result
	cb  Callback
}

// New builds a Client. Register executors for each Kind via RegisterExecutor
// before the first Submit.
func New(cfg Config) (*Client, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	c := &Client{
		cfg:        cfg,
		sem:        make(chan struct{}, cfg.PoolSize),
		breaker:    newCircuitBreaker(cfg.CircuitFailThreshold, cfg.CircuitCoolDown),
		executors:  make(map[Kind]Executor),
		completion: make(chan completion, cfg.PoolSize*4),
		sessions:   newSessionRegistry(),
		stopCh:     make(chan struct{}),
	}
	if cfg.FetchClientToken != nil {
		tm, err := newTokenManager(cfg.FetchClientToken)
		if err != nil {
			return nil, err
		}
		c.tokens = tm
	}
	c.wg.Add(1)
	go c.runCompletionLoop()
	return c, nil
}

// RegisterExecutor binds kind to the Executor that performs its HTTP call.
func (c *Client) RegisterExecutor(kind Kind, ex Executor) {
	c.executors[kind] = ex
}

// Close stops the completion loop once all in-flight work has delivered
// its callback.
func (c *Client) Close() {
	close(c.stopCh)
	c.wg.Wait()
}

// EnsureToken resolves the current admin bearer token via the
// ensure_token_async waiter-queue (spec §4.2), invoking cb once resolved.
func (c *Client) EnsureToken(ctx context.Context, cb func(AdminToken, error)) {
	if c.tokens == nil {
		cb(AdminToken{}, ErrNoTokenSource)
		return
	}
	c.tokens.EnsureToken(ctx, cb)
}

// InvalidateToken drops the cached admin token, e.g. after a 401.
func (c *Client) InvalidateToken() {
	if c.tokens != nil {
		c.tokens.Invalidate()
	}
}

// Submit queues req for dispatch. If the breaker is open, cb fires
// immediately with ErrCircuitOpen and no worker slot or goroutine is used.
// Otherwise a worker goroutine executes req.Kind's Executor and the result
// is delivered to cb from the single completion goroutine.
func (c *Client) Submit(ctx context.Context, req Request, cb Callback) {
	if err := c.breaker.allow(); err != nil {
		c.deliver(ctx, req, Result{Err: err}, cb)
		return
	}

	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		c.deliver(ctx, req, Result{Err: ctx.Err()}, cb)
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() { <-c.sem }()

		reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()

		ex, ok := c.executors[req.Kind]
		if !ok {
			c.deliver(ctx, req, Result{Err: ErrNoExecutor}, cb)
			return
		}
		out, err := c.execute(reqCtx, ex, req)
		if err != nil {
			c.breaker.recordFailure()
		} else {
			c.breaker.recordSuccess()
		}
		c.deliver(ctx, req, Result{Output: out, Err: err}, cb)
	}()
}

// execute runs req against ex, transparently retrying idempotent kinds
// through retryPolicy's exponential schedule (spec §4.2's request-kind
// table) so a transient IdP hiccup doesn't surface as a failed dispatch
// and doesn't by itself trip the circuit breaker. Non-idempotent kinds
// run exactly once.
func (c *Client) execute(ctx context.Context, ex Executor, req Request) (interface{}, error) {
	if !isIdempotentKind(req.Kind) {
		return ex.Execute(ctx, req)
	}

	var out interface{}
	op := func() error {
		o, err := ex.Execute(ctx, req)
		if err != nil {
			return err
		}
		out = o
		return nil
	}
	bo := backoff.WithContext(retryPolicy(c.cfg.RequestTimeout), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) deliver(ctx context.Context, req Request, res Result, cb Callback) {
	if cb == nil {
		return
	}
	select {
	case c.completion <- completion{ctx: ctx, req: req, res: res, cb: cb}:
	case <-c.stopCh:
	}
}

func (c *Client) runCompletionLoop() {
	defer c.wg.Done()
	for {
		select {
		case comp := <-c.completion:
			func() {
				defer func() { recover() }() //nolint:errcheck // a panicking callback must not kill the loop
				comp.cb(comp.ctx, comp.req, comp.res)
			}()
		case <-c.stopCh:
			return
		}
	}
}

// SessionCancelled reports whether sessionID has been marked cancelled at
// a sequence number equal to or later than seq — used by a late callback
// to distinguish a stale result from one still worth acting on
// (spec §4.2 "Cancellation").
func (c *Client) SessionCancelled(sessionID string, seq uint64) bool {
	return c.sessions.cancelled(sessionID, seq)
}

// CancelSession marks sessionID cancelled as of seq: any completion whose
// Correlation carries an equal-or-earlier seq for this session should
// perform only cleanup.
func (c *Client) CancelSession(sessionID string, seq uint64) {
	c.sessions.cancel(sessionID, seq)
}

// ForgetSession drops sessionID's bookkeeping once its connection and any
// in-flight requests are both gone.
func (c *Client) ForgetSession(sessionID string) {
	c.sessions.forget(sessionID)
}
