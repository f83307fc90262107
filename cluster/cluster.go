// Package cluster implements the command router for a sharded, multi-node
// in-memory data store. It keeps a live map from hash slot to owning nodes,
// dispatches each command to the right node, and recovers from redirections,
// failovers and transient cluster unavailability while guaranteeing every
// command terminates exactly once.
package cluster

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wangshuile/ioredis/redisx"
)

// Cluster is the router. All internal state is confined to a serial
// executor; the exported methods are safe for concurrent use.
type Cluster struct {
	opts *Options
	log  *zap.Logger

	exec       *serialExecutor
	emitter    *emitter
	pool       *connectionPool
	delay      *delayQueue
	offline    *offlineQueue
	subscriber *clusterSubscriber

	status atomic.Int32

	// Executor-confined state.
	startupNodes    []NodeSpec
	slots           [][]string
	isRefreshing    bool
	refreshLimiter  *rate.Limiter
	slotsTimerStop  chan struct{}
	reconnectTimer  *time.Timer
	retryAttempts   int
	manuallyClosing bool
	refreshed       bool
	connectWaiters  []chan error
}

// New builds a cluster client seeded with startup nodes given as
// "host:port" strings. Unless LazyConnect is set, connection establishment
// starts immediately in the background.
func New(startupNodes []string, opts *Options) *Cluster {
	if opts == nil {
		opts = &Options{}
	}
	opts.init()

	c := &Cluster{
		opts:           opts,
		log:            opts.Logger,
		slots:          make([][]string, NumSlots),
		refreshLimiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
	c.status.Store(int32(StatusWait))
	c.exec = newSerialExecutor()
	c.emitter = newEmitter(c.exec)
	c.delay = newDelayQueue(c.exec)
	c.offline = newOfflineQueue(opts.OfflineQueueLimit)

	c.pool = newConnectionPool(opts.RedisOptions, c.log)
	c.pool.onNodeAdded = func(n *Node) { c.emitter.emit(EventNodeAdded, n) }
	c.pool.onNodeRemoved = func(n *Node) { c.emitter.emit(EventNodeRemoved, n) }
	c.pool.onNodeError = func(n *Node, err error) { c.emitter.emit(EventNodeError, err, n.Key()) }
	c.pool.onDrain = func() {
		c.emitter.emit(EventDrain)
		c.enterClose()
	}

	c.subscriber = newClusterSubscriber(c.exec, c.pool, opts, c.emitter.emit, c.log)

	for _, addr := range startupNodes {
		if spec, ok := parseNodeKey(addr); ok {
			c.startupNodes = append(c.startupNodes, spec)
		} else {
			c.log.Warn("ignoring malformed startup node", zap.String("addr", addr))
		}
	}

	if !opts.LazyConnect {
		c.connect()
	}
	return c
}

// Status returns the current lifecycle state.
func (c *Cluster) Status() Status {
	return Status(c.status.Load())
}

// setStatus is the single transition entry point. The event named by the
// new state is delivered on the next tick. Executor-confined.
func (c *Cluster) setStatus(s Status) {
	old := Status(c.status.Swap(int32(s)))
	c.log.Debug("status change", zap.String("from", old.String()), zap.String("to", s.String()))
	c.emitter.emit(s.String())
}

// On registers a listener for a named event.
func (c *Cluster) On(event string, fn func(args ...interface{})) {
	c.exec.post(func() { c.emitter.on(event, fn) })
}

// Once registers a listener removed after its first delivery.
func (c *Cluster) Once(event string, fn func(args ...interface{})) {
	c.exec.post(func() { c.emitter.once(event, fn) })
}

// Connect establishes the cluster connection, resolving once the status
// reaches ready. It rejects immediately when a connection attempt is
// already underway or established.
func (c *Cluster) Connect() error {
	return <-c.connect()
}

func (c *Cluster) connect() <-chan error {
	ch := make(chan error, 1)
	if !c.exec.post(func() { c.connectInner(ch) }) {
		ch <- ErrClusterEnded
	}
	return ch
}

func (c *Cluster) connectBackground() {
	c.connect()
}

func (c *Cluster) connectInner(ch chan error) {
	switch c.Status() {
	case StatusConnecting, StatusConnect, StatusReady:
		ch <- ErrAlreadyConnecting
		return
	case StatusEnd:
		ch <- ErrClusterEnded
		return
	}
	c.setStatus(StatusConnecting)
	if len(c.startupNodes) == 0 {
		ch <- ErrInvalidStartupNodes
		c.terminate()
		return
	}
	c.connectWaiters = append(c.connectWaiters, ch)
	c.refreshed = false

	specs := make([]NodeSpec, len(c.startupNodes))
	copy(specs, c.startupNodes)
	c.pool.reset(specs)

	c.refreshSlotsCache(func(err error) {
		if errors.Is(err, ErrRefreshSlotsFailed) {
			c.emitter.emit(EventError, err)
			// Empty the pool so the close handler decides on reconnect.
			c.pool.reset(nil)
		}
	})
	c.subscriber.start()
}

// handleRefreshSucceeded advances a connecting cluster to connect and runs
// (or skips) the ready check. Called by the refresher after every successful
// refresh; outside the connect sequence it is a no-op.
func (c *Cluster) handleRefreshSucceeded() {
	if c.Status() != StatusConnecting {
		return
	}
	c.refreshed = true
	c.setStatus(StatusConnect)
	if c.opts.readyCheck {
		c.readyCheck()
	} else {
		c.becomeReady()
	}
}

// readyCheck gates ready on CLUSTER INFO reporting a non-fail cluster_state.
func (c *Cluster) readyCheck() {
	node := c.sampleRole(ScaleReadsMaster)
	if node == nil {
		c.disconnectInner(true)
		return
	}
	cmd := NewCommand("CLUSTER", "INFO")
	node.send(&dispatch{
		cmd: cmd,
		done: func(reply interface{}, err error) {
			c.exec.post(func() {
				if c.Status() != StatusConnect {
					return
				}
				if err != nil {
					c.log.Warn("ready check failed", zap.Error(err))
					c.disconnectInner(true)
					return
				}
				info, _ := redisx.ToString(reply)
				if clusterState(info) == "fail" {
					c.log.Warn("ready check reported failing cluster state")
					c.disconnectInner(true)
					return
				}
				c.becomeReady()
			})
		},
	})
}

// clusterState extracts the cluster_state value from a CLUSTER INFO reply.
func clusterState(info string) string {
	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if strings.HasPrefix(line, "cluster_state:") {
			return strings.TrimPrefix(line, "cluster_state:")
		}
	}
	return ""
}

// becomeReady marks the cluster ready, resolves pending connect futures,
// drains the offline queue in FIFO order ahead of any later submission, and
// installs the periodic refresh.
func (c *Cluster) becomeReady() {
	c.setStatus(StatusReady)
	c.retryAttempts = 0
	c.resolveConnectWaiters(nil)
	for _, e := range c.offline.drain() {
		c.dispatchCommand(e.cmd, sendOpts{asking: e.asking, ref: e.node})
	}
	c.startRefreshTimer()
}

func (c *Cluster) resolveConnectWaiters(err error) {
	for _, ch := range c.connectWaiters {
		if err != nil {
			ch <- err
		} else {
			ch <- nil
		}
	}
	c.connectWaiters = nil
}

// Disconnect tears the connection down. With reconnect true the retry
// strategy decides whether and when to come back.
func (c *Cluster) Disconnect(reconnect bool) {
	c.exec.post(func() { c.disconnectInner(reconnect) })
}

func (c *Cluster) disconnectInner(reconnect bool) {
	prev := c.Status()
	if prev == StatusEnd {
		return
	}
	if !reconnect {
		c.manuallyClosing = true
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.stopRefreshTimer()
	c.setStatus(StatusDisconnecting)
	c.subscriber.stop()
	if prev == StatusWait {
		c.enterClose()
		return
	}
	had := len(c.pool.nodes) > 0
	c.pool.reset(nil)
	if !had {
		// Nothing to drain; synthesize the close directly.
		c.enterClose()
	}
}

// enterClose funnels every path into the per-close handler exactly once.
func (c *Cluster) enterClose() {
	if c.Status() == StatusClose {
		return
	}
	c.setStatus(StatusClose)
	c.handleCloseEvent()
}

// handleCloseEvent decides between the reconnect cycle and the terminal end
// state.
func (c *Cluster) handleCloseEvent() {
	if !c.refreshed {
		c.resolveConnectWaiters(ErrNoStartupNodes)
	}
	retryDelay := time.Duration(-1)
	if !c.manuallyClosing {
		c.retryAttempts++
		retryDelay = c.opts.ClusterRetryStrategy(c.retryAttempts)
	}
	if retryDelay < 0 {
		c.terminate()
		return
	}
	c.setStatus(StatusReconnecting)
	c.log.Info("reconnecting", zap.Int("attempt", c.retryAttempts), zap.Duration("delay", retryDelay))
	c.reconnectTimer = time.AfterFunc(retryDelay, func() {
		c.exec.post(func() {
			c.reconnectTimer = nil
			if c.Status() != StatusReconnecting {
				return
			}
			ch := make(chan error, 1)
			c.connectInner(ch)
		})
	})
}

// terminate is the one-way door into end.
func (c *Cluster) terminate() {
	c.setStatus(StatusEnd)
	c.subscriber.stop()
	c.stopRefreshTimer()
	c.delay.stop()
	c.offline.flush(ErrNoStartupNodes)
	c.resolveConnectWaiters(ErrNoStartupNodes)
	// Let queued events drain, then stop the executor.
	c.exec.stop()
}

// Quit gracefully shuts the cluster down, issuing QUIT on every node in
// parallel and resolving OK once all settle.
func (c *Cluster) Quit() (string, error) {
	ch := make(chan error, 1)
	if !c.exec.post(func() { c.quitInner(ch) }) {
		return "OK", nil
	}
	if err := <-ch; err != nil {
		return "", err
	}
	return "OK", nil
}

func (c *Cluster) quitInner(ch chan error) {
	st := c.Status()
	c.manuallyClosing = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.stopRefreshTimer()

	if st == StatusWait || st == StatusEnd {
		ch <- nil
		if st == StatusWait {
			c.exec.post(func() { c.enterClose() })
		}
		return
	}

	nodes := c.pool.getNodes(ScaleReadsAll)
	if len(nodes) == 0 {
		ch <- nil
		c.exec.post(func() { c.enterClose() })
		return
	}
	remaining := len(nodes)
	for _, n := range nodes {
		cmd := NewCommand("QUIT")
		n.send(&dispatch{
			cmd: cmd,
			done: func(interface{}, error) {
				if !c.exec.post(func() {
					remaining--
					if remaining == 0 {
						ch <- nil
						c.disconnectInner(false)
					}
				}) {
					select {
					case ch <- nil:
					default:
					}
				}
			},
		})
	}
}

// Do builds a command, routes it and blocks on its outcome.
func (c *Cluster) Do(name string, args ...interface{}) (interface{}, error) {
	cmd := NewCommand(name, args...)
	c.SendCommand(cmd)
	return cmd.Wait()
}

// Nodes returns the pool's nodes for a role: "all", "master" or "slave".
func (c *Cluster) Nodes(role string) []*Node {
	ch := make(chan []*Node, 1)
	if !c.exec.post(func() { ch <- c.pool.getNodes(role) }) {
		return nil
	}
	return <-ch
}

// Subscribe listens on the given channels through the cluster subscriber.
// Messages are delivered via the "message" event.
func (c *Cluster) Subscribe(channels ...string) (interface{}, error) {
	return c.Do("SUBSCRIBE", stringsToArgs(channels)...)
}

// PSubscribe listens on channel patterns; matches arrive as "pmessage".
func (c *Cluster) PSubscribe(patterns ...string) (interface{}, error) {
	return c.Do("PSUBSCRIBE", stringsToArgs(patterns)...)
}

// Unsubscribe stops listening on channels; with none given, on all of them.
func (c *Cluster) Unsubscribe(channels ...string) (interface{}, error) {
	return c.Do("UNSUBSCRIBE", stringsToArgs(channels)...)
}

// PUnsubscribe stops listening on patterns; with none given, on all of them.
func (c *Cluster) PUnsubscribe(patterns ...string) (interface{}, error) {
	return c.Do("PUNSUBSCRIBE", stringsToArgs(patterns)...)
}

func stringsToArgs(ss []string) []interface{} {
	args := make([]interface{}, len(ss))
	for i, s := range ss {
		args[i] = s
	}
	return args
}
