package cluster

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wangshuile/ioredis/redisx"
)

// NodeSpec is an authoritative endpoint description used to reconcile the
// pool. ReadOnly true marks a replica.
type NodeSpec struct {
	Host     string
	Port     int
	ReadOnly bool
}

// Key returns the canonical "host:port" node key. The same endpoint always
// canonicalizes to the same key, so pool lookups after findOrCreate succeed.
func (s NodeSpec) Key() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// parseNodeKey splits a "host:port" string into a NodeSpec. It tolerates the
// bare form servers put into MOVED/ASK payloads.
func parseNodeKey(key string) (NodeSpec, bool) {
	host, portStr, err := net.SplitHostPort(key)
	if err != nil {
		return NodeSpec{}, false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return NodeSpec{}, false
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return NodeSpec{Host: host, Port: port}, true
}

// dispatch is one command handed to a node's send loop. done is invoked
// exactly once: from the node goroutine, or from the caller of send or
// shutdown when the node has been shut down.
type dispatch struct {
	cmd     *Command
	asking  bool
	timeout time.Duration // 0 means the client default
	done    func(reply interface{}, err error)
}

// dispatchQueue is an unbounded FIFO between the executor and a node's send
// goroutine. Pushing never blocks.
type dispatchQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []*dispatch
	closed bool
}

func newDispatchQueue() *dispatchQueue {
	q := &dispatchQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *dispatchQueue) push(d *dispatch) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, d)
	q.cond.Signal()
	return true
}

// pop blocks until an item is available or the queue is closed.
func (q *dispatchQueue) pop() (*dispatch, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	d := q.items[0]
	q.items = q.items[1:]
	return d, true
}

// close drains and returns whatever was still queued.
func (q *dispatchQueue) close() []*dispatch {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	rest := q.items
	q.items = nil
	q.cond.Broadcast()
	return rest
}

// Node is a pooled single-node client. It owns its connection exclusively
// and sends queued commands one at a time, preserving submission order.
// Role (readOnly) is pool-owned truth and only mutated on the executor.
type Node struct {
	key      string
	host     string
	port     int
	readOnly bool

	cfg   redisx.Config
	log   *zap.Logger
	queue *dispatchQueue

	// onError reports an unrecoverable connection error; the pool re-emits
	// it but never removes the node for it.
	onError func(n *Node, err error)

	cmu    sync.Mutex
	client *redisx.Client
}

// Key returns the canonical "host:port" identity of the node.
func (n *Node) Key() string { return n.key }

// ReadOnly reports whether the node is currently classified as a replica.
func (n *Node) ReadOnly() bool { return n.readOnly }

func newNode(spec NodeSpec, base redisx.Config, log *zap.Logger, onError func(*Node, error)) *Node {
	cfg := base
	cfg.Addr = spec.Key()
	n := &Node{
		key:      spec.Key(),
		host:     spec.Host,
		port:     spec.Port,
		readOnly: spec.ReadOnly,
		cfg:      cfg,
		log:      log,
		queue:    newDispatchQueue(),
		onError:  onError,
	}
	go n.run()
	return n
}

func (n *Node) run() {
	for {
		d, ok := n.queue.pop()
		if !ok {
			return
		}
		client, err := n.ensureConn()
		if err != nil {
			d.done(nil, err)
			continue
		}
		if d.asking {
			if _, err := client.Do("ASKING"); err != nil {
				n.handleSendError(client, err)
				d.done(nil, err)
				continue
			}
		}
		var reply interface{}
		if d.timeout > 0 {
			reply, err = client.DoTimeout(d.timeout, d.cmd.Name, d.cmd.Args...)
		} else {
			reply, err = client.Do(d.cmd.Name, d.cmd.Args...)
		}
		if err != nil {
			n.handleSendError(client, err)
		}
		d.done(reply, err)
	}
}

func (n *Node) handleSendError(client *redisx.Client, err error) {
	if redisx.IsServerError(err) {
		return
	}
	// Connection-level failure: drop the connection so the next dispatch
	// redials, and surface the error to the pool.
	client.Close()
	n.cmu.Lock()
	if n.client == client {
		n.client = nil
	}
	n.cmu.Unlock()
	n.log.Warn("node connection error", zap.String("node", n.key), zap.Error(err))
	if n.onError != nil {
		n.onError(n, err)
	}
}

func (n *Node) ensureConn() (*redisx.Client, error) {
	n.cmu.Lock()
	client := n.client
	n.cmu.Unlock()
	if client != nil && !client.Closed() {
		return client, nil
	}
	client, err := redisx.Dial(context.Background(), n.cfg)
	if err != nil {
		if n.onError != nil {
			n.onError(n, err)
		}
		return nil, err
	}
	n.cmu.Lock()
	n.client = client
	n.cmu.Unlock()
	return client, nil
}

// send queues a dispatch; a shutdown node fails it immediately with a
// connection-closed error.
func (n *Node) send(d *dispatch) {
	if !n.queue.push(d) {
		d.done(nil, ErrConnectionClosed)
	}
}

// disconnect drops the live connection without stopping the send loop; the
// topology refresher uses it after a CLUSTER SLOTS timeout.
func (n *Node) disconnect() {
	n.cmu.Lock()
	client := n.client
	n.client = nil
	n.cmu.Unlock()
	if client != nil {
		client.Close()
	}
}

// shutdown stops the send loop, failing everything still queued. Driven
// solely by topology reconciliation or cluster teardown.
func (n *Node) shutdown() {
	rest := n.queue.close()
	for _, d := range rest {
		d.done(nil, ErrConnectionClosed)
	}
	n.disconnect()
}

// connectionPool owns single-node clients keyed by "host:port" and is the
// single source of truth for node roles. All methods are executor-confined.
type connectionPool struct {
	base redisx.Config
	log  *zap.Logger

	nodes map[string]*Node

	onNodeAdded   func(n *Node)
	onNodeRemoved func(n *Node)
	onNodeError   func(n *Node, err error)
	onDrain       func()
}

func newConnectionPool(base redisx.Config, log *zap.Logger) *connectionPool {
	return &connectionPool{base: base, log: log, nodes: make(map[string]*Node)}
}

// findOrCreate is idempotent: N calls for one endpoint yield one node. An
// existing node keeps its role unless the caller supplies an authoritative
// spec via reset.
func (p *connectionPool) findOrCreate(spec NodeSpec) *Node {
	key := spec.Key()
	if n, ok := p.nodes[key]; ok {
		return n
	}
	n := newNode(spec, p.base, p.log, p.nodeError)
	p.nodes[key] = n
	p.log.Debug("node added", zap.String("node", key), zap.Bool("readOnly", spec.ReadOnly))
	if p.onNodeAdded != nil {
		p.onNodeAdded(n)
	}
	return n
}

func (p *connectionPool) nodeError(n *Node, err error) {
	// Re-emit only; removal is driven solely by topology reconciliation.
	if p.onNodeError != nil {
		p.onNodeError(n, err)
	}
}

// reset reconciles the pool against an authoritative node list: creates
// missing nodes, removes absent ones, and updates roles of survivors. If the
// pool had members and ends up empty, it drains.
func (p *connectionPool) reset(specs []NodeSpec) {
	hadNodes := len(p.nodes) > 0

	want := make(map[string]NodeSpec, len(specs))
	for _, spec := range specs {
		if existing, ok := want[spec.Key()]; ok {
			// A primary listing wins over a replica listing.
			if !spec.ReadOnly {
				existing.ReadOnly = false
				want[spec.Key()] = existing
			}
			continue
		}
		want[spec.Key()] = spec
	}

	for key, n := range p.nodes {
		if _, ok := want[key]; !ok {
			delete(p.nodes, key)
			n.shutdown()
			p.log.Debug("node removed", zap.String("node", key))
			if p.onNodeRemoved != nil {
				p.onNodeRemoved(n)
			}
		}
	}
	for _, spec := range want {
		if n, ok := p.nodes[spec.Key()]; ok {
			n.readOnly = spec.ReadOnly
			continue
		}
		p.findOrCreate(spec)
	}

	if hadNodes && len(p.nodes) == 0 && p.onDrain != nil {
		p.onDrain()
	}
}

// getNodes returns all nodes, primaries only, or replicas only.
func (p *connectionPool) getNodes(role string) []*Node {
	out := make([]*Node, 0, len(p.nodes))
	for _, n := range p.nodes {
		switch role {
		case ScaleReadsMaster:
			if !n.readOnly {
				out = append(out, n)
			}
		case ScaleReadsSlave:
			if n.readOnly {
				out = append(out, n)
			}
		default:
			out = append(out, n)
		}
	}
	return out
}

func (p *connectionPool) get(key string) *Node {
	return p.nodes[key]
}

func (p *connectionPool) keys() []string {
	keys := make([]string, 0, len(p.nodes))
	for key := range p.nodes {
		keys = append(keys, key)
	}
	return keys
}
