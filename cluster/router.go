package cluster

import (
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/wangshuile/ioredis/redisx"
)

// NodeRef pins a command to a specific endpoint. Slot optionally carries a
// pre-resolved slot independent of the command's own computed slot; -1 means
// unknown. The router binds the chosen client to the ref on first dispatch
// so retries stick to it.
type NodeRef struct {
	Key  string
	Slot int

	node *Node
}

// sendOpts carry per-dispatch routing hints through retries.
type sendOpts struct {
	random bool
	asking bool
	ask    *Node
	ref    *NodeRef
}

// SendCommand submits a command for routing. The command's future terminates
// exactly once, whatever happens to the cluster.
func (c *Cluster) SendCommand(cmd *Command) {
	c.sendCommand(cmd, nil)
}

// SendCommandToNode submits a command pinned to a specific node.
func (c *Cluster) SendCommandToNode(cmd *Command, ref *NodeRef) {
	c.sendCommand(cmd, ref)
}

func (c *Cluster) sendCommand(cmd *Command, ref *NodeRef) {
	switch c.Status() {
	case StatusEnd:
		cmd.reject(ErrConnectionClosed)
		return
	case StatusWait:
		c.connectBackground()
	}
	if !c.exec.post(func() { c.dispatchCommand(cmd, sendOpts{ref: ref}) }) {
		cmd.reject(ErrConnectionClosed)
	}
}

// dispatchCommand is the executor-confined dispatch entry.
func (c *Cluster) dispatchCommand(cmd *Command, o sendOpts) {
	cmd.intercepted = true
	c.tryConnection(cmd, o)
}

// tryConnection resolves a target node for the command and sends, falling
// back to the offline queue when the cluster cannot serve it yet.
func (c *Cluster) tryConnection(cmd *Command, o sendOpts) {
	st := c.Status()
	if st == StatusEnd {
		cmd.reject(ErrClusterEnded)
		return
	}
	if st != StatusReady && cmd.Name != "CLUSTER" {
		c.handleOffline(cmd, o)
		return
	}

	// Effective role: replicas are only eligible for catalog-readonly
	// commands under a permissive scaleReads.
	role := ScaleReadsMaster
	if cmd.readOnly {
		role = c.opts.ScaleReads
	}

	slot := cmd.slot
	if o.ref != nil && o.ref.Slot >= 0 {
		slot = o.ref.Slot
	}

	var node *Node
	switch {
	case o.ref != nil && o.ref.node != nil:
		node = o.ref.node
	case cmd.subscriber != subscriberNone:
		c.subscriber.execute(cmd)
		return
	case o.asking:
		node = o.ask
	case !o.random && slot >= 0:
		node = c.selectForSlot(slot, cmd, role)
	}
	if node == nil {
		node = c.sampleRole(role)
	}
	if node == nil {
		c.handleOffline(cmd, o)
		return
	}
	if o.ref != nil && o.ref.node == nil {
		o.ref.node = node
	}
	c.sendToNode(cmd, node, o)
}

// selectForSlot applies the read-scaling policy to the slot's ordered node
// list (primary first).
func (c *Cluster) selectForSlot(slot int, cmd *Command, role string) *Node {
	keys := c.slots[slot]
	if len(keys) == 0 {
		return nil
	}
	if fn := c.opts.ScaleReadsFunc; fn != nil && cmd.readOnly {
		nodes := make([]*Node, 0, len(keys))
		for _, key := range keys {
			if n := c.pool.get(key); n != nil {
				nodes = append(nodes, n)
			}
		}
		if len(nodes) == 0 {
			return nil
		}
		picked := fn(nodes, cmd)
		if len(picked) > 0 {
			return picked[rand.Intn(len(picked))]
		}
		return c.pool.get(keys[0])
	}
	switch role {
	case ScaleReadsAll:
		return c.pool.get(keys[rand.Intn(len(keys))])
	case ScaleReadsSlave:
		if len(keys) >= 2 {
			return c.pool.get(keys[1+rand.Intn(len(keys)-1)])
		}
	}
	return c.pool.get(keys[0])
}

// sampleRole picks a uniform random node of the target role, widening to all
// nodes when the role is empty.
func (c *Cluster) sampleRole(role string) *Node {
	nodes := c.pool.getNodes(role)
	if len(nodes) == 0 {
		nodes = c.pool.getNodes(ScaleReadsAll)
	}
	if len(nodes) == 0 {
		return nil
	}
	return nodes[rand.Intn(len(nodes))]
}

func (c *Cluster) handleOffline(cmd *Command, o sendOpts) {
	if !c.opts.offlineQueue {
		cmd.reject(ErrOfflineQueueDisabled)
		return
	}
	if !c.offline.push(offlineEntry{cmd: cmd, asking: o.asking, node: o.ref}) {
		cmd.reject(ErrOfflineQueueFull)
		return
	}
	c.log.Debug("command queued offline", zap.String("command", cmd.Name), zap.Int("queued", c.offline.len()))
}

func (c *Cluster) sendToNode(cmd *Command, node *Node, o sendOpts) {
	node.send(&dispatch{
		cmd:    cmd,
		asking: o.asking,
		done: func(reply interface{}, err error) {
			if err == nil {
				cmd.resolve(reply)
				return
			}
			if !c.exec.post(func() { c.handleError(cmd, node, o, err) }) {
				cmd.reject(ErrConnectionClosed)
			}
		},
	})
}

// handleError classifies a failed send and either retries the command
// (immediately or via a delay bucket) or delivers the rejection through the
// command's original reject path. Each recoverable failure consumes one unit
// of the command's redirection budget.
func (c *Cluster) handleError(cmd *Command, node *Node, o sendOpts, err error) {
	if cmd.ttl == 0 {
		cmd.ttl = c.opts.MaxRedirections + 1
	}
	cmd.ttl--
	if cmd.ttl <= 0 {
		cmd.reject(fmt.Errorf("Too many Cluster redirections. Last error: %v", err))
		return
	}
	var serverErr redisx.ServerError
	if !errors.As(err, &serverErr) {
		// Connection-level failure. Recoverable only while ready.
		if c.Status() == StatusReady && c.opts.RetryDelayOnFailover > 0 {
			retry := sendOpts{random: true, ref: o.ref}
			c.delay.push(bucketFailover,
				func() { c.tryConnection(cmd, retry) },
				c.opts.RetryDelayOnFailover,
				func() { c.refreshSlotsCache(nil) })
			return
		}
		cmd.reject(err)
		return
	}

	fields := strings.Fields(string(serverErr))
	kind := ""
	if len(fields) > 0 {
		kind = fields[0]
	}
	switch kind {
	case "MOVED":
		if len(fields) >= 3 {
			c.handleMoved(cmd, o, fields[1], fields[2], err)
			return
		}
	case "ASK":
		if len(fields) >= 3 {
			c.handleAsk(cmd, o, fields[2], err)
			return
		}
	case "TRYAGAIN":
		retry := sendOpts{ref: o.ref}
		c.delay.push(bucketTryAgain,
			func() { c.tryConnection(cmd, retry) },
			c.opts.RetryDelayOnTryAgain, nil)
		return
	case "CLUSTERDOWN":
		if c.opts.retryDelayOnClusterDown > 0 {
			retry := sendOpts{ref: o.ref}
			c.delay.push(bucketClusterDown,
				func() { c.tryConnection(cmd, retry) },
				c.opts.retryDelayOnClusterDown,
				func() { c.refreshSlotsCache(nil) })
			return
		}
	}

	// Anything else is a plain application error for the caller.
	cmd.reject(err)
}

// handleMoved repairs the slot's primary, retries against the new owner and
// schedules a background topology refresh.
func (c *Cluster) handleMoved(cmd *Command, o sendOpts, slotStr, endpoint string, origErr error) {
	slot, err := strconv.Atoi(slotStr)
	if err != nil || slot < 0 || slot >= NumSlots {
		cmd.reject(origErr)
		return
	}
	spec, ok := parseNodeKey(endpoint)
	if !ok {
		cmd.reject(origErr)
		return
	}
	target := c.pool.findOrCreate(spec)
	target.readOnly = false
	key := target.Key()
	if o.ref != nil {
		o.ref.node = target
	}

	if current := c.slots[slot]; len(current) > 0 {
		if current[0] != key {
			// Range rows share one backing slice; copy before repairing a
			// single slot.
			repaired := make([]string, len(current))
			copy(repaired, current)
			repaired[0] = key
			c.slots[slot] = repaired
		}
	} else {
		c.slots[slot] = []string{key}
	}
	c.log.Debug("moved redirection", zap.Int("slot", slot), zap.String("to", key))

	c.sendToNode(cmd, target, sendOpts{ref: o.ref})
	c.scheduleRefresh()
}

// handleAsk retries once against exactly the named node with an ASKING
// preamble. The slot map is left untouched.
func (c *Cluster) handleAsk(cmd *Command, o sendOpts, endpoint string, origErr error) {
	spec, ok := parseNodeKey(endpoint)
	if !ok {
		cmd.reject(origErr)
		return
	}
	target := c.pool.findOrCreate(spec)
	if o.ref != nil {
		o.ref.node = target
	}
	c.log.Debug("ask redirection", zap.String("to", target.Key()))
	c.sendToNode(cmd, target, sendOpts{asking: true, ask: target, ref: o.ref})
}
