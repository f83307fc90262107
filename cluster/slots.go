package cluster

import (
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// slotRange is one row of a CLUSTER SLOTS reply: a slot interval owned by an
// ordered endpoint list, primary first.
type slotRange struct {
	start, end int
	nodes      []NodeSpec
}

// parseSlotsReply decodes a CLUSTER SLOTS response. Each row is
// [start, end, primary, replica...] with [host, port, ...] endpoints; a
// blank host means the queried node itself.
func parseSlotsReply(reply interface{}, queriedHost string) ([]slotRange, error) {
	rows, ok := reply.([]interface{})
	if !ok {
		return nil, fmt.Errorf("cluster: unexpected CLUSTER SLOTS reply type %T", reply)
	}
	ranges := make([]slotRange, 0, len(rows))
	for _, raw := range rows {
		row, ok := raw.([]interface{})
		if !ok || len(row) < 3 {
			return nil, fmt.Errorf("cluster: malformed CLUSTER SLOTS row %v", raw)
		}
		start, ok1 := row[0].(int64)
		end, ok2 := row[1].(int64)
		if !ok1 || !ok2 || start < 0 || end >= NumSlots || start > end {
			return nil, fmt.Errorf("cluster: invalid slot range in row %v", row)
		}
		r := slotRange{start: int(start), end: int(end)}
		for i, ep := range row[2:] {
			epRow, ok := ep.([]interface{})
			if !ok || len(epRow) < 2 {
				return nil, fmt.Errorf("cluster: malformed endpoint in row %v", row)
			}
			host, _ := epRow[0].(string)
			port, ok := epRow[1].(int64)
			if !ok {
				return nil, fmt.Errorf("cluster: malformed endpoint port in row %v", row)
			}
			if host == "" {
				host = queriedHost
			}
			r.nodes = append(r.nodes, NodeSpec{
				Host:     host,
				Port:     int(port),
				ReadOnly: i > 0,
			})
		}
		ranges = append(ranges, r)
	}
	return ranges, nil
}

// refreshSlotsCache queries a live node for the authoritative slot layout,
// rebuilds the slot map, and reconciles the pool. Serialized: a second
// caller while one is in flight is satisfied on the next tick with no error.
// Executor-confined.
func (c *Cluster) refreshSlotsCache(cb func(error)) {
	if c.isRefreshing {
		if cb != nil {
			c.exec.post(func() { cb(nil) })
		}
		return
	}
	c.isRefreshing = true
	done := func(err error) {
		c.isRefreshing = false
		if err != nil {
			c.log.Warn("slots refresh failed", zap.Error(err))
		}
		if cb != nil {
			cb(err)
		}
	}

	keys := c.pool.keys()
	rand.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
	c.tryRefreshNode(keys, 0, nil, done)
}

func (c *Cluster) tryRefreshNode(keys []string, idx int, lastErr error, done func(error)) {
	if c.Status() == StatusEnd {
		done(ErrClusterDisconnected)
		return
	}
	if idx >= len(keys) {
		if lastErr == nil {
			lastErr = ErrNoStartupNodes
		}
		done(fmt.Errorf("%w Last error: %v", ErrRefreshSlotsFailed, lastErr))
		return
	}
	node := c.pool.get(keys[idx])
	if node == nil {
		c.tryRefreshNode(keys, idx+1, lastErr, done)
		return
	}
	c.log.Debug("querying slot layout", zap.String("node", node.key))
	cmd := NewCommand("CLUSTER", "SLOTS")
	node.send(&dispatch{
		cmd:     cmd,
		timeout: c.opts.SlotsRefreshTimeout,
		done: func(reply interface{}, err error) {
			c.exec.post(func() {
				if err != nil {
					node.disconnect()
					c.log.Debug("slot query failed", zap.String("node", node.key), zap.Error(err))
					c.tryRefreshNode(keys, idx+1, err, done)
					return
				}
				ranges, perr := parseSlotsReply(reply, node.host)
				if perr != nil {
					c.tryRefreshNode(keys, idx+1, perr, done)
					return
				}
				c.applySlots(ranges)
				c.log.Info("slot layout refreshed", zap.String("source", node.key), zap.Int("ranges", len(ranges)))
				c.emitter.emit(EventRefresh)
				c.handleRefreshSucceeded()
				done(nil)
			})
		},
	})
}

// applySlots installs the new layout atomically with the new node set: the
// pool is reset to exactly the union of endpoints, slots absent from the
// reply are cleared, and every listed range is overwritten, so no slot ever
// references a node the pool just dropped.
func (c *Cluster) applySlots(ranges []slotRange) {
	specs := make(map[string]NodeSpec)
	for _, r := range ranges {
		for _, spec := range r.nodes {
			if prev, ok := specs[spec.Key()]; ok {
				// Primary listing wins across ranges.
				if !spec.ReadOnly {
					prev.ReadOnly = false
					specs[spec.Key()] = prev
				}
				continue
			}
			specs[spec.Key()] = spec
		}
	}
	list := make([]NodeSpec, 0, len(specs))
	for _, spec := range specs {
		list = append(list, spec)
	}
	c.pool.reset(list)

	for s := range c.slots {
		c.slots[s] = nil
	}
	for _, r := range ranges {
		keys := make([]string, len(r.nodes))
		for i, spec := range r.nodes {
			keys[i] = spec.Key()
		}
		for s := r.start; s <= r.end; s++ {
			c.slots[s] = keys
		}
	}
}

// scheduleRefresh triggers a background refresh in reaction to MOVED
// redirections. A rate limiter collapses storms so one cluster event causes
// one refresh per cycle. Delay-bucket side effects call refreshSlotsCache
// directly and are not limited here.
func (c *Cluster) scheduleRefresh() {
	if !c.refreshLimiter.Allow() {
		return
	}
	c.refreshSlotsCache(nil)
}

// startRefreshTimer installs the periodic refresh, at most once.
func (c *Cluster) startRefreshTimer() {
	if c.slotsTimerStop != nil {
		return
	}
	stop := make(chan struct{})
	c.slotsTimerStop = stop
	ticker := time.NewTicker(c.opts.SlotsRefreshInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.exec.post(func() { c.refreshSlotsCache(nil) })
			case <-stop:
				return
			}
		}
	}()
}

func (c *Cluster) stopRefreshTimer() {
	if c.slotsTimerStop != nil {
		close(c.slotsTimerStop)
		c.slotsTimerStop = nil
	}
}
