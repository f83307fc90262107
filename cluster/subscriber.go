package cluster

import (
	"context"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/wangshuile/ioredis/redisx"
)

type pendingSub struct {
	cmd       *Command
	remaining int
}

// clusterSubscriber maintains exactly one subscription-capable connection to
// some cluster node. Subscriber mode taints a connection, so it dials its
// own client against a pool node's address rather than borrowing the node's
// command client. On node loss it reselects and replays the active
// subscriptions; subscriptions therefore survive topology churn.
//
// All fields are executor-confined; the dial and the read loop run on their
// own goroutines and re-enter through the executor. gen guards against
// stale dials and read loops after a reselection.
type clusterSubscriber struct {
	exec *serialExecutor
	pool *connectionPool
	opts *Options
	emit func(event string, args ...interface{})
	log  *zap.Logger

	started  bool
	gen      int
	instance *redisx.Client
	pending  []*pendingSub
	channels map[string]struct{}
	patterns map[string]struct{}
	retry    *backoff.ExponentialBackOff
}

func newClusterSubscriber(exec *serialExecutor, pool *connectionPool, opts *Options,
	emit func(string, ...interface{}), log *zap.Logger) *clusterSubscriber {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 100 * time.Millisecond
	retry.MaxInterval = 2 * time.Second
	retry.MaxElapsedTime = 0
	return &clusterSubscriber{
		exec:     exec,
		pool:     pool,
		opts:     opts,
		emit:     emit,
		log:      log,
		channels: make(map[string]struct{}),
		patterns: make(map[string]struct{}),
		retry:    retry,
	}
}

// getInstance returns the current subscriber client, or nil.
func (s *clusterSubscriber) getInstance() *redisx.Client { return s.instance }

func (s *clusterSubscriber) start() {
	if s.started {
		return
	}
	s.started = true
	s.retry.Reset()
	s.selectNode()
}

func (s *clusterSubscriber) stop() {
	if !s.started {
		return
	}
	s.started = false
	s.gen++
	if s.instance != nil {
		s.instance.Close()
		s.instance = nil
	}
	s.failPending(ErrConnectionClosed)
}

func (s *clusterSubscriber) failPending(err error) {
	for _, p := range s.pending {
		p.cmd.reject(err)
	}
	s.pending = nil
}

// selectNode picks any healthy node and dials a dedicated subscriber
// connection to it.
func (s *clusterSubscriber) selectNode() {
	if !s.started || s.instance != nil {
		return
	}
	nodes := s.pool.getNodes(ScaleReadsAll)
	if len(nodes) == 0 {
		s.retryLater()
		return
	}
	node := nodes[rand.Intn(len(nodes))]
	cfg := s.opts.RedisOptions
	cfg.Addr = node.Key()
	s.gen++
	gen := s.gen
	s.log.Debug("selecting subscriber node", zap.String("node", node.Key()))
	go func() {
		client, err := redisx.Dial(context.Background(), cfg)
		s.exec.post(func() { s.finishSelect(client, err, gen) })
	}()
}

func (s *clusterSubscriber) finishSelect(client *redisx.Client, err error, gen int) {
	if gen != s.gen || !s.started {
		if client != nil {
			client.Close()
		}
		return
	}
	if err != nil {
		s.log.Warn("subscriber dial failed", zap.Error(err))
		s.retryLater()
		return
	}
	s.instance = client
	s.retry.Reset()
	s.log.Info("subscriber connected", zap.String("node", client.Addr()))

	// Replay active subscriptions onto the new node.
	channels := setToArgs(s.channels)
	patterns := setToArgs(s.patterns)
	go func() {
		if len(channels) > 0 {
			if err := client.WriteCommand("SUBSCRIBE", channels...); err != nil {
				return
			}
		}
		if len(patterns) > 0 {
			_ = client.WriteCommand("PSUBSCRIBE", patterns...)
		}
	}()
	go s.readLoop(client, gen)
}

func (s *clusterSubscriber) retryLater() {
	delay := s.retry.NextBackOff()
	gen := s.gen
	time.AfterFunc(delay, func() {
		s.exec.post(func() {
			if gen == s.gen {
				s.selectNode()
			}
		})
	})
}

// execute sends a subscriber-mode command on the current instance. The
// confirmation replies arrive interleaved in the push stream and are matched
// to pending commands in FIFO order.
func (s *clusterSubscriber) execute(cmd *Command) {
	client := s.instance
	if client == nil {
		cmd.reject(ErrNoSubscriber)
		return
	}
	expected := s.track(cmd)
	s.pending = append(s.pending, &pendingSub{cmd: cmd, remaining: expected})
	go func() {
		if err := client.WriteCommand(cmd.Name, cmd.Args...); err != nil {
			s.exec.post(func() { s.dropPending(cmd, err) })
		}
	}()
}

// track updates the replayed subscription sets and returns how many
// confirmation replies the command will produce.
func (s *clusterSubscriber) track(cmd *Command) int {
	set := s.channels
	if cmd.Name == "PSUBSCRIBE" || cmd.Name == "PUNSUBSCRIBE" {
		set = s.patterns
	}
	switch cmd.subscriber {
	case subscriberEnter:
		for _, arg := range cmd.Args {
			if name, err := redisx.ToString(arg); err == nil {
				set[name] = struct{}{}
			}
		}
		if len(cmd.Args) > 0 {
			return len(cmd.Args)
		}
		return 1
	case subscriberExit:
		if len(cmd.Args) == 0 {
			n := len(set)
			for name := range set {
				delete(set, name)
			}
			if n == 0 {
				return 1
			}
			return n
		}
		for _, arg := range cmd.Args {
			if name, err := redisx.ToString(arg); err == nil {
				delete(set, name)
			}
		}
		return len(cmd.Args)
	}
	return 1
}

func (s *clusterSubscriber) dropPending(cmd *Command, err error) {
	for i, p := range s.pending {
		if p.cmd == cmd {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
	cmd.reject(err)
}

func (s *clusterSubscriber) readLoop(client *redisx.Client, gen int) {
	for {
		reply, err := client.ReadReply()
		if err != nil {
			s.exec.post(func() { s.handleLoss(client, gen, err) })
			return
		}
		s.exec.post(func() { s.handlePush(reply) })
	}
}

func (s *clusterSubscriber) handleLoss(client *redisx.Client, gen int, err error) {
	if gen != s.gen || s.instance != client {
		return
	}
	client.Close()
	s.instance = nil
	s.failPending(ErrConnectionClosed)
	s.log.Warn("subscriber connection lost", zap.Error(err))
	if s.started {
		s.retryLater()
	}
}

func (s *clusterSubscriber) handlePush(reply interface{}) {
	arr, ok := reply.([]interface{})
	if !ok || len(arr) == 0 {
		return
	}
	kind, err := redisx.ToString(arr[0])
	if err != nil {
		return
	}
	switch kind {
	case "message":
		if len(arr) >= 3 {
			s.emit(EventMessage, arr[1], arr[2])
		}
	case "pmessage":
		if len(arr) >= 4 {
			s.emit(EventPMessage, arr[1], arr[2], arr[3])
		}
	case "subscribe", "unsubscribe", "psubscribe", "punsubscribe":
		if len(s.pending) == 0 {
			// Replayed subscription confirmation; nothing waits on it.
			return
		}
		p := s.pending[0]
		p.remaining--
		if p.remaining <= 0 {
			s.pending = s.pending[1:]
			p.cmd.resolve(reply)
		}
	}
}

func setToArgs(set map[string]struct{}) []interface{} {
	args := make([]interface{}, 0, len(set))
	for name := range set {
		args = append(args, name)
	}
	return args
}
