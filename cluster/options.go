package cluster

import (
	"time"

	"go.uber.org/zap"

	"github.com/wangshuile/ioredis/redisx"
)

// Read-scaling policies.
const (
	ScaleReadsMaster = "master"
	ScaleReadsSlave  = "slave"
	ScaleReadsAll    = "all"
)

// NodeSelector is a user read-scaling hook. It receives the slot's candidate
// nodes (primary first) and the command; returning a non-empty slice makes
// the router sample uniformly from it, returning nil or empty falls back to
// the primary.
type NodeSelector func(nodes []*Node, cmd *Command) []*Node

// RetryStrategy maps the reconnect attempt count to a delay. A negative
// delay stops reconnecting and ends the cluster.
type RetryStrategy func(times int) time.Duration

// Options configure a Cluster. The zero value of every field selects its
// documented default.
type Options struct {
	// ClusterRetryStrategy decides the reconnect delay after a close, or stops
	// the cycle with a negative delay. Default: min(100+2n, 2000) ms.
	ClusterRetryStrategy RetryStrategy

	// EnableOfflineQueue buffers commands submitted before ready instead of
	// rejecting them. Default true.
	EnableOfflineQueue *bool

	// EnableReadyCheck gates ready on CLUSTER INFO reporting a non-fail
	// cluster_state. Default true.
	EnableReadyCheck *bool

	// ScaleReads selects targets for readonly commands: master, slave or all.
	// Default master.
	ScaleReads string

	// ScaleReadsFunc, when set, takes precedence over ScaleReads.
	ScaleReadsFunc NodeSelector

	// MaxRedirections is the per-command budget for MOVED/ASK/retry chains.
	// Default 16.
	MaxRedirections int

	// RetryDelayOnFailover is the delay-bucket timeout for connection-closed
	// failures while ready. Default 100ms; negative disables the retry.
	RetryDelayOnFailover time.Duration

	// RetryDelayOnClusterDown is the bucket timeout for CLUSTERDOWN. Default
	// 100ms; an explicit 0 disables the retry. A pointer distinguishes unset
	// from an explicit zero, like EnableOfflineQueue.
	RetryDelayOnClusterDown *time.Duration

	// RetryDelayOnTryAgain is the bucket timeout for TRYAGAIN. Default 100ms.
	RetryDelayOnTryAgain time.Duration

	// SlotsRefreshTimeout bounds each CLUSTER SLOTS attempt. Default 1s.
	SlotsRefreshTimeout time.Duration

	// SlotsRefreshInterval is the periodic refresh cadence once ready.
	// Default 5s.
	SlotsRefreshInterval time.Duration

	// LazyConnect keeps the cluster in wait until the first command.
	// Default false.
	LazyConnect bool

	// RedisOptions are passed verbatim to every single-node client.
	RedisOptions redisx.Config

	// Logger receives structured diagnostics. Default is a no-op logger.
	Logger *zap.Logger

	// OfflineQueueLimit bounds the offline buffer. Default 10000.
	OfflineQueueLimit int

	offlineQueue            bool
	readyCheck              bool
	retryDelayOnClusterDown time.Duration
}

func defaultRetryStrategy(times int) time.Duration {
	delay := 100 + 2*times
	if delay > 2000 {
		delay = 2000
	}
	return time.Duration(delay) * time.Millisecond
}

func (o *Options) init() {
	if o.ClusterRetryStrategy == nil {
		o.ClusterRetryStrategy = defaultRetryStrategy
	}
	o.offlineQueue = o.EnableOfflineQueue == nil || *o.EnableOfflineQueue
	o.readyCheck = o.EnableReadyCheck == nil || *o.EnableReadyCheck
	if o.ScaleReads == "" {
		o.ScaleReads = ScaleReadsMaster
	}
	if o.MaxRedirections <= 0 {
		o.MaxRedirections = 16
	}
	if o.RetryDelayOnFailover == 0 {
		o.RetryDelayOnFailover = 100 * time.Millisecond
	}
	o.retryDelayOnClusterDown = 100 * time.Millisecond
	if o.RetryDelayOnClusterDown != nil {
		o.retryDelayOnClusterDown = *o.RetryDelayOnClusterDown
	}
	if o.RetryDelayOnTryAgain == 0 {
		o.RetryDelayOnTryAgain = 100 * time.Millisecond
	}
	if o.SlotsRefreshTimeout <= 0 {
		o.SlotsRefreshTimeout = time.Second
	}
	if o.SlotsRefreshInterval <= 0 {
		o.SlotsRefreshInterval = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.OfflineQueueLimit <= 0 {
		o.OfflineQueueLimit = 10000
	}
}
