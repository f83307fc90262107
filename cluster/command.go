package cluster

import (
	"strings"
	"sync"
)

type subscriberAction int

const (
	subscriberNone subscriberAction = iota
	subscriberEnter
	subscriberExit
)

// readOnlyCommands flags commands eligible for replica read scaling.
var readOnlyCommands = map[string]bool{
	"BITCOUNT": true, "BITPOS": true, "DBSIZE": true, "DUMP": true,
	"EXISTS": true, "EXPIRETIME": true, "GET": true, "GETBIT": true,
	"GETRANGE": true, "HEXISTS": true, "HGET": true, "HGETALL": true,
	"HKEYS": true, "HLEN": true, "HMGET": true, "HRANDFIELD": true,
	"HSCAN": true, "HSTRLEN": true, "HVALS": true, "KEYS": true,
	"LINDEX": true, "LLEN": true, "LPOS": true, "LRANGE": true,
	"MGET": true, "PTTL": true, "RANDOMKEY": true, "SCAN": true,
	"SCARD": true, "SDIFF": true, "SINTER": true, "SISMEMBER": true,
	"SMEMBERS": true, "SMISMEMBER": true, "SRANDMEMBER": true,
	"SSCAN": true, "STRLEN": true, "SUNION": true, "TTL": true,
	"TYPE": true, "ZCARD": true, "ZCOUNT": true, "ZRANGE": true,
	"ZRANGEBYLEX": true, "ZRANGEBYSCORE": true, "ZRANK": true,
	"ZREVRANGE": true, "ZREVRANGEBYSCORE": true, "ZREVRANK": true,
	"ZSCAN": true, "ZSCORE": true,
}

// keylessCommands carry no key, so they have no slot and may run anywhere.
var keylessCommands = map[string]bool{
	"AUTH": true, "CLUSTER": true, "COMMAND": true, "CONFIG": true,
	"DBSIZE": true, "ECHO": true, "FLUSHALL": true, "FLUSHDB": true,
	"INFO": true, "KEYS": true, "PING": true, "QUIT": true,
	"RANDOMKEY": true, "SCAN": true, "SCRIPT": true, "SHUTDOWN": true,
	"SUBSCRIBE": true, "UNSUBSCRIBE": true, "PSUBSCRIBE": true,
	"PUNSUBSCRIBE": true, "TIME": true,
}

// Command is a single operation with an externally visible result future.
// The router owns it from submission until it resolves or rejects; it is
// guaranteed to reach exactly one terminal state.
type Command struct {
	Name string
	Args []interface{}

	readOnly   bool
	subscriber subscriberAction
	slot       int // -1 when keyless

	done  chan struct{}
	once  sync.Once
	reply interface{}
	err   error

	// Router bookkeeping, executor-confined.
	intercepted bool
	ttl         int
}

// NewCommand builds a command and derives its flags and slot from the
// catalog. The first key is Args[0] except for EVAL/EVALSHA, whose first key
// sits after the numkeys argument.
func NewCommand(name string, args ...interface{}) *Command {
	cmd := &Command{
		Name: strings.ToUpper(name),
		Args: args,
		slot: -1,
		done: make(chan struct{}),
	}
	cmd.readOnly = readOnlyCommands[cmd.Name]
	switch cmd.Name {
	case "SUBSCRIBE", "PSUBSCRIBE":
		cmd.subscriber = subscriberEnter
	case "UNSUBSCRIBE", "PUNSUBSCRIBE":
		cmd.subscriber = subscriberExit
	}
	if key, ok := cmd.firstKey(); ok {
		cmd.slot = Slot(key)
	}
	return cmd
}

func (c *Command) firstKey() (string, bool) {
	if keylessCommands[c.Name] {
		return "", false
	}
	idx := 0
	switch c.Name {
	case "EVAL", "EVALSHA", "EVAL_RO", "EVALSHA_RO", "FCALL", "FCALL_RO":
		idx = 2
	}
	if len(c.Args) <= idx {
		return "", false
	}
	switch v := c.Args[idx].(type) {
	case string:
		return v, true
	case []byte:
		return string(v), true
	default:
		return "", false
	}
}

// Slot returns the command's computed slot, or -1 for keyless commands.
func (c *Command) Slot() int { return c.slot }

// ReadOnly reports whether the command is flagged readonly by the catalog.
func (c *Command) ReadOnly() bool { return c.readOnly }

// Done is closed when the command reaches its terminal state.
func (c *Command) Done() <-chan struct{} { return c.done }

// Wait blocks until the command terminates and returns its outcome.
func (c *Command) Wait() (interface{}, error) {
	<-c.done
	return c.reply, c.err
}

func (c *Command) resolve(reply interface{}) {
	c.once.Do(func() {
		c.reply = reply
		close(c.done)
	})
}

// reject is the command's original reject path. Only the maxRedirections and
// defaults branches of classification deliver through it.
func (c *Command) reject(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}
