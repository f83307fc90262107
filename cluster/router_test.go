package cluster

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalDispatch(t *testing.T) {
	srv := newFakeServer(t)
	srv.setHandler(func(args []string) []byte {
		if args[0] == "GET" && args[1] == "foo" {
			return respBulk("bar")
		}
		return respError("ERR unexpected")
	})
	c := newTestCluster(t, nil, srv)

	reply, err := c.Do("GET", "foo")
	require.NoError(t, err)
	assert.Equal(t, "bar", reply)
	assert.Equal(t, 1, srv.countCommand("GET"), "exactly one send")
}

func TestMovedRedirection(t *testing.T) {
	srvA := newFakeServer(t)
	srvB := newFakeServer(t)
	// A owns everything at connect time, but slot 12182 has moved to B.
	layout := slotsReply(srvA)
	srvA.setSlots(func() []byte { return layout })
	srvB.setSlots(func() []byte { return layout })
	srvA.setHandler(func(args []string) []byte {
		return respError("MOVED 12182 " + srvB.addr())
	})
	srvB.setHandler(func(args []string) []byte {
		if args[0] == "GET" && args[1] == "foo" {
			return respBulk("bar")
		}
		return respError("ERR unexpected")
	})

	opts := &Options{LazyConnect: true}
	c := New([]string{srvA.addr()}, opts)
	t.Cleanup(func() { c.Disconnect(false) })
	require.NoError(t, c.Connect())

	reply, err := c.Do("GET", "foo")
	require.NoError(t, err)
	assert.Equal(t, "bar", reply)

	owners := c.slotOwners(12182)
	require.NotEmpty(t, owners)
	assert.Equal(t, srvB.addr(), owners[0], "slot primary repaired to the new owner")
	assert.Equal(t, 1, srvA.countCommand("GET"))
	assert.Equal(t, 1, srvB.countCommand("GET"))

	// A background topology refresh is scheduled after the redirect.
	assert.Eventually(t, func() bool {
		return srvA.countSlotsQueries()+srvB.countSlotsQueries() >= 2
	}, time.Second, 10*time.Millisecond)
}

func TestAskRedirection(t *testing.T) {
	srvA := newFakeServer(t)
	srvB := newFakeServer(t)
	layout := slotsReply(srvA)
	srvA.setSlots(func() []byte { return layout })
	srvB.setSlots(func() []byte { return layout })
	srvA.setHandler(func(args []string) []byte {
		return respError("ASK 12182 " + srvB.addr())
	})
	srvB.setHandler(func(args []string) []byte {
		switch args[0] {
		case "ASKING":
			return respSimple("OK")
		case "GET":
			return respBulk("bar")
		}
		return respError("ERR unexpected")
	})

	c := New([]string{srvA.addr()}, &Options{LazyConnect: true})
	t.Cleanup(func() { c.Disconnect(false) })
	require.NoError(t, c.Connect())

	slotsBefore := srvA.countSlotsQueries() + srvB.countSlotsQueries()

	reply, err := c.Do("GET", "foo")
	require.NoError(t, err)
	assert.Equal(t, "bar", reply)

	// ASKING preamble immediately precedes the command on the ask target.
	cmds := srvB.commands()
	var names []string
	for _, args := range cmds {
		if args[0] == "ASKING" || args[0] == "GET" {
			names = append(names, args[0])
		}
	}
	assert.Equal(t, []string{"ASKING", "GET"}, names)

	// No slot map mutation and no topology refresh.
	owners := c.slotOwners(12182)
	require.NotEmpty(t, owners)
	assert.Equal(t, srvA.addr(), owners[0])
	assert.Equal(t, slotsBefore, srvA.countSlotsQueries()+srvB.countSlotsQueries())
}

func TestTryAgainBurstCoalesces(t *testing.T) {
	srv := newFakeServer(t)
	var mu sync.Mutex
	rejected := 0
	srv.setHandler(func(args []string) []byte {
		if args[0] != "GET" {
			return respError("ERR unexpected")
		}
		mu.Lock()
		defer mu.Unlock()
		if rejected < 10 {
			rejected++
			return respError("TRYAGAIN Multiple keys request during rehashing of slot")
		}
		return respBulk("v")
	})
	c := newTestCluster(t, &Options{RetryDelayOnTryAgain: 50 * time.Millisecond}, srv)

	start := time.Now()
	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = c.Do("GET", "k")
		}()
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "command %d", i)
	}
	// One coalesced delay, not ten sequential ones.
	assert.Less(t, time.Since(start), 300*time.Millisecond)
	assert.Equal(t, 20, srv.countCommand("GET"), "each command sent twice")
}

func TestClusterDownRecovery(t *testing.T) {
	srv := newFakeServer(t)
	var mu sync.Mutex
	down := true
	srv.setHandler(func(args []string) []byte {
		if args[0] != "GET" {
			return respError("ERR unexpected")
		}
		mu.Lock()
		defer mu.Unlock()
		if down {
			return respError("CLUSTERDOWN The cluster is down")
		}
		return respBulk("v")
	})
	clusterDownDelay := 50 * time.Millisecond
	c := newTestCluster(t, &Options{RetryDelayOnClusterDown: &clusterDownDelay}, srv)

	slotsBefore := srv.countSlotsQueries()

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = c.Do("GET", "k")
		}()
	}
	// Let the burst hit CLUSTERDOWN, then recover before the bucket flushes.
	time.Sleep(25 * time.Millisecond)
	mu.Lock()
	down = false
	mu.Unlock()
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "command %d", i)
	}
	// Exactly one topology refresh fires at flush.
	assert.Eventually(t, func() bool {
		return srv.countSlotsQueries() == slotsBefore+1
	}, time.Second, 10*time.Millisecond)
}

func TestClusterDownRetryDisabled(t *testing.T) {
	srv := newFakeServer(t)
	srv.setHandler(func(args []string) []byte {
		return respError("CLUSTERDOWN The cluster is down")
	})
	noRetry := time.Duration(0)
	c := newTestCluster(t, &Options{RetryDelayOnClusterDown: &noRetry}, srv)

	_, err := c.Do("GET", "k")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CLUSTERDOWN")
	assert.Equal(t, 1, srv.countCommand("GET"), "an explicit 0 disables the retry")
}

func TestRedirectionLoopBound(t *testing.T) {
	srvA := newFakeServer(t)
	srvB := newFakeServer(t)
	// Both nodes stay in every refreshed layout so the bounce keeps hitting
	// live servers.
	layout := slotsReply(srvA, srvB)
	srvA.setSlots(func() []byte { return layout })
	srvB.setSlots(func() []byte { return layout })
	srvA.setHandler(func(args []string) []byte {
		return respError("MOVED 12182 " + srvB.addr())
	})
	srvB.setHandler(func(args []string) []byte {
		return respError("MOVED 12182 " + srvA.addr())
	})

	c := New([]string{srvA.addr()}, &Options{LazyConnect: true, MaxRedirections: 4})
	t.Cleanup(func() { c.Disconnect(false) })
	require.NoError(t, c.Connect())

	_, err := c.Do("GET", "foo")
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "Too many Cluster redirections. Last error:"), err.Error())

	// Initial send plus exactly MaxRedirections retries.
	total := srvA.countCommand("GET") + srvB.countCommand("GET")
	assert.Equal(t, 5, total)
}

func TestOfflineQueueDisabledRejects(t *testing.T) {
	srv := newFakeServer(t)
	off := false
	opts := &Options{LazyConnect: true, EnableOfflineQueue: &off}
	layout := slotsReply(srv)
	srv.setSlots(func() []byte { return layout })

	c := New([]string{srv.addr()}, opts)
	t.Cleanup(func() { c.Disconnect(false) })

	_, err := c.Do("GET", "foo")
	assert.ErrorIs(t, err, ErrOfflineQueueDisabled)
}

func TestScaleReadsSlave(t *testing.T) {
	primary := newFakeServer(t)
	replica := newFakeServer(t)
	layout := slotsReplyRange(0, NumSlots-1, primary, replica)
	primary.setSlots(func() []byte { return layout })
	replica.setSlots(func() []byte { return layout })
	handler := func(args []string) []byte {
		switch args[0] {
		case "GET":
			return respBulk("v")
		case "SET":
			return respSimple("OK")
		}
		return respError("ERR unexpected")
	}
	primary.setHandler(handler)
	replica.setHandler(handler)

	c := New([]string{primary.addr()}, &Options{LazyConnect: true, ScaleReads: ScaleReadsSlave})
	t.Cleanup(func() { c.Disconnect(false) })
	require.NoError(t, c.Connect())

	for i := 0; i < 5; i++ {
		_, err := c.Do("GET", "foo")
		require.NoError(t, err)
	}
	assert.Equal(t, 5, replica.countCommand("GET"), "readonly reads go to the replica")
	assert.Zero(t, primary.countCommand("GET"))

	// Writes are forced to the primary regardless of scaleReads.
	_, err := c.Do("SET", "foo", "x")
	require.NoError(t, err)
	assert.Equal(t, 1, primary.countCommand("SET"))
	assert.Zero(t, replica.countCommand("SET"))
}

func TestScaleReadsFunc(t *testing.T) {
	primary := newFakeServer(t)
	replica := newFakeServer(t)
	layout := slotsReplyRange(0, NumSlots-1, primary, replica)
	primary.setSlots(func() []byte { return layout })
	replica.setSlots(func() []byte { return layout })
	handler := func(args []string) []byte { return respBulk("v") }
	primary.setHandler(handler)
	replica.setHandler(handler)

	picked := make(chan string, 8)
	opts := &Options{
		LazyConnect: true,
		ScaleReadsFunc: func(nodes []*Node, cmd *Command) []*Node {
			picked <- cmd.Name
			// Always the primary, by choice.
			return nodes[:1]
		},
	}
	c := New([]string{primary.addr()}, opts)
	t.Cleanup(func() { c.Disconnect(false) })
	require.NoError(t, c.Connect())

	_, err := c.Do("GET", "foo")
	require.NoError(t, err)
	assert.Equal(t, "GET", <-picked)
	assert.Equal(t, 1, primary.countCommand("GET"))
	assert.Zero(t, replica.countCommand("GET"))
}
