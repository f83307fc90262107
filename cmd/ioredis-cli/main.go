// Command ioredis-cli is a small operational tool for a sharded in-memory
// store: it runs ad-hoc commands through the cluster router, prints the
// node topology, and tails pub/sub channels.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wangshuile/ioredis/cluster"
	"github.com/wangshuile/ioredis/internal/config"
	"github.com/wangshuile/ioredis/redisx"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("ioredis-cli", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	nodes := fs.String("nodes", "", "comma-separated startup nodes (overrides config)")
	subscribe := fs.String("subscribe", "", "comma-separated channels to tail")
	fs.Parse(args)

	var startup []string
	opts := &cluster.Options{}
	logLevel := "info"

	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		startup = cfg.Cluster.StartupNodes
		opts.ScaleReads = cfg.Cluster.ScaleReads
		opts.MaxRedirections = cfg.Cluster.MaxRedirections
		opts.SlotsRefreshInterval = cfg.Cluster.SlotsRefreshInterval
		opts.RedisOptions = redisx.Config{Password: cfg.Cluster.Password}
		logLevel = cfg.Log.Level
	}
	if *nodes != "" {
		startup = strings.Split(*nodes, ",")
	}
	if len(startup) == 0 {
		fmt.Fprintln(os.Stderr, "no startup nodes; pass -nodes or -config")
		return 1
	}

	logger, err := buildLogger(logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer logger.Sync()
	opts.Logger = logger
	// The tool drives Connect itself to surface startup failures.
	opts.LazyConnect = true

	c := cluster.New(startup, opts)
	if err := c.Connect(); err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		return 1
	}
	defer c.Quit()

	if *subscribe != "" {
		return tail(c, strings.Split(*subscribe, ","))
	}

	rest := fs.Args()
	if len(rest) == 0 {
		return printTopology(c)
	}

	cmdArgs := make([]interface{}, len(rest)-1)
	for i, a := range rest[1:] {
		cmdArgs[i] = a
	}
	reply, err := c.Do(rest[0], cmdArgs...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "(error) %v\n", err)
		return 1
	}
	printReply(reply, 0)
	return 0
}

func printReply(reply interface{}, indent int) {
	pad := strings.Repeat("  ", indent)
	switch v := reply.(type) {
	case nil:
		fmt.Printf("%s(nil)\n", pad)
	case []interface{}:
		for i, item := range v {
			fmt.Printf("%s%d)", pad, i+1)
			printReply(item, indent+1)
		}
	default:
		fmt.Printf("%s%v\n", pad, v)
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "console"
	return cfg.Build()
}

func printTopology(c *cluster.Cluster) int {
	fmt.Println("masters:")
	for _, n := range c.Nodes(cluster.ScaleReadsMaster) {
		fmt.Printf("  %s\n", n.Key())
	}
	fmt.Println("replicas:")
	for _, n := range c.Nodes(cluster.ScaleReadsSlave) {
		fmt.Printf("  %s\n", n.Key())
	}
	return 0
}

func tail(c *cluster.Cluster, channels []string) int {
	c.On(cluster.EventMessage, func(args ...interface{}) {
		if len(args) >= 2 {
			fmt.Printf("%v: %v\n", args[0], args[1])
		}
	})
	if _, err := c.Subscribe(channels...); err != nil {
		fmt.Fprintf(os.Stderr, "subscribe: %v\n", err)
		return 1
	}
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	return 0
}
