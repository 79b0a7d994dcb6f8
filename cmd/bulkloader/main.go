package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"text/tabwriter"

	"github.com/devrev/pairdb/bulkloader/internal/batch"
	"github.com/devrev/pairdb/bulkloader/internal/config"
	"github.com/devrev/pairdb/bulkloader/internal/driver"
	"github.com/devrev/pairdb/bulkloader/internal/executor"
	"github.com/devrev/pairdb/bulkloader/internal/health"
	"github.com/devrev/pairdb/bulkloader/internal/logging"
	"github.com/devrev/pairdb/bulkloader/internal/metrics"
	"github.com/devrev/pairdb/bulkloader/internal/partitioner"
	"github.com/devrev/pairdb/bulkloader/internal/server"
	"github.com/devrev/pairdb/bulkloader/internal/token"
	"github.com/devrev/pairdb/bulkloader/internal/topology"
	"github.com/devrev/pairdb/bulkloader/internal/workflow"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const usage = `usage: bulkloader <command> [flags]

commands:
  plan      print the read groups for the configured topology
  simulate  load then unload an in-memory cluster with the configured limits
  config    print the effective configuration
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	command, args := os.Args[1], os.Args[2:]

	fs := flag.NewFlagSet(command, flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("CONFIG_PATH"), "path to the YAML configuration")
	splits := fs.Int("splits", 0, "override partitioner.split_count")
	rows := fs.Int("rows", 0, "override simulation.rows")
	if err := fs.Parse(args); err != nil {
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *splits > 0 {
		cfg.Partitioner.SplitCount = *splits
	}
	if *rows > 0 {
		cfg.Simulation.Rows = *rows
	}

	logger, err := logging.NewLogger(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		logger.Info("Shutting down gracefully...")
		cancel()
	}()

	switch command {
	case "plan":
		err = runPlan(ctx, cfg, logger)
	case "simulate":
		err = runSimulate(ctx, cfg, logger)
	case "config":
		err = runConfig(cfg)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		logger.Error("Command failed", zap.String("command", command), zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

// clusterTopology is what the commands need from a topology source.
type clusterTopology interface {
	driver.Metadata
	batch.ReplicaResolver
}

// buildTopology returns the configured topology source and a func that
// releases it.
func buildTopology(cfg *config.Config, logger *zap.Logger) (clusterTopology, func(), error) {
	f, err := token.FactoryForPartitioner(cfg.Topology.Partitioner)
	if err != nil {
		return nil, nil, err
	}

	if cfg.Topology.Source == "gossip" {
		g := cfg.Topology.Gossip
		source, err := topology.NewGossipSource(&topology.GossipConfig{
			NodeName:          g.NodeName,
			BindAddr:          g.BindAddr,
			BindPort:          g.BindPort,
			SeedNodes:         g.SeedNodes,
			JoinTimeout:       g.JoinTimeout,
			GossipInterval:    g.GossipInterval,
			ProbeInterval:     g.ProbeInterval,
			ProbeTimeout:      g.ProbeTimeout,
			ReplicationFactor: cfg.Topology.ReplicationFactor,
			Meta:              topology.NodeMeta{Partitioner: f.Name()},
		}, f, logger)
		if err != nil {
			return nil, nil, err
		}
		return source, func() { _ = source.Shutdown() }, nil
	}

	nodes := make([]topology.NodeSpec, len(cfg.Topology.Nodes))
	for i, n := range cfg.Topology.Nodes {
		nodes[i] = topology.NodeSpec{ID: n.ID, Tokens: n.Tokens, VNodes: n.VNodes}
	}
	ring, err := topology.NewStaticRing(f, nodes, cfg.Topology.ReplicationFactor)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("Static topology loaded",
		zap.String("partitioner", f.Name()),
		zap.Int("nodes", ring.NodeCount()),
		zap.Int("replication_factor", ring.ReplicationFactor()))
	return ring, func() {}, nil
}

func runPlan(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	topo, release, err := buildTopology(cfg, logger)
	if err != nil {
		return err
	}
	defer release()

	plan, err := partitioner.NewGenerator(topo, cfg.Partitioner.MaxGroupSize, logger).Partition(ctx, cfg.Partitioner.SplitCount)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "#\tSTART\tEND\tSHARE\tREPLICAS\n")
	for i, r := range plan.Ranges {
		fmt.Fprintf(w, "%d\t%s\t%s\t%.4f%%\t%s\n", i, r.Start(), r.End(), r.Fraction()*100, r.Replicas())
	}
	fmt.Fprintf(w, "\n%d source ranges, %d splits, %d read groups\n", plan.SourceRanges, plan.Splits, len(plan.Ranges))
	return w.Flush()
}

func runConfig(cfg *config.Config) error {
	out, err := cfg.Dump()
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(out)
	return err
}

func runSimulate(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	topo, release, err := buildTopology(cfg, logger)
	if err != nil {
		return err
	}
	defer release()

	ranges, err := topo.TokenRanges(ctx)
	if err != nil {
		return err
	}
	sim := cfg.Simulation
	opts := []driver.MemoryOption{driver.WithPageSize(sim.PageSize), driver.WithLatency(sim.Latency)}
	if sim.FailureRate > 0 {
		opts = append(opts, driver.WithFailures(func(driver.Statement, int) error {
			if rand.Float64() < sim.FailureRate {
				return fmt.Errorf("simulated request timeout")
			}
			return nil
		}))
	}
	cluster := driver.NewMemoryCluster(topo.TokenFactory(), ranges, opts...)

	instance, _ := os.Hostname()
	m := metrics.NewMetrics(instance)
	m.UpdateTopology(countNodes(ranges), len(ranges))
	progress := workflow.NewProgress()

	exec := executor.New(cluster, executor.Config{
		MaxInFlight:          cfg.Executor.MaxInFlight,
		MaxConcurrentQueries: cfg.Executor.MaxConcurrentQueries,
		MaxPerSecond:         cfg.Executor.MaxPerSecond,
		FailFast:             cfg.Executor.FailFast,
		ResultBuffer:         cfg.Executor.ResultBuffer,
		Listener:             m,
		Logger:               logger,
	})
	if cfg.Metrics.Enabled {
		checker := health.NewChecker(topo, exec.Limits(), logger)
		ms := server.NewMetricsServer(&server.MetricsServerConfig{
			Port:        cfg.Metrics.Port,
			MetricsPath: cfg.Metrics.Path,
		}, m, progress, checker.Ready, logger)
		if err := ms.Start(); err != nil {
			return err
		}
		defer ms.Stop()
	}

	policy, err := cfg.Threshold()
	if err != nil {
		return err
	}
	batchCfg, err := cfg.BatchSettings()
	if err != nil {
		return err
	}
	batcher, err := batch.New(batchCfg, cluster, logger)
	if err != nil {
		return err
	}

	stmts := make([]driver.Statement, sim.Rows)
	for i := range stmts {
		stmts[i] = driver.NewSimpleStatement(
			fmt.Sprintf("INSERT INTO %s.%s (id, value) VALUES (?, ?)", sim.Keyspace, sim.Table),
			i, "value-"+strconv.Itoa(i),
		).WithRoutingKey(sim.Keyspace, []byte(strconv.Itoa(i)))
	}

	loader := workflow.NewLoader(exec, batcher, policy, progress, logger)
	summary, err := loader.LoadAll(ctx, stmts)
	if summary != nil {
		m.RecordOperation(summary.Operation, summary.Items, summary.Errors, summary.Duration, summary.Aborted)
		if perr := printSummary(summary); perr != nil {
			return perr
		}
	}
	if err != nil {
		return err
	}

	var unloaded atomic.Int64
	unloader := workflow.NewUnloader(exec, partitioner.NewGenerator(cluster, cfg.Partitioner.MaxGroupSize, logger), policy, progress, logger)
	summary, err = unloader.Unload(ctx, workflow.UnloadRequest{
		Query:      fmt.Sprintf("SELECT id, value FROM %s.%s", sim.Keyspace, sim.Table),
		Keyspace:   sim.Keyspace,
		SplitCount: cfg.Partitioner.SplitCount,
	}, func(driver.Row) error {
		unloaded.Add(1)
		return nil
	})
	if summary != nil {
		m.RecordOperation(summary.Operation, summary.Items, summary.Errors, summary.Duration, summary.Aborted)
		if perr := printSummary(summary); perr != nil {
			return perr
		}
	}
	if err != nil {
		return err
	}

	logger.Info("Simulation completed",
		zap.Int("rows_stored", cluster.RowCount()),
		zap.Int64("rows_unloaded", unloaded.Load()),
		zap.Int64("max_in_flight_observed", cluster.MaxInFlight()))
	return nil
}

func printSummary(s *workflow.Summary) error {
	out, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	fmt.Printf("---\n%s", out)
	return nil
}

func countNodes(ranges []token.Range) int {
	seen := make(map[string]struct{})
	for _, r := range ranges {
		for _, id := range r.Replicas().IDs() {
			seen[id] = struct{}{}
		}
	}
	return len(seen)
}
