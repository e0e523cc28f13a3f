package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/sushantsondhi/raftcore/benchmarks"
	"github.com/sushantsondhi/raftcore/common"
)

func newBenchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run performance checks against a cluster",
	}
	cmd.AddCommand(
		newThroughputCommand(),
		newParallelCommand(),
		newCatchUpCommand(),
		newSimulateCommand(),
	)
	return cmd
}

func newThroughputCommand() *cobra.Command {
	var (
		configFile  string
		numRequests int
	)
	cmd := &cobra.Command{
		Use:   "throughput",
		Short: "Sequential write then read throughput of one client",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			config, err := common.LoadClusterConfig(configFile)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Running Performance Check: Client Read Write Throughput")
			results, err := benchmarks.ClientReadWriteThroughput(config.Cluster, numRequests)
			for _, r := range results {
				fmt.Fprintln(cmd.OutOrStdout(), r)
			}
			return err
		},
	}
	bindOptions(cmd, []opt{
		{&configFile, "config", "config.yaml", "YAML file containing cluster details"},
		{&numRequests, "requests", 100, "number of client requests to send"},
	})
	return cmd
}

func newParallelCommand() *cobra.Command {
	var (
		configFile  string
		numRequests int
		clients     int
	)
	cmd := &cobra.Command{
		Use:   "parallel",
		Short: "Write throughput of concurrent clients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			config, err := common.LoadClusterConfig(configFile)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Running Performance Check: Parallel Client Throughput")
			result, err := benchmarks.ParallelClientThroughput(config.Cluster, clients, numRequests)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), result)
			return nil
		},
	}
	bindOptions(cmd, []opt{
		{&configFile, "config", "config.yaml", "YAML file containing cluster details"},
		{&numRequests, "requests", 100, "number of client requests to send"},
		{&clients, "clients", 10, "number of concurrent clients"},
	})
	return cmd
}

func newCatchUpCommand() *cobra.Command {
	var (
		configFile  string
		numRequests int
		lagging     int
		dataDir     string
		logFormat   string
		logLevel    string
	)
	cmd := &cobra.Command{
		Use:   "catchup",
		Short: "Time a lagging server takes to catch up with the cluster",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			config, err := common.LoadClusterConfig(configFile)
			if err != nil {
				return err
			}
			log, err := newLogger(logFormat, logLevel)
			if err != nil {
				return err
			}
			defer log.Sync()
			fmt.Fprintln(cmd.OutOrStdout(), "Running Performance Check: Server catch up time")
			result, err := benchmarks.ServerCatchUpTime(cmd.Context(), config, common.ServerID(lagging), dataDir, numRequests, log)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), result)
			return nil
		},
	}
	bindOptions(cmd, []opt{
		{&configFile, "config", "config.yaml", "YAML file containing cluster details"},
		{&numRequests, "requests", 100, "number of entries the lagging server has to catch up"},
		{&lagging, "lagging", 3, "id of the server started late, locally"},
		{&dataDir, "data-dir", ".", "directory holding the lagging server's stores"},
		{&logFormat, "log-format", "console", "log format: console, json or logfmt"},
		{&logLevel, "log-level", "warn", "log level of the lagging server"},
	})
	return cmd
}

func newSimulateCommand() *cobra.Command {
	var (
		opts      benchmarks.SimulateOptions
		logFormat string
		logLevel  string
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Write throughput of an in-memory cluster over a simulated network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, err := newLogger(logFormat, logLevel)
			if err != nil {
				return err
			}
			defer log.Sync()
			result, err := benchmarks.Simulate(opts, log)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), result)
			return nil
		},
	}
	bindOptions(cmd, []opt{
		{&opts.Servers, "servers", 5, "cluster size"},
		{&opts.Clients, "clients", 10, "number of concurrent clients"},
		{&opts.Requests, "requests", 1000, "number of client requests to send"},
		{&opts.DropRate, "drop-rate", 0.0, "probability that a message is dropped"},
		{&opts.DupRate, "dup-rate", 0.0, "probability that a message is duplicated"},
		{&logFormat, "log-format", "console", "log format: console, json or logfmt"},
		{&logLevel, "log-level", "warn", "log level"},
	})
	return cmd
}
