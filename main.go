package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/sushantsondhi/raftcore/common"
	"github.com/sushantsondhi/raftcore/kvstore"
	"github.com/sushantsondhi/raftcore/kvstore/client"
	"github.com/sushantsondhi/raftcore/logger"
	"github.com/sushantsondhi/raftcore/rpc"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "raftcore",
		Short:         "Replicated key-value store built on raft",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(
		newConfigCommand(),
		newServerCommand(),
		newClientCommand(),
		newBenchCommand(),
	)
	return cmd
}

func newLogger(format, level string) (*zap.Logger, error) {
	config := logger.NewConfig()
	config.Format = format
	if err := config.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}
	return logger.New(os.Stderr, config)
}

func newConfigCommand() *cobra.Command {
	var (
		file             string
		servers          []string
		electionTimeout  int
		heartbeatTimeout int
		maxAppend        int
		leaderNoop       bool
	)
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Generate a cluster configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var addrs []common.ServerAddress
			for _, s := range servers {
				addrs = append(addrs, common.ServerAddress(s))
			}
			f := common.NewConfigFile(addrs, heartbeatTimeout, electionTimeout)
			f.MaxAppendEntries = maxAppend
			f.LeaderNoop = leaderNoop
			if err := f.ClusterConfig().Validate(); err != nil {
				return err
			}
			if err := common.WriteConfigFile(file, f); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d servers to %s\n", len(f.Cluster), file)
			return nil
		},
	}
	bindOptions(cmd, []opt{
		{&file, "file", "config.yaml", "full path of config file to write to"},
		{&servers, "servers", []string{"localhost:12345", "localhost:12346", "localhost:12347"}, "comma-separated list of server addresses of raft servers"},
		{&electionTimeout, "election-timeout", 200, "value of election timeout (in milliseconds)"},
		{&heartbeatTimeout, "heartbeat-timeout", 50, "value of heartbeat timeout (in milliseconds)"},
		{&maxAppend, "max-append-entries", 0, "maximum entries per AppendEntries message (0 for no limit)"},
		{&leaderNoop, "leader-noop", false, "append a no-op entry when a leader is elected"},
	})
	return cmd
}

type serverOptions struct {
	configFile  string
	me          int
	dataDir     string
	metricsAddr string
	logFormat   string
	logLevel    string
}

func newServerCommand() *cobra.Command {
	var opts serverOptions
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run one server of the cluster",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServer(cmd.Context(), opts)
		},
	}
	bindOptions(cmd, []opt{
		{&opts.configFile, "config", "config.yaml", "YAML file containing cluster & configuration details"},
		{&opts.me, "me", 0, "id of this server in the config file"},
		{&opts.dataDir, "data-dir", ".", "directory holding the server's stores"},
		{&opts.metricsAddr, "metrics-addr", "", "address serving /metrics and /status (disabled when empty)"},
		{&opts.logFormat, "log-format", "console", "log format: console, json or logfmt"},
		{&opts.logLevel, "log-level", "info", "log level: debug, info, warn or error"},
	})
	return cmd
}

func runServer(ctx context.Context, opts serverOptions) error {
	config, err := common.LoadClusterConfig(opts.configFile)
	if err != nil {
		return err
	}
	log, err := newLogger(opts.logFormat, opts.logLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	node, err := kvstore.NewNode(config, common.ServerID(opts.me), opts.dataDir, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return node.Run(ctx)
	})
	if opts.metricsAddr != "" {
		srv := newHTTPServer(opts.metricsAddr, node)
		g.Go(func() error {
			log.Info("Serving metrics", zap.String("address", opts.metricsAddr))
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return srv.Close()
		})
	}
	err = g.Wait()
	log.Info("Stopping server ...", zap.Error(err))
	return err
}

func newHTTPServer(addr string, node *kvstore.Node) *http.Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(node.Server.Metrics().PrometheusCollectors()...)
	reg.MustRegister(collectors.NewGoCollector())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		var status common.StatusRPCResult
		if err := node.Server.ServerStatus(&common.StatusRPC{}, &status); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(status)
	})
	return &http.Server{Addr: addr, Handler: mux}
}

func newClientCommand() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Start an interactive key-value client",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			config, err := common.LoadClusterConfig(configFile)
			if err != nil {
				return err
			}
			return client.RunCliClient(config.Cluster, rpc.NewManager(nil), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	bindOptions(cmd, []opt{
		{&configFile, "config", "config.yaml", "YAML file containing cluster details"},
	})
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
