// SparkRDMA shuffle daemon: runs the coordinator's partition-location
// directory or a worker's directory client over the HTTP transport emulation.
/*
 * Copyright (c) 2018, SparkRDMA Authors. All rights reserved.
 */
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/465583030/SparkRDMA/cluster"
	"github.com/465583030/SparkRDMA/cmn"
	"github.com/465583030/SparkRDMA/cmn/cos"
	"github.com/465583030/SparkRDMA/directory"
	"github.com/465583030/SparkRDMA/hk"
	"github.com/465583030/SparkRDMA/memsys"
	"github.com/465583030/SparkRDMA/stats"
	"github.com/465583030/SparkRDMA/transport"
)

const (
	roleCoordinator = "coordinator"
	roleWorker      = "worker"
)

var build string // injected

func main() {
	var (
		configPath  string
		role        string
		listen      string
		coordinator string
	)
	flag.StringVar(&configPath, "config", "", "path to JSON config (defaults apply when empty)")
	flag.StringVar(&role, "role", roleWorker, "coordinator | worker")
	flag.StringVar(&listen, "listen", "", "this node's host:port (overrides config)")
	flag.StringVar(&coordinator, "coordinator", "", "coordinator host:port (overrides config)")
	klog.InitFlags(nil)
	flag.Parse()

	if err := run(configPath, role, listen, coordinator); err != nil {
		klog.Errorf("%v", err)
		klog.Flush()
		os.Exit(1)
	}
	klog.Flush()
}

func run(configPath, role, listen, coordinator string) error {
	config, err := loadConfig(configPath, listen, coordinator)
	if err != nil {
		return err
	}
	self, err := cluster.ParseHostPort(config.Listen)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %v", config.Listen, err)
	}
	runID := uuid.NewString()[:8] // distinguishes restarts at the same address in aggregated logs
	klog.Infof("sparkrdma %s [%s] starting as %s at %s", build, runID, role, self)
	klog.Infof("config: %s", cos.MustMarshal(config))

	hk.Init()
	defer hk.Stop()

	// default registered-memory cap; SPARKRDMA_MEM_MAX overrides
	arena := &memsys.Arena{Name: role, MaxTotal: 4 * cos.GiB}
	if err := arena.Init(); err != nil {
		return err
	}
	defer arena.Terminate()

	var dialer transport.Dialer
	if config.UseFastHTTP {
		dialer = transport.NewFastDialer(self, arena)
	} else {
		dialer = transport.NewHTTPDialer(self, arena)
	}

	server := transport.NewServer(self, arena, nil)
	server.Handle("/metrics", stats.Handler())

	var (
		teardown func()
		hello    func() error
	)
	switch role {
	case roleCoordinator:
		coord := directory.NewCoordinator(self, config, arena, dialer)
		server.SetRecv(coord.Recv)
		teardown = coord.Close
	case roleWorker:
		coordHP, err := cluster.ParseHostPort(config.Coordinator)
		if err != nil {
			return fmt.Errorf("invalid coordinator address %q: %v", config.Coordinator, err)
		}
		client := directory.NewClient(self, coordHP, config, arena, dialer)
		server.SetRecv(client.Recv)
		teardown = client.Close
		hello = client.Hello
	default:
		return fmt.Errorf("unknown role %q", role)
	}
	defer teardown()

	if err := server.Start(); err != nil {
		return err
	}
	defer server.Shutdown()

	if hello != nil {
		if err := hello(); err != nil {
			klog.Warningf("hello to coordinator failed: %v", err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	klog.Infof("received %s, shutting down", sig)
	return nil
}

func loadConfig(path, listen, coordinator string) (*cmn.Config, error) {
	config := cmn.DefaultConfig()
	if path != "" {
		var err error
		if config, err = cmn.LoadConfig(path); err != nil {
			return nil, err
		}
	}
	if listen != "" {
		config.Listen = listen
	}
	if coordinator != "" {
		config.Coordinator = coordinator
	}
	return config, nil
}
