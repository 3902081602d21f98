// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/gops/agent"

	"github.com/akiops/aki-pipeline/internal/broker"
	"github.com/akiops/aki-pipeline/internal/bootstrap"
	"github.com/akiops/aki-pipeline/internal/config"
	"github.com/akiops/aki-pipeline/internal/featurestore"
	"github.com/akiops/aki-pipeline/internal/inference"
	"github.com/akiops/aki-pipeline/internal/metrics"
	"github.com/akiops/aki-pipeline/internal/orchestrator"
	"github.com/akiops/aki-pipeline/internal/pager"
	"github.com/akiops/aki-pipeline/internal/runtimeEnv"
	"github.com/akiops/aki-pipeline/pkg/log"
	"github.com/akiops/aki-pipeline/pkg/model"
)

func main() {
	var flagConfigFile string
	var flagGops bool
	flag.StringVar(&flagConfigFile, "config", "./config.json", "Path to the JSON configuration file")
	flag.BoolVar(&flagGops, "gops", false, "Listen via github.com/google/gops/agent (for debugging)")
	flag.Parse()

	// See https://github.com/google/gops (Runtime overhead is almost zero)
	if flagGops {
		if err := agent.Listen(agent.Options{}); err != nil {
			log.Fatalf("gops/agent.Listen failed: %s", err.Error())
		}
	}

	cfg, err := config.Load(flagConfigFile)
	if err != nil {
		log.Fatalf("startup: %s", err.Error())
	}

	store, err := featurestore.Open(fmt.Sprintf("%s/featurestore.db", cfg.StateDir))
	if err != nil {
		log.Fatalf("startup: opening feature store: %s", err.Error())
	}
	defer store.Close()

	predictor, err := inference.LoadJSONThresholdModel(cfg.ModelPath)
	if err != nil {
		log.Fatalf("startup: loading predictor: %s", err.Error())
	}

	if cfg.BootstrapCSVPath != "" {
		if err := bootstrap.Run(context.Background(), store, cfg.BootstrapCSVPath); err != nil {
			log.Fatalf("startup: bootstrap import: %s", err.Error())
		}
	}

	pagerClient := pager.NewClient(cfg.PagerAddress)

	metricsServer, err := metrics.New(":"+cfg.PrometheusPort, metrics.NewRegistry())
	if err != nil {
		log.Fatalf("startup: building metrics server: %s", err.Error())
	}

	var brokerClient *broker.Client
	if cfg.BrokerURL != "" {
		brokerClient, err = broker.Connect(broker.Config{Address: cfg.BrokerURL})
		if err != nil {
			log.Fatalf("startup: connecting to broker: %s", err.Error())
		}
		defer brokerClient.Close()
	}

	orch := orchestrator.New(cfg.MLLPAddress, store, predictor, pagerClient, metricsServer)

	if brokerClient != nil {
		// Deployment option: the decode stage publishes to the broker
		// instead of dispatching in-process, and the subscribe callback
		// below drives the same Dispatch protocol on delivery.
		orch.UsePublisher(brokerClient.Publish)
		if err := brokerClient.Subscribe(func(event model.Event) error {
			return orch.Dispatch(context.Background(), event)
		}); err != nil {
			log.Fatalf("startup: subscribing to broker: %s", err.Error())
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := metricsServer.Start(); err != nil {
			log.Errorf("metrics: server stopped: %s", err.Error())
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := orch.Run(ctx); err != nil {
			log.Errorf("orchestrator: stopped: %s", err.Error())
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	metrics.SigtermCounter.Inc()
	runtimeEnv.SystemdNotifiy(false, "shutting down")
	log.Info("main: shutdown signal received, draining")

	cancel()
	_ = metricsServer.Shutdown(context.Background())

	wg.Wait()
	log.Info("main: graceful shutdown complete")
}
