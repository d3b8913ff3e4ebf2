// Copyright (c) 2015-2022, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package dpfsmirrorpkg

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// startHTTPServer brings up the embedded diagnostics server. A blank
// StatsServerAddr disables it entirely.
func startHTTPServer() (err error) {
	if "" == globals.config.StatsServerAddr {
		logInfof("diagnostics server disabled (no [diagnostics].stats_server_addr configured)")
		return nil
	}

	listener, err := net.Listen("tcp", globals.config.StatsServerAddr)
	if nil != err {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(globals.stats.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/config", httpServeConfig)
	mux.HandleFunc("/inodes", httpServeInodes)

	globals.httpServer = &http.Server{Handler: mux}

	globals.httpServerWG.Add(1)
	go func() {
		defer globals.httpServerWG.Done()
		serveErr := globals.httpServer.Serve(listener)
		if nil != serveErr && http.ErrServerClosed != serveErr {
			logErrorf("diagnostics server: %v", serveErr)
		}
	}()

	logInfof("diagnostics server listening on %s", globals.config.StatsServerAddr)

	err = nil
	return
}

func stopHTTPServer() (err error) {
	if nil == globals.httpServer {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = globals.httpServer.Shutdown(ctx)
	globals.httpServerWG.Wait()
	globals.httpServer = nil

	return
}

func httpServeConfig(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(globals.config)
}

func httpServeInodes(w http.ResponseWriter, r *http.Request) {
	snapshot := struct {
		TableSize        int   `json:"table_size"`
		GenerationBumps  int64 `json:"generation_bumps"`
		AsyncOpsInFlight int64 `json:"async_ops_in_flight"`
	}{
		TableSize:        globals.inodeTable.size(),
		GenerationBumps:  globals.stats.generationBumpsNow(),
		AsyncOpsInFlight: globals.stats.asyncInFlightNow(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snapshot)
}
