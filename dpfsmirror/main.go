// Copyright (c) 2015-2022, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Program dpfsmirror is a command-line wrapper around package
// dpfsmirrorpkg. It loads a TOML config, starts the translation layer,
// and waits for a termination signal before asking the core package to
// drain and stop.
//
// Usage:
//
//	dpfsmirror -c /etc/dpfsmirror/dpfsmirror.conf
//
// No HAL device is wired up here (the DPU HAL is an external
// collaborator); this entry point exists to exercise the core package
// against a real backing directory and to host the diagnostics server.
package main

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/dpfs-project/dpfs-aio-mirror/dpfsmirror/dpfsmirrorpkg"
	"github.com/dpfs-project/dpfs-aio-mirror/hal"
)

// loggingCompleter satisfies hal.Completer by logging every completion
// at debug level. A real HAL wires its own completer that forwards the
// result to the virtio-fs queue; this one exists so the CLI entry
// point can start the core package standalone.
type loggingCompleter struct {
	log *logrus.Logger
}

func (c *loggingCompleter) Complete(completionContext uintptr, status hal.CompletionStatus) {
	c.log.WithFields(logrus.Fields{
		"completion_context": completionContext,
		"status":             status,
	}).Debug("async operation completed")
}

func main() {
	var confPath string

	flag.StringVarP(&confPath, "config", "c", "", "path to TOML config file (required)")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if "" == confPath {
		fmt.Fprintf(os.Stderr, "dpfsmirror: -c/--config is required\n")
		os.Exit(1)
	}

	completer := &loggingCompleter{log: log}

	_, _, err := dpfsmirrorpkg.Start(confPath, completer)
	if nil != err {
		log.WithError(err).Fatal("failed to start dpfsmirrorpkg")
	}

	log.Info("dpfsmirror started")

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, unix.SIGINT, unix.SIGTERM, unix.SIGHUP)

	for {
		sig := <-signalChan
		if unix.SIGHUP == sig {
			if err := dpfsmirrorpkg.Signal(); nil != err {
				log.WithError(err).Warn("signal handling failed")
			}
			continue
		}
		break
	}

	log.Info("dpfsmirror shutting down, draining in-flight completions")

	err = dpfsmirrorpkg.Stop()
	if nil != err {
		log.WithError(err).Fatal("failed to stop dpfsmirrorpkg cleanly")
	}

	log.Info("dpfsmirror stopped")
}
