// Copyright (c) 2015-2022, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package dpfsmirrorpkg implements the "local mirror" file-server
// translation layer: it presents a single backing directory tree to a
// DPU Hardware Abstraction Layer as a virtio-fs export, without
// speaking to any network-attached metadata or object service.
//
// To start an instance, Start() is called with the path to a TOML
// config file and the hal.Completer the HAL expects asynchronous
// completions delivered through. Here is a sample config file:
//
//  [local_mirror]
//  dir                      = "/srv/export"
//  metadata_timeout         = 1.0
//  uring_cq_polling         = true
//  uring_cq_polling_nthreads = 4
//
//  [logging]
//  log_file_path  = "/var/log/dpfs-aio-mirror.log"
//  log_to_console = true
//  trace_enabled  = false
//
//  [diagnostics]
//  stats_server_addr = "127.0.0.1:9100"
//
// Start returns a hal.Device (to register/unregister virtio-fs
// devices) and a hal.DispatchFunc (the HAL's per-request entry point).
// The embedded diagnostics server, when enabled, serves:
//
//  GET /metrics
//
// Prometheus text exposition of per-opcode request counts and
// latencies.
//
//  GET /config
//
// A JSON dump of the active configuration.
//
//  GET /inodes
//
// A JSON snapshot of inode table occupancy.
//
package dpfsmirrorpkg

import (
	"github.com/dpfs-project/dpfs-aio-mirror/hal"
)

// Start loads confPath, brings up the inode table, async I/O workers,
// and (if configured) the diagnostics server, and returns the Device
// and DispatchFunc the HAL drives.
func Start(confPath string, completer hal.Completer) (device hal.Device, dispatch hal.DispatchFunc, err error) {
	device, dispatch, err = start(confPath, completer)
	return
}

// Stop drains outstanding async I/O, tears down the diagnostics
// server, and releases the backing directory handle.
func Stop() (err error) {
	err = stop()
	return
}

// Signal is called to interrupt the server for performing operations
// such as log rotation.
func Signal() (err error) {
	err = signal()
	return
}

// LogFatalf is an exported wrapper around the internal logFatalf()
// func.
func LogFatalf(format string, args ...interface{}) {
	logFatalf(format, args...)
}

// LogWarnf is an exported wrapper around the internal logWarnf() func.
func LogWarnf(format string, args ...interface{}) {
	logWarnf(format, args...)
}

// LogInfof is an exported wrapper around the internal logInfof() func.
func LogInfof(format string, args ...interface{}) {
	logInfof(format, args...)
}
