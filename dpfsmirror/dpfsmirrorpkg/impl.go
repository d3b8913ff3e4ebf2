// Copyright (c) 2015-2022, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package dpfsmirrorpkg

import (
	"github.com/dpfs-project/dpfs-aio-mirror/hal"
)

func start(confPath string, completer hal.Completer) (device hal.Device, dispatch hal.DispatchFunc, err error) {
	var config configStruct

	config, err = loadConfigFromFile(confPath)
	if nil != err {
		return
	}

	err = initializeGlobals(config, completer)
	if nil != err {
		return
	}

	err = startHTTPServer()
	if nil != err {
		return
	}

	device = &globals
	dispatch = globals.Dispatch

	return
}

func stop() (err error) {
	err = stopHTTPServer()
	if nil != err {
		return
	}

	err = uninitializeGlobals()

	return
}

func signal() (err error) {
	logSIGHUP()

	err = nil
	return
}
