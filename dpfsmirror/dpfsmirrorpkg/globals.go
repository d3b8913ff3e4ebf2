// Copyright (c) 2015-2022, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package dpfsmirrorpkg

import (
	"fmt"
	"net/http"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/dpfs-project/dpfs-aio-mirror/hal"
)

// globalsStruct is the single instance backing this package's exported
// Start/Stop/Signal wrappers.
type globalsStruct struct {
	config       configStruct
	logFile      *os.File // == nil if config.LogFilePath == ""
	rootDirFd    int      // O_DIRECTORY fd anchoring every *at() syscall for the mirrored tree
	completer    hal.Completer
	inodeTable   *inodeTableStruct
	asyncIO      *asyncIOStruct
	session      *sessionStruct
	stats        *statsStruct
	httpServer   *http.Server
	httpServerWG sync.WaitGroup

	dirHandlesMutex sync.Mutex
	dirHandles      map[uint64]*dirHandleStruct
}

var globals globalsStruct

func initializeGlobals(config configStruct, completer hal.Completer) (err error) {
	globals.config = config
	globals.logFile = nil
	globals.completer = completer

	logInfof("starting with backing directory %s", config.Dir)

	globals.rootDirFd, err = unix.Open(config.Dir, unix.O_DIRECTORY|unix.O_RDONLY, 0)
	if nil != err {
		err = fmt.Errorf("opening backing directory %s: %w", config.Dir, err)
		return
	}

	var rootStat unix.Stat_t
	err = unix.Fstat(globals.rootDirFd, &rootStat)
	if nil != err {
		err = fmt.Errorf("statting backing directory %s: %w", config.Dir, err)
		return
	}

	globals.inodeTable = newInodeTable(globals.rootDirFd, rootStat.Ino, rootStat.Dev)
	globals.asyncIO = newAsyncIO(config.UringCQPollingNThreads)
	globals.session = newSessionState(config.MetadataTimeout)
	globals.stats = newStats()
	globals.dirHandles = make(map[uint64]*dirHandleStruct)

	err = nil
	return
}

func uninitializeGlobals() (err error) {
	globals.asyncIO.shutdown()

	if 0 <= globals.rootDirFd {
		_ = unix.Close(globals.rootDirFd)
		globals.rootDirFd = -1
	}

	globals.inodeTable = nil
	globals.asyncIO = nil
	globals.session = nil
	globals.stats = nil
	globals.completer = nil
	globals.dirHandles = nil

	if nil != globals.logFile {
		_ = globals.logFile.Close()
		globals.logFile = nil
	}

	err = nil
	return
}
