// Copyright (c) 2015-2022, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package dpfsmirrorpkg

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dpfs-project/dpfs-aio-mirror/wire"
)

// sessionStruct is the process-wide handshake state: the
// init-done flag, negotiated capability mask, and the attr/entry
// timeout derived from the configured metadata_timeout.
type sessionStruct struct {
	mutex        sync.Mutex
	initDone     bool
	flags        uint32
	attrTimeout  time.Duration
	entryTimeout time.Duration
}

func newSessionState(metadataTimeout time.Duration) *sessionStruct {
	return &sessionStruct{
		attrTimeout:  metadataTimeout,
		entryTimeout: metadataTimeout,
	}
}

// negotiateInit echoes back support flags selectively, drops
// effective uid/gid when the request header carries a non-zero uid
// and gid, and marks the session initialised exactly once.
func (s *sessionStruct) negotiateInit(hdr *wire.InHeader, in *wire.InitIn) (out wire.InitOut) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.initDone {
		logWarnf("received a second INIT; re-negotiating anyway")
	}

	var flags uint32
	if 0 != in.Flags&wire.InitFlagExportSupport {
		flags |= wire.InitFlagExportSupport
	}
	if 0 != s.attrTimeout {
		flags |= wire.InitFlagWritebackCache
	}
	if 0 != in.Flags&wire.InitFlagFlockLocks {
		flags |= wire.InitFlagFlockLocks
	}
	// Splice is never echoed back: incompatible with the virtio-fs
	// transfer model.

	s.flags = flags

	if 0 != hdr.UID && 0 != hdr.GID {
		// gid first: once the effective uid is no longer root, the
		// process lacks the privilege to change its effective gid.
		if err := unix.Setregid(-1, int(hdr.GID)); nil != err {
			logWarnf("dropping effective gid to %d: %v", hdr.GID, err)
		}
		if err := unix.Setreuid(-1, int(hdr.UID)); nil != err {
			logWarnf("dropping effective uid to %d: %v", hdr.UID, err)
		}
		logInfof("dropped effective uid/gid to %d/%d per INIT", hdr.UID, hdr.GID)
	} else {
		logInfof("INIT was not supplied with a non-zero uid and gid; all operations go through the server's own identity")
	}

	s.initDone = true

	out = wire.InitOut{
		Major:        in.Major,
		Minor:        in.Minor,
		MaxReadahead: in.MaxReadahead,
		Flags:        flags,
		MaxWrite:     1 << 20,
		TimeGran:     1,
	}
	return
}
