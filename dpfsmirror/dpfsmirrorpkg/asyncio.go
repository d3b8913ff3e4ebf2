// Copyright (c) 2015-2022, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package dpfsmirrorpkg

import (
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dpfs-project/dpfs-aio-mirror/hal"
	"github.com/dpfs-project/dpfs-aio-mirror/wire"
)

// asyncOp identifies a submitted operation's direction.
type asyncOp int

const (
	asyncOpRead asyncOp = iota
	asyncOpWrite
)

// callbackData is the async-I/O cookie: a small per-request record
// carrying everything the reaper needs to resolve a completion back
// into a wire reply, allocated from a pool and owned by the submitter
// until the reaper delivers it. Each callbackData is heap-allocated
// by sync.Pool and its address is what the channel carries, so the
// cookie survives until completion.
type callbackData struct {
	op                asyncOp
	opcode            wire.Opcode
	fd                int
	iovec             [][]byte
	offset            int64
	completionContext uintptr
	deviceID          string
	reply             *wire.Reply
	submittedAt       time.Time
}

// asyncIOStruct is the read/write submitter and completion reaper,
// implemented as a fixed-size worker pool draining a buffered
// submission channel. Workers perform the blocking Preadv/Pwritev
// themselves, preserving submit()'s contract: returns immediately,
// completes out-of-band, possibly out-of-order, and the dispatching
// thread is never blocked on disk I/O.
type asyncIOStruct struct {
	pool        sync.Pool
	submissions chan *callbackData
	done        chan struct{}
	wg          sync.WaitGroup
}

func newAsyncIO(workerCount int) *asyncIOStruct {
	if workerCount < 1 {
		workerCount = 1
	}

	a := &asyncIOStruct{
		pool:        sync.Pool{New: func() interface{} { return &callbackData{} }},
		submissions: make(chan *callbackData, 256),
		done:        make(chan struct{}),
	}

	for i := 0; i < workerCount; i++ {
		a.wg.Add(1)
		go a.worker()
	}

	return a
}

func (a *asyncIOStruct) shutdown() {
	close(a.done)
	a.wg.Wait()
}

// submit queues one read or write. On a submission-time failure (the
// channel backlog is full) it sets the reply error and reports
// SyncDone instead of blocking the poll thread.
func (a *asyncIOStruct) submit(op asyncOp, opcode wire.Opcode, fd int, iovec [][]byte, offset int64, reply *wire.Reply, completionContext uintptr, deviceID string) hal.DispatchResult {
	cd := a.pool.Get().(*callbackData)
	cd.op = op
	cd.opcode = opcode
	cd.fd = fd
	cd.iovec = iovec
	cd.offset = offset
	cd.completionContext = completionContext
	cd.deviceID = deviceID
	cd.reply = reply
	cd.submittedAt = time.Now()

	select {
	case a.submissions <- cd:
		return hal.AsyncPending
	default:
		reply.Header.Error = -int32(unix.ENFILE)
		logWarnf("async submission queue full, completing synchronously with ENFILE")
		a.pool.Put(cd)
		return hal.SyncDone
	}
}

func (a *asyncIOStruct) worker() {
	defer a.wg.Done()

	for {
		select {
		case cd := <-a.submissions:
			a.perform(cd)
		case <-a.done:
			// Drain whatever is already queued before exiting so no
			// AsyncPending dispatch is left without a completion.
			for {
				select {
				case cd := <-a.submissions:
					a.perform(cd)
				default:
					return
				}
			}
		}
	}
}

// perform executes the blocking syscall and reports the result
// through the HAL completer.
func (a *asyncIOStruct) perform(cd *callbackData) {
	var (
		n      int
		err    error
		status hal.CompletionStatus
	)

	switch cd.op {
	case asyncOpRead:
		n, err = unix.Preadv(cd.fd, cd.iovec, cd.offset)
	case asyncOpWrite:
		n, err = unix.Pwritev(cd.fd, cd.iovec, cd.offset)
	}

	if nil != err {
		errno, _ := err.(syscall.Errno)
		cd.reply.Header.Error = -int32(errno)
		status = hal.Error
	} else {
		if asyncOpWrite == cd.op {
			if out, ok := cd.reply.Body.(*wire.WriteOut); ok {
				out.Size = uint32(n)
			}
		} else {
			if out, ok := cd.reply.Body.(*wire.ReadOut); ok {
				out.Size = uint32(n)
			}
		}
		status = hal.Success
	}

	completionContext := cd.completionContext
	opcode := cd.opcode
	submittedAt := cd.submittedAt
	errno := cd.reply.Header.Error

	*cd = callbackData{}
	a.pool.Put(cd)

	globals.stats.observe(opcode, errno, submittedAt)
	globals.stats.asyncCompleted()
	globals.completer.Complete(completionContext, status)
}
