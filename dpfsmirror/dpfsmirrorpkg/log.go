// Copyright (c) 2015-2022, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package dpfsmirrorpkg

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dpfs-project/dpfs-aio-mirror/wire"
)

// logLevel orders the severities this package's request-trace logger
// emits. Process-level logging (startup banners, fatal config errors)
// belongs to the CLI's logrus instance; this logger exists to tie
// lines to the FUSE requests that produced them.
type logLevel int

const (
	levelTrace logLevel = iota
	levelInfo
	levelWarn
	levelError
	levelFatal
)

func (l logLevel) String() string {
	switch l {
	case levelTrace:
		return "TRACE"
	case levelInfo:
		return "INFO"
	case levelWarn:
		return "WARN"
	case levelError:
		return "ERROR"
	default:
		return "FATAL"
	}
}

// reqFields carries the per-request context that distinguishes one
// in-flight FUSE request from another; logEmit folds it into the line
// so a trace can be tied back to the request that produced it without
// grepping timestamps against a separate HAL-side log.
type reqFields struct {
	opcode   wire.Opcode
	nodeID   uint64
	deviceID string
}

func (f *reqFields) appendTo(line *strings.Builder) {
	line.WriteString("[opcode=")
	line.WriteString(f.opcode.String())
	fmt.Fprintf(line, " node=%d", f.nodeID)
	if "" != f.deviceID {
		line.WriteString(" device=")
		line.WriteString(f.deviceID)
	}
	line.WriteString("]")
}

// logEmit is the single formatter every helper funnels through: one
// line carrying the timestamp, the severity, and, when the message is
// tied to an in-flight request, that request's opcode/node-id/device.
// TRACE lines are dropped unless the config enables them; a FATAL
// line exits the process after it is written.
func logEmit(level logLevel, req *reqFields, format string, args ...interface{}) {
	if levelTrace == level && !globals.config.TraceEnabled {
		return
	}

	var line strings.Builder

	line.WriteString("[")
	line.WriteString(time.Now().Format(time.RFC3339Nano))
	line.WriteString("][")
	line.WriteString(level.String())
	line.WriteString("]")
	if nil != req {
		req.appendTo(&line)
	}
	line.WriteString(" ")
	fmt.Fprintf(&line, format, args...)

	logMsg := line.String()

	if nil == globals.logFile && "" != globals.config.LogFilePath {
		logFile, err := os.OpenFile(globals.config.LogFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0666)
		if nil == err {
			globals.logFile = logFile
		}
	}
	if nil != globals.logFile {
		_, _ = globals.logFile.WriteString(logMsg + "\n")
	}
	if globals.config.LogToConsole {
		fmt.Fprintln(os.Stderr, logMsg)
	}

	if levelFatal == level {
		os.Exit(1)
	}
}

func logFatalf(format string, args ...interface{}) {
	logEmit(levelFatal, nil, format, args...)
}

func logErrorf(format string, args ...interface{}) {
	logEmit(levelError, nil, format, args...)
}

func logWarnf(format string, args ...interface{}) {
	logEmit(levelWarn, nil, format, args...)
}

func logInfof(format string, args ...interface{}) {
	logEmit(levelInfo, nil, format, args...)
}

// logTraceReq tags a TRACE line with the request it belongs to, so an
// operator can follow one request's path through an otherwise
// interleaved multi-poll-thread log.
func logTraceReq(f reqFields, format string, args ...interface{}) {
	logEmit(levelTrace, &f, format, args...)
}

// logSIGHUP closes the current log file so the next logEmit reopens
// it, giving external rotation a handoff point.
func logSIGHUP() {
	if nil != globals.logFile {
		_ = globals.logFile.Close()
		globals.logFile = nil
	}
}
