// Copyright (c) 2015-2022, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package dpfsmirrorpkg

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml"
)

// localMirrorConfigStruct is the required [local_mirror] table.
type localMirrorConfigStruct struct {
	Dir                    string  `toml:"dir"`
	MetadataTimeout        float64 `toml:"metadata_timeout"`
	UringCQPolling         bool    `toml:"uring_cq_polling"`
	UringCQPollingNThreads int     `toml:"uring_cq_polling_nthreads"`
}

// loggingConfigStruct is the optional [logging] table.
type loggingConfigStruct struct {
	LogFilePath  string `toml:"log_file_path"`
	LogToConsole bool   `toml:"log_to_console"`
	TraceEnabled bool   `toml:"trace_enabled"`
}

// diagnosticsConfigStruct is the optional [diagnostics] table. An
// empty StatsServerAddr disables the server.
type diagnosticsConfigStruct struct {
	StatsServerAddr string `toml:"stats_server_addr"`
}

type fileConfigStruct struct {
	LocalMirror localMirrorConfigStruct `toml:"local_mirror"`
	Logging     loggingConfigStruct     `toml:"logging"`
	Diagnostics diagnosticsConfigStruct `toml:"diagnostics"`
}

// configStruct is the parsed, validated, ready-to-use configuration.
// MetadataTimeout is pre-converted to a time.Duration so the rest of
// the package never re-derives it.
type configStruct struct {
	Dir                    string
	MetadataTimeout        time.Duration
	UringCQPolling         bool
	UringCQPollingNThreads int

	LogFilePath  string
	LogToConsole bool
	TraceEnabled bool

	StatsServerAddr string
}

// loadConfigFromFile parses and validates confPath. A missing or
// invalid config is always a non-nil error; the CLI layer
// (dpfsmirror/main.go) is responsible for turning that into the
// required non-zero exit.
func loadConfigFromFile(confPath string) (config configStruct, err error) {
	var (
		fileBytes []byte
		fileConf  fileConfigStruct
	)

	fileBytes, err = os.ReadFile(confPath)
	if nil != err {
		err = fmt.Errorf("reading config file %s: %w", confPath, err)
		return
	}

	err = toml.Unmarshal(fileBytes, &fileConf)
	if nil != err {
		err = fmt.Errorf("parsing config file %s: %w", confPath, err)
		return
	}

	if "" == fileConf.LocalMirror.Dir {
		err = fmt.Errorf("[local_mirror].dir is required")
		return
	}
	if !isAbsPath(fileConf.LocalMirror.Dir) {
		err = fmt.Errorf("[local_mirror].dir must be an absolute path, got %q", fileConf.LocalMirror.Dir)
		return
	}
	if fileConf.LocalMirror.MetadataTimeout < 0 {
		err = fmt.Errorf("[local_mirror].metadata_timeout must be >= 0, got %v", fileConf.LocalMirror.MetadataTimeout)
		return
	}
	if fileConf.LocalMirror.UringCQPolling && fileConf.LocalMirror.UringCQPollingNThreads < 1 {
		err = fmt.Errorf("[local_mirror].uring_cq_polling_nthreads must be >= 1 when uring_cq_polling is true, got %v", fileConf.LocalMirror.UringCQPollingNThreads)
		return
	}

	config = configStruct{
		Dir:                    fileConf.LocalMirror.Dir,
		MetadataTimeout:        time.Duration(fileConf.LocalMirror.MetadataTimeout * float64(time.Second)),
		UringCQPolling:         fileConf.LocalMirror.UringCQPolling,
		UringCQPollingNThreads: fileConf.LocalMirror.UringCQPollingNThreads,
		LogFilePath:            fileConf.Logging.LogFilePath,
		LogToConsole:           fileConf.Logging.LogToConsole,
		TraceEnabled:           fileConf.Logging.TraceEnabled,
		StatsServerAddr:        fileConf.Diagnostics.StatsServerAddr,
	}

	if !config.UringCQPolling {
		config.UringCQPollingNThreads = 1
	}

	err = nil
	return
}

func isAbsPath(path string) bool {
	return len(path) > 0 && path[0] == '/'
}
