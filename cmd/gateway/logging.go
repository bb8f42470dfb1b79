package main

import (
	"fmt"
	"io"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

func newLogger(w io.Writer, lvl, format string) (log.Logger, error) {
	var logger log.Logger
	switch format {
	case "json":
		logger = log.NewJSONLogger(log.NewSyncWriter(w))
	default:
		logger = log.NewLogfmtLogger(log.NewSyncWriter(w))
	}

	var allow level.Option
	switch lvl {
	case "debug":
		allow = level.AllowDebug()
	case "info", "":
		allow = level.AllowInfo()
	case "warn":
		allow = level.AllowWarn()
	case "error":
		allow = level.AllowError()
	default:
		return nil, fmt.Errorf("unknown log level %q", lvl)
	}

	logger = level.NewFilter(logger, allow)
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller), nil
}
