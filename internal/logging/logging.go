// Package logging builds the process-wide go-kit logger.
package logging

import (
	"io"
	"strconv"
	"strings"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// New returns a logger writing format ("json" or "logfmt") to w, stamped
// with a UTC timestamp and the caller, and filtered to lvl and above.
func New(lvl, format string, w io.Writer) log.Logger {
	var logger log.Logger
	if strings.ToLower(format) == "json" {
		logger = log.NewJSONLogger(log.NewSyncWriter(w))
	} else {
		logger = log.NewLogfmtLogger(log.NewSyncWriter(w))
	}
	logger = log.With(logger,
		"ts", log.DefaultTimestampUTC,
		"caller", log.DefaultCaller,
	)

	switch strings.ToLower(lvl) {
	case "info":
		logger = level.NewFilter(logger, level.AllowInfo())
	case "warn":
		logger = level.NewFilter(logger, level.AllowWarn())
	case "error":
		logger = level.NewFilter(logger, level.AllowError())
	default:
		logger = level.NewFilter(logger, level.AllowDebug())
	}

	return logger
}

// Sanitize shortens s for wire logging. Long lines, typically literal
// payloads, are cut and marked with their original length.
func Sanitize(s string) string {
	const max = 200
	s = strings.TrimRight(s, "\r\n")
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(" + strconv.Itoa(len(s)) + " bytes)"
}
