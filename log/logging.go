// Copyright The ProcUnwind Authors
// SPDX-License-Identifier: Apache-2.0

// Package log provides a public logging interface for github.com/procunwind/procunwind.
package log // import "github.com/procunwind/procunwind/log"

import (
	"log/slog"

	"github.com/procunwind/procunwind/internal/log"
)

// SetLevel configures the log level for the unwinder's internal logger.
func SetLevel(level slog.Level) {
	log.SetLevelLogger(level)
}

// SetLogger configures the unwinder's internal logger.
func SetLogger(l slog.Logger) {
	log.SetLogger(l)
}
