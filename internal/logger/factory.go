// Copyright (C) 2026 Dropicx
// SPDX-License-Identifier: AGPL-3.0-or-later

package logger

import (
	"github.com/rs/zerolog"
)

// Static logger getters that map directly to config.yaml log.levels
// These ensure consistent logger names across the codebase

// GetSchedulerLogger returns a logger for the job scheduler
func GetSchedulerLogger() zerolog.Logger {
	return GetLogger("scheduler")
}

// GetTemporalLogger returns a logger for Temporal components
func GetTemporalLogger() zerolog.Logger {
	return GetLogger("temporal")
}

// GetDatabaseLogger returns a logger for database operations
func GetDatabaseLogger() zerolog.Logger {
	return GetLogger("database")
}

// GetPipelineLogger returns a logger for pipeline execution
func GetPipelineLogger() zerolog.Logger {
	return GetLogger("pipeline")
}

// GetLedgerLogger returns a logger for cost ledger operations
func GetLedgerLogger() zerolog.Logger {
	return GetLogger("ledger")
}

// GetAPILogger returns a logger for API operations
func GetAPILogger() zerolog.Logger {
	return GetLogger("api")
}
