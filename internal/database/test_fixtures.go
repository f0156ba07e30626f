// Copyright (C) 2026 Dropicx
// SPDX-License-Identifier: AGPL-3.0-or-later

package database

import (
	"testing"

	"github.com/Dropicx/docworker-sub003/internal/config"
	"github.com/Dropicx/docworker-sub003/internal/crypto"

	"github.com/stretchr/testify/require"
)

// DatabaseFixture represents a database setup with cleanup
type DatabaseFixture struct {
	DB      *GormDB
	Codec   *crypto.Codec
	Cleanup func()
}

// UseFreshInMemoryDatabase creates an in-memory SQLite database with a fresh
// encryption key and GORM AutoMigrate applied
func UseFreshInMemoryDatabase(t *testing.T) *DatabaseFixture {
	cfg := &config.DatabaseConfig{
		Driver:   "sqlite",
		Database: ":memory:",
	}

	key, err := crypto.GenerateKey()
	require.NoError(t, err, "Failed to generate test encryption key")
	codec, err := crypto.NewCodec(key)
	require.NoError(t, err, "Failed to create codec")

	db, err := NewGormDB(cfg, codec)
	require.NoError(t, err, "Failed to create in-memory database")

	err = db.AutoMigrate()
	require.NoError(t, err, "Failed to run migrations on in-memory database")

	cleanup := func() {
		db.Close()
	}

	return &DatabaseFixture{
		DB:      db,
		Codec:   codec,
		Cleanup: cleanup,
	}
}
