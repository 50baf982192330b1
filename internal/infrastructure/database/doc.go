// Package database owns the SQLite file that holds devices, medication
// instances and dose events.
//
// Open applies WAL mode, the busy timeout and foreign keys through the
// go-sqlite3 connection string. Migrate applies the embedded schema files
// (see package migrations) inside one transaction each; MigrateDown rolls
// back the newest.
//
// Migration files are named YYYYMMDD_HHMMSS_name.up.sql and .down.sql and
// are additive: new columns are nullable or carry a default.
package database
