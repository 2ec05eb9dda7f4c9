// Package sqlite implements the auth storage interfaces over a single
// SQLite database with embedded migrations.
package sqlite
