// Package storage declares the record types and store interfaces the auth
// service persists through.
package storage
