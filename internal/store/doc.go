// Package store defines the persistence contract for procurement records and
// the collection run log. Implementations live under internal/storage; this
// package must not import database drivers or concrete clients.
package store
