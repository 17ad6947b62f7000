// Package store defines interfaces for persistence dependencies: targets, the
// latest-status table with its append-only event log, and the notification
// ledger. Implementations live in internal/storage; this package must not
// import database drivers or concrete clients.
package store
