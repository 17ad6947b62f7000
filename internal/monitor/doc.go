// Package monitor defines the domain types, errors, and collaborator interfaces
// shared by the practice status monitoring engine: targets, verdicts, status
// records and events, subscriptions, the notification ledger, and the cycle
// summary returned to callers.
package monitor
