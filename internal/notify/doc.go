// Package notify decides which subscribers hear about accepting practices and
// hands messages to an injected transport. A per-recipient ledger with a
// cooldown window keeps a recipient from being told about the same practice
// twice within the window.
package notify
