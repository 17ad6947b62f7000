package monitor

import (
	"fmt"
	"sort"
	"strings"
)

// Group bundles subscriptions that share a location hint and radius so the
// location is scanned once per cycle.
type Group struct {
	LocationHint string
	Radius       int
	Recipients   []string
}

// Key identifies the group in the notification ledger.
func (g Group) Key() string {
	return fmt.Sprintf("%s|%d", NormalizeLocation(g.LocationHint), g.Radius)
}

// NormalizeLocation canonicalises a postal key: upper case with spaces removed.
func NormalizeLocation(hint string) string {
	return strings.ToUpper(strings.Join(strings.Fields(hint), ""))
}

// GroupSubscriptions groups subscriptions by (location, radius). When filter is
// non-empty only subscriptions for that location are kept. Recipients are
// de-duplicated and groups are returned in key order.
func GroupSubscriptions(subs []Subscription, filter string) []Group {
	filter = NormalizeLocation(filter)
	byKey := make(map[string]*Group)
	seen := make(map[string]map[string]struct{})
	for _, sub := range subs {
		location := NormalizeLocation(sub.LocationHint)
		recipient := strings.TrimSpace(sub.Recipient)
		if location == "" || recipient == "" {
			continue
		}
		if filter != "" && location != filter {
			continue
		}
		g := Group{LocationHint: location, Radius: sub.Radius}
		key := g.Key()
		existing, ok := byKey[key]
		if !ok {
			existing = &g
			byKey[key] = existing
			seen[key] = make(map[string]struct{})
		}
		if _, dup := seen[key][recipient]; dup {
			continue
		}
		seen[key][recipient] = struct{}{}
		existing.Recipients = append(existing.Recipients, recipient)
	}

	keys := make([]string, 0, len(byKey))
	for key := range byKey {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]Group, 0, len(keys))
	for _, key := range keys {
		out = append(out, *byKey[key])
	}
	return out
}
