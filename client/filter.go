package client

// Filter is the minimal nostr REQ filter, carried opaquely: its semantics
// are the relay's concern, not the client's. The typed constructors below
// cover the fields a sync/fetch workflow actually needs to set.
type Filter map[string]any

// NewFilter returns an empty Filter.
func NewFilter() Filter {
	return Filter{}
}

// Kinds sets the "kinds" field.
func (f Filter) Kinds(kinds ...int) Filter {
	f["kinds"] = kinds
	return f
}

// Authors sets the "authors" field.
func (f Filter) Authors(pubkeys ...string) Filter {
	f["authors"] = pubkeys
	return f
}

// Since sets the "since" field (unix seconds).
func (f Filter) Since(ts uint64) Filter {
	f["since"] = ts
	return f
}

// Until sets the "until" field (unix seconds).
func (f Filter) Until(ts uint64) Filter {
	f["until"] = ts
	return f
}

// Limit sets the "limit" field.
func (f Filter) Limit(n int) Filter {
	f["limit"] = n
	return f
}

// IDs sets the "ids" field, used by SyncAndFetch to request the records the
// reconciliation determined the client is missing.
func (f Filter) IDs(ids ...string) Filter {
	f["ids"] = ids
	return f
}
