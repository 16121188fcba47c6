package data

// ProviderParameters describes what a provider must fetch for one acquisition
// request: one sub-range per network fetch plus provider specific settings
// (product identifiers, server paths and the like).
type ProviderParameters struct {
	Ranges []Range
	Extra  map[string]string
}

// Packet is the result of a single sub-range fetch. Packets accumulate per
// acquisition until every expected sub-range has arrived; arrival order is
// preserved, range order is not guaranteed.
type Packet struct {
	Range  Range
	Series *Series
}
