package metadata

// Metadata represents the headers carried alongside an event.
type Metadata map[string]string

// New constructs a Metadata map from alternating key/value pairs. Pairs with
// an empty value are left out, so an absent header and an empty one read the
// same on every broker.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		if pairs[i+1] == "" {
			continue
		}
		md[pairs[i]] = pairs[i+1]
	}
	return md
}
