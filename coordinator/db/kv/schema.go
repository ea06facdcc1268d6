package kv

// The schema will define how to store and retrieve data from the db.
// We can prefix or suffix certain values such as `ceremony` with attributes
// for prefix scan queries such as "/circuit/<ceremony id>/<circuit id>".
var (
	ceremoniesBucket    = []byte("ceremonies")
	circuitsBucket      = []byte("circuits")
	participantsBucket  = []byte("participants")
	contributionsBucket = []byte("contributions")
	timeoutsBucket      = []byte("timeouts")

	// Indices buckets.
	ceremonyPrefixIndexBucket      = []byte("ceremony-prefix-indices")
	contributionCircuitIndexBucket = []byte("contribution-circuit-indices")
)

// keySeparator joins composite key segments. Identifiers are slugs and user
// ids that never contain it.
const keySeparator = "/"
