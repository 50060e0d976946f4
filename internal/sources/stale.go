package sources

import (
	"sort"
	"sync"

	"golang.org/x/crypto/blake2b"

	"restlink/internal/restaurant"
)

// StaleDetector remembers the previous call's query and result fingerprint.
// A non-empty result set identical to the previous call's, returned for a different query,
// is suspected to be a blocked or cached response.
type StaleDetector struct {
	mu        sync.Mutex
	lastQuery string
	lastPrint [32]byte
	hasLast   bool
}

// NewStaleDetector creates an empty detector
func NewStaleDetector() *StaleDetector {
	return &StaleDetector{}
}

// Observe records this call and reports whether its results look stale.
// Candidates are flagged in place when they do.
func (d *StaleDetector) Observe(queryKey string, candidates []restaurant.RawCandidate) bool {
	fp := fingerprint(candidates)

	d.mu.Lock()
	stale := d.hasLast && len(candidates) > 0 && d.lastQuery != queryKey && d.lastPrint == fp
	d.lastQuery = queryKey
	d.lastPrint = fp
	d.hasLast = true
	d.mu.Unlock()

	if stale {
		for i := range candidates {
			candidates[i].StaleResultSuspected = true
		}
	}
	return stale
}

// Reset forgets the previous call, used after the session is re-established
func (d *StaleDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hasLast = false
	d.lastQuery = ""
	d.lastPrint = [32]byte{}
}

// fingerprint hashes the sorted identities so ordering changes do not hide a repeat
func fingerprint(candidates []restaurant.RawCandidate) [32]byte {
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.Identity()
	}
	sort.Strings(ids)

	var buf []byte
	for _, id := range ids {
		buf = append(buf, id...)
		buf = append(buf, 0)
	}
	return blake2b.Sum256(buf)
}
