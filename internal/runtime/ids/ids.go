package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// EventNamespace scopes the name-based UUIDs derived for relayed events.
var EventNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:vehiclerelay:event"))

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
func CreateULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// EventID derives a stable event identifier from the source system name and
// the delivery key of a message. The same pair always yields the same id, so
// a redelivered message upserts onto the record written by the first attempt.
func EventID(sourceSystem, deliveryKey string) string {
	return uuid.NewSHA1(EventNamespace, []byte(sourceSystem+":"+deliveryKey)).String()
}

// NewEventID returns a random event identifier for deliveries that carry no key.
func NewEventID() string {
	return uuid.NewString()
}
