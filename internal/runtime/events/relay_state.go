package events

// RelayState tracks an event through the store-then-publish relay.
type RelayState string

const (
	RelayReceived      RelayState = "RECEIVED"
	RelayStoring       RelayState = "STORING"
	RelayStored        RelayState = "STORED"
	RelayPublishing    RelayState = "PUBLISHING"
	RelayPublished     RelayState = "PUBLISHED"
	RelayStoreFailed   RelayState = "STORE_FAILED"
	RelayPublishFailed RelayState = "PUBLISH_FAILED"
	RelayParked        RelayState = "PARKED"
)

var relayTransitions = map[RelayState][]RelayState{
	RelayReceived:      {RelayStoring},
	RelayStoring:       {RelayStored, RelayStoreFailed},
	RelayStored:        {RelayPublishing},
	RelayPublishing:    {RelayPublished, RelayPublishFailed},
	RelayPublishFailed: {RelayPublishing, RelayParked},
}

// CanTransition reports whether the relay may move from one state to another.
func CanTransition(from, to RelayState) bool {
	for _, next := range relayTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further relay work happens for the state.
func (s RelayState) Terminal() bool {
	switch s {
	case RelayPublished, RelayStoreFailed, RelayParked:
		return true
	}
	return false
}

// Unpublished reports whether a persisted event still needs publishing.
func (s RelayState) Unpublished() bool {
	return s == RelayStored || s == RelayPublishFailed || s == RelayPublishing
}
