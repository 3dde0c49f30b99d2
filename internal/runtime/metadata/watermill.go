package metadata

import "github.com/ThreeDotsLabs/watermill/message"

// FromWatermill copies Watermill metadata into a Metadata map.
func FromWatermill(md message.Metadata) Metadata {
	if len(md) == 0 {
		return Metadata{}
	}

	result := make(Metadata, len(md))
	for k, v := range md {
		result[k] = v
	}
	return result
}

// ToWatermill copies metadata into a fresh Watermill map.
func ToWatermill(metadata Metadata) message.Metadata {
	if len(metadata) == 0 {
		return message.Metadata{}
	}

	wm := make(message.Metadata, len(metadata))
	for k, v := range metadata {
		wm[k] = v
	}
	return wm
}

// DeliveryKey returns the broker-assigned identity of a delivery when the
// source transport exposed one, falling back to the Watermill message UUID.
// An empty string means the delivery carries no stable identity.
func DeliveryKey(msg *message.Message) string {
	if msg == nil {
		return ""
	}
	if key := msg.Metadata.Get(KeySourceMessageID); key != "" {
		return key
	}
	return msg.UUID
}
