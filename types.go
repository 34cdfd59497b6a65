package amqp

import "github.com/ootahi/amqpcore/internal/encoding"

// SenderSettleMode defines the settlement behavior a sending link proposes
// or agrees to, AMQP 1.0 §2.4.3.
type SenderSettleMode = encoding.SenderSettleMode

const (
	// ModeUnsettled indicates a sender will send all deliveries unsettled.
	ModeUnsettled = encoding.SenderSettleModeUnsettled
	// ModeSettled indicates a sender will send all deliveries settled.
	ModeSettled = encoding.SenderSettleModeSettled
	// ModeMixed indicates a sender may send deliveries settled or unsettled.
	ModeMixed = encoding.SenderSettleModeMixed
)

// ReceiverSettleMode defines the settlement behavior a receiving link
// proposes or agrees to, AMQP 1.0 §2.4.4.
type ReceiverSettleMode = encoding.ReceiverSettleMode

const (
	// ModeFirst indicates the receiver settles a delivery as soon as it
	// arrives, without waiting for the application to act on it.
	ModeFirst = encoding.ReceiverSettleModeFirst
	// ModeSecond indicates the receiver settles only once the application
	// has explicitly accepted, rejected, released, or modified it.
	ModeSecond = encoding.ReceiverSettleModeSecond
)

// Durability specifies the persistence guarantee a node offers, AMQP 1.0 §3.5.3.
type Durability = encoding.Durability

const (
	DurabilityNone           = encoding.DurabilityNone
	DurabilityConfiguration  = encoding.DurabilityConfiguration
	DurabilityUnsettledState = encoding.DurabilityUnsettledState
)

// ExpiryPolicy controls when a node's lifetime timer starts, AMQP 1.0 §3.5.4.
type ExpiryPolicy = encoding.ExpiryPolicy

const (
	ExpiryLinkDetach      = encoding.ExpiryLinkDetach
	ExpirySessionEnd      = encoding.ExpirySessionEnd
	ExpiryConnectionClose = encoding.ExpiryConnectionClose
	ExpiryNever           = encoding.ExpiryNever
)

// UUID is a 16-byte RFC 4122 identifier, usable as a message-id/correlation-id.
type UUID = encoding.UUID

// Symbol is an AMQP symbolic constant, used for property/annotation keys
// and capability/outcome names.
type Symbol = encoding.Symbol

// Annotations is a map of application- or broker-defined metadata carried
// on a message's delivery-annotations or message-annotations sections,
// AMQP 1.0 §3.2.2/§3.2.3. Keys are conventionally Symbols but the wire
// format also tolerates other scalar key types, hence the broad value type.
type Annotations map[interface{}]interface{}

func senderSettleModeValue(m *SenderSettleMode) SenderSettleMode {
	if m == nil {
		return ModeMixed
	}
	return *m
}

func receiverSettleModeValue(m *ReceiverSettleMode) ReceiverSettleMode {
	if m == nil {
		return ModeFirst
	}
	return *m
}
