package escrow

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"deedvault/core/events"
)

const (
	EventTypeListed            = "escrow.listed"
	EventTypeEarnestDeposited  = "escrow.earnest_deposited"
	EventTypeFunded            = "escrow.funded"
	EventTypeInspectionUpdated = "escrow.inspection_updated"
	EventTypeSaleApproved      = "escrow.sale_approved"
	EventTypeSaleFinalized     = "escrow.sale_finalized"
	EventTypeSaleCancelled     = "escrow.sale_cancelled"
)

// NewListedEvent returns the canonical payload for a freshly recorded
// listing.
func NewListedEvent(l *Listing) *events.Event {
	evt := newListingEvent(EventTypeListed, l)
	if l != nil {
		evt.Attributes["purchasePrice"] = bigString(l.PurchasePrice)
		evt.Attributes["escrowAmount"] = bigString(l.EscrowAmount)
	}
	return evt
}

// NewEarnestDepositedEvent returns the payload emitted when the buyer credits
// the listing's custody balance.
func NewEarnestDepositedEvent(l *Listing, from [20]byte, amount *big.Int) *events.Event {
	evt := newListingEvent(EventTypeEarnestDeposited, l)
	evt.Attributes["from"] = hex.EncodeToString(from[:])
	evt.Attributes["amount"] = bigString(amount)
	return evt
}

// NewFundedEvent returns the payload emitted when a direct send tops up the
// listing's custody balance.
func NewFundedEvent(l *Listing, from [20]byte, amount *big.Int) *events.Event {
	evt := newListingEvent(EventTypeFunded, l)
	evt.Attributes["from"] = hex.EncodeToString(from[:])
	evt.Attributes["amount"] = bigString(amount)
	return evt
}

// NewInspectionUpdatedEvent returns the payload emitted when the inspector
// attests an outcome.
func NewInspectionUpdatedEvent(l *Listing) *events.Event {
	evt := newListingEvent(EventTypeInspectionUpdated, l)
	if l != nil {
		evt.Attributes["passed"] = strconv.FormatBool(l.InspectionPassed)
	}
	return evt
}

// NewSaleApprovedEvent returns the payload emitted when a party sets its
// approval flag.
func NewSaleApprovedEvent(l *Listing, approver [20]byte, party Party) *events.Event {
	evt := newListingEvent(EventTypeSaleApproved, l)
	evt.Attributes["approver"] = hex.EncodeToString(approver[:])
	evt.Attributes["party"] = string(party)
	return evt
}

// NewSaleFinalizedEvent returns the payload emitted after the atomic deed and
// funds settlement concludes a sale.
func NewSaleFinalizedEvent(l *Listing, paid *big.Int) *events.Event {
	evt := newListingEvent(EventTypeSaleFinalized, l)
	evt.Attributes["paid"] = bigString(paid)
	return evt
}

// NewSaleCancelledEvent returns the payload emitted when a listing is aborted
// and the custody balance routed by the fault rule.
func NewSaleCancelledEvent(l *Listing, recipient [20]byte, refunded *big.Int) *events.Event {
	evt := newListingEvent(EventTypeSaleCancelled, l)
	evt.Attributes["recipient"] = hex.EncodeToString(recipient[:])
	evt.Attributes["refunded"] = bigString(refunded)
	return evt
}

func newListingEvent(eventType string, l *Listing) *events.Event {
	attrs := make(map[string]string)
	evt := &events.Event{Type: eventType, Attributes: attrs}
	if l == nil {
		return evt
	}
	attrs["assetId"] = strconv.FormatUint(l.AssetID, 10)
	attrs["seller"] = hex.EncodeToString(l.Seller[:])
	attrs["buyer"] = hex.EncodeToString(l.Buyer[:])
	attrs["listed"] = strconv.FormatBool(l.Listed)
	return evt
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
