package escrow

import (
	"fmt"
	"math/big"
)

// Party names the approval slot a caller occupies on a listing. Exactly three
// approvals gate finalization; the inspector attests but never approves.
type Party string

const (
	PartyBuyer  Party = "buyer"
	PartySeller Party = "seller"
	PartyLender Party = "lender"
)

// RequiredParties lists every approval slot that must be set before a sale
// can be finalized.
var RequiredParties = []Party{PartyBuyer, PartySeller, PartyLender}

// Valid reports whether the party value is one of the tracked approval slots.
func (p Party) Valid() bool {
	switch p {
	case PartyBuyer, PartySeller, PartyLender:
		return true
	default:
		return false
	}
}

// Roles holds the registry-wide identities fixed at construction. Seller,
// inspector and lender apply to every listing the registry manages; the buyer
// is recorded per listing.
type Roles struct {
	Seller    [20]byte
	Inspector [20]byte
	Lender    [20]byte
}

// Validate rejects role sets with unset identities.
func (r Roles) Validate() error {
	if r.Seller == ([20]byte{}) {
		return fmt.Errorf("escrow: seller role not configured")
	}
	if r.Inspector == ([20]byte{}) {
		return fmt.Errorf("escrow: inspector role not configured")
	}
	if r.Lender == ([20]byte{}) {
		return fmt.Errorf("escrow: lender role not configured")
	}
	return nil
}

// Listing captures a single property sale under escrow. The asset identifier
// is the deed token ID and doubles as the storage key; at most one listing
// exists per asset.
type Listing struct {
	AssetID          uint64   `json:"assetId"`
	Seller           [20]byte `json:"seller"`
	Buyer            [20]byte `json:"buyer"`
	PurchasePrice    *big.Int `json:"purchasePrice"`
	EscrowAmount     *big.Int `json:"escrowAmount"`
	Listed           bool     `json:"listed"`
	InspectionPassed bool     `json:"inspectionPassed"`
	CreatedAt        int64    `json:"createdAt"`
}

// Clone returns a deep copy of the listing so callers can safely mutate the
// copy without affecting the stored instance.
func (l *Listing) Clone() *Listing {
	if l == nil {
		return nil
	}
	clone := *l
	if l.PurchasePrice != nil {
		clone.PurchasePrice = new(big.Int).Set(l.PurchasePrice)
	} else {
		clone.PurchasePrice = big.NewInt(0)
	}
	if l.EscrowAmount != nil {
		clone.EscrowAmount = new(big.Int).Set(l.EscrowAmount)
	} else {
		clone.EscrowAmount = big.NewInt(0)
	}
	return &clone
}

// SanitizeListing validates the supplied listing and returns a cloned
// instance with non-nil amount fields. The earnest requirement can never
// exceed the purchase price. The original value is not mutated.
func SanitizeListing(l *Listing) (*Listing, error) {
	if l == nil {
		return nil, fmt.Errorf("escrow: nil listing")
	}
	clone := l.Clone()
	if clone.Buyer == ([20]byte{}) {
		return nil, fmt.Errorf("escrow: listing buyer not set")
	}
	if clone.Seller == ([20]byte{}) {
		return nil, fmt.Errorf("escrow: listing seller not set")
	}
	if clone.PurchasePrice.Sign() <= 0 {
		return nil, fmt.Errorf("escrow: purchase price must be positive")
	}
	if clone.EscrowAmount.Sign() < 0 {
		return nil, fmt.Errorf("escrow: escrow amount must be non-negative")
	}
	if clone.EscrowAmount.Cmp(clone.PurchasePrice) > 0 {
		return nil, fmt.Errorf("escrow: escrow amount exceeds purchase price")
	}
	return clone, nil
}
