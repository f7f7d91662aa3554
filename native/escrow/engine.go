package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"deedvault/core/events"
	"deedvault/native/common"
)

const moduleName = "escrow"

// engineState persists listings, per-party approvals and the per-listing
// custody ledger backing the registry.
type engineState interface {
	ListingPut(*Listing) error
	ListingGet(id uint64) (*Listing, bool)
	ApprovalSet(id uint64, party [20]byte) error
	ApprovalGet(id uint64, party [20]byte) bool
	EscrowCredit(id uint64, amt *big.Int) error
	EscrowDebit(id uint64, amt *big.Int) error
	EscrowBalance(id uint64) (*big.Int, error)
	TotalEscrowBalance() (*big.Int, error)
}

// AssetCustody is the external deed registry the engine moves tokens through.
// The seller must have authorized the registry as operator before listing.
type AssetCustody interface {
	TransferAsset(from, to [20]byte, assetID uint64) error
	OwnerOf(assetID uint64) ([20]byte, error)
}

// ValuePayout is the host value-transfer primitive. Pay either fully succeeds
// or leaves the custody balance untouched.
type ValuePayout interface {
	Pay(to [20]byte, amount *big.Int) error
}

// ModuleAddress derives the custody identity the registry holds deeds under.
func ModuleAddress() [20]byte {
	hash := ethcrypto.Keccak256([]byte("deedvault/escrow/vault"))
	var addr [20]byte
	copy(addr[:], hash[12:])
	return addr
}

// Engine is the escrow transition engine. It serializes every state-changing
// operation, so transitions are atomic with respect to each other and the
// post-listing flags (deposit, inspection, approvals) commute across callers.
type Engine struct {
	mu      sync.Mutex
	state   engineState
	custody AssetCustody
	payout  ValuePayout
	emitter events.Emitter
	pauses  common.PauseView
	roles   Roles
	vault   [20]byte
	nowFn   func() int64
}

// NewEngine creates an escrow engine bound to an immutable role set. The
// engine starts with a no-op emitter; callers wire state, custody and payout
// via the setters before serving traffic.
func NewEngine(roles Roles) (*Engine, error) {
	if err := roles.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		emitter: events.NoopEmitter{},
		roles:   roles,
		vault:   ModuleAddress(),
		nowFn:   func() int64 { return time.Now().Unix() },
	}, nil
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetCustody configures the external asset custody collaborator.
func (e *Engine) SetCustody(custody AssetCustody) { e.custody = custody }

// SetPayout configures the value payout collaborator.
func (e *Engine) SetPayout(payout ValuePayout) { e.payout = payout }

// SetPauses configures the module pause view consulted before every
// state-changing operation.
func (e *Engine) SetPauses(pauses common.PauseView) { e.pauses = pauses }

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// VaultAddress returns the custody identity deeds are parked under while a
// listing is open.
func (e *Engine) VaultAddress() [20]byte { return e.vault }

// Roles returns the immutable registry role set.
func (e *Engine) Roles() Roles { return e.roles }

func (e *Engine) emit(evt *events.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.custody == nil {
		return errNilCustody
	}
	if e.payout == nil {
		return errNilPayout
	}
	return common.Guard(e.pauses, moduleName)
}

// loadListing fetches an open listing. Identifiers that were never listed and
// identifiers whose sale already concluded are indistinguishable to callers.
func (e *Engine) loadListing(id uint64) (*Listing, error) {
	listing, ok := e.state.ListingGet(id)
	if !ok || !listing.Listed {
		return nil, ErrNoSuchListing
	}
	return listing, nil
}

// List pulls the deed from the seller into registry custody and records a new
// listing. Only the registry-configured seller may list, and the seller must
// have pre-authorized the registry as transfer operator.
func (e *Engine) List(caller [20]byte, assetID uint64, buyer [20]byte, purchasePrice, escrowAmount *big.Int) (*Listing, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ready(); err != nil {
		return nil, err
	}
	if caller != e.roles.Seller {
		return nil, ErrNotAuthorized
	}
	listing := &Listing{
		AssetID:       assetID,
		Seller:        caller,
		Buyer:         buyer,
		PurchasePrice: cloneBigInt(purchasePrice),
		EscrowAmount:  cloneBigInt(escrowAmount),
		Listed:        true,
		CreatedAt:     e.now(),
	}
	sanitized, err := SanitizeListing(listing)
	if err != nil {
		return nil, err
	}
	if existing, ok := e.state.ListingGet(assetID); ok && existing.Listed {
		return nil, fmt.Errorf("escrow: asset %d already listed", assetID)
	}
	if err := e.custody.TransferAsset(caller, e.vault, assetID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAssetTransferFailed, err)
	}
	if err := e.state.ListingPut(sanitized); err != nil {
		if undo := e.custody.TransferAsset(e.vault, caller, assetID); undo != nil {
			return nil, errors.Join(err, undo)
		}
		return nil, err
	}
	e.emit(NewListedEvent(sanitized))
	return sanitized.Clone(), nil
}

// DepositEarnest credits the attached amount to the listing's custody
// balance. Only the recorded buyer may deposit; no upper bound is enforced,
// sufficiency is checked at finalization.
func (e *Engine) DepositEarnest(assetID uint64, caller [20]byte, amount *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ready(); err != nil {
		return err
	}
	listing, err := e.loadListing(assetID)
	if err != nil {
		return err
	}
	if caller != listing.Buyer {
		return ErrNotAuthorized
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return fmt.Errorf("escrow: deposit amount must be positive")
	}
	if err := e.state.EscrowCredit(assetID, amt); err != nil {
		return err
	}
	e.emit(NewEarnestDepositedEvent(listing, caller, amt))
	return nil
}

// Fund credits a listing's custody balance without the buyer gate. It models
// direct sends to the registry, typically the lender wiring the financed
// remainder of the purchase price.
func (e *Engine) Fund(assetID uint64, from [20]byte, amount *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ready(); err != nil {
		return err
	}
	listing, err := e.loadListing(assetID)
	if err != nil {
		return err
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return fmt.Errorf("escrow: fund amount must be positive")
	}
	if err := e.state.EscrowCredit(assetID, amt); err != nil {
		return err
	}
	e.emit(NewFundedEvent(listing, from, amt))
	return nil
}

// UpdateInspectionStatus records the inspection outcome for a listing. Only
// the registry inspector may attest; repeated calls overwrite, last write
// wins.
func (e *Engine) UpdateInspectionStatus(assetID uint64, caller [20]byte, passed bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ready(); err != nil {
		return err
	}
	if caller != e.roles.Inspector {
		return ErrNotAuthorized
	}
	listing, err := e.loadListing(assetID)
	if err != nil {
		return err
	}
	listing.InspectionPassed = passed
	if err := e.state.ListingPut(listing); err != nil {
		return err
	}
	e.emit(NewInspectionUpdatedEvent(listing))
	return nil
}

// ApproveSale sets the caller's approval flag for the listing. The caller
// must occupy one of the buyer, seller or lender slots. Approvals cannot be
// withdrawn and repeated calls are idempotent.
func (e *Engine) ApproveSale(assetID uint64, caller [20]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ready(); err != nil {
		return err
	}
	listing, err := e.loadListing(assetID)
	if err != nil {
		return err
	}
	party, ok := e.partyOf(listing, caller)
	if !ok {
		return ErrNotAuthorized
	}
	if err := e.state.ApprovalSet(assetID, caller); err != nil {
		return err
	}
	e.emit(NewSaleApprovedEvent(listing, caller, party))
	return nil
}

func (e *Engine) partyOf(listing *Listing, caller [20]byte) (Party, bool) {
	switch caller {
	case listing.Buyer:
		return PartyBuyer, true
	case e.roles.Seller:
		return PartySeller, true
	case e.roles.Lender:
		return PartyLender, true
	default:
		return "", false
	}
}

// finalizeGate recomputes the finalization conjunction fresh on every call so
// duplicate approvals or reordered deposits cannot skew it.
func (e *Engine) finalizeGate(listing *Listing, balance *big.Int) error {
	switch {
	case !listing.InspectionPassed:
		return fmt.Errorf("%w: inspection not passed", ErrNotReady)
	case !e.state.ApprovalGet(listing.AssetID, listing.Buyer):
		return fmt.Errorf("%w: buyer approval missing", ErrNotReady)
	case !e.state.ApprovalGet(listing.AssetID, e.roles.Seller):
		return fmt.Errorf("%w: seller approval missing", ErrNotReady)
	case !e.state.ApprovalGet(listing.AssetID, e.roles.Lender):
		return fmt.Errorf("%w: lender approval missing", ErrNotReady)
	case balance.Cmp(listing.PurchasePrice) < 0:
		return fmt.Errorf("%w: custody balance %s below purchase price %s", ErrNotReady, balance, listing.PurchasePrice)
	}
	return nil
}

// FinalizeSale concludes the sale: the deed moves from registry custody to
// the buyer and the listing's entire custody balance is paid to the seller,
// as a single all-or-nothing unit. Seller only. Any unmet precondition fails
// with ErrNotReady and zero mutation.
func (e *Engine) FinalizeSale(assetID uint64, caller [20]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ready(); err != nil {
		return err
	}
	listing, err := e.loadListing(assetID)
	if err != nil {
		return err
	}
	if caller != e.roles.Seller {
		return ErrNotAuthorized
	}
	balance, err := e.state.EscrowBalance(assetID)
	if err != nil {
		return err
	}
	if err := e.finalizeGate(listing, balance); err != nil {
		return err
	}
	if err := e.settle(listing, listing.Buyer, e.roles.Seller, balance); err != nil {
		return err
	}
	e.emit(NewSaleFinalizedEvent(listing, balance))
	return nil
}

// CancelSale aborts an open listing and routes the custody balance by fault:
// a failed (or pending) inspection refunds the buyer, otherwise the seller is
// paid. The deed returns to the seller either way. Buyer or seller only.
func (e *Engine) CancelSale(assetID uint64, caller [20]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ready(); err != nil {
		return err
	}
	listing, err := e.loadListing(assetID)
	if err != nil {
		return err
	}
	if caller != listing.Buyer && caller != e.roles.Seller {
		return ErrNotAuthorized
	}
	recipient := e.roles.Seller
	if !listing.InspectionPassed {
		recipient = listing.Buyer
	}
	balance, err := e.state.EscrowBalance(assetID)
	if err != nil {
		return err
	}
	if err := e.settle(listing, e.roles.Seller, recipient, balance); err != nil {
		return err
	}
	e.emit(NewSaleCancelledEvent(listing, recipient, balance))
	return nil
}

// settle concludes the listing as one unit: the deed leaves the vault for
// assetTo, the custody balance is debited, the listing is marked terminal,
// and only then is the irreversible payout to fundsTo issued. Every step
// before the payout is compensated on failure so no partial settlement stays
// observable.
func (e *Engine) settle(listing *Listing, assetTo, fundsTo [20]byte, balance *big.Int) error {
	if err := e.custody.TransferAsset(e.vault, assetTo, listing.AssetID); err != nil {
		return fmt.Errorf("%w: asset leg: %v", ErrSettlementFailed, err)
	}
	reclaim := func(cause error) error {
		if undo := e.custody.TransferAsset(assetTo, e.vault, listing.AssetID); undo != nil {
			return errors.Join(cause, undo)
		}
		return cause
	}
	if balance.Sign() > 0 {
		if err := e.state.EscrowDebit(listing.AssetID, balance); err != nil {
			return reclaim(err)
		}
	}
	listing.Listed = false
	if err := e.state.ListingPut(listing); err != nil {
		listing.Listed = true
		if balance.Sign() > 0 {
			if undo := e.state.EscrowCredit(listing.AssetID, balance); undo != nil {
				return reclaim(errors.Join(err, undo))
			}
		}
		return reclaim(err)
	}
	if balance.Sign() > 0 {
		if err := e.payout.Pay(fundsTo, balance); err != nil {
			err = fmt.Errorf("%w: value leg: %v", ErrSettlementFailed, err)
			listing.Listed = true
			if undo := e.state.ListingPut(listing); undo != nil {
				return errors.Join(err, undo)
			}
			if undo := e.state.EscrowCredit(listing.AssetID, balance); undo != nil {
				return errors.Join(err, undo)
			}
			return reclaim(err)
		}
	}
	return nil
}

// Accessors. Read-only, no authorization.

// Listing returns a copy of the stored listing record, including concluded
// ones, so historical fields stay queryable after finalization.
func (e *Engine) Listing(assetID uint64) (*Listing, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return nil, false
	}
	listing, ok := e.state.ListingGet(assetID)
	if !ok {
		return nil, false
	}
	return listing.Clone(), true
}

// IsListed reports whether the asset is currently under escrow.
func (e *Engine) IsListed(assetID uint64) bool {
	listing, ok := e.Listing(assetID)
	return ok && listing.Listed
}

// PurchasePrice returns the recorded sale price, zero when unknown.
func (e *Engine) PurchasePrice(assetID uint64) *big.Int {
	if listing, ok := e.Listing(assetID); ok {
		return listing.PurchasePrice
	}
	return big.NewInt(0)
}

// EscrowAmount returns the required earnest deposit, zero when unknown.
func (e *Engine) EscrowAmount(assetID uint64) *big.Int {
	if listing, ok := e.Listing(assetID); ok {
		return listing.EscrowAmount
	}
	return big.NewInt(0)
}

// Buyer returns the buyer recorded for the asset.
func (e *Engine) Buyer(assetID uint64) [20]byte {
	if listing, ok := e.Listing(assetID); ok {
		return listing.Buyer
	}
	return [20]byte{}
}

// InspectionPassed reports the last attested inspection outcome.
func (e *Engine) InspectionPassed(assetID uint64) bool {
	listing, ok := e.Listing(assetID)
	return ok && listing.InspectionPassed
}

// Approval reports whether the given identity has approved the sale.
func (e *Engine) Approval(assetID uint64, party [20]byte) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return false
	}
	return e.state.ApprovalGet(assetID, party)
}

// EscrowBalance returns the custody balance attributed to the listing.
func (e *Engine) EscrowBalance(assetID uint64) *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return big.NewInt(0)
	}
	balance, err := e.state.EscrowBalance(assetID)
	if err != nil {
		return big.NewInt(0)
	}
	return balance
}

// TotalEscrowBalance returns the pooled custody balance across all listings.
func (e *Engine) TotalEscrowBalance() *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return big.NewInt(0)
	}
	total, err := e.state.TotalEscrowBalance()
	if err != nil {
		return big.NewInt(0)
	}
	return total
}
