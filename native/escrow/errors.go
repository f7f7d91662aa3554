package escrow

import "errors"

// Operation failures surface as one of these sentinels, optionally wrapped
// with the collaborator error that caused them. Every failed call leaves
// listing, approval and custody state untouched.
var (
	// ErrNotAuthorized rejects callers outside the role set an operation is
	// gated on.
	ErrNotAuthorized = errors.New("escrow: caller not authorized")

	// ErrNoSuchListing rejects operations against asset identifiers that were
	// never listed or whose sale already concluded.
	ErrNoSuchListing = errors.New("escrow: no such listing")

	// ErrNotReady rejects finalization while any of its preconditions is
	// still unmet.
	ErrNotReady = errors.New("escrow: finalize preconditions not met")

	// ErrAssetTransferFailed reports that the asset custody collaborator
	// rejected the transfer pulling the deed into escrow.
	ErrAssetTransferFailed = errors.New("escrow: asset transfer rejected")

	// ErrSettlementFailed reports that settlement was aborted because an
	// external transfer leg was rejected. No partial settlement is observable.
	ErrSettlementFailed = errors.New("escrow: settlement rejected")
)

var (
	errNilState   = errors.New("escrow engine: state not configured")
	errNilCustody = errors.New("escrow engine: asset custody not configured")
	errNilPayout  = errors.New("escrow engine: value payout not configured")
)
