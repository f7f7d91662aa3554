package escrow

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"deedvault/core/events"
	"deedvault/native/common"
	"deedvault/native/deed"
)

type mockState struct {
	listings  map[uint64]*Listing
	approvals map[string]bool
	vault     map[uint64]*big.Int
	total     *big.Int
	putErr    error
	debitErr  error
}

func newMockState() *mockState {
	return &mockState{
		listings:  make(map[uint64]*Listing),
		approvals: make(map[string]bool),
		vault:     make(map[uint64]*big.Int),
		total:     big.NewInt(0),
	}
}

func approvalMapKey(id uint64, party [20]byte) string {
	return fmt.Sprintf("%d/%x", id, party)
}

func (m *mockState) ListingPut(l *Listing) error {
	if m.putErr != nil {
		return m.putErr
	}
	sanitized, err := SanitizeListing(l)
	if err != nil {
		return err
	}
	m.listings[sanitized.AssetID] = sanitized.Clone()
	return nil
}

func (m *mockState) ListingGet(id uint64) (*Listing, bool) {
	listing, ok := m.listings[id]
	if !ok {
		return nil, false
	}
	return listing.Clone(), true
}

func (m *mockState) ApprovalSet(id uint64, party [20]byte) error {
	m.approvals[approvalMapKey(id, party)] = true
	return nil
}

func (m *mockState) ApprovalGet(id uint64, party [20]byte) bool {
	return m.approvals[approvalMapKey(id, party)]
}

func (m *mockState) EscrowCredit(id uint64, amt *big.Int) error {
	if amt == nil || amt.Sign() < 0 {
		return fmt.Errorf("negative credit")
	}
	current, ok := m.vault[id]
	if !ok {
		current = big.NewInt(0)
	}
	m.vault[id] = new(big.Int).Add(current, amt)
	m.total = new(big.Int).Add(m.total, amt)
	return nil
}

func (m *mockState) EscrowDebit(id uint64, amt *big.Int) error {
	if m.debitErr != nil {
		return m.debitErr
	}
	current, ok := m.vault[id]
	if !ok || current.Cmp(amt) < 0 {
		return fmt.Errorf("insufficient escrow balance")
	}
	m.vault[id] = new(big.Int).Sub(current, amt)
	m.total = new(big.Int).Sub(m.total, amt)
	return nil
}

func (m *mockState) EscrowBalance(id uint64) (*big.Int, error) {
	current, ok := m.vault[id]
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(current), nil
}

func (m *mockState) TotalEscrowBalance() (*big.Int, error) {
	return new(big.Int).Set(m.total), nil
}

type stubCustody struct {
	owners map[uint64][20]byte
	err    error
}

func newStubCustody() *stubCustody {
	return &stubCustody{owners: make(map[uint64][20]byte)}
}

func (c *stubCustody) TransferAsset(from, to [20]byte, id uint64) error {
	if c.err != nil {
		return c.err
	}
	owner, ok := c.owners[id]
	if !ok || owner != from {
		return fmt.Errorf("token %d not held by %x", id, from)
	}
	c.owners[id] = to
	return nil
}

func (c *stubCustody) OwnerOf(id uint64) ([20]byte, error) {
	owner, ok := c.owners[id]
	if !ok {
		return [20]byte{}, fmt.Errorf("token %d unknown", id)
	}
	return owner, nil
}

type stubPayout struct {
	paid map[[20]byte]*big.Int
	err  error
}

func newStubPayout() *stubPayout {
	return &stubPayout{paid: make(map[[20]byte]*big.Int)}
}

func (p *stubPayout) Pay(to [20]byte, amount *big.Int) error {
	if p.err != nil {
		return p.err
	}
	current, ok := p.paid[to]
	if !ok {
		current = big.NewInt(0)
	}
	p.paid[to] = new(big.Int).Add(current, amount)
	return nil
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

type testEnv struct {
	engine  *Engine
	state   *mockState
	custody *stubCustody
	payout  *stubPayout
	pauses  *common.Switchboard

	seller    [20]byte
	buyer     [20]byte
	inspector [20]byte
	lender    [20]byte
	stranger  [20]byte
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		state:     newMockState(),
		custody:   newStubCustody(),
		payout:    newStubPayout(),
		pauses:    common.NewSwitchboard(),
		seller:    newTestAddress(0x01),
		buyer:     newTestAddress(0x02),
		inspector: newTestAddress(0x03),
		lender:    newTestAddress(0x04),
		stranger:  newTestAddress(0x05),
	}
	engine, err := NewEngine(Roles{Seller: env.seller, Inspector: env.inspector, Lender: env.lender})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	engine.SetState(env.state)
	engine.SetCustody(env.custody)
	engine.SetPayout(env.payout)
	engine.SetPauses(env.pauses)
	engine.SetNowFunc(func() int64 { return 1700000000 })
	env.engine = engine
	env.custody.owners[1] = env.seller
	return env
}

func (env *testEnv) list(t *testing.T, assetID uint64, price, earnest int64) {
	t.Helper()
	env.custody.owners[assetID] = env.seller
	if _, err := env.engine.List(env.seller, assetID, env.buyer, big.NewInt(price), big.NewInt(earnest)); err != nil {
		t.Fatalf("list asset %d: %v", assetID, err)
	}
}

func TestListRecordsListingAndCustody(t *testing.T) {
	env := newTestEnv(t)
	listing, err := env.engine.List(env.seller, 1, env.buyer, big.NewInt(10), big.NewInt(5))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !listing.Listed {
		t.Fatal("expected listing to be marked listed")
	}
	if !env.engine.IsListed(1) {
		t.Fatal("IsListed accessor disagrees")
	}
	if got := env.engine.PurchasePrice(1); got.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("purchase price: got %s", got)
	}
	if got := env.engine.EscrowAmount(1); got.Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("escrow amount: got %s", got)
	}
	if got := env.engine.Buyer(1); got != env.buyer {
		t.Fatalf("buyer: got %x", got)
	}
	owner, err := env.custody.OwnerOf(1)
	if err != nil {
		t.Fatalf("ownerOf: %v", err)
	}
	if owner != env.engine.VaultAddress() {
		t.Fatalf("deed not in registry custody, owner %x", owner)
	}
}

func TestListRejectsNonSeller(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.engine.List(env.stranger, 1, env.buyer, big.NewInt(10), big.NewInt(5)); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
	if env.engine.IsListed(1) {
		t.Fatal("listing must not be recorded")
	}
}

func TestListRejectsMissingOperatorApproval(t *testing.T) {
	env := newTestEnv(t)
	// Token 7 was never minted to the seller, so the custody pull fails.
	if _, err := env.engine.List(env.seller, 7, env.buyer, big.NewInt(10), big.NewInt(5)); !errors.Is(err, ErrAssetTransferFailed) {
		t.Fatalf("expected ErrAssetTransferFailed, got %v", err)
	}
	if env.engine.IsListed(7) {
		t.Fatal("listing must not be recorded after custody failure")
	}
}

func TestListRejectsDoubleListing(t *testing.T) {
	env := newTestEnv(t)
	env.list(t, 1, 10, 5)
	if _, err := env.engine.List(env.seller, 1, env.buyer, big.NewInt(10), big.NewInt(5)); err == nil {
		t.Fatal("expected relisting to fail")
	}
}

func TestListRejectsEarnestAbovePrice(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.engine.List(env.seller, 1, env.buyer, big.NewInt(5), big.NewInt(10)); err == nil {
		t.Fatal("expected escrow amount above purchase price to fail")
	}
	owner, _ := env.custody.OwnerOf(1)
	if owner != env.seller {
		t.Fatalf("deed must stay with the seller, owner %x", owner)
	}
}

func TestDepositEarnestGating(t *testing.T) {
	env := newTestEnv(t)
	env.list(t, 1, 10, 5)

	if err := env.engine.DepositEarnest(1, env.stranger, big.NewInt(5)); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("stranger deposit: expected ErrNotAuthorized, got %v", err)
	}
	if err := env.engine.DepositEarnest(2, env.buyer, big.NewInt(5)); !errors.Is(err, ErrNoSuchListing) {
		t.Fatalf("unknown asset: expected ErrNoSuchListing, got %v", err)
	}
	if err := env.engine.DepositEarnest(1, env.buyer, big.NewInt(0)); err == nil {
		t.Fatal("zero deposit must fail")
	}
	if err := env.engine.DepositEarnest(1, env.buyer, big.NewInt(3)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	// No upper bound against the escrow amount; sufficiency is checked at
	// finalization.
	if err := env.engine.DepositEarnest(1, env.buyer, big.NewInt(9)); err != nil {
		t.Fatalf("over-deposit: %v", err)
	}
	if got := env.engine.EscrowBalance(1); got.Cmp(big.NewInt(12)) != 0 {
		t.Fatalf("balance: got %s", got)
	}
	if got := env.engine.TotalEscrowBalance(); got.Cmp(big.NewInt(12)) != 0 {
		t.Fatalf("total balance: got %s", got)
	}
}

func TestInspectionGatingAndLastWriteWins(t *testing.T) {
	env := newTestEnv(t)
	env.list(t, 1, 10, 5)

	if err := env.engine.UpdateInspectionStatus(1, env.buyer, true); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
	if err := env.engine.UpdateInspectionStatus(2, env.inspector, true); !errors.Is(err, ErrNoSuchListing) {
		t.Fatalf("expected ErrNoSuchListing, got %v", err)
	}
	if err := env.engine.UpdateInspectionStatus(1, env.inspector, true); err != nil {
		t.Fatalf("inspection: %v", err)
	}
	if err := env.engine.UpdateInspectionStatus(1, env.inspector, true); err != nil {
		t.Fatalf("repeat inspection: %v", err)
	}
	if !env.engine.InspectionPassed(1) {
		t.Fatal("inspection flag not set")
	}
	if err := env.engine.UpdateInspectionStatus(1, env.inspector, false); err != nil {
		t.Fatalf("overwrite inspection: %v", err)
	}
	if env.engine.InspectionPassed(1) {
		t.Fatal("last write must win")
	}
}

func TestApproveSaleRolesAndIdempotence(t *testing.T) {
	env := newTestEnv(t)
	env.list(t, 1, 10, 5)

	if err := env.engine.ApproveSale(1, env.stranger); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("stranger approval: expected ErrNotAuthorized, got %v", err)
	}
	if err := env.engine.ApproveSale(1, env.inspector); !errors.Is(err, ErrNotAuthorized) {
		t.Fatal("inspector holds no approval slot")
	}
	for _, party := range [][20]byte{env.buyer, env.seller, env.lender} {
		if err := env.engine.ApproveSale(1, party); err != nil {
			t.Fatalf("approve by %x: %v", party, err)
		}
		if err := env.engine.ApproveSale(1, party); err != nil {
			t.Fatalf("repeat approve by %x: %v", party, err)
		}
		if !env.engine.Approval(1, party) {
			t.Fatalf("approval flag for %x not set", party)
		}
	}
}

func TestRoleGatingGrid(t *testing.T) {
	env := newTestEnv(t)
	env.list(t, 1, 10, 5)

	cases := []struct {
		name   string
		caller [20]byte
		op     func(caller [20]byte) error
	}{
		{"list/buyer", env.buyer, func(c [20]byte) error {
			_, err := env.engine.List(c, 9, env.buyer, big.NewInt(1), big.NewInt(1))
			return err
		}},
		{"list/inspector", env.inspector, func(c [20]byte) error {
			_, err := env.engine.List(c, 9, env.buyer, big.NewInt(1), big.NewInt(1))
			return err
		}},
		{"deposit/seller", env.seller, func(c [20]byte) error {
			return env.engine.DepositEarnest(1, c, big.NewInt(1))
		}},
		{"deposit/lender", env.lender, func(c [20]byte) error {
			return env.engine.DepositEarnest(1, c, big.NewInt(1))
		}},
		{"inspection/seller", env.seller, func(c [20]byte) error {
			return env.engine.UpdateInspectionStatus(1, c, true)
		}},
		{"inspection/lender", env.lender, func(c [20]byte) error {
			return env.engine.UpdateInspectionStatus(1, c, true)
		}},
		{"approve/stranger", env.stranger, func(c [20]byte) error {
			return env.engine.ApproveSale(1, c)
		}},
		{"finalize/buyer", env.buyer, func(c [20]byte) error {
			return env.engine.FinalizeSale(1, c)
		}},
		{"finalize/lender", env.lender, func(c [20]byte) error {
			return env.engine.FinalizeSale(1, c)
		}},
		{"cancel/inspector", env.inspector, func(c [20]byte) error {
			return env.engine.CancelSale(1, c)
		}},
	}
	for _, tc := range cases {
		if err := tc.op(tc.caller); !errors.Is(err, ErrNotAuthorized) {
			t.Fatalf("%s: expected ErrNotAuthorized, got %v", tc.name, err)
		}
	}
}

func (env *testEnv) makeReady(t *testing.T, assetID uint64) {
	t.Helper()
	if err := env.engine.DepositEarnest(assetID, env.buyer, big.NewInt(5)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := env.engine.Fund(assetID, env.lender, big.NewInt(5)); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if err := env.engine.UpdateInspectionStatus(assetID, env.inspector, true); err != nil {
		t.Fatalf("inspection: %v", err)
	}
	for _, party := range [][20]byte{env.buyer, env.seller, env.lender} {
		if err := env.engine.ApproveSale(assetID, party); err != nil {
			t.Fatalf("approve: %v", err)
		}
	}
}

func (env *testEnv) snapshot(t *testing.T, assetID uint64) (owner [20]byte, balance *big.Int, listed bool) {
	t.Helper()
	owner, err := env.custody.OwnerOf(assetID)
	if err != nil {
		t.Fatalf("ownerOf: %v", err)
	}
	return owner, env.engine.EscrowBalance(assetID), env.engine.IsListed(assetID)
}

func TestFinalizeRequiresEveryGate(t *testing.T) {
	scenarios := []struct {
		name string
		skip string
	}{
		{"missing inspection", "inspection"},
		{"missing buyer approval", "buyer"},
		{"missing seller approval", "seller"},
		{"missing lender approval", "lender"},
		{"insufficient balance", "funds"},
	}
	for _, sc := range scenarios {
		t.Run(sc.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.list(t, 1, 10, 5)
			if sc.skip != "funds" {
				if err := env.engine.DepositEarnest(1, env.buyer, big.NewInt(10)); err != nil {
					t.Fatalf("deposit: %v", err)
				}
			}
			if sc.skip != "inspection" {
				if err := env.engine.UpdateInspectionStatus(1, env.inspector, true); err != nil {
					t.Fatalf("inspection: %v", err)
				}
			}
			approvers := map[string][20]byte{"buyer": env.buyer, "seller": env.seller, "lender": env.lender}
			for name, addr := range approvers {
				if name == sc.skip {
					continue
				}
				if err := env.engine.ApproveSale(1, addr); err != nil {
					t.Fatalf("approve %s: %v", name, err)
				}
			}
			ownerBefore, balanceBefore, listedBefore := env.snapshot(t, 1)
			if err := env.engine.FinalizeSale(1, env.seller); !errors.Is(err, ErrNotReady) {
				t.Fatalf("expected ErrNotReady, got %v", err)
			}
			ownerAfter, balanceAfter, listedAfter := env.snapshot(t, 1)
			if ownerAfter != ownerBefore || balanceAfter.Cmp(balanceBefore) != 0 || listedAfter != listedBefore {
				t.Fatal("failed finalize must not mutate state")
			}
		})
	}
}

func TestFinalizeHappyPath(t *testing.T) {
	env := newTestEnv(t)
	env.list(t, 1, 10, 5)
	env.makeReady(t, 1)

	if err := env.engine.FinalizeSale(1, env.seller); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	owner, _ := env.custody.OwnerOf(1)
	if owner != env.buyer {
		t.Fatalf("deed owner after finalize: %x", owner)
	}
	if got := env.engine.EscrowBalance(1); got.Sign() != 0 {
		t.Fatalf("listing balance after finalize: %s", got)
	}
	if env.engine.IsListed(1) {
		t.Fatal("listing must be terminal after finalize")
	}
	if got := env.payout.paid[env.seller]; got == nil || got.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("seller payout: %s", got)
	}
	if err := env.engine.FinalizeSale(1, env.seller); !errors.Is(err, ErrNoSuchListing) {
		t.Fatalf("second finalize: expected ErrNoSuchListing, got %v", err)
	}
}

func TestFinalizePaysEntireCustodyBalance(t *testing.T) {
	env := newTestEnv(t)
	env.list(t, 1, 10, 5)
	env.makeReady(t, 1)
	// The buyer over-deposits; the whole attributed balance goes to the
	// seller at settlement.
	if err := env.engine.DepositEarnest(1, env.buyer, big.NewInt(3)); err != nil {
		t.Fatalf("extra deposit: %v", err)
	}
	if err := env.engine.FinalizeSale(1, env.seller); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if got := env.payout.paid[env.seller]; got.Cmp(big.NewInt(13)) != 0 {
		t.Fatalf("seller payout: %s", got)
	}
}

func TestFinalizeRollsBackOnPayoutFailure(t *testing.T) {
	env := newTestEnv(t)
	env.list(t, 1, 10, 5)
	env.makeReady(t, 1)

	env.payout.err = fmt.Errorf("wire rejected")
	if err := env.engine.FinalizeSale(1, env.seller); !errors.Is(err, ErrSettlementFailed) {
		t.Fatalf("expected ErrSettlementFailed, got %v", err)
	}
	owner, balance, listed := env.snapshot(t, 1)
	if owner != env.engine.VaultAddress() {
		t.Fatalf("deed must return to custody, owner %x", owner)
	}
	if balance.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("custody balance must be untouched, got %s", balance)
	}
	if !listed {
		t.Fatal("listing must stay open after failed settlement")
	}

	env.payout.err = nil
	if err := env.engine.FinalizeSale(1, env.seller); err != nil {
		t.Fatalf("finalize after recovery: %v", err)
	}
}

func TestFinalizeRollsBackAgainstDeedRegistry(t *testing.T) {
	env := newTestEnv(t)
	registry := deed.NewRegistry()
	env.engine.SetCustody(registry.Custodian(env.engine.VaultAddress()))

	id, err := registry.Mint(env.seller, "ipfs://deed/1.json")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := registry.Approve(env.seller, env.engine.VaultAddress(), id); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := env.engine.List(env.seller, id, env.buyer, big.NewInt(10), big.NewInt(5)); err != nil {
		t.Fatalf("list: %v", err)
	}
	env.makeReady(t, id)

	// The registry must let the engine reclaim the deed when the value leg
	// is rejected mid-settlement.
	env.payout.err = fmt.Errorf("wire rejected")
	if err := env.engine.FinalizeSale(id, env.seller); !errors.Is(err, ErrSettlementFailed) {
		t.Fatalf("expected ErrSettlementFailed, got %v", err)
	}
	owner, err := registry.OwnerOf(id)
	if err != nil {
		t.Fatalf("ownerOf: %v", err)
	}
	if owner != env.engine.VaultAddress() {
		t.Fatalf("deed must return to custody, owner %x", owner)
	}
	if !env.engine.IsListed(id) {
		t.Fatal("listing must stay open after failed settlement")
	}
	if got := env.engine.EscrowBalance(id); got.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("custody balance must be untouched, got %s", got)
	}

	env.payout.err = nil
	if err := env.engine.FinalizeSale(id, env.seller); err != nil {
		t.Fatalf("finalize after recovery: %v", err)
	}
	owner, err = registry.OwnerOf(id)
	if err != nil {
		t.Fatalf("ownerOf: %v", err)
	}
	if owner != env.buyer {
		t.Fatalf("deed owner after finalize: %x", owner)
	}
}

func TestFinalizeCompensatesStateWriteFailures(t *testing.T) {
	scenarios := []struct {
		name   string
		inject func(*mockState)
	}{
		{"debit fails", func(m *mockState) { m.debitErr = fmt.Errorf("disk full") }},
		{"listing write fails", func(m *mockState) { m.putErr = fmt.Errorf("disk full") }},
	}
	for _, sc := range scenarios {
		t.Run(sc.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.list(t, 1, 10, 5)
			env.makeReady(t, 1)

			sc.inject(env.state)
			if err := env.engine.FinalizeSale(1, env.seller); err == nil {
				t.Fatal("expected finalize to fail")
			}
			env.state.putErr, env.state.debitErr = nil, nil

			owner, balance, listed := env.snapshot(t, 1)
			if owner != env.engine.VaultAddress() {
				t.Fatalf("deed must return to custody, owner %x", owner)
			}
			if balance.Cmp(big.NewInt(10)) != 0 {
				t.Fatalf("custody balance must be untouched, got %s", balance)
			}
			if !listed {
				t.Fatal("listing must stay open after failed settlement")
			}
			if paid := env.payout.paid[env.seller]; paid != nil && paid.Sign() != 0 {
				t.Fatalf("no payout may be issued, got %s", paid)
			}

			if err := env.engine.FinalizeSale(1, env.seller); err != nil {
				t.Fatalf("finalize after recovery: %v", err)
			}
		})
	}
}

func TestCancelRefundsBuyerWhenInspectionNotPassed(t *testing.T) {
	env := newTestEnv(t)
	env.list(t, 1, 10, 5)
	if err := env.engine.DepositEarnest(1, env.buyer, big.NewInt(5)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := env.engine.CancelSale(1, env.buyer); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := env.payout.paid[env.buyer]; got == nil || got.Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("buyer refund: %s", got)
	}
	owner, _ := env.custody.OwnerOf(1)
	if owner != env.seller {
		t.Fatalf("deed must return to seller, owner %x", owner)
	}
	if env.engine.IsListed(1) {
		t.Fatal("cancelled listing must be terminal")
	}
}

func TestCancelPaysSellerWhenInspectionPassed(t *testing.T) {
	env := newTestEnv(t)
	env.list(t, 1, 10, 5)
	if err := env.engine.DepositEarnest(1, env.buyer, big.NewInt(5)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := env.engine.UpdateInspectionStatus(1, env.inspector, true); err != nil {
		t.Fatalf("inspection: %v", err)
	}
	if err := env.engine.CancelSale(1, env.seller); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := env.payout.paid[env.seller]; got == nil || got.Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("seller payout: %s", got)
	}
}

func permutations(n int) [][]int {
	if n == 1 {
		return [][]int{{0}}
	}
	var result [][]int
	for _, perm := range permutations(n - 1) {
		for i := 0; i <= len(perm); i++ {
			next := make([]int, 0, n)
			next = append(next, perm[:i]...)
			next = append(next, n-1)
			next = append(next, perm[i:]...)
			result = append(result, next)
		}
	}
	return result
}

func TestPostListingActionsCommute(t *testing.T) {
	for _, perm := range permutations(5) {
		env := newTestEnv(t)
		env.list(t, 1, 10, 5)
		actions := []func() error{
			func() error { return env.engine.DepositEarnest(1, env.buyer, big.NewInt(10)) },
			func() error { return env.engine.UpdateInspectionStatus(1, env.inspector, true) },
			func() error { return env.engine.ApproveSale(1, env.buyer) },
			func() error { return env.engine.ApproveSale(1, env.seller) },
			func() error { return env.engine.ApproveSale(1, env.lender) },
		}
		for _, idx := range perm {
			if err := actions[idx](); err != nil {
				t.Fatalf("perm %v action %d: %v", perm, idx, err)
			}
		}
		if !env.engine.InspectionPassed(1) {
			t.Fatalf("perm %v: inspection flag lost", perm)
		}
		for _, party := range [][20]byte{env.buyer, env.seller, env.lender} {
			if !env.engine.Approval(1, party) {
				t.Fatalf("perm %v: approval for %x lost", perm, party)
			}
		}
		if got := env.engine.EscrowBalance(1); got.Cmp(big.NewInt(10)) != 0 {
			t.Fatalf("perm %v: balance %s", perm, got)
		}
		if err := env.engine.FinalizeSale(1, env.seller); err != nil {
			t.Fatalf("perm %v: finalize: %v", perm, err)
		}
	}
}

func TestPauseGuardBlocksTransitions(t *testing.T) {
	env := newTestEnv(t)
	env.list(t, 1, 10, 5)
	env.pauses.SetPaused("escrow", true)

	ops := map[string]func() error{
		"list": func() error {
			_, err := env.engine.List(env.seller, 2, env.buyer, big.NewInt(1), big.NewInt(1))
			return err
		},
		"deposit":  func() error { return env.engine.DepositEarnest(1, env.buyer, big.NewInt(1)) },
		"inspect":  func() error { return env.engine.UpdateInspectionStatus(1, env.inspector, true) },
		"approve":  func() error { return env.engine.ApproveSale(1, env.buyer) },
		"finalize": func() error { return env.engine.FinalizeSale(1, env.seller) },
		"cancel":   func() error { return env.engine.CancelSale(1, env.buyer) },
	}
	for name, op := range ops {
		if err := op(); !errors.Is(err, common.ErrModulePaused) {
			t.Fatalf("%s while paused: got %v", name, err)
		}
	}

	env.pauses.SetPaused("escrow", false)
	if err := env.engine.DepositEarnest(1, env.buyer, big.NewInt(1)); err != nil {
		t.Fatalf("deposit after unpause: %v", err)
	}
}

func TestEngineRequiresCollaborators(t *testing.T) {
	engine, err := NewEngine(Roles{
		Seller:    newTestAddress(0x01),
		Inspector: newTestAddress(0x02),
		Lender:    newTestAddress(0x03),
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := engine.DepositEarnest(1, newTestAddress(0x04), big.NewInt(1)); err == nil {
		t.Fatal("engine without state must refuse transitions")
	}
}

func TestEngineEmitsLifecycleEvents(t *testing.T) {
	env := newTestEnv(t)
	feed := events.NewBuffer(16)
	env.engine.SetEmitter(feed)

	env.list(t, 1, 10, 5)
	env.makeReady(t, 1)
	if err := env.engine.FinalizeSale(1, env.seller); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	var types []string
	for _, evt := range feed.Drain() {
		types = append(types, evt.Type)
	}
	want := []string{
		EventTypeListed,
		EventTypeEarnestDeposited,
		EventTypeFunded,
		EventTypeInspectionUpdated,
		EventTypeSaleApproved,
		EventTypeSaleApproved,
		EventTypeSaleApproved,
		EventTypeSaleFinalized,
	}
	if len(types) != len(want) {
		t.Fatalf("event count: got %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event %d: got %s want %s", i, types[i], want[i])
		}
	}
}
