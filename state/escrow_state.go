package state

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"deedvault/native/escrow"
	"deedvault/storage"
)

const (
	listingKeyPrefix  = "escrow/listing/"
	approvalKeyPrefix = "escrow/approval/"
	vaultKeyPrefix    = "escrow/vault/"
	vaultTotalKey     = "escrow/vault-total"
)

// EscrowState persists listings, approvals and the per-listing custody ledger
// in a key-value database. It implements the state backend the escrow engine
// expects.
type EscrowState struct {
	db storage.Database
}

func NewEscrowState(db storage.Database) *EscrowState {
	return &EscrowState{db: db}
}

func listingKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%d", listingKeyPrefix, id))
}

func approvalKey(id uint64, party [20]byte) []byte {
	return []byte(fmt.Sprintf("%s%d/%s", approvalKeyPrefix, id, hex.EncodeToString(party[:])))
}

func vaultKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%d", vaultKeyPrefix, id))
}

// ListingPut sanitizes and stores the listing record.
func (s *EscrowState) ListingPut(l *escrow.Listing) error {
	sanitized, err := escrow.SanitizeListing(l)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(sanitized)
	if err != nil {
		return err
	}
	return s.db.Put(listingKey(sanitized.AssetID), raw)
}

// ListingGet loads the listing record for the asset, reporting false when the
// asset was never listed.
func (s *EscrowState) ListingGet(id uint64) (*escrow.Listing, bool) {
	raw, err := s.db.Get(listingKey(id))
	if err != nil {
		return nil, false
	}
	var listing escrow.Listing
	if err := json.Unmarshal(raw, &listing); err != nil {
		return nil, false
	}
	return &listing, true
}

// ApprovalSet records the party's approval flag. Approvals are never cleared.
func (s *EscrowState) ApprovalSet(id uint64, party [20]byte) error {
	return s.db.Put(approvalKey(id, party), []byte{1})
}

// ApprovalGet reports whether the party has approved the sale.
func (s *EscrowState) ApprovalGet(id uint64, party [20]byte) bool {
	ok, err := s.db.Has(approvalKey(id, party))
	return err == nil && ok
}

func (s *EscrowState) readBalance(key []byte) (*big.Int, error) {
	raw, err := s.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	balance, ok := new(big.Int).SetString(string(raw), 10)
	if !ok {
		return nil, fmt.Errorf("state: corrupt balance record %q", raw)
	}
	return balance, nil
}

func (s *EscrowState) writeBalance(key []byte, balance *big.Int) error {
	return s.db.Put(key, []byte(balance.String()))
}

// EscrowCredit adds the amount to the listing's custody balance and the
// pooled total.
func (s *EscrowState) EscrowCredit(id uint64, amt *big.Int) error {
	return s.adjust(id, amt, false)
}

// EscrowDebit removes the amount from the listing's custody balance and the
// pooled total. Debits beyond the attributed balance are rejected so one
// listing can never spend another listing's funds.
func (s *EscrowState) EscrowDebit(id uint64, amt *big.Int) error {
	return s.adjust(id, amt, true)
}

func (s *EscrowState) adjust(id uint64, amt *big.Int, debit bool) error {
	if amt == nil || amt.Sign() < 0 {
		return fmt.Errorf("state: invalid escrow adjustment")
	}
	balance, err := s.readBalance(vaultKey(id))
	if err != nil {
		return err
	}
	total, err := s.readBalance([]byte(vaultTotalKey))
	if err != nil {
		return err
	}
	if debit {
		if balance.Cmp(amt) < 0 {
			return fmt.Errorf("state: insufficient escrow balance for asset %d", id)
		}
		balance.Sub(balance, amt)
		total.Sub(total, amt)
	} else {
		balance.Add(balance, amt)
		total.Add(total, amt)
	}
	if err := s.writeBalance(vaultKey(id), balance); err != nil {
		return err
	}
	return s.writeBalance([]byte(vaultTotalKey), total)
}

// EscrowBalance returns the custody balance attributed to the listing.
func (s *EscrowState) EscrowBalance(id uint64) (*big.Int, error) {
	return s.readBalance(vaultKey(id))
}

// TotalEscrowBalance returns the pooled custody balance across all listings.
func (s *EscrowState) TotalEscrowBalance() (*big.Int, error) {
	return s.readBalance([]byte(vaultTotalKey))
}
