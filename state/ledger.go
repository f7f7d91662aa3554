package state

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"deedvault/storage"
)

const accountKeyPrefix = "bank/account/"

// AccountLedger tracks value balances for identities the registry pays out
// to. It backs the escrow engine's payout capability in the daemon, where no
// external settlement rail is attached.
type AccountLedger struct {
	mu sync.Mutex
	db storage.Database
}

func NewAccountLedger(db storage.Database) *AccountLedger {
	return &AccountLedger{db: db}
}

func accountKey(addr [20]byte) []byte {
	return []byte(accountKeyPrefix + hex.EncodeToString(addr[:]))
}

// Pay credits the recipient. It either fully succeeds or leaves the ledger
// untouched, which is the contract the escrow settlement path relies on.
func (l *AccountLedger) Pay(to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("ledger: invalid payout amount")
	}
	if to == ([20]byte{}) {
		return fmt.Errorf("ledger: payout to zero identity")
	}
	if amount.Sign() == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	balance, err := l.balance(to)
	if err != nil {
		return err
	}
	balance.Add(balance, amount)
	return l.db.Put(accountKey(to), []byte(balance.String()))
}

// BalanceOf returns the accumulated payouts for the identity.
func (l *AccountLedger) BalanceOf(addr [20]byte) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance(addr)
}

func (l *AccountLedger) balance(addr [20]byte) (*big.Int, error) {
	raw, err := l.db.Get(accountKey(addr))
	if errors.Is(err, storage.ErrNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	balance, ok := new(big.Int).SetString(string(raw), 10)
	if !ok {
		return nil, fmt.Errorf("ledger: corrupt account record %q", raw)
	}
	return balance, nil
}
