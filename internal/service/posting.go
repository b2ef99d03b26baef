package service

import (
	"fmt"

	"github.com/richardliu001/savings-ledger/internal/model"
	"github.com/shopspring/decimal"
)

// posting accumulates the entries of one transaction and applies them to
// the wallet projection as they are added.
type posting struct {
	wallet  *model.Wallet
	txID    string
	ref     string
	entries []model.LedgerEntry
}

func newPosting(w *model.Wallet, txID, ref string) *posting {
	return &posting{wallet: w, txID: txID, ref: ref}
}

func (p *posting) debit(part model.Partition, amt decimal.Decimal) {
	p.add(model.Debit, part, amt)
}

func (p *posting) credit(part model.Partition, amt decimal.Decimal) {
	p.add(model.Credit, part, amt)
}

func (p *posting) add(et model.EntryType, part model.Partition, amt decimal.Decimal) {
	e := model.LedgerEntry{
		TransactionID: p.txID,
		UserID:        p.wallet.UserID,
		EntryType:     et,
		Partition:     part,
		Amount:        amt,
		ReferenceID:   p.ref,
	}
	if part.Valid() {
		bal := p.wallet.Balance(part)
		if et == model.Debit {
			bal = bal.Add(amt)
		} else {
			bal = bal.Sub(amt)
		}
		p.wallet.SetBalance(part, bal)
		e.PostBalance = decimal.NullDecimal{Decimal: bal, Valid: true}
	}
	p.entries = append(p.entries, e)
}

func (p *posting) totals() (debit, credit decimal.Decimal) {
	for _, e := range p.entries {
		if e.EntryType == model.Debit {
			debit = debit.Add(e.Amount)
		} else {
			credit = credit.Add(e.Amount)
		}
	}
	return debit, credit
}

// check enforces the balance law and non-negative partitions.
func (p *posting) check() error {
	if len(p.entries) == 0 || !model.Balanced(p.entries) {
		debit, credit := p.totals()
		return fmt.Errorf("%w: user=%s transaction=%s debits=%s credits=%s",
			ErrLedgerImbalance, p.wallet.UserID, p.txID, debit, credit)
	}
	for _, part := range model.UserPartitions {
		if bal := p.wallet.Balance(part); bal.IsNegative() {
			return fmt.Errorf("%w: user=%s transaction=%s partition=%s would be %s",
				ErrLedgerImbalance, p.wallet.UserID, p.txID, part, bal)
		}
	}
	return nil
}
