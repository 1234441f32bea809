package ledger

import (
	"fmt"
	"math"
)

// CheckDraft validates every posting invariant against the referenced
// accounts and returns the journal currency. accountOf resolves an account id
// to the registry entry; it is called once per distinct account.
//
// Invariants enforced:
//   - at least two legs, with at least one debit and one credit
//   - every leg amount strictly positive (zero-amount legs are rejected)
//   - every referenced account exists
//   - all legs share one currency, equal to each account's currency
//   - sum of debits equals sum of credits
func CheckDraft(d Draft, accountOf func(id string) (Account, error)) (string, error) {
	if len(d.Legs) < 2 {
		return "", invalidJournal("journal requires at least two legs, got %d", len(d.Legs))
	}

	var (
		currency  string
		debits    int64
		credits   int64
		hasDebit  bool
		hasCredit bool
		seen      = make(map[string]Account, len(d.Legs))
	)

	for i, leg := range d.Legs {
		if leg.Amount <= 0 {
			return "", invalidJournal("legs[%d] amount must be > 0, got %d", i, leg.Amount)
		}
		switch leg.Type {
		case Debit:
			hasDebit = true
			if debits > math.MaxInt64-leg.Amount {
				return "", invalidJournal("legs[%d] overflows the debit total", i)
			}
			debits += leg.Amount
		case Credit:
			hasCredit = true
			if credits > math.MaxInt64-leg.Amount {
				return "", invalidJournal("legs[%d] overflows the credit total", i)
			}
			credits += leg.Amount
		default:
			return "", invalidJournal("legs[%d] has unknown entry type %q", i, leg.Type)
		}

		acc, ok := seen[leg.AccountID]
		if !ok {
			var err error
			acc, err = accountOf(leg.AccountID)
			if err != nil {
				return "", fmt.Errorf("legs[%d] account %s: %w", i, leg.AccountID, err)
			}
			seen[leg.AccountID] = acc
		}
		if currency == "" {
			currency = acc.Currency
		} else if acc.Currency != currency {
			return "", invalidJournal("legs[%d] account currency %s differs from journal currency %s",
				i, acc.Currency, currency)
		}
	}

	if !hasDebit || !hasCredit {
		return "", invalidJournal("journal requires at least one debit and one credit leg")
	}
	if debits != credits {
		return "", invalidJournal("debits (%d) do not balance credits (%d)", debits, credits)
	}
	return currency, nil
}

// signedDelta is the balance contribution of one leg under the account-type
// sign convention: debit-normal accounts grow on debits, the rest on credits.
func signedDelta(t AccountType, e EntryType, amount int64) int64 {
	if (e == Debit) == t.DebitNormal() {
		return amount
	}
	return -amount
}
