package contracts

import "time"

// Posting is one signed leg of a journal entry. Amounts are integer cents;
// within an entry the postings of each currency sum to zero.
type Posting struct {
	ID          string `json:"id"`
	AccountID   string `json:"accountId"`
	AmountCents int64  `json:"amountCents"`
	Currency    string `json:"currency,omitempty"`
}

// JournalEntry is one double-entry ledger record. Entries are applied
// exactly once by the ledger-apply pipeline regardless of retries.
type JournalEntry struct {
	ID       string    `json:"id"`
	At       time.Time `json:"at"`
	Memo     string    `json:"memo,omitempty"`
	Postings []Posting `json:"postings"`
}

// Balanced reports whether the entry's postings sum to zero per currency.
func (e JournalEntry) Balanced() bool {
	sums := map[string]int64{}
	for _, p := range e.Postings {
		sums[p.Currency] += p.AmountCents
	}
	for _, s := range sums {
		if s != 0 {
			return false
		}
	}
	return true
}

// Balance is the materialized cumulative sum per (tenant, accountId).
type Balance struct {
	TenantID    string `json:"tenantId"`
	AccountID   string `json:"accountId"`
	AmountCents int64  `json:"amountCents"`
}

// Allocation splits one posting across parties. For a given
// (entryId, postingId) the allocation amounts sum to the posting amount.
type Allocation struct {
	TenantID    string `json:"tenantId"`
	EntryID     string `json:"entryId"`
	PostingID   string `json:"postingId"`
	PartyID     string `json:"partyId"`
	PartyRole   string `json:"partyRole"`
	AmountCents int64  `json:"amountCents"`
}
