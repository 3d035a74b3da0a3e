package projection

// Share is one party's slice of a settled amount.
type Share struct {
	PartyID     string `json:"partyId"`
	Role        string `json:"role"`
	AmountCents int64  `json:"amountCents"`
}

// AllocateShares splits a job's settled amount across its parties.
//
// Deterministic by construction: fixed shareCents are taken first in party
// order (capped at the remaining amount), then shareBps of the full amount
// (floored), and whatever remains goes to the payee. A payee that also
// appears in the party list gets the remainder merged into its share.
// The returned shares sum exactly to amountCents.
func AllocateShares(amountCents int64, js JobSnapshot) []Share {
	remaining := amountCents
	var shares []Share
	idx := map[string]int{}

	add := func(partyID, role string, amount int64) {
		if i, ok := idx[partyID]; ok {
			shares[i].AmountCents += amount
			return
		}
		idx[partyID] = len(shares)
		shares = append(shares, Share{PartyID: partyID, Role: role, AmountCents: amount})
	}

	for _, p := range js.Parties {
		if p.ShareCents == 0 {
			continue
		}
		amount := p.ShareCents
		if amount > remaining {
			amount = remaining
		}
		add(p.PartyID, p.Role, amount)
		remaining -= amount
	}
	for _, p := range js.Parties {
		if p.ShareBps == 0 {
			continue
		}
		amount := amountCents * p.ShareBps / 10000
		if amount > remaining {
			amount = remaining
		}
		add(p.PartyID, p.Role, amount)
		remaining -= amount
	}

	payee := js.PayeePartyID
	if payee == "" && len(shares) == 0 {
		return nil
	}
	if payee != "" && remaining != 0 {
		add(payee, "payee", remaining)
	} else if remaining != 0 && len(shares) > 0 {
		// No payee: the first party absorbs rounding remainder.
		shares[0].AmountCents += remaining
	}
	return shares
}
