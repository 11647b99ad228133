package circulation

import (
	"sort"

	"github.com/google/uuid"
)

func toCheckout(r CheckoutRow) Checkout {
	c := Checkout{
		ID:           r.CheckoutID,
		CheckedOutBy: r.BorrowerID,
		CheckedOutAt: r.CheckedOutAt,
		Book: CheckoutBook{
			ID:     r.BookID,
			Title:  r.Title,
			Author: r.Author,
			ISBN:   r.ISBN,
		},
	}
	if r.ReturnedAt != nil {
		returnedAt := *r.ReturnedAt
		c.ReturnedAt = &returnedAt
	}
	return c
}

// assembleUnreturned orders active loans oldest first.
func assembleUnreturned(rows []CheckoutRow) []Checkout {
	sorted := make([]CheckoutRow, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CheckedOutAt.Before(sorted[j].CheckedOutAt)
	})

	out := make([]Checkout, 0, len(sorted))
	for _, r := range sorted {
		out = append(out, toCheckout(r))
	}
	return out
}

// assembleHistory puts the active loan (if any) first, then returned loans
// newest return first. The two reads are not one snapshot, so a loan that was
// returned in between is only listed once, as returned.
func assembleHistory(active *CheckoutRow, returned []CheckoutRow) []Checkout {
	sorted := make([]CheckoutRow, 0, len(returned))
	seen := make(map[uuid.UUID]struct{}, len(returned))
	for _, r := range returned {
		if r.ReturnedAt == nil {
			continue
		}
		sorted = append(sorted, r)
		seen[r.CheckoutID] = struct{}{}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ReturnedAt.After(*sorted[j].ReturnedAt)
	})

	out := make([]Checkout, 0, len(sorted)+1)
	if active != nil {
		if _, dup := seen[active.CheckoutID]; !dup {
			out = append(out, toCheckout(*active))
		}
	}
	for _, r := range sorted {
		out = append(out, toCheckout(r))
	}
	return out
}
