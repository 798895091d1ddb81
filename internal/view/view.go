package view

import (
	"math/big"

	"solidarity/internal/balance"
)

// Layout is the width of the user panels: full when both panels show.
type Layout string

const (
	LayoutHalf Layout = "half"
	LayoutFull Layout = "full"
)

// View holds the values derived from a snapshot. Nothing here is stored;
// it is recomputed on every render.
type View struct {
	Shares           uint64
	Contribution     *big.Int
	AmountReleased   *big.Int
	ContractBalance  *big.Int
	TotalReleased    *big.Int
	TotalContributed *big.Int
	// Withdrawable may be zero or negative.
	Withdrawable  *big.Int
	CanWithdraw   bool
	IsPayee       bool
	IsContributor bool
	Layout        Layout
}

// TotalContributed is everything ever paid in: what the contract holds plus
// what it already paid out.
func TotalContributed(contractBalance, totalReleased *big.Int) *big.Int {
	return new(big.Int).Add(orZero(contractBalance), orZero(totalReleased))
}

// Withdrawable is shares% of the total contributed minus what the payee
// already released, in wei. The division truncates like the contract's own
// PaymentSplitter arithmetic.
func Withdrawable(shares uint64, contractBalance, totalReleased, amountReleased *big.Int) *big.Int {
	due := new(big.Int).Mul(new(big.Int).SetUint64(shares), TotalContributed(contractBalance, totalReleased))
	due.Quo(due, big.NewInt(balance.MaxShares))
	return due.Sub(due, orZero(amountReleased))
}

// Compute derives the view for a snapshot. A nil snapshot yields the view of
// an account with nothing to show.
func Compute(snap *balance.Snapshot) View {
	if snap == nil {
		return View{
			Contribution:     new(big.Int),
			AmountReleased:   new(big.Int),
			ContractBalance:  new(big.Int),
			TotalReleased:    new(big.Int),
			TotalContributed: new(big.Int),
			Withdrawable:     new(big.Int),
			Layout:           LayoutHalf,
		}
	}

	withdrawable := Withdrawable(snap.Shares, snap.ContractBalance, snap.TotalReleased, snap.AmountReleased)
	v := View{
		Shares:           snap.Shares,
		Contribution:     orZero(snap.Contribution),
		AmountReleased:   orZero(snap.AmountReleased),
		ContractBalance:  orZero(snap.ContractBalance),
		TotalReleased:    orZero(snap.TotalReleased),
		TotalContributed: TotalContributed(snap.ContractBalance, snap.TotalReleased),
		Withdrawable:     withdrawable,
		CanWithdraw:      withdrawable.Sign() > 0,
		IsPayee:          snap.Shares > 0,
		IsContributor:    snap.Contribution != nil && snap.Contribution.Sign() > 0,
		Layout:           LayoutHalf,
	}
	if v.IsPayee && v.IsContributor {
		v.Layout = LayoutFull
	}
	return v
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
