package view

import (
	"math/big"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solidarity/internal/balance"
	"solidarity/internal/units"
)

func eth(t *testing.T, s string) *big.Int {
	t.Helper()
	v, err := units.ParseEther(s)
	require.NoError(t, err)
	return v
}

func snapshot(t *testing.T, shares uint64, contribution, released, bal, total string) *balance.Snapshot {
	return &balance.Snapshot{
		Shares:          shares,
		Contribution:    eth(t, contribution),
		AmountReleased:  eth(t, released),
		ContractBalance: eth(t, bal),
		TotalReleased:   eth(t, total),
	}
}

func TestTotalContributed(t *testing.T) {
	for _, tc := range []struct{ bal, total, want string }{
		{"0", "0", "0"},
		{"10", "0", "10"},
		{"5.5", "4.5", "10"},
		{"0.000000000000000001", "0.1", "0.100000000000000001"},
	} {
		got := TotalContributed(eth(t, tc.bal), eth(t, tc.total))
		assert.Equal(t, tc.want, units.FormatEther(got))
	}
}

func TestWithdrawableFormula(t *testing.T) {
	for _, tc := range []struct {
		shares                     uint64
		bal, total, released, want string
		canWithdraw                bool
	}{
		{45, "10", "0", "0", "4.5", true},
		{45, "5.5", "4.5", "4.5", "0", false},
		{10, "3", "7", "0.5", "0.5", true},
		{0, "10", "0", "0", "0", false},
		{100, "1", "0", "0", "1", true},
		{55, "0", "0", "0", "0", false},
	} {
		snap := snapshot(t, tc.shares, "0", tc.released, tc.bal, tc.total)
		v := Compute(snap)
		assert.Equal(t, tc.want, units.FormatEther(v.Withdrawable), "%+v", tc)
		assert.Equal(t, tc.canWithdraw, v.CanWithdraw, "%+v", tc)
	}
}

func TestWithdrawableCanBeNegative(t *testing.T) {
	v := Compute(snapshot(t, 10, "0", "2", "5", "5"))
	assert.Equal(t, "-1", units.FormatEther(v.Withdrawable))
	assert.False(t, v.CanWithdraw)
}

func TestReleaseScenario(t *testing.T) {
	before := Compute(snapshot(t, 45, "0", "0", "10", "0"))
	assert.Equal(t, "4.5", units.FormatEther(before.Withdrawable))
	assert.True(t, before.CanWithdraw)

	after := Compute(snapshot(t, 45, "0", "4.5", "5.5", "4.5"))
	assert.Zero(t, after.Withdrawable.Sign())
	assert.False(t, after.CanWithdraw)

	released := new(big.Int).Sub(after.AmountReleased, before.AmountReleased)
	dropped := new(big.Int).Sub(before.Withdrawable, after.Withdrawable)
	assert.Equal(t, released.String(), dropped.String())

	// a refresh that has not yet picked up the new totalReleased still
	// suppresses the withdraw action
	stale := Compute(snapshot(t, 45, "0", "4.5", "5.5", "0"))
	assert.False(t, stale.CanWithdraw)
}

func TestRolePredicates(t *testing.T) {
	v := Compute(snapshot(t, 0, "3", "0", "3", "0"))
	assert.False(t, v.IsPayee)
	assert.True(t, v.IsContributor)
	assert.Equal(t, LayoutHalf, v.Layout)

	v = Compute(snapshot(t, 45, "1", "0", "1", "0"))
	assert.True(t, v.IsPayee)
	assert.True(t, v.IsContributor)
	assert.Equal(t, LayoutFull, v.Layout)

	v = Compute(snapshot(t, 0, "0", "0", "1", "0"))
	assert.False(t, v.IsPayee)
	assert.False(t, v.IsContributor)
}

func TestComputeNilSnapshot(t *testing.T) {
	got := Compute(nil)
	want := View{
		Contribution:     new(big.Int),
		AmountReleased:   new(big.Int),
		ContractBalance:  new(big.Int),
		TotalReleased:    new(big.Int),
		TotalContributed: new(big.Int),
		Withdrawable:     new(big.Int),
		Layout:           LayoutHalf,
	}
	if diff := cmp.Diff(want, got, cmp.Comparer(func(a, b *big.Int) bool { return a.Cmp(b) == 0 })); diff != "" {
		t.Fatalf("view mismatch (-want +got):\n%s", diff)
	}
}

func TestRenderContributorOnly(t *testing.T) {
	var out strings.Builder
	err := Render(&out, Page{
		Connected:   true,
		Description: "Example description",
		View:        Compute(snapshot(t, 0, "3", "0", "3", "0")),
	})
	require.NoError(t, err)

	text := out.String()
	assert.Contains(t, text, "Example description")
	assert.Contains(t, text, "Total contributed: 3.00 ETH")
	assert.Contains(t, text, "You have contributed 3 ETH")
	assert.NotContains(t, text, "Payee")
}

func TestRenderPayeePanels(t *testing.T) {
	var out strings.Builder
	require.NoError(t, Render(&out, Page{Connected: true, View: Compute(snapshot(t, 45, "0", "0", "10", "0"))}))
	assert.Contains(t, out.String(), "Your share is 45%")
	assert.Contains(t, out.String(), "You can withdraw 4.5 ETH")
	assert.NotContains(t, out.String(), "Contributor")

	out.Reset()
	require.NoError(t, Render(&out, Page{Connected: true, View: Compute(snapshot(t, 45, "0", "4.5", "5.5", "4.5"))}))
	assert.Contains(t, out.String(), "You have already withdrawn your shares.")

	out.Reset()
	require.NoError(t, Render(&out, Page{
		Connected:      true,
		ReleasePending: true,
		View:           Compute(snapshot(t, 45, "0", "0", "10", "0")),
	}))
	assert.Contains(t, out.String(), "Withdrawal pending...")
	assert.NotContains(t, out.String(), "You can withdraw")
}

func TestRenderBanner(t *testing.T) {
	var out strings.Builder
	require.NoError(t, Render(&out, Page{}))
	assert.Contains(t, out.String(), ConnectBanner)

	out.Reset()
	require.NoError(t, Render(&out, Page{Banner: "contract not deployed on the current network"}))
	assert.Contains(t, out.String(), "contract not deployed")
}
