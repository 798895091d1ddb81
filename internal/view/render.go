package view

import (
	"fmt"
	"io"
	"strings"

	"solidarity/internal/units"
)

// ConnectBanner is shown while no session exists.
const ConnectBanner = "Connect to your wallet."

// Page is everything the text renderer shows.
type Page struct {
	Connected      bool
	Banner         string
	Account        string
	Description    string
	View           View
	PaymentPending bool
	ReleasePending bool
}

// Render writes the panels of p to w.
func Render(w io.Writer, p Page) error {
	var b strings.Builder

	b.WriteString("Solidarity Economy\n")
	if !p.Connected {
		banner := p.Banner
		if banner == "" {
			banner = ConnectBanner
		}
		fmt.Fprintf(&b, "\n%s\n", banner)
		_, err := io.WriteString(w, b.String())
		return err
	}

	v := p.View
	if p.Account != "" {
		fmt.Fprintf(&b, "Account: %s\n", p.Account)
	}
	if p.Description != "" {
		fmt.Fprintf(&b, "\n  %s\n", p.Description)
	}

	b.WriteString("\nBalances\n")
	fmt.Fprintf(&b, "  Current balance: %s ETH\n", units.FormatEther(v.ContractBalance))
	fmt.Fprintf(&b, "  Total released: %s ETH\n", units.FormatEther(v.TotalReleased))
	fmt.Fprintf(&b, "  Total contributed: %s ETH\n", units.FormatEtherFixed(v.TotalContributed, 2))

	if p.PaymentPending {
		b.WriteString("\nPayment pending...\n")
	}

	if v.IsPayee {
		b.WriteString("\nPayee\n")
		fmt.Fprintf(&b, "  Your share is %d%% of total contributions and you have currently withdrawn %s ETH.\n",
			v.Shares, units.FormatEther(v.AmountReleased))
		switch {
		case p.ReleasePending:
			b.WriteString("  Withdrawal pending...\n")
		case v.CanWithdraw:
			fmt.Fprintf(&b, "  You can withdraw %s ETH. Run `release` to release all funds.\n", units.FormatEther(v.Withdrawable))
		default:
			b.WriteString("  You have already withdrawn your shares.\n")
		}
	}

	if v.IsContributor {
		b.WriteString("\nContributor\n")
		fmt.Fprintf(&b, "  You have contributed %s ETH\n", units.FormatEther(v.Contribution))
	}

	_, err := io.WriteString(w, b.String())
	return err
}
