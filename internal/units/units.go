package units

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// Decimals is the number of fractional digits between wei and ether.
const Decimals = 18

// Wei is 10^18, the number of wei in one ether.
var Wei = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)

var (
	ErrEmptyAmount     = errors.New("amount is empty")
	ErrMalformedAmount = errors.New("amount is not a decimal number")
	ErrTooPrecise      = errors.New("amount has more than 18 decimal places")
)

// ParseEther converts a decimal ether string such as "0.25" into wei.
// Only plain unsigned decimal notation is accepted.
func ParseEther(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrEmptyAmount
	}

	whole, frac, hasDot := strings.Cut(s, ".")
	if hasDot && whole == "" && frac == "" {
		return nil, ErrMalformedAmount
	}
	if !digitsOnly(whole) || !digitsOnly(frac) {
		return nil, fmt.Errorf("%w: %q", ErrMalformedAmount, s)
	}
	frac = strings.TrimRight(frac, "0")
	if len(frac) > Decimals {
		return nil, ErrTooPrecise
	}

	digits := whole + frac + strings.Repeat("0", Decimals-len(frac))
	wei, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMalformedAmount, s)
	}
	return wei, nil
}

// FormatEther renders wei as an exact ether decimal with trailing zeros trimmed.
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	sign := ""
	abs := new(big.Int).Set(wei)
	if abs.Sign() < 0 {
		sign = "-"
		abs.Neg(abs)
	}

	q, r := new(big.Int).QuoRem(abs, Wei, new(big.Int))
	if r.Sign() == 0 {
		return sign + q.String()
	}
	frac := leftPad(r.String(), Decimals)
	return sign + q.String() + "." + strings.TrimRight(frac, "0")
}

// FormatEtherFixed renders wei with exactly places fractional digits,
// rounding half away from zero.
func FormatEtherFixed(wei *big.Int, places int) string {
	if places < 0 {
		places = 0
	}
	if places > Decimals {
		places = Decimals
	}
	if wei == nil {
		wei = new(big.Int)
	}

	sign := ""
	abs := new(big.Int).Set(wei)
	if abs.Sign() < 0 {
		sign = "-"
		abs.Neg(abs)
	}

	step := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(Decimals-places)), nil)
	half := new(big.Int).Rsh(step, 1)
	scaled, rem := new(big.Int).QuoRem(abs, step, new(big.Int))
	if step.Cmp(big.NewInt(1)) > 0 && rem.Cmp(half) >= 0 {
		scaled.Add(scaled, big.NewInt(1))
	}
	if scaled.Sign() == 0 {
		sign = ""
	}

	if places == 0 {
		return sign + scaled.String()
	}
	unit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(places)), nil)
	q, r := new(big.Int).QuoRem(scaled, unit, new(big.Int))
	return sign + q.String() + "." + leftPad(r.String(), places)
}

func digitsOnly(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func leftPad(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return strings.Repeat("0", width-len(s)) + s
}
