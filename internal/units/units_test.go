package units

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ether(t *testing.T, s string) *big.Int {
	t.Helper()
	v, err := ParseEther(s)
	require.NoError(t, err)
	return v
}

func TestParseEther(t *testing.T) {
	cases := map[string]string{
		"1":                    "1000000000000000000",
		"0.5":                  "500000000000000000",
		".25":                  "250000000000000000",
		"4.":                   "4000000000000000000",
		"0":                    "0",
		"000.000":              "0",
		"0.000000000000000001": "1",
		"1.2300":               "1230000000000000000",
		" 2 ":                  "2000000000000000000",
	}
	for in, want := range cases {
		got, err := ParseEther(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got.String(), in)
	}
}

func TestParseEtherRejects(t *testing.T) {
	_, err := ParseEther("")
	assert.ErrorIs(t, err, ErrEmptyAmount)

	for _, in := range []string{".", "-1", "+1", "1e18", "abc", "1.2.3", "0x10", "1,5"} {
		_, err := ParseEther(in)
		assert.ErrorIs(t, err, ErrMalformedAmount, in)
	}

	_, err = ParseEther("0.0000000000000000001")
	assert.ErrorIs(t, err, ErrTooPrecise)
}

func TestFormatEther(t *testing.T) {
	assert.Equal(t, "0", FormatEther(nil))
	assert.Equal(t, "0", FormatEther(big.NewInt(0)))
	assert.Equal(t, "4.5", FormatEther(ether(t, "4.5")))
	assert.Equal(t, "10", FormatEther(ether(t, "10")))
	assert.Equal(t, "0.000000000000000001", FormatEther(big.NewInt(1)))
	assert.Equal(t, "-1.25", FormatEther(new(big.Int).Neg(ether(t, "1.25"))))
}

func TestFormatEtherFixed(t *testing.T) {
	assert.Equal(t, "15.50", FormatEtherFixed(ether(t, "15.5"), 2))
	assert.Equal(t, "0.01", FormatEtherFixed(ether(t, "0.005"), 2))
	assert.Equal(t, "0.00", FormatEtherFixed(ether(t, "0.004999"), 2))
	assert.Equal(t, "-2.35", FormatEtherFixed(new(big.Int).Neg(ether(t, "2.345")), 2))
	assert.Equal(t, "0.00", FormatEtherFixed(new(big.Int).Neg(ether(t, "0.001")), 2))
	assert.Equal(t, "3", FormatEtherFixed(ether(t, "2.5"), 0))
	assert.Equal(t, "0.000000000000000001", FormatEtherFixed(big.NewInt(1), 18))
}

func TestRoundTrip(t *testing.T) {
	for _, s := range []string{"1", "0.1", "123.456789", "0.000000000000000001"} {
		assert.Equal(t, s, FormatEther(ether(t, s)))
	}
}
