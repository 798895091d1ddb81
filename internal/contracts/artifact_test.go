package contracts

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultArtifactHasMethods(t *testing.T) {
	art := DefaultArtifact()
	for _, name := range []string{
		MethodGetDescription, MethodShares, MethodGetAccountContribution,
		MethodReleased, MethodTotalReleased, MethodMakePayment, MethodRelease,
	} {
		_, ok := art.ABI.Methods[name]
		assert.True(t, ok, name)
	}
	assert.True(t, art.ABI.Methods[MethodMakePayment].IsPayable())
	assert.Contains(t, art.ABI.Events, EventPaymentReceived)
	assert.Contains(t, art.ABI.Events, EventPaymentReleased)
}

func TestParseArtifactNetworks(t *testing.T) {
	raw := []byte(`{
		"contractName": "SolidarityEconomy",
		"networks": {
			"42": {"address": "0x1111111111111111111111111111111111111111"},
			"4": {"address": "not-an-address"}
		}
	}`)
	art, err := ParseArtifact(raw)
	require.NoError(t, err)

	addr, ok := art.AddressFor(big.NewInt(42))
	require.True(t, ok)
	assert.Equal(t, "0x1111111111111111111111111111111111111111", addr.Hex())

	_, ok = art.AddressFor(big.NewInt(4))
	assert.False(t, ok)
	_, ok = art.AddressFor(big.NewInt(1))
	assert.False(t, ok)
	_, ok = art.AddressFor(nil)
	assert.False(t, ok)
}

func TestLoadArtifactWithABI(t *testing.T) {
	path := filepath.Join(t.TempDir(), "SolidarityEconomy.json")
	body := `{"abi":[{"type":"function","name":"totalReleased","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]}],"networks":{}}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	art, err := LoadArtifact(path)
	require.NoError(t, err)
	assert.Len(t, art.ABI.Methods, 1)
	assert.Equal(t, "SolidarityEconomy", art.ContractName)
}

func TestParseArtifactRejectsGarbage(t *testing.T) {
	_, err := ParseArtifact([]byte(`{"abi": 7}`))
	assert.Error(t, err)
}
