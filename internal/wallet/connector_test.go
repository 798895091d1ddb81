package wallet_test

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"solidarity/internal/chaintest"
	"solidarity/internal/contracts"
	"solidarity/internal/wallet"
)

func newConnector(backend *chaintest.Backend, signer wallet.Signer, mutate func(*wallet.ConnectorConfig)) *wallet.Connector {
	cfg := wallet.ConnectorConfig{
		RPCURL:       "http://node.test",
		PollInterval: 5 * time.Millisecond,
		Dial: func(context.Context, string) (wallet.Backend, error) {
			return backend, nil
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return wallet.NewConnector(cfg, signer)
}

func TestConnectNoProvider(t *testing.T) {
	backend := chaintest.NewBackend(contracts.DefaultArtifact().ABI, 42)

	_, err := newConnector(backend, chaintest.NewSigner(1), func(c *wallet.ConnectorConfig) { c.RPCURL = "" }).
		Connect(context.Background())
	assert.ErrorIs(t, err, wallet.ErrNoProvider)

	_, err = newConnector(backend, nil, nil).Connect(context.Background())
	assert.ErrorIs(t, err, wallet.ErrNoProvider)

	dialErr := errors.New("connection refused")
	_, err = newConnector(backend, chaintest.NewSigner(1), func(c *wallet.ConnectorConfig) {
		c.Dial = func(context.Context, string) (wallet.Backend, error) { return nil, dialErr }
	}).Connect(context.Background())
	assert.ErrorIs(t, err, wallet.ErrNoProvider)
	assert.ErrorIs(t, err, dialErr)

	_, err = newConnector(backend, chaintest.NewSigner(0), nil).Connect(context.Background())
	assert.ErrorIs(t, err, wallet.ErrNoProvider)
	assert.Equal(t, 1, backend.Closed(), "backend released after failed open")

	var connErr *wallet.ConnectionError
	assert.ErrorAs(t, err, &connErr)
}

func TestConnectNetworkMismatch(t *testing.T) {
	backend := chaintest.NewBackend(contracts.DefaultArtifact().ABI, 4)
	_, err := newConnector(backend, chaintest.NewSigner(1), func(c *wallet.ConnectorConfig) {
		c.ExpectedChainID = big.NewInt(42)
	}).Connect(context.Background())
	assert.ErrorIs(t, err, wallet.ErrNetworkMismatch)
}

func TestConnectSelectsAccount(t *testing.T) {
	defer goleak.VerifyNone(t)

	backend := chaintest.NewBackend(contracts.DefaultArtifact().ABI, 42)
	signer := chaintest.NewSigner(3)
	accounts := signer.Accounts()

	sess, err := newConnector(backend, signer, nil).Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, accounts[0], sess.Address())
	assert.Equal(t, int64(42), sess.ChainID().Int64())
	assert.Equal(t, int64(42), sess.NetworkID().Int64())
	sess.Close()

	sess, err = newConnector(backend, signer, func(c *wallet.ConnectorConfig) {
		c.PreferredAccount = accounts[2]
	}).Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, accounts[2], sess.Address())

	opts, err := sess.Transactor(context.Background())
	require.NoError(t, err)
	assert.Equal(t, accounts[2], opts.From)
	sess.Close()
	sess.Close()

	_, err = newConnector(backend, signer, func(c *wallet.ConnectorConfig) {
		c.PreferredAccount = common.HexToAddress("0x000000000000000000000000000000000000dEaD")
	}).Connect(context.Background())
	assert.ErrorIs(t, err, wallet.ErrNoProvider)
}

func TestSessionReportsChainChange(t *testing.T) {
	defer goleak.VerifyNone(t)

	backend := chaintest.NewBackend(contracts.DefaultArtifact().ABI, 42)
	sess, err := newConnector(backend, chaintest.NewSigner(1), nil).Connect(context.Background())
	require.NoError(t, err)
	defer sess.Close()

	backend.SetChainID(4)

	select {
	case ch := <-sess.Changes():
		assert.Equal(t, wallet.ChainChanged, ch.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("no chain change reported")
	}
}

func TestSessionReportsAccountChange(t *testing.T) {
	defer goleak.VerifyNone(t)

	backend := chaintest.NewBackend(contracts.DefaultArtifact().ABI, 42)
	signer := chaintest.NewSigner(2)
	sess, err := newConnector(backend, signer, nil).Connect(context.Background())
	require.NoError(t, err)
	defer sess.Close()

	signer.Touch()
	select {
	case <-sess.Changes():
		t.Fatal("unchanged account set must not end the session")
	case <-time.After(50 * time.Millisecond):
	}

	signer.Rotate()
	select {
	case ch := <-sess.Changes():
		assert.Equal(t, wallet.AccountsChanged, ch.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("no account change reported")
	}
}

func TestKeySigner(t *testing.T) {
	signer, err := wallet.NewKeySigner("0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	require.NoError(t, err)
	require.Len(t, signer.Accounts(), 1)
	assert.Equal(t, "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23", signer.Accounts()[0].Hex())
	assert.Nil(t, signer.Subscribe(make(chan struct{})))

	_, err = signer.Transactor(common.Address{}, big.NewInt(1))
	assert.Error(t, err)

	_, err = wallet.NewKeySigner("not-hex")
	assert.Error(t, err)
}
