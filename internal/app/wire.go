package app

import (
	"fmt"

	"go.uber.org/zap"

	"solidarity/internal/config"
	"solidarity/internal/metrics"
	"solidarity/internal/wallet"
)

// NewSigner picks the local signer described by cfg.
func NewSigner(cfg config.WalletConfig) (wallet.Signer, error) {
	switch {
	case cfg.PrivateKey != "":
		s, err := wallet.NewKeySigner(cfg.PrivateKey)
		if err != nil {
			return nil, err
		}
		return s, nil
	case cfg.KeystoreDir != "":
		s, err := wallet.NewKeystoreSigner(cfg.KeystoreDir, cfg.KeystorePassphrase)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, nil
	}
}

// FromConfig builds a Runner. A missing signer is not an error here; the
// runner reports it as a connection failure like any other.
func FromConfig(cfg *config.AppConfig, log *zap.Logger, m *metrics.Registry) (*Runner, error) {
	signer, err := NewSigner(cfg.Wallet)
	if err != nil {
		return nil, fmt.Errorf("wallet signer: %w", err)
	}

	connector := wallet.NewConnector(wallet.ConnectorConfig{
		RPCURL:           cfg.Chain.RPCURL,
		PreferredAccount: cfg.Wallet.Account,
		ExpectedChainID:  cfg.Chain.ExpectedChainID,
		PollInterval:     cfg.Chain.PollInterval,
		Logger:           log,
	}, signer)

	return NewRunner(Config{
		Connector:         connector,
		Artifact:          cfg.Artifact,
		ContractAddress:   cfg.Chain.ContractAddress,
		PollInterval:      cfg.Chain.PollInterval,
		ReconnectInterval: cfg.Chain.ReconnectInterval,
		Logger:            log,
		Metrics:           m,
	}), nil
}
