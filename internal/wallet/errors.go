package wallet

import (
	"errors"
	"fmt"
)

var (
	ErrNoProvider          = errors.New("no wallet provider available")
	ErrContractNotDeployed = errors.New("contract not deployed on the current network")
	ErrNetworkMismatch     = errors.New("wallet is connected to an unexpected network")
)

// ConnectionError is fatal to session establishment.
type ConnectionError struct {
	Reason error
	Err    error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return e.Reason.Error()
	}
	return fmt.Sprintf("%v: %v", e.Reason, e.Err)
}

// Unwrap exposes both the reason sentinel and the underlying cause.
func (e *ConnectionError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Reason}
	}
	return []error{e.Reason, e.Err}
}

func NewConnectionError(reason, err error) error {
	return &ConnectionError{Reason: reason, Err: err}
}
