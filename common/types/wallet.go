package types

import (
	"encoding/json"
	"fmt"
)

// Wallet holds a public address together with its transiently derived
// private key. The key exists only in memory between derivation and signing;
// it is never persisted, and every textual representation of the wallet
// redacts it.
type Wallet struct {
	address    string
	privateKey []byte
}

// NewWallet creates a wallet from an address and raw private key bytes.
func NewWallet(address string, privateKey []byte) *Wallet {
	return &Wallet{
		address:    address,
		privateKey: privateKey,
	}
}

// Address returns the wallet's public address.
func (w *Wallet) Address() string {
	return w.address
}

// PrivateKey returns the raw private key bytes. Use with extreme caution;
// callers must not log, persist, or copy the slice beyond signing.
func (w *Wallet) PrivateKey() []byte {
	return w.privateKey
}

// Wipe zeroes the private key. Callers should defer this immediately after
// derivation.
func (w *Wallet) Wipe() {
	for i := range w.privateKey {
		w.privateKey[i] = 0
	}
	w.privateKey = nil
}

// String returns a redacted representation that never includes the key.
func (w *Wallet) String() string {
	return fmt.Sprintf("Wallet{%s}", w.address)
}

// GoString returns a redacted representation for %#v formatting.
func (w *Wallet) GoString() string {
	return w.String()
}

// MarshalJSON serializes only the address, never the private key.
func (w *Wallet) MarshalJSON() ([]byte, error) {
	return json.Marshal(w.address)
}
