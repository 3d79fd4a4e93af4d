package types

// NativeToken is the identifier used for a chain's native asset.
const NativeToken = "native"

// TokenIdentifier identifies an asset on a chain: either the native asset
// or a token contract address.
type TokenIdentifier struct {
	// Address is the token contract address, empty for the native asset.
	Address string
}

// Native returns the identifier for a chain's native asset.
func Native() TokenIdentifier {
	return TokenIdentifier{}
}

// Token returns the identifier for a token at the given contract address.
func Token(address string) TokenIdentifier {
	return TokenIdentifier{Address: address}
}

// ParseToken is the inverse of String.
func ParseToken(s string) TokenIdentifier {
	if s == NativeToken || s == "" {
		return Native()
	}
	return TokenIdentifier{Address: s}
}

// IsNative reports whether the identifier refers to the native asset.
func (t TokenIdentifier) IsNative() bool {
	return t.Address == ""
}

// String converts TokenIdentifier to string representation.
func (t TokenIdentifier) String() string {
	if t.IsNative() {
		return NativeToken
	}
	return t.Address
}
