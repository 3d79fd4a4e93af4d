package types

// ChainType represents supported blockchain families.
type ChainType string

const (
	// BITCOIN represents the Bitcoin chain family.
	BITCOIN ChainType = "BITCOIN"
	// ETHEREUM represents EVM based chains (e.g. Ethereum, Base, Arbitrum, etc.)
	ETHEREUM ChainType = "ETHEREUM"
	// UNKNOWN represents unknown or unsupported chain type in the system.
	UNKNOWN ChainType = "UNKNOWN"
)

// String converts ChainType to string representation
func (t ChainType) String() string {
	return string(t)
}

// ParseChainType converts string to ChainType representation.
func ParseChainType(s string) ChainType {
	switch s {
	case BITCOIN.String():
		return BITCOIN
	case ETHEREUM.String():
		return ETHEREUM
	default:
		return UNKNOWN
	}
}
