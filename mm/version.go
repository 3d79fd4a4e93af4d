package mm

import "strings"

// ProtocolVersion is the protocol version this server speaks. Versions are
// compatible when their major components match.
const ProtocolVersion = "1.0.0"

// CompatibleVersion reports whether a peer version can interoperate with
// ProtocolVersion.
//
// Parameters:
// - version: the peer protocol version string.
//
// Returns:
// - bool: true if the major versions match.
func CompatibleVersion(version string) bool {
	peer := strings.SplitN(version, ".", 2)[0]
	own := strings.SplitN(ProtocolVersion, ".", 2)[0]

	return peer != "" && peer == own
}
