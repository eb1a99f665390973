package chainops

import "strings"

// Dialect identifies which wire variant a session speaks, selected once at
// subscribe time by protocol sniff and held for the session's lifetime.
type Dialect int

const (
	DialectSHA256 Dialect = iota
	DialectEth
	DialectNicehash
	DialectEthproxy
)

func (d Dialect) String() string {
	switch d {
	case DialectSHA256:
		return "sha256"
	case DialectEth:
		return "eth"
	case DialectNicehash:
		return "nicehash"
	case DialectEthproxy:
		return "ethproxy"
	default:
		return "unknown"
	}
}

// SniffEthSubscribe inspects the second mining.subscribe argument (the
// "minerUserAgent"/protocol-hint slot some ETH miners put a protocol string
// in) and decides between the generic ETH Stratum dialect and NiceHash's
// EthereumStratum/1.0.0 variant. SHA256 sessions never call this; dialect
// selection for them is unconditional.
func SniffEthSubscribe(secondParam string) Dialect {
	if strings.HasPrefix(strings.ToLower(secondParam), "ethereumstratum/") {
		return DialectNicehash
	}
	return DialectEth
}
