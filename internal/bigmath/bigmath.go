// Package bigmath provides exact arbitrary-precision target/difficulty
// conversions shared by the SHA256 and Ethereum chain modules.
//
// The float64 approximations in pkg/crypto and internal/protocol are kept for
// the display-only share-difficulty path; this package backs every
// conversion the test suite treats as an exact round-trip.
package bigmath

import "math/big"

var (
	// sha256Diff1Target is the Bitcoin pool-difficulty-1 target:
	// 0x00000000FFFF0000000000000000000000000000000000000000000000000000
	sha256Diff1Target = func() *big.Int {
		t, _ := new(big.Int).SetString("00000000FFFF0000000000000000000000000000000000000000000000000000", 16)
		return t
	}()

	// ethDiff1Target is 2^256, the Ethereum difficulty-1 target.
	ethDiff1Target = new(big.Int).Lsh(big.NewInt(1), 256)

	bigOne = big.NewInt(1)
)

// DifficultyToTarget converts a SHA256 pool difficulty to a 256-bit target,
// returned as a 32-byte big-endian slice. Difficulty <= 0 is treated as 1.
func DifficultyToTarget(difficulty *big.Rat) []byte {
	if difficulty.Sign() <= 0 {
		difficulty = big.NewRat(1, 1)
	}
	return ratTarget(sha256Diff1Target, difficulty)
}

// TargetToDifficulty converts a 32-byte big-endian target back to a SHA256
// pool difficulty.
func TargetToDifficulty(target []byte) *big.Rat {
	return targetToDiff(sha256Diff1Target, target)
}

// Eth_DifficultyToTarget converts an Ethereum difficulty to its 256-bit
// target (2^256 / difficulty), returned as a 32-byte big-endian slice.
func Eth_DifficultyToTarget(difficulty *big.Int) []byte {
	if difficulty.Sign() <= 0 {
		difficulty = bigOne
	}
	target := new(big.Int).Div(ethDiff1Target, difficulty)
	if target.BitLen() > 256 {
		// 2^256 (difficulty 1) does not fit in 32 bytes; the largest 256-bit
		// value stands in for it so that difficulty 1 still round-trips.
		target.Sub(target, bigOne)
	}
	return padTo32(target)
}

// Eth_TargetToDifficulty inverts Eth_DifficultyToTarget by floor-dividing
// 2^256 by the target. For a target floor(2^256/d) (2^256-1 for d == 1) this
// recovers d exactly for every integer d up to 2^128, which covers the
// difficulties a pool actually issues. A zero target maps to 2^256.
func Eth_TargetToDifficulty(target []byte) *big.Int {
	t := new(big.Int).SetBytes(target)
	if t.Sign() == 0 {
		return new(big.Int).Set(ethDiff1Target)
	}
	diff := new(big.Int).Div(ethDiff1Target, t)
	return diff
}

// Eth_DiffToNicehashDiff rescales an Ethereum difficulty into the units
// NiceHash's EthereumStratum/1.0.0 clients expect: difficulty divided by
// 2^32, floored at 1.
func Eth_DiffToNicehashDiff(difficulty *big.Int) *big.Int {
	scaled := new(big.Int).Rsh(difficulty, 32)
	if scaled.Sign() <= 0 {
		return big.NewInt(1)
	}
	return scaled
}

// NBitsToTarget expands Bitcoin's compact "nBits" representation into a
// 32-byte big-endian target.
func NBitsToTarget(bits uint32) []byte {
	exponent := bits >> 24
	mantissa := new(big.Int).SetUint64(uint64(bits & 0x007fffff))
	if bits&0x00800000 != 0 {
		return make([]byte, 32)
	}

	var target *big.Int
	if exponent <= 3 {
		shift := uint((3 - exponent) * 8)
		target = new(big.Int).Rsh(mantissa, shift)
	} else {
		shift := uint((exponent - 3) * 8)
		target = new(big.Int).Lsh(mantissa, shift)
	}
	return padTo32(target)
}

// TargetToNBits compresses a 32-byte big-endian target into Bitcoin's
// compact "nBits" representation.
func TargetToNBits(target []byte) uint32 {
	t := new(big.Int).SetBytes(target)
	if t.Sign() == 0 {
		return 0
	}

	raw := t.Bytes()
	exponent := uint32(len(raw))

	var mantissa uint32
	padded := make([]byte, 3)
	copy(padded[3-min(3, len(raw)):], raw[:min(3, len(raw))])
	mantissa = uint32(padded[0])<<16 | uint32(padded[1])<<8 | uint32(padded[2])

	if mantissa&0x00800000 != 0 {
		mantissa >>= 8
		exponent++
	}

	return exponent<<24 | mantissa
}

func ratTarget(diff1 *big.Int, difficulty *big.Rat) []byte {
	num := new(big.Int).Mul(diff1, difficulty.Denom())
	target := new(big.Int).Quo(num, difficulty.Num())
	return padTo32(target)
}

func targetToDiff(diff1 *big.Int, target []byte) *big.Rat {
	t := new(big.Int).SetBytes(target)
	if t.Sign() == 0 {
		return new(big.Rat).SetInt64(0)
	}
	return new(big.Rat).SetFrac(diff1, t)
}

func padTo32(v *big.Int) []byte {
	out := make([]byte, 32)
	b := v.Bytes()
	if len(b) > 32 {
		b = b[len(b)-32:]
	}
	copy(out[32-len(b):], b)
	return out
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
