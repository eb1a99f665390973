package bigmath

import (
	"math/big"
	"testing"
)

func TestEthDifficultyTargetRoundtrip(t *testing.T) {
	cases := []int64{1, 2, 3, 16, 1000, 1 << 20, 123456789}
	for _, d := range cases {
		diff := big.NewInt(d)
		target := Eth_DifficultyToTarget(diff)
		got := Eth_TargetToDifficulty(target)
		if got.Cmp(diff) != 0 {
			t.Errorf("roundtrip failed for difficulty %d: got %s", d, got.String())
		}
	}
}

func TestNBitsTargetRoundtrip(t *testing.T) {
	cases := []uint32{0x1d00ffff, 0x1b0404cb, 0x207fffff}
	for _, bits := range cases {
		target := NBitsToTarget(bits)
		got := TargetToNBits(target)
		if got != bits {
			t.Errorf("roundtrip failed for bits %08x: got %08x", bits, got)
		}
	}
}

func TestDifficultyToTargetBaseline(t *testing.T) {
	target := DifficultyToTarget(big.NewRat(1, 1))
	diff := TargetToDifficulty(target)
	if diff.Cmp(big.NewRat(1, 1)) != 0 {
		t.Errorf("difficulty 1 roundtrip mismatch: got %s", diff.String())
	}
}

func TestNicehashDiffScaling(t *testing.T) {
	d := new(big.Int).Lsh(big.NewInt(1), 40)
	got := Eth_DiffToNicehashDiff(d)
	want := new(big.Int).Lsh(big.NewInt(1), 8)
	if got.Cmp(want) != 0 {
		t.Errorf("nicehash scaling mismatch: got %s want %s", got.String(), want.String())
	}
}
