package jobmaker

import (
	"encoding/hex"
	"strings"
	"testing"
)

func TestBuildCoinbaseEmbedsHeightAndPoolTag(t *testing.T) {
	parts := buildCoinbase(700000, 5000000000, "/lodestar/", nil, 0, 0, nil)

	raw, err := hex.DecodeString(parts.Coinbase1)
	if err != nil {
		t.Fatalf("coinbase1 must be valid hex: %v", err)
	}
	if !strings.Contains(string(raw), "/lodestar/") {
		t.Fatal("coinbase1 must embed the pool tag")
	}
}

func TestBuildCoinbasePanicsOnOversize(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic when coinbase exceeds the max size")
		}
	}()
	buildCoinbase(1, 1, strings.Repeat("x", coinbaseTxMaxSize), nil, 0, 0, nil)
}

func TestMerkleBranchEmptyForNoTransactions(t *testing.T) {
	branch, err := merkleBranch(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(branch) != 0 {
		t.Fatalf("expected no branch entries for an empty transaction set, got %d", len(branch))
	}
}

func TestMerkleBranchSingleTransaction(t *testing.T) {
	txHash := strings.Repeat("ab", 32)
	branch, err := merkleBranch([]string{txHash})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(branch) != 1 {
		t.Fatalf("expected exactly one branch entry, got %d", len(branch))
	}
}

func TestBip34HeightScript(t *testing.T) {
	script := bip34HeightScript(0)
	if len(script) != 2 || script[0] != 1 || script[1] != 0 {
		t.Fatalf("height 0 must encode as push(1) 0x00, got %x", script)
	}
}
