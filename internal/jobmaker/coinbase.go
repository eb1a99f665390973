package jobmaker

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/lodestar-pool/stratum-core/pkg/crypto"
)

// COINBASE_TX_MAX_SIZE bounds the assembled coinbase transaction; exceeding
// it means the pool tag, merge-mining tag, or sidechain tag grew too large
// for a standard relay policy and is a structural bug, not a recoverable
// condition.
const coinbaseTxMaxSize = 1000

// extraNoncePlaceholderSize is the width, in bytes, reserved in the
// coinbase scriptSig for the session-assigned extraNonce1 || extraNonce2.
const extraNoncePlaceholderSize = 12

// mergeMiningMagic marks the start of the AuxPow merkle commitment in the
// coinbase scriptSig.
var mergeMiningMagic = []byte{0xFA, 0xBE, 0x6D, 0x6D}

// rskTag prefixes the sidechain commitment the same way RSK nodes expect.
const rskTag = "RSKBLOCK:"

// coinbaseParts is coinbase1 || extraNonce1 || extraNonce2 || coinbase2.
type coinbaseParts struct {
	Coinbase1 string
	Coinbase2 string
}

// buildCoinbase assembles the two coinbase halves around the extraNonce
// placeholder, encoding height per BIP34 and appending any merge-mining or
// sidechain tags. Panics if the scriptSig would exceed 100 bytes or the
// result would exceed coinbaseTxMaxSize: the only failure modes that are a
// caller bug rather than a live-upstream condition.
func buildCoinbase(height int64, value int64, poolTag string, auxRoot []byte, auxMerkleSize, auxMerkleNonce uint32, sidechainHash []byte) coinbaseParts {
	heightScript := bip34HeightScript(height)

	scriptSigPrefix := make([]byte, 0, len(heightScript)+len(poolTag))
	scriptSigPrefix = append(scriptSigPrefix, heightScript...)
	scriptSigPrefix = append(scriptSigPrefix, []byte(poolTag)...)

	var scriptSigSuffix []byte
	if len(auxRoot) > 0 {
		scriptSigSuffix = append(scriptSigSuffix, mergeMiningMagic...)
		scriptSigSuffix = append(scriptSigSuffix, auxRoot...)
		var sizeNonce [8]byte
		binary.LittleEndian.PutUint32(sizeNonce[0:4], auxMerkleSize)
		binary.LittleEndian.PutUint32(sizeNonce[4:8], auxMerkleNonce)
		scriptSigSuffix = append(scriptSigSuffix, sizeNonce[:]...)
	}
	if len(sidechainHash) > 0 {
		scriptSigSuffix = append(scriptSigSuffix, []byte(rskTag)...)
		scriptSigSuffix = append(scriptSigSuffix, sidechainHash...)
	}

	tx1 := txVersionAndInputPrefix()
	scriptSigLen := len(scriptSigPrefix) + extraNoncePlaceholderSize + len(scriptSigSuffix)
	const scriptSigMaxSize = 100
	if scriptSigLen > scriptSigMaxSize {
		panic(fmt.Sprintf("jobmaker: coinbase scriptSig size %d exceeds max %d", scriptSigLen, scriptSigMaxSize))
	}
	tx1 = append(tx1, encodeVarInt(uint64(scriptSigLen))...)
	tx1 = append(tx1, scriptSigPrefix...)

	tx2 := append([]byte{}, scriptSigSuffix...)
	tx2 = append(tx2, txSequenceAndOutputs(value)...)

	if len(tx1)+extraNoncePlaceholderSize+len(tx2) > coinbaseTxMaxSize {
		panic(fmt.Sprintf("jobmaker: coinbase size %d exceeds max %d", len(tx1)+extraNoncePlaceholderSize+len(tx2), coinbaseTxMaxSize))
	}

	return coinbaseParts{
		Coinbase1: hex.EncodeToString(tx1),
		Coinbase2: hex.EncodeToString(tx2),
	}
}

// bip34HeightScript encodes height as a minimally-sized little-endian
// pushdata, per BIP34's coinbase height commitment.
func bip34HeightScript(height int64) []byte {
	if height < 0 {
		panic("jobmaker: negative height cannot be BIP34-encoded")
	}
	var b []byte
	h := uint64(height)
	for h > 0 {
		b = append(b, byte(h&0xff))
		h >>= 8
	}
	if len(b) == 0 {
		b = []byte{0x00}
	}
	// If the high bit of the last byte is set, push a zero byte to keep the
	// value from being interpreted as negative.
	if b[len(b)-1]&0x80 != 0 {
		b = append(b, 0x00)
	}
	return append([]byte{byte(len(b))}, b...)
}

func encodeVarInt(v uint64) []byte {
	switch {
	case v < 0xfd:
		return []byte{byte(v)}
	case v <= 0xffff:
		buf := make([]byte, 3)
		buf[0] = 0xfd
		binary.LittleEndian.PutUint16(buf[1:], uint16(v))
		return buf
	case v <= 0xffffffff:
		buf := make([]byte, 5)
		buf[0] = 0xfe
		binary.LittleEndian.PutUint32(buf[1:], uint32(v))
		return buf
	default:
		buf := make([]byte, 9)
		buf[0] = 0xff
		binary.LittleEndian.PutUint64(buf[1:], v)
		return buf
	}
}

func txVersionAndInputPrefix() []byte {
	buf := make([]byte, 0, 4+1+1+32+4)
	buf = append(buf, 0x01, 0x00, 0x00, 0x00) // version
	buf = append(buf, 0x01)                   // input count
	buf = append(buf, make([]byte, 32)...)    // prevout hash (null)
	buf = append(buf, 0xff, 0xff, 0xff, 0xff) // prevout index
	return buf
}

func txSequenceAndOutputs(value int64) []byte {
	buf := make([]byte, 0, 4+1+8+1+4)
	buf = append(buf, 0xff, 0xff, 0xff, 0xff) // sequence
	buf = append(buf, 0x01)                   // output count
	var amount [8]byte
	binary.LittleEndian.PutUint64(amount[:], uint64(value))
	buf = append(buf, amount[:]...)
	buf = append(buf, 0x00) // empty scriptPubKey, published as-is in coinbase2
	buf = append(buf, 0x00, 0x00, 0x00, 0x00) // locktime
	return buf
}

// merkleBranch returns the sibling-hash path a miner needs to recompute the
// block's merkle root from a new coinbase hash, given the template's
// non-coinbase transaction hashes in RPC (big-endian display) order. The
// coinbase slot is tracked as a nil placeholder at index 0 and is never
// dereferenced, so the branch can be precomputed before any session-specific
// coinbase exists.
func merkleBranch(txHashesHex []string) ([]string, error) {
	pc := make([][]byte, 1, len(txHashesHex)+1) // pc[0]: coinbase placeholder, never read
	for _, h := range txHashesHex {
		raw, err := hex.DecodeString(h)
		if err != nil {
			return nil, fmt.Errorf("jobmaker: decode tx hash %q: %w", h, err)
		}
		pc = append(pc, crypto.ReverseBytes(raw))
	}

	var steps [][]byte
	txc := len(pc)
	for txc > 1 {
		steps = append(steps, pc[1])
		if txc%2 == 1 {
			pc = append(pc, pc[len(pc)-1])
		}
		ntxc := (txc + 1) / 2
		for i := 1; i < ntxc; i++ {
			combined := append(append([]byte{}, pc[2*i]...), pc[2*i+1]...)
			pc[i] = crypto.DoubleSHA256(combined)
		}
		pc = pc[:ntxc]
		txc = ntxc
	}

	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = hex.EncodeToString(s)
	}
	return out, nil
}
