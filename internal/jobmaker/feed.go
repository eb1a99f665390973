package jobmaker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Subscriber is the external transport the three upstream streams arrive
// over. A concrete Redis-pub/sub implementation lives in internal/storage
// (storage.JobTopic follows the same Run shape for the job-publication
// side); this is kept as an interface so JobMaker never imports storage
// directly.
type Subscriber interface {
	Run(ctx context.Context, onMessage func([]byte))
}

// rawGbtMessage is the wire shape of one raw-template stream message: an
// opaque envelope carrying a base64-encoded getblocktemplate JSON-RPC
// result, per spec's external-interfaces section.
type rawGbtMessage struct {
	CreatedAtTS        int64  `json:"created_at_ts"`
	GbtHash            string `json:"gbthash"`
	BlockTemplateBase64 string `json:"block_template_base64"`
}

// gbtResult is the decoded getblocktemplate payload embedded in
// rawGbtMessage.BlockTemplateBase64.
type gbtResult struct {
	PreviousBlockHash      string       `json:"previousblockhash"`
	Height                 int64        `json:"height"`
	Version                uint32       `json:"version"`
	Bits                   string       `json:"bits"`
	CurTime                uint32       `json:"curtime"`
	MinTime                uint32       `json:"mintime"`
	CoinbaseValue          int64        `json:"coinbasevalue"`
	Transactions           []gbtTx      `json:"transactions"`
	DefaultWitnessCommit   string       `json:"default_witness_commitment"`
}

type gbtTx struct {
	Data string `json:"data"`
	Hash string `json:"hash"`
}

// auxPowMessage is the wire shape of one aux-pow stream message.
type auxPowMessage struct {
	CreatedAtTS int64  `json:"created_at_ts"`
	Hash        string `json:"hash"`
	MerkleSize  uint32 `json:"merkle_size"`
	MerkleNonce uint32 `json:"merkle_nonce"`
	Height      int64  `json:"height"`
	Bits        string `json:"bits"`
	RPCAddr     string `json:"rpc_addr"`
	RPCUserPass string `json:"rpc_userpass"`
}

// auxPowMaxAgeSeconds rejects aux-pow messages older than this, per §6.
const auxPowMaxAgeSeconds = 60

// RunRawGbtFeed drains sub until ctx is cancelled, decoding each message as
// a raw-template stream entry and handing accepted templates to
// jm.ProcessRawGbt. Malformed messages are logged and dropped; the feed
// never terminates on a bad message.
func (jm *JobMaker) RunRawGbtFeed(ctx context.Context, sub Subscriber) {
	sub.Run(ctx, func(payload []byte) {
		var msg rawGbtMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			jm.logger.Warn("dropping malformed raw-template message", zap.Error(err))
			return
		}
		raw, err := base64.StdEncoding.DecodeString(msg.BlockTemplateBase64)
		if err != nil {
			jm.logger.Warn("dropping raw-template message: bad base64", zap.Error(err))
			return
		}
		var gbt gbtResult
		if err := json.Unmarshal(raw, &gbt); err != nil {
			jm.logger.Warn("dropping raw-template message: bad getblocktemplate json", zap.Error(err))
			return
		}
		bits, err := parseHexBits(gbt.Bits)
		if err != nil {
			jm.logger.Warn("dropping raw-template message: bad bits field", zap.Error(err))
			return
		}
		txs := make([]TemplateTx, len(gbt.Transactions))
		for i, t := range gbt.Transactions {
			txs[i] = TemplateTx{Data: t.Data, Hash: t.Hash}
		}
		jm.ProcessRawGbt(&RawBlockTemplate{
			GbtHash:           msg.GbtHash,
			CreatedAt:         time.Unix(msg.CreatedAtTS, 0),
			PreviousBlockHash: gbt.PreviousBlockHash,
			Height:            gbt.Height,
			CurTime:           gbt.CurTime,
			MinTime:           gbt.MinTime,
			Bits:              bits,
			Version:           gbt.Version,
			CoinbaseValue:     gbt.CoinbaseValue,
			Transactions:      txs,
			WitnessCommitment: gbt.DefaultWitnessCommit,
		})
	})
}

// RunAuxPowFeed drains sub until ctx is cancelled, decoding each message as
// an aux-pow stream entry and handing accepted work to jm.ProcessAuxPow.
// Messages older than auxPowMaxAgeSeconds are rejected per §6.
func (jm *JobMaker) RunAuxPowFeed(ctx context.Context, sub Subscriber) {
	sub.Run(ctx, func(payload []byte) {
		var msg auxPowMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			jm.logger.Warn("dropping malformed aux-pow message", zap.Error(err))
			return
		}
		age := time.Since(time.Unix(msg.CreatedAtTS, 0))
		if age > auxPowMaxAgeSeconds*time.Second {
			jm.logger.Debug("rejecting aux-pow message: stale", zap.Duration("age", age))
			return
		}
		jm.ProcessAuxPow(AuxBlock{
			ChainID:   auxChainID(msg.RPCAddr),
			Hash:      msg.Hash,
			Target:    msg.Bits,
			CreatedAt: time.Unix(msg.CreatedAtTS, 0),
		})
	})
}

// RunSidechainFeed drains sub until ctx is cancelled, decoding each message
// with initFromGw and handing accepted work to jm.ProcessRskGw.
func (jm *JobMaker) RunSidechainFeed(ctx context.Context, sub Subscriber) {
	sub.Run(ctx, func(payload []byte) {
		gw, err := initFromGw(payload)
		if err != nil {
			jm.logger.Warn("dropping malformed sidechain-work message", zap.Error(err))
			return
		}
		jm.ProcessRskGw(gw)
	})
}

// sidechainGwMessage is the opaque JSON the sidechain-work stream carries;
// initFromGw extracts exactly the fields the Job Maker needs.
type sidechainGwMessage struct {
	BlockHash  string `json:"blockHash"`
	Target     string `json:"target"`
	Fees       string `json:"fees"`
	RPCAddress string `json:"rpcAddress"`
	RPCUserPwd string `json:"rpcUserPwd"`
	NotifyFlag bool   `json:"notifyFlag"`
}

// initFromGw parses one sidechain-work message per the §6 contract.
func initFromGw(payload []byte) (RskGetWork, error) {
	var msg sidechainGwMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return RskGetWork{}, err
	}
	return RskGetWork{
		BlockHash:  msg.BlockHash,
		Target:     msg.Target,
		Fees:       msg.Fees,
		NotifyFlag: msg.NotifyFlag,
		CreatedAt:  time.Now(),
	}, nil
}

// auxChainID derives a stable chain identifier from the aux chain's RPC
// address, since the aux-pow stream does not carry one directly.
func auxChainID(rpcAddr string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(rpcAddr); i++ {
		h ^= uint32(rpcAddr[i])
		h *= 16777619
	}
	return h
}

func parseHexBits(s string) (uint32, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 32)
	return uint32(v), err
}
