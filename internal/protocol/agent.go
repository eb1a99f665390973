package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Agent sub-protocol exMessage framing: a single TCP session from an
// "agent" multiplexes many downstream miners over one connection using a
// length-prefixed binary frame: magic(1) | command(1) | length(2) | body.
const (
	AgentMagicNumber = 0x7F

	AgentCmdRegisterWorker      = 0x01
	AgentCmdSubmitShare         = 0x02
	AgentCmdSubmitShareWithTime = 0x03
	AgentCmdUnregisterWorker    = 0x04
	AgentCmdMiningSetDiff       = 0x05
	// AgentCmdMiningNotify carries the JSON-encoded mining.notify params
	// the agent must forward verbatim to every downstream virtual miner.
	AgentCmdMiningNotify = 0x06

	// AgentMaxSessionID bounds the per-agent virtual-miner sessionId space.
	// 0xFFFF itself is reserved as the invalid/not-found sentinel, mirroring
	// decodeSessionId's use of AGENT_MAX_SESSION_ID+1 as an out-of-band
	// value in the original implementation.
	AgentMaxSessionID = 0xFFFE
)

// ExMessageHeader is the fixed 4-byte prefix of every agent frame.
type ExMessageHeader struct {
	Magic   uint8
	Command uint8
	Length  uint16 // total frame length, header included
}

// ExMessage is one decoded agent frame: the header plus its body.
type ExMessage struct {
	Command uint8
	Body    []byte
}

// ReadExMessage reads one length-prefixed agent frame from r.
func ReadExMessage(r io.Reader) (*ExMessage, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	if hdr[0] != AgentMagicNumber {
		return nil, fmt.Errorf("protocol: bad exMessage magic 0x%02x", hdr[0])
	}
	length := binary.LittleEndian.Uint16(hdr[2:4])
	if length < 4 {
		return nil, fmt.Errorf("protocol: exMessage length %d shorter than header", length)
	}
	body := make([]byte, length-4)
	if len(body) > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, err
		}
	}
	return &ExMessage{Command: hdr[1], Body: body}, nil
}

// WriteExMessage serializes and writes one agent frame to w.
func WriteExMessage(w io.Writer, command uint8, body []byte) error {
	length := uint16(4 + len(body))
	hdr := [4]byte{AgentMagicNumber, command, 0, 0}
	binary.LittleEndian.PutUint16(hdr[2:4], length)
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return err
		}
	}
	return nil
}

// AgentSubmitShare is the decoded body of a SubmitShare/SubmitShareWithTime
// frame: a 1-byte rotating jobId and a 2-byte virtual sessionId identify
// which downstream miner and local job the share belongs to.
type AgentSubmitShare struct {
	SessionID   uint16
	ShortJobID  uint8
	ExtraNonce2 uint32
	NTime       uint32 // only set for SubmitShareWithTime; caller substitutes job nTime otherwise
	Nonce       uint32
	HasNTime    bool
}

// DecodeAgentSubmitShare parses a SubmitShare/SubmitShareWithTime body.
func DecodeAgentSubmitShare(cmd uint8, body []byte) (AgentSubmitShare, error) {
	minLen := 11
	if cmd == AgentCmdSubmitShareWithTime {
		minLen = 15
	}
	if len(body) < minLen {
		return AgentSubmitShare{}, fmt.Errorf("protocol: short submit-share body (%d bytes)", len(body))
	}
	s := AgentSubmitShare{
		SessionID:   binary.LittleEndian.Uint16(body[0:2]),
		ShortJobID:  body[2],
		ExtraNonce2: binary.LittleEndian.Uint32(body[3:7]),
		Nonce:       binary.LittleEndian.Uint32(body[7:11]),
	}
	if cmd == AgentCmdSubmitShareWithTime {
		s.NTime = binary.LittleEndian.Uint32(body[11:15])
		s.HasNTime = true
	}
	if s.SessionID > AgentMaxSessionID {
		return AgentSubmitShare{}, fmt.Errorf("protocol: sessionId %d exceeds AgentMaxSessionID", s.SessionID)
	}
	return s, nil
}

// AgentRegisterWorker is the decoded body of a RegisterWorker frame.
type AgentRegisterWorker struct {
	SessionID  uint16
	MinerAgent string
	WorkerName string
}

// DecodeAgentRegisterWorker parses a RegisterWorker body: sessionId(2) +
// minerAgentLen(1) + minerAgent + workerNameLen(1) + workerName.
func DecodeAgentRegisterWorker(body []byte) (AgentRegisterWorker, error) {
	if len(body) < 4 {
		return AgentRegisterWorker{}, fmt.Errorf("protocol: short register-worker body")
	}
	sessionID := binary.LittleEndian.Uint16(body[0:2])
	agentLen := int(body[2])
	if len(body) < 3+agentLen+1 {
		return AgentRegisterWorker{}, fmt.Errorf("protocol: truncated register-worker agent field")
	}
	agent := string(body[3 : 3+agentLen])
	nameLen := int(body[3+agentLen])
	off := 3 + agentLen + 1
	if len(body) < off+nameLen {
		return AgentRegisterWorker{}, fmt.Errorf("protocol: truncated register-worker name field")
	}
	name := string(body[off : off+nameLen])
	return AgentRegisterWorker{SessionID: sessionID, MinerAgent: agent, WorkerName: name}, nil
}
