package protocol

import (
	"bytes"
	"testing"
)

func TestExMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	body := []byte{0x01, 0x02, 0x03, 0x04}
	if err := WriteExMessage(&buf, AgentCmdRegisterWorker, body); err != nil {
		t.Fatalf("write: %v", err)
	}

	msg, err := ReadExMessage(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Command != AgentCmdRegisterWorker {
		t.Fatalf("command = %#x, want %#x", msg.Command, AgentCmdRegisterWorker)
	}
	if !bytes.Equal(msg.Body, body) {
		t.Fatalf("body = %x, want %x", msg.Body, body)
	}
}

func TestReadExMessageRejectsBadMagic(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0x00, AgentCmdSubmitShare, 0x04, 0x00})
	if _, err := ReadExMessage(buf); err == nil {
		t.Fatal("expected error for bad magic byte")
	}
}

func TestDecodeAgentSubmitShare(t *testing.T) {
	body := make([]byte, 15)
	// sessionId=1, shortJobId=7, extraNonce2=0xAABBCCDD, nonce=0x55667788,
	// then the optional trailing nTime=0x11223344
	body[0], body[1] = 0x01, 0x00
	body[2] = 0x07
	body[3], body[4], body[5], body[6] = 0xDD, 0xCC, 0xBB, 0xAA
	body[7], body[8], body[9], body[10] = 0x88, 0x77, 0x66, 0x55
	body[11], body[12], body[13], body[14] = 0x44, 0x33, 0x22, 0x11

	got, err := DecodeAgentSubmitShare(AgentCmdSubmitShareWithTime, body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.SessionID != 1 || got.ShortJobID != 7 {
		t.Fatalf("unexpected identifiers: %+v", got)
	}
	if !got.HasNTime || got.NTime != 0x11223344 {
		t.Fatalf("unexpected nTime: %+v", got)
	}
	if got.Nonce != 0x55667788 {
		t.Fatalf("unexpected nonce: %+v", got)
	}
}

func TestDecodeAgentSubmitShareRejectsSessionIDOverflow(t *testing.T) {
	body := make([]byte, 11)
	body[0], body[1] = 0xFF, 0xFF // sessionId 0xFFFF > AgentMaxSessionID
	if _, err := DecodeAgentSubmitShare(AgentCmdSubmitShare, body); err == nil {
		t.Fatal("expected error for out-of-range sessionId")
	}
}

func TestDecodeAgentRegisterWorker(t *testing.T) {
	agent := "cgminer/4.10"
	name := "worker.1"
	body := []byte{0x02, 0x00, byte(len(agent))}
	body = append(body, agent...)
	body = append(body, byte(len(name)))
	body = append(body, name...)

	got, err := DecodeAgentRegisterWorker(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.SessionID != 2 || got.MinerAgent != agent || got.WorkerName != name {
		t.Fatalf("unexpected result: %+v", got)
	}
}
