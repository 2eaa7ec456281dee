package p2p

import (
	"bytes"
	"testing"
)

const testMagic uint32 = 0xa9d2e3f4

func TestMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte{1, 2, 3, 4, 5}
	if err := WriteMessage(&buf, testMagic, CmdTx, payload); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	msg, rerr := ReadMessage(&buf, testMagic)
	if rerr != nil {
		t.Fatalf("ReadMessage: %v", rerr)
	}
	if msg.Command != CmdTx || !bytes.Equal(msg.Payload, payload) {
		t.Fatalf("round trip mismatch: %+v", msg)
	}
}

func TestMessageEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, testMagic, CmdVerack, nil); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if buf.Len() != MessageHeaderBytes {
		t.Fatalf("empty payload frame is %d bytes, want %d", buf.Len(), MessageHeaderBytes)
	}
	msg, rerr := ReadMessage(&buf, testMagic)
	if rerr != nil {
		t.Fatalf("ReadMessage: %v", rerr)
	}
	if msg.Command != CmdVerack || len(msg.Payload) != 0 {
		t.Fatalf("verack round trip mismatch")
	}
}

func TestMessageChecksumMismatch(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, testMagic, CmdPing, []byte{9, 9, 9, 9, 9, 9, 9, 9}); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	raw := buf.Bytes()
	raw[len(raw)-1] ^= 0xff // corrupt the payload body

	_, rerr := ReadMessage(bytes.NewReader(raw), testMagic)
	if rerr == nil {
		t.Fatalf("corrupted payload accepted")
	}
	if rerr.BanScoreDelta != BanScoreProtocol {
		t.Fatalf("checksum mismatch ban delta = %d, want %d", rerr.BanScoreDelta, BanScoreProtocol)
	}
	if rerr.Disconnect {
		t.Fatalf("checksum mismatch must not force disconnect")
	}
}

func TestMessageMagicMismatchDisconnects(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, testMagic, CmdPing, []byte{1, 2, 3, 4, 5, 6, 7, 8}); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	_, rerr := ReadMessage(&buf, testMagic+1)
	if rerr == nil || !rerr.Disconnect {
		t.Fatalf("magic mismatch must disconnect")
	}
	if rerr.BanScoreDelta != 0 {
		t.Fatalf("magic mismatch is not ban-worthy")
	}
}

func TestMessageOversizeRejected(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, testMagic, CmdBlock, make([]byte, MaxMessageBytes+1)); err == nil {
		t.Fatalf("oversize write accepted")
	}

	// A forged oversize length in the header disconnects before any body
	// read.
	if err := WriteMessage(&buf, testMagic, CmdBlock, []byte{1}); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	raw := buf.Bytes()
	raw[16] = 0xff
	raw[17] = 0xff
	raw[18] = 0xff
	raw[19] = 0x7f
	_, rerr := ReadMessage(bytes.NewReader(raw), testMagic)
	if rerr == nil || !rerr.Disconnect {
		t.Fatalf("forged oversize length must disconnect")
	}
}

func TestMessageTruncatedBodyDisconnects(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, testMagic, CmdTx, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	raw := buf.Bytes()
	_, rerr := ReadMessage(bytes.NewReader(raw[:len(raw)-2]), testMagic)
	if rerr == nil || !rerr.Disconnect {
		t.Fatalf("truncated stream must disconnect")
	}
}
