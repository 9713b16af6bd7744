package control

import (
	"bytes"
	"net"
	"testing"
)

func TestWriteReadFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello control frame")

	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("round trip mismatch: got %q, want %q", got, payload)
	}
}

func TestWriteFrame_EmptyPayloadSucceeds(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, nil); err != nil {
		t.Fatalf("expected empty payload to succeed, got %v", err)
	}
}

func TestReadFrame_RejectsZeroLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 0})
	if _, err := ReadFrame(&buf); err != ErrFrameInvalid {
		t.Errorf("expected ErrFrameInvalid, got %v", err)
	}
}

func TestReadFrame_RejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	header := []byte{0xFF, 0xFF, 0xFF, 0xFF} // absurdly large length prefix
	buf.Write(header)
	if _, err := ReadFrame(&buf); err != ErrFrameInvalid {
		t.Errorf("expected ErrFrameInvalid, got %v", err)
	}
}

func TestDiscoverResponseMessage_RoundTrip(t *testing.T) {
	msg := DiscoverMessage("host-a")
	host, err := ParseDiscover(msg)
	if err != nil {
		t.Fatalf("ParseDiscover failed: %v", err)
	}
	if host != "host-a" {
		t.Errorf("expected host-a, got %q", host)
	}

	resp := ResponseMessage("host-b")
	host, err = ParseResponse(resp)
	if err != nil {
		t.Fatalf("ParseResponse failed: %v", err)
	}
	if host != "host-b" {
		t.Errorf("expected host-b, got %q", host)
	}
}

func TestParseDiscover_RejectsWrongPrefix(t *testing.T) {
	if _, err := ParseDiscover([]byte("ZIM-RESPONSE|host")); err != ErrNotDiscovery {
		t.Errorf("expected ErrNotDiscovery, got %v", err)
	}
}

func TestParseResponse_RejectsWrongPrefix(t *testing.T) {
	if _, err := ParseResponse([]byte("ZIM-DISCOVER|host")); err != ErrNotResponse {
		t.Errorf("expected ErrNotResponse, got %v", err)
	}
}

func TestBroadcastRespond_OverLoopbackUDP(t *testing.T) {
	serverAddr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ResolveUDPAddr: %v", err)
	}
	server, err := net.ListenUDP("udp", serverAddr)
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer server.Close()

	clientAddr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ResolveUDPAddr: %v", err)
	}
	client, err := net.ListenUDP("udp", clientAddr)
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer client.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 1500)
		n, from, err := server.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if host, err := ParseDiscover(buf[:n]); err == nil {
			_ = host
			Respond(server, from, "server-host")
		}
	}()

	host, _, err := Broadcast(client, server.LocalAddr().(*net.UDPAddr), "client-host")
	if err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}
	if host != "server-host" {
		t.Errorf("expected server-host, got %q", host)
	}
	<-done
}
