// Package control implements the length-prefixed control framing and UDP
// discovery exchange of spec §6, grounded on the teacher's minimal protocol
// style (small typed structs, explicit encode/decode functions, as seen in
// internal/notify's payload builders) and reusing internal/transport's
// 500 MiB frame cap.
package control

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/zimbackup/agent/internal/transport"
)

// ErrFrameInvalid mirrors transport.ErrFrameInvalid for the control-framing
// seam: a length prefix that is non-positive or exceeds MaxFrameBytes.
var ErrFrameInvalid = transport.ErrFrameInvalid

const (
	discoverPrefix = "ZIM-DISCOVER|"
	responsePrefix = "ZIM-RESPONSE|"
)

// WriteFrame writes a little-endian 4-byte length prefix followed by
// payload to w.
func WriteFrame(w io.Writer, payload []byte) error {
	if int64(len(payload)) > transport.MaxFrameBytes {
		return ErrFrameInvalid
	}

	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("writing frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("reading frame header: %w", err)
	}

	length := binary.LittleEndian.Uint32(header)
	if length == 0 || int64(length) > transport.MaxFrameBytes {
		return nil, ErrFrameInvalid
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("reading frame payload: %w", err)
	}
	return payload, nil
}

// DiscoverMessage builds the UDP discovery broadcast payload.
func DiscoverMessage(hostname string) []byte {
	return []byte(discoverPrefix + hostname)
}

// ResponseMessage builds the UDP discovery response payload.
func ResponseMessage(hostname string) []byte {
	return []byte(responsePrefix + hostname)
}

// ErrNotDiscovery is returned by ParseDiscover when payload does not carry
// the discovery prefix.
var ErrNotDiscovery = errors.New("control: not a discovery message")

// ErrNotResponse is returned by ParseResponse when payload does not carry
// the response prefix.
var ErrNotResponse = errors.New("control: not a response message")

// ParseDiscover extracts the hostname from a discovery payload.
func ParseDiscover(payload []byte) (string, error) {
	s := string(payload)
	if len(s) <= len(discoverPrefix) || s[:len(discoverPrefix)] != discoverPrefix {
		return "", ErrNotDiscovery
	}
	return s[len(discoverPrefix):], nil
}

// ParseResponse extracts the hostname from a response payload.
func ParseResponse(payload []byte) (string, error) {
	s := string(payload)
	if len(s) <= len(responsePrefix) || s[:len(responsePrefix)] != responsePrefix {
		return "", ErrNotResponse
	}
	return s[len(responsePrefix):], nil
}

// Broadcast sends a UDP discovery broadcast to addr (host:port, typically a
// subnet broadcast address) and returns the first ResponseMessage received
// within the socket's read deadline, along with the responder's address.
func Broadcast(conn *net.UDPConn, addr *net.UDPAddr, hostname string) (string, *net.UDPAddr, error) {
	if _, err := conn.WriteToUDP(DiscoverMessage(hostname), addr); err != nil {
		return "", nil, fmt.Errorf("sending discovery broadcast: %w", err)
	}

	buf := make([]byte, 1500)
	n, from, err := conn.ReadFromUDP(buf)
	if err != nil {
		return "", nil, fmt.Errorf("reading discovery response: %w", err)
	}

	respHost, err := ParseResponse(buf[:n])
	if err != nil {
		return "", nil, err
	}
	return respHost, from, nil
}

// Respond answers a discovery request received on conn from addr with this
// host's response message.
func Respond(conn *net.UDPConn, addr *net.UDPAddr, hostname string) error {
	if _, err := conn.WriteToUDP(ResponseMessage(hostname), addr); err != nil {
		return fmt.Errorf("sending discovery response: %w", err)
	}
	return nil
}
