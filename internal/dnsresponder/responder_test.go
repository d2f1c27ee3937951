package dnsresponder

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
)

var redirectIP = net.IPv4(10, 1, 2, 3).To4()

func packQuery(t *testing.T, name string, qtype uint16) []byte {
	t.Helper()

	var query dns.Msg
	query.SetQuestion(name, qtype)
	packed, err := query.Pack()
	if err != nil {
		t.Fatalf("packing query: %v", err)
	}
	return packed
}

func unpackReply(t *testing.T, response []byte) *dns.Msg {
	t.Helper()

	var reply dns.Msg
	if err := reply.Unpack(response); err != nil {
		t.Fatalf("unpacking reply: %v", err)
	}
	return &reply
}

func TestAnswersAQuery(t *testing.T) {
	query := packQuery(t, "portal.example.com.", dns.TypeA)

	response := processMessage(query, redirectIP)
	if response == nil {
		t.Fatal("A query got no response")
	}

	reply := unpackReply(t, response)
	if !reply.Response {
		t.Fatal("reply is not marked as a response")
	}
	if reply.Rcode != dns.RcodeSuccess {
		t.Fatalf("rcode %d, want success", reply.Rcode)
	}
	if !reply.RecursionAvailable {
		t.Fatal("RA flag not set")
	}
	if reply.Id != binary.BigEndian.Uint16(query[0:2]) {
		t.Fatal("reply does not echo the query ID")
	}
	if len(reply.Answer) != 1 {
		t.Fatalf("got %d answers, want 1", len(reply.Answer))
	}

	a, ok := reply.Answer[0].(*dns.A)
	if !ok {
		t.Fatalf("answer is %T, want *dns.A", reply.Answer[0])
	}
	if !a.A.Equal(redirectIP) {
		t.Fatalf("answer points at %v, want %v", a.A, redirectIP)
	}
	if a.Hdr.Ttl != 0 {
		t.Fatalf("answer TTL %d, want 0 (no caching)", a.Hdr.Ttl)
	}
	if a.Hdr.Name != "portal.example.com." {
		t.Fatalf("answer name %q, want the question name", a.Hdr.Name)
	}
}

func TestAnswersAnyTypeQuery(t *testing.T) {
	query := packQuery(t, "example.com.", dns.TypeANY)

	response := processMessage(query, redirectIP)
	if response == nil {
		t.Fatal("ANY query got no response")
	}

	reply := unpackReply(t, response)
	if reply.Rcode != dns.RcodeSuccess || len(reply.Answer) != 1 {
		t.Fatalf("rcode %d with %d answers, want success with one A record",
			reply.Rcode, len(reply.Answer))
	}
}

func TestEDNSAdditionalsAreStripped(t *testing.T) {
	var query dns.Msg
	query.SetQuestion("example.com.", dns.TypeA)
	query.SetEdns0(4096, false)
	packed, err := query.Pack()
	if err != nil {
		t.Fatalf("packing query: %v", err)
	}

	response := processMessage(packed, redirectIP)
	if response == nil {
		t.Fatal("EDNS query got no response")
	}

	reply := unpackReply(t, response)
	if reply.Rcode != dns.RcodeSuccess || len(reply.Answer) != 1 {
		t.Fatalf("rcode %d with %d answers, want success with one A record",
			reply.Rcode, len(reply.Answer))
	}
	if len(reply.Extra) != 0 {
		t.Fatalf("reply carries %d additional records, want 0", len(reply.Extra))
	}
}

func TestRejectsUnsupportedTypeAndClass(t *testing.T) {
	t.Run("aaaa type", func(t *testing.T) {
		response := processMessage(packQuery(t, "example.com.", dns.TypeAAAA), redirectIP)
		reply := unpackReply(t, response)
		if reply.Rcode != dns.RcodeNameError {
			t.Fatalf("rcode %d, want NXDOMAIN", reply.Rcode)
		}
		if len(reply.Answer) != 0 {
			t.Fatalf("got %d answers, want none", len(reply.Answer))
		}
		if len(reply.Question) != 1 {
			t.Fatal("NXDOMAIN reply must echo the question")
		}
	})

	t.Run("chaos class", func(t *testing.T) {
		var query dns.Msg
		query.SetQuestion("example.com.", dns.TypeA)
		query.Question[0].Qclass = dns.ClassCHAOS
		packed, err := query.Pack()
		if err != nil {
			t.Fatalf("packing query: %v", err)
		}

		reply := unpackReply(t, processMessage(packed, redirectIP))
		if reply.Rcode != dns.RcodeNameError {
			t.Fatalf("rcode %d, want NXDOMAIN", reply.Rcode)
		}
	})
}

// expectFormatError checks a header-only FORMERR reply built from the raw
// query bytes.
func expectFormatError(t *testing.T, query, response []byte) {
	t.Helper()

	if len(response) != headerSize {
		t.Fatalf("FORMERR reply is %d bytes, want a bare %d-byte header", len(response), headerSize)
	}
	if !bytes.Equal(response[0:2], query[0:2]) {
		t.Fatal("FORMERR reply does not echo the query ID")
	}
	if response[2]&0x80 == 0 {
		t.Fatal("FORMERR reply is not marked as a response")
	}
	if rcode := response[3] & 0x0F; rcode != rcodeFormatError {
		t.Fatalf("rcode %d, want FORMERR", rcode)
	}
	for i := 4; i < headerSize; i += 2 {
		if count := binary.BigEndian.Uint16(response[i:]); count != 0 {
			t.Fatalf("count field at offset %d is %d, want 0", i, count)
		}
	}
}

func TestRejectsMalformedQueries(t *testing.T) {
	base := packQuery(t, "example.com.", dns.TypeA)

	mutate := func(f func(msg []byte)) []byte {
		msg := make([]byte, len(base))
		copy(msg, base)
		f(msg)
		return msg
	}

	tests := []struct {
		name  string
		query []byte
	}{
		{"inverse query opcode", mutate(func(m []byte) { m[2] |= dns.OpcodeIQuery << 3 })},
		{"nonzero answer count", mutate(func(m []byte) { binary.BigEndian.PutUint16(m[6:8], 1) })},
		{"nonzero authority count", mutate(func(m []byte) { binary.BigEndian.PutUint16(m[8:10], 1) })},
		{"two questions", mutate(func(m []byte) { binary.BigEndian.PutUint16(m[4:6], 2) })},
		{"compression pointer in name", mutate(func(m []byte) { m[headerSize] = 0xC0 })},
		{"truncated name", base[:headerSize+3]},
		{"truncated type and class", base[:len(base)-3]},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			response := processMessage(tc.query, redirectIP)
			if response == nil {
				t.Fatal("malformed query got no response, want FORMERR")
			}
			expectFormatError(t, tc.query, response)
		})
	}
}

func TestIgnoresNonQueries(t *testing.T) {
	t.Run("response message", func(t *testing.T) {
		msg := packQuery(t, "example.com.", dns.TypeA)
		msg[2] |= 0x80
		if response := processMessage(msg, redirectIP); response != nil {
			t.Fatalf("response message produced a %d-byte reply, want none", len(response))
		}
	})

	t.Run("short datagram", func(t *testing.T) {
		if response := processMessage([]byte{0x00, 0x01, 0x02}, redirectIP); response != nil {
			t.Fatal("short datagram produced a reply, want none")
		}
	})
}

func TestStartStopLifecycle(t *testing.T) {
	responder := NewResponder()

	if err := responder.Start(net.IPv4(192, 168, 4, 1), 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(responder.Stop)

	if err := responder.Start(net.IPv4(192, 168, 4, 1), 0); err != ErrAlreadyRunning {
		t.Fatalf("second Start: got %v, want %v", err, ErrAlreadyRunning)
	}

	conn, err := net.Dial("udp4", fmt.Sprintf("127.0.0.1:%d", responder.Port()))
	if err != nil {
		t.Fatalf("dialing responder: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write(packQuery(t, "captive.example.", dns.TypeA)); err != nil {
		t.Fatalf("sending query: %v", err)
	}

	buf := make([]byte, maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("reading reply: %v", err)
	}

	reply := unpackReply(t, buf[:n])
	a, ok := reply.Answer[0].(*dns.A)
	if !ok || !a.A.Equal(net.IPv4(192, 168, 4, 1)) {
		t.Fatalf("reply answer %v, want 192.168.4.1", reply.Answer)
	}

	responder.Stop()
	if responder.Port() != 0 {
		t.Fatal("Port must report 0 after Stop")
	}

	// restart after stop must work
	if err := responder.Start(net.IPv4(10, 0, 0, 1), 0); err != nil {
		t.Fatalf("restart: %v", err)
	}
	responder.Stop()
}
