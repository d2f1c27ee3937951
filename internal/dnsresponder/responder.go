package dnsresponder

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/2log-io/idfix-protocols/internal/logging"
)

// maxMessageSize is the classic UDP DNS message bound.
const maxMessageSize = 512

const headerSize = 12

const (
	rcodeFormatError = 1
	rcodeNameError   = 3
)

// ErrAlreadyRunning is returned by Start when the responder is running.
var ErrAlreadyRunning = errors.New("dnsresponder: server is already running")

// Responder is a minimal DNS server that answers every A-record query with
// one fixed IPv4 address. It exists for captive-portal style redirection:
// whatever name a client resolves, it is pointed at the device.
//
// Unsupported query types are rejected with NXDOMAIN, malformed queries
// with FORMERR. EDNS is not supported but tolerated: appended additional
// records are ignored and stripped from the reply.
type Responder struct {
	mu      sync.Mutex
	running bool
	conn    *net.UDPConn
	ip      net.IP
}

// NewResponder creates a stopped responder.
func NewResponder() *Responder {
	return &Responder{}
}

// Start binds a UDP socket on all interfaces and begins answering queries
// with ip. Fails if the responder is already running or ip is not an IPv4
// address.
func (r *Responder) Start(ip net.IP, port uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		logging.Warn("DNS responder is already running")
		return ErrAlreadyRunning
	}

	ip4 := ip.To4()
	if ip4 == nil {
		return fmt.Errorf("dnsresponder: %v is not an IPv4 address", ip)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: int(port)})
	if err != nil {
		return fmt.Errorf("could not bind socket to port %d: %w", port, err)
	}

	logging.Info("DNS responder starting",
		zap.String("redirect_ip", ip4.String()),
		zap.String("addr", conn.LocalAddr().String()),
	)

	r.conn = conn
	r.ip = ip4
	r.running = true

	go r.run(conn, ip4)

	return nil
}

// Stop shuts the responder down. The receive loop exits when its socket is
// closed.
func (r *Responder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		r.running = false
		_ = r.conn.Close()
		r.conn = nil
	}
}

// Port returns the bound UDP port, or 0 when stopped.
func (r *Responder) Port() uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn == nil {
		return 0
	}
	addr, ok := r.conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return 0
	}
	return uint16(addr.Port)
}

func (r *Responder) run(conn *net.UDPConn, ip net.IP) {
	buffer := make([]byte, maxMessageSize)

	for {
		n, addr, err := conn.ReadFromUDP(buffer)
		if err != nil {
			// the socket was closed by Stop or failed fatally
			logging.Debug("DNS receive loop ending", zap.Error(err))
			return
		}

		response := processMessage(buffer[:n], ip)
		if len(response) > 0 {
			_, _ = conn.WriteToUDP(response, addr)
		}
	}
}

// processMessage validates one query and builds the reply. It returns nil
// when the message must be ignored without a response.
//
// Header validation works on the raw bytes rather than a full message
// parse: a query that a strict parser would reject entirely may still need
// a FORMERR reply echoing its ID.
func processMessage(message []byte, ip net.IP) []byte {
	if len(message) < headerSize {
		logging.Warn("Received incomplete DNS header")
		return nil
	}

	flags := binary.BigEndian.Uint16(message[2:4])
	qr := flags >> 15
	opcode := (flags >> 11) & 0xF
	qdCount := binary.BigEndian.Uint16(message[4:6])
	anCount := binary.BigEndian.Uint16(message[6:8])
	nsCount := binary.BigEndian.Uint16(message[8:10])

	if qr != 0 {
		logging.Warn("Only queries expected")
		return nil
	}

	if opcode != dns.OpcodeQuery {
		logging.Warn("Only standard queries expected", zap.Uint16("opcode", opcode))
		return errorResponse(message, rcodeFormatError, headerSize)
	}

	if anCount != 0 || nsCount != 0 {
		logging.Warn("Only questions expected")
		return errorResponse(message, rcodeFormatError, headerSize)
	}

	if qdCount != 1 {
		// multiple questions in one query are never used in practice
		logging.Warn("Only single questions expected", zap.Uint16("qdcount", qdCount))
		return errorResponse(message, rcodeFormatError, headerSize)
	}

	// walk the question name label by label
	offset := headerSize
	for {
		if offset >= len(message) {
			logging.Warn("Unexpected end of message in question name")
			return errorResponse(message, rcodeFormatError, headerSize)
		}

		labelLength := int(message[offset])
		if labelLength > 63 {
			// either an oversized label or a compression pointer; with a
			// single question there is nothing a pointer could refer to
			logging.Warn("Unexpected label length or name pointer")
			return errorResponse(message, rcodeFormatError, headerSize)
		}

		offset += labelLength + 1
		if labelLength == 0 {
			break
		}
	}

	if offset+4 > len(message) {
		logging.Warn("Unexpected end of message in question type or class")
		return errorResponse(message, rcodeFormatError, headerSize)
	}

	qType := binary.BigEndian.Uint16(message[offset:])
	qClass := binary.BigEndian.Uint16(message[offset+2:])
	questionEnd := offset + 4

	if qType != dns.TypeA && qType != dns.TypeANY {
		return errorResponse(message, rcodeNameError, questionEnd)
	}
	if qClass != dns.ClassINET && qClass != dns.ClassANY {
		return errorResponse(message, rcodeNameError, questionEnd)
	}

	return answerResponse(message[:questionEnd], ip)
}

// answerResponse builds the A-record reply for a validated query. The query
// is re-parsed through the dns library so the reply carries a properly
// compressed answer name pointing at the question.
func answerResponse(question []byte, ip net.IP) []byte {
	// additional-count is zeroed first: EDNS additionals were cut off with
	// the rest of the trailing data
	q := make([]byte, len(question))
	copy(q, question)
	binary.BigEndian.PutUint16(q[10:12], 0)

	var query dns.Msg
	if err := query.Unpack(q); err != nil {
		logging.Warn("Could not parse DNS question", zap.Error(err))
		return errorResponse(question, rcodeFormatError, headerSize)
	}

	var reply dns.Msg
	reply.SetReply(&query)
	reply.Compress = true
	reply.RecursionAvailable = true

	// TTL 0 keeps resolvers from caching the hijacked record
	reply.Answer = []dns.RR{&dns.A{
		Hdr: dns.RR_Header{
			Name:   query.Question[0].Name,
			Rrtype: dns.TypeA,
			Class:  dns.ClassINET,
			Ttl:    0,
		},
		A: ip,
	}}

	packed, err := reply.Pack()
	if err != nil {
		logging.Error("Could not pack DNS response", zap.Error(err))
		return nil
	}
	return packed
}

// errorResponse turns the first size bytes of the query into an error reply
// in place of a parsed answer: response flag and rcode set, recursion
// available, all counts cleared except a single echoed question when one
// was included.
func errorResponse(message []byte, rcode byte, size int) []byte {
	logging.Warn("DNS message error", zap.Uint8("rcode", rcode))

	response := make([]byte, size)
	copy(response, message[:size])

	response[2] |= 0x80 // QR = response
	response[3] = (response[3] & 0xF0) | (rcode & 0x0F)
	response[3] |= 0x80 // RA = 1

	if size > headerSize {
		binary.BigEndian.PutUint16(response[4:6], 1)
	} else {
		binary.BigEndian.PutUint16(response[4:6], 0)
	}
	binary.BigEndian.PutUint16(response[6:8], 0)
	binary.BigEndian.PutUint16(response[8:10], 0)
	binary.BigEndian.PutUint16(response[10:12], 0)

	return response
}
