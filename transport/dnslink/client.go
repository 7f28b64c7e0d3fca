// Package dnslink implements resource.Link over DNS TXT request/response
// polling, for peers whose only outbound path is a DNS resolver. It is
// grounded on the teacher's internal/protocol/dns_conn.go (TX/RX/poll
// engines, base32/base64 DNS encoding) and internal/server/{session,
// dns_handler}.go (server-side session table and query routing), adapted
// so the fragmented payload is the resource engine's own framed byte
// stream instead of an arbitrary QUIC packet smuggled inside a spoofed
// net.PacketConn.
package dnslink

import (
	"encoding/base32"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog/log"

	"resourcelink/internal/linkcrypto"
	"resourcelink/internal/resreg"
	"resourcelink/resource"
)

const (
	txQueueSize  = 2000
	numTxWorkers = 16

	// pollInterval is the idle heartbeat; burst polling on data arrival
	// keeps the effective round trip well below this most of the time.
	pollInterval  = 25 * time.Millisecond
	idleThreshold = 100 * time.Millisecond
	writeTimeout  = 5 * time.Second
	parallelPolls = 16

	dnsLabelSize = 57 // matches the teacher's safety margin under the 63-char DNS label limit

	clientMDU            = maxChunkSize * 32 // one resource part, assembled from several DNS chunks
	establishmentCostDNS  = 512
	defaultDNSRTT         = 200 * time.Millisecond
	trafficTimeoutFactor  = 4.0 // DNS polling has higher jitter than a direct QUIC stream
)

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// AcceptPolicy decides whether an advertised resource should be accepted.
type AcceptPolicy func(advPayload []byte) bool

// ClientLink dials a DNS resolver and carries one resource-protocol session
// across it. One ClientLink handles one outgoing and one incoming resource
// at a time, matching transport/quiclink's sequencing.
type ClientLink struct {
	conn      *net.UDPConn
	resolver  *net.UDPAddr
	domain    string
	sessionID string

	reg    *resreg.Registry
	cipher *linkcrypto.Cipher
	reasm  *reassembler

	txQueue     chan []byte
	pollTrigger chan struct{}

	txMu       sync.Mutex
	lastTxTime time.Time

	mu              sync.Mutex
	currentOutgoing *resource.Resource
	currentIncoming *resource.Resource
	outgoingBusy    atomic.Bool

	acceptPolicy     AcceptPolicy
	callback         func(*resource.Resource)
	progressCallback func(*resource.Resource)

	closeOnce sync.Once
	done      chan struct{}

	rtt time.Duration
}

// Option configures a ClientLink at construction time.
type Option func(*ClientLink)

// WithAcceptPolicy overrides the default always-accept policy for incoming
// resources.
func WithAcceptPolicy(p AcceptPolicy) Option {
	return func(l *ClientLink) { l.acceptPolicy = p }
}

// WithCallbacks installs the completion/progress callbacks applied to every
// resource (incoming or outgoing) this ClientLink creates.
func WithCallbacks(callback, progress func(*resource.Resource)) Option {
	return func(l *ClientLink) {
		l.callback = callback
		l.progressCallback = progress
	}
}

// WithSymmetricKey installs the chacha20poly1305 stream cipher backing
// Link.Encrypt/Decrypt. Unlike transport/quiclink, this is the only
// confidentiality layer a DNS query ever gets, so dnslink callers should
// always set one.
func WithSymmetricKey(key [linkcrypto.KeySize]byte) Option {
	return func(l *ClientLink) {
		c, err := linkcrypto.New(key)
		if err != nil {
			log.Error().Err(err).Msg("dnslink: invalid symmetric key")
			return
		}
		l.cipher = c
	}
}

// Dial resolves resolverAddr and starts a dnslink session under domain,
// identified by sessionID (a short, DNS-label-safe token agreed with the
// server out of band, e.g. derived from the pinned identity fingerprint).
func Dial(resolverAddr, domain, sessionID string, opts ...Option) (*ClientLink, error) {
	rAddr, err := net.ResolveUDPAddr("udp", resolverAddr)
	if err != nil {
		return nil, fmt.Errorf("dnslink: resolve %s: %w", resolverAddr, err)
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("dnslink: listen: %w", err)
	}
	_ = conn.SetReadBuffer(4 * 1024 * 1024)

	l := &ClientLink{
		conn:         conn,
		resolver:     rAddr,
		domain:       domain,
		sessionID:    strings.ToLower(sessionID),
		reg:          resreg.New(),
		reasm:        newReassembler(),
		txQueue:      make(chan []byte, txQueueSize),
		pollTrigger:  make(chan struct{}, 1),
		done:         make(chan struct{}),
		acceptPolicy: func([]byte) bool { return true },
		rtt:          defaultDNSRTT,
	}
	for _, opt := range opts {
		opt(l)
	}

	l.startTxEngine()
	l.startRxEngine()
	l.startPollEngine()
	return l, nil
}

// Close tears down the underlying UDP socket and its worker goroutines.
func (l *ClientLink) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		_ = l.conn.Close()
	})
	return nil
}

// --- resource.Link ---

func (l *ClientLink) MDU() int                      { return clientMDU }
func (l *ClientLink) RTT() float64                  { return l.rtt.Seconds() }
func (l *ClientLink) TrafficTimeoutFactor() float64 { return trafficTimeoutFactor }
func (l *ClientLink) EstablishmentCost() int        { return establishmentCostDNS }

func (l *ClientLink) Encrypt(plaintext []byte) ([]byte, error) {
	if l.cipher == nil {
		return plaintext, nil
	}
	return l.cipher.Encrypt(plaintext)
}

func (l *ClientLink) Decrypt(ciphertext []byte) ([]byte, error) {
	if l.cipher == nil {
		return ciphertext, nil
	}
	return l.cipher.Decrypt(ciphertext)
}

func (l *ClientLink) ReadyForNewResource() bool { return !l.outgoingBusy.Load() }

func (l *ClientLink) GetLastResourceWindow() (int, bool)   { return l.reg.LastWindow() }
func (l *ClientLink) GetLastResourceEIFR() (float64, bool) { return l.reg.LastEIFR() }
func (l *ClientLink) SetLastResourceWindow(w int)          { l.reg.SetLastWindow(w) }
func (l *ClientLink) SetLastResourceEIFR(e float64)        { l.reg.SetLastEIFR(e) }

func (l *ClientLink) RegisterIncomingResource(r *resource.Resource) {
	l.reg.RegisterIncoming(r)
	l.mu.Lock()
	l.currentIncoming = r
	l.mu.Unlock()
}

func (l *ClientLink) RegisterOutgoingResource(r *resource.Resource) {
	l.reg.RegisterOutgoing(r)
	l.mu.Lock()
	l.currentOutgoing = r
	l.mu.Unlock()
	l.outgoingBusy.Store(true)
}

func (l *ClientLink) HasIncomingResource(hash []byte) bool { return l.reg.HasIncoming(hash) }

func (l *ClientLink) ResourceConcluded(r *resource.Resource) {
	l.reg.Conclude(r)
	l.clearCurrent(r)
}

func (l *ClientLink) CancelIncomingResource(r *resource.Resource) {
	l.reg.CancelIncoming(r)
	l.clearCurrent(r)
}

func (l *ClientLink) CancelOutgoingResource(r *resource.Resource) {
	l.reg.CancelOutgoing(r)
	l.clearCurrent(r)
}

func (l *ClientLink) clearCurrent(r *resource.Resource) {
	l.mu.Lock()
	if l.currentOutgoing == r {
		l.currentOutgoing = nil
		l.outgoingBusy.Store(false)
	}
	if l.currentIncoming == r {
		l.currentIncoming = nil
	}
	l.mu.Unlock()
}

func (l *ClientLink) CacheRequestProof(hash, expectedProof []byte) {
	l.reg.CheckProof(hash, expectedProof)
}

// Send frames one resource-protocol packet, fragments it to DNS-label size,
// and queues the fragments for the TX workers.
func (l *ClientLink) Send(ctx resource.Context, payload []byte) error {
	l.mu.Lock()
	hash := resreg.RoutingHash(ctx, l.currentOutgoing, l.currentIncoming)
	l.mu.Unlock()

	frame := resreg.Envelope(ctx, hash, payload)

	l.txMu.Lock()
	l.lastTxTime = time.Now()
	l.txMu.Unlock()

	for _, chunk := range fragmentFrame(frame) {
		select {
		case l.txQueue <- chunk:
		case <-time.After(writeTimeout):
			return fmt.Errorf("dnslink: tx queue full, dropped fragment")
		case <-l.done:
			return net.ErrClosed
		}
	}
	return nil
}

func (l *ClientLink) handleAdvertise(advPayload []byte) {
	if !l.acceptPolicy(advPayload) {
		if err := resource.Reject(advPayload, l); err != nil {
			log.Error().Err(err).Msg("dnslink: failed to send reject")
		}
		return
	}
	if _, err := resource.Accept(advPayload, l, l.callback, l.progressCallback); err != nil {
		log.Error().Err(err).Msg("dnslink: failed to accept advertised resource")
	}
}

// --- engines ---

func (l *ClientLink) startTxEngine() {
	suffix := "." + l.sessionID + "." + l.domain + "."
	for i := 0; i < numTxWorkers; i++ {
		go func() {
			msg := new(dns.Msg)
			for {
				select {
				case chunk := <-l.txQueue:
					encoded := b32.EncodeToString(chunk)
					qname := splitIntoLabels(encoded, dnsLabelSize) + suffix
					msg.SetQuestion(qname, dns.TypeTXT)
					msg.Extra = nil
					opt := &dns.OPT{Hdr: dns.RR_Header{Name: ".", Rrtype: dns.TypeOPT}}
					opt.SetUDPSize(1232)
					msg.Extra = append(msg.Extra, opt)

					buf, err := msg.Pack()
					if err != nil {
						log.Debug().Err(err).Msg("dnslink: pack query failed")
						continue
					}
					if _, err := l.conn.WriteToUDP(buf, l.resolver); err != nil {
						log.Debug().Err(err).Msg("dnslink: write query failed")
					}
				case <-l.done:
					return
				}
			}
		}()
	}
}

func splitIntoLabels(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i += maxLen {
		if i > 0 {
			b.WriteByte('.')
		}
		end := i + maxLen
		if end > len(s) {
			end = len(s)
		}
		b.WriteString(s[i:end])
	}
	return b.String()
}

func (l *ClientLink) startRxEngine() {
	go func() {
		buf := make([]byte, 4096)
		for {
			n, _, err := l.conn.ReadFromUDP(buf)
			if err != nil {
				select {
				case <-l.done:
					return
				default:
					continue
				}
			}

			msg := new(dns.Msg)
			if err := msg.Unpack(buf[:n]); err != nil {
				log.Debug().Err(err).Msg("dnslink: unpack response failed")
				continue
			}

			gotData := false
			for _, ans := range msg.Answer {
				txt, ok := ans.(*dns.TXT)
				if !ok {
					continue
				}
				encoded := strings.Join(txt.Txt, "")
				raw, err := base64.StdEncoding.DecodeString(encoded)
				if err != nil || len(raw) == 0 {
					continue
				}
				gotData = true
				if frame := l.reasm.ingest(raw); frame != nil {
					l.reg.Dispatch(frame, l.handleAdvertise)
				}
			}

			if gotData {
				select {
				case l.pollTrigger <- struct{}{}:
				default:
				}
			}
		}
	}()
}

func (l *ClientLink) startPollEngine() {
	go func() {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.txMu.Lock()
				idle := time.Since(l.lastTxTime) > idleThreshold
				l.txMu.Unlock()
				if idle {
					l.sendParallelPolls()
				}
			case <-l.pollTrigger:
				l.sendParallelPolls()
			case <-l.done:
				return
			}
		}
	}()
}

func (l *ClientLink) sendParallelPolls() {
	for i := 0; i < parallelPolls; i++ {
		l.sendPoll()
		if i > 0 && i%8 == 0 {
			time.Sleep(time.Millisecond)
		}
	}
}

func (l *ClientLink) sendPoll() {
	nonce := make([]byte, 4)
	binary.BigEndian.PutUint32(nonce, rand.Uint32())
	nonceStr := b32.EncodeToString(nonce)

	qname := "poll." + nonceStr + "." + l.sessionID + "." + l.domain + "."
	msg := new(dns.Msg)
	msg.SetQuestion(qname, dns.TypeTXT)
	opt := &dns.OPT{Hdr: dns.RR_Header{Name: ".", Rrtype: dns.TypeOPT}}
	opt.SetUDPSize(1232)
	msg.Extra = append(msg.Extra, opt)

	buf, err := msg.Pack()
	if err != nil {
		return
	}
	_, _ = l.conn.WriteToUDP(buf, l.resolver)
}
