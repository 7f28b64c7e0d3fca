package dnslink

import (
	"encoding/base32"
	"encoding/base64"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"resourcelink/internal/linkcrypto"
	"resourcelink/internal/resreg"
	"resourcelink/resource"
)

const (
	sessionTTL       = 5 * time.Minute
	sessionSweep     = 10 * time.Minute
	fragQueueSize    = 4000
	defaultMaxFrags  = 10
)

// ServerLink is the server side's resource.Link for one dnslink session: a
// client dials in under a session ID, and every subsequent query/poll for
// that session ID is demuxed to the same ServerLink, so one Link instance
// can live across many independent DNS round trips. Grounded on the
// teacher's per-session VirtualConn/Queue pairing in internal/server/
// session.go and virtual_conn.go, adapted to hand frames to the resource
// engine directly instead of bridging them into a QUIC listener.
type ServerLink struct {
	sessionID string

	reg    *resreg.Registry
	cipher *linkcrypto.Cipher
	reasm  *reassembler

	fragQueue chan []byte

	mu              sync.Mutex
	currentOutgoing *resource.Resource
	currentIncoming *resource.Resource
	outgoingBusy    atomic.Bool

	acceptPolicy     AcceptPolicy
	callback         func(*resource.Resource)
	progressCallback func(*resource.Resource)

	lastSeen atomic.Int64 // unix nanos, for idle diagnostics only

	rtt time.Duration
}

func newServerLink(sessionID string, key *[linkcrypto.KeySize]byte, acceptPolicy AcceptPolicy, callback, progress func(*resource.Resource)) *ServerLink {
	l := &ServerLink{
		sessionID:    sessionID,
		reg:          resreg.New(),
		reasm:        newReassembler(),
		fragQueue:    make(chan []byte, fragQueueSize),
		acceptPolicy: acceptPolicy,
		callback:     callback,
		progressCallback: progress,
		rtt:          defaultDNSRTT,
	}
	if key != nil {
		if c, err := linkcrypto.New(*key); err == nil {
			l.cipher = c
		} else {
			log.Error().Err(err).Str("session", sessionID).Msg("dnslink: invalid symmetric key")
		}
	}
	l.lastSeen.Store(time.Now().UnixNano())
	return l
}

// --- resource.Link ---

func (l *ServerLink) MDU() int                      { return clientMDU }
func (l *ServerLink) RTT() float64                  { return l.rtt.Seconds() }
func (l *ServerLink) TrafficTimeoutFactor() float64 { return trafficTimeoutFactor }
func (l *ServerLink) EstablishmentCost() int        { return establishmentCostDNS }

func (l *ServerLink) Encrypt(plaintext []byte) ([]byte, error) {
	if l.cipher == nil {
		return plaintext, nil
	}
	return l.cipher.Encrypt(plaintext)
}

func (l *ServerLink) Decrypt(ciphertext []byte) ([]byte, error) {
	if l.cipher == nil {
		return ciphertext, nil
	}
	return l.cipher.Decrypt(ciphertext)
}

func (l *ServerLink) ReadyForNewResource() bool { return !l.outgoingBusy.Load() }

func (l *ServerLink) GetLastResourceWindow() (int, bool)   { return l.reg.LastWindow() }
func (l *ServerLink) GetLastResourceEIFR() (float64, bool) { return l.reg.LastEIFR() }
func (l *ServerLink) SetLastResourceWindow(w int)          { l.reg.SetLastWindow(w) }
func (l *ServerLink) SetLastResourceEIFR(e float64)        { l.reg.SetLastEIFR(e) }

func (l *ServerLink) RegisterIncomingResource(r *resource.Resource) {
	l.reg.RegisterIncoming(r)
	l.mu.Lock()
	l.currentIncoming = r
	l.mu.Unlock()
}

func (l *ServerLink) RegisterOutgoingResource(r *resource.Resource) {
	l.reg.RegisterOutgoing(r)
	l.mu.Lock()
	l.currentOutgoing = r
	l.mu.Unlock()
	l.outgoingBusy.Store(true)
}

func (l *ServerLink) HasIncomingResource(hash []byte) bool { return l.reg.HasIncoming(hash) }

func (l *ServerLink) ResourceConcluded(r *resource.Resource) {
	l.reg.Conclude(r)
	l.clearCurrent(r)
}

func (l *ServerLink) CancelIncomingResource(r *resource.Resource) {
	l.reg.CancelIncoming(r)
	l.clearCurrent(r)
}

func (l *ServerLink) CancelOutgoingResource(r *resource.Resource) {
	l.reg.CancelOutgoing(r)
	l.clearCurrent(r)
}

func (l *ServerLink) clearCurrent(r *resource.Resource) {
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

func (l *ServerLink) CacheRequestProof(hash, expectedProof []byte) {
	l.reg.CheckProof(hash, expectedProof)
}

// Send fragments one resource-protocol packet and enqueues it for delivery
// on the next poll or data query the client sends for this session; a DNS
// server can never push, only answer.
func (l *ServerLink) Send(ctx resource.Context, payload []byte) error {
	l.mu.Lock()
	hash := resreg.RoutingHash(ctx, l.currentOutgoing, l.currentIncoming)
	l.mu.Unlock()

	frame := resreg.Envelope(ctx, hash, payload)
	for _, chunk := range fragmentFrame(frame) {
		select {
		case l.fragQueue <- chunk:
		default:
			log.Warn().Str("session", l.sessionID).Msg("dnslink: server frag queue full, dropping chunk")
		}
	}
	return nil
}

func (l *ServerLink) handleAdvertise(advPayload []byte) {
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

// Server answers DNS queries for one or more tunnel domains, demuxing by
// session ID into a ServerLink per session. Grounded on the teacher's
// DNSHandler (internal/server/dns_handler.go) and SessionManager
// (internal/server/session.go); the per-session cache.Cache TTL behavior
// is unchanged, only what a completed frame is handed to differs.
type Server struct {
	sessions *cache.Cache
	mu       sync.Mutex

	AllowedDomains      map[string]bool
	MaxFragsPerResponse int
	SymmetricKey        *[linkcrypto.KeySize]byte
	AcceptPolicy        AcceptPolicy
	Callback            func(*resource.Resource)
	ProgressCallback    func(*resource.Resource)
}

// NewServer constructs a Server ready to be registered as a dns.Handler.
func NewServer(allowedDomains []string) *Server {
	allowed := make(map[string]bool, len(allowedDomains))
	for _, d := range allowedDomains {
		allowed[d] = true
	}
	return &Server{
		sessions:            cache.New(sessionTTL, sessionSweep),
		AllowedDomains:      allowed,
		MaxFragsPerResponse: defaultMaxFrags,
		AcceptPolicy:        func([]byte) bool { return true },
	}
}

func (s *Server) linkFor(sessionID string) *ServerLink {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, found := s.sessions.Get(sessionID); found {
		s.sessions.Set(sessionID, v, cache.DefaultExpiration)
		return v.(*ServerLink)
	}
	l := newServerLink(sessionID, s.SymmetricKey, s.AcceptPolicy, s.Callback, s.ProgressCallback)
	s.sessions.Set(sessionID, l, cache.DefaultExpiration)
	return l
}

// Link returns the ServerLink for an already-seen session, or nil.
func (s *Server) Link(sessionID string) *ServerLink {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, found := s.sessions.Get(sessionID); found {
		return v.(*ServerLink)
	}
	return nil
}

// HandleDNS implements github.com/miekg/dns's dns.Handler, matching the
// teacher's query format: [DATA-LABELS...].[SESSION].[DOMAIN].
func (s *Server) HandleDNS(w dns.ResponseWriter, r *dns.Msg) {
	if len(r.Question) == 0 {
		return
	}
	qName := r.Question[0].Name
	labels := dns.SplitDomainName(qName)
	if len(labels) < 3 {
		return
	}

	domain, domainLabelCount := s.matchDomain(qName)
	if domain == "" {
		msg := new(dns.Msg)
		msg.SetRcode(r, dns.RcodeRefused)
		_ = w.WriteMsg(msg)
		return
	}

	minLabels := 2 + domainLabelCount
	if len(labels) < minLabels {
		return
	}

	sessionIdx := len(labels) - domainLabelCount - 1
	sessionID := strings.ToLower(labels[sessionIdx])
	dataLabel := strings.Join(labels[:sessionIdx], "")

	link := s.linkFor(sessionID)
	link.lastSeen.Store(time.Now().UnixNano())

	if !strings.HasPrefix(strings.ToLower(dataLabel), "poll") {
		normalized := strings.ToUpper(dataLabel)
		raw, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(normalized)
		if err != nil {
			log.Debug().Err(err).Str("session", sessionID).Msg("dnslink: base32 decode failed")
		} else if frame := link.reasm.ingest(raw); frame != nil {
			link.reg.Dispatch(frame, link.handleAdvertise)
		}
	}

	msg := new(dns.Msg)
	msg.SetReply(r)
	msg.Compress = true

	maxFrags := s.MaxFragsPerResponse
	if maxFrags <= 0 {
		maxFrags = defaultMaxFrags
	}
fragLoop:
	for i := 0; i < maxFrags; i++ {
		select {
		case frag := <-link.fragQueue:
			encoded := base64.StdEncoding.EncodeToString(frag)
			msg.Answer = append(msg.Answer, &dns.TXT{
				Hdr: dns.RR_Header{Name: qName, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 0},
				Txt: []string{encoded},
			})
		default:
			break fragLoop
		}
	}

	_ = w.WriteMsg(msg)
}

func (s *Server) matchDomain(qName string) (domain string, labelCount int) {
	qNameLower := strings.ToLower(qName)
	for d := range s.AllowedDomains {
		withDot := strings.ToLower(d) + "."
		if strings.HasSuffix(qNameLower, "."+withDot) || qNameLower == withDot {
			return d, len(dns.SplitDomainName(d))
		}
	}
	return "", 0
}
