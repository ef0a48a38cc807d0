// Package quicgroup implements the comm.Group contract over QUIC, one OS
// process per peer.
//
// Membership is static: every peer is started with the same rank-ordered
// address list and its own position in it. Peers build a full mesh of
// persistent QUIC connections, one bidirectional stream per pair; all
// messages of a pair travel that stream in order, which the collectives
// rely on. Frames above a configurable threshold are transparently
// zstd-compressed on the wire.
//
// Peer death is detected from connection errors and surfaced as
// comm.ErrFault; Shrink drops the dead peers from the current membership
// based on local knowledge. This matches the best-effort rebuild the store
// expects from the substrate after a failure, but quicgroup makes no
// attempt to arbitrate disagreeing failure observations between survivors.
package quicgroup

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"encoding/pem"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/quic-go/quic-go"

	"github.com/gzeit/ReStore/pkg/comm"
)

const alpnProtocol = "restore-quic"

// Slog attribute keys used throughout the quicgroup package.
const (
	logKeyRank    = "rank"
	logKeyAddress = "address"
	logKeyError   = "error"
	logKeyTag     = "tag"
)

// Reserved tags of the internal control plane. Application tags must stay
// below tagReservedBase.
const (
	tagReservedBase = 0x7fff0000
	tagAck          = tagReservedBase + iota
	tagBarrierEnter
	tagBarrierRelease
	tagBroadcast
	tagGather
	tagScatter
	tagAlltoall
)

// Config holds the static membership and transport tuning of one peer.
type Config struct {
	// Addresses lists every peer's listen address, ordered by rank.
	Addresses []string `yaml:"addresses"`
	// Rank is this peer's position in Addresses.
	Rank int `yaml:"rank"`
	// CompressionThreshold is the payload size in bytes at or above which
	// frames are zstd-compressed. Zero selects the default of 4 KiB; negative
	// disables compression.
	CompressionThreshold int `yaml:"compressionThreshold"`
	// DialTimeout bounds the mesh construction. Zero selects 30s.
	DialTimeout time.Duration `yaml:"dialTimeout"`
}

func (c Config) withDefaults() Config {
	if c.CompressionThreshold == 0 {
		c.CompressionThreshold = 4 << 10
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 30 * time.Second
	}
	return c
}

// Validate checks the membership parameters.
func (c Config) Validate() error {
	if len(c.Addresses) == 0 {
		return fmt.Errorf("quicgroup: empty address list")
	}
	if c.Rank < 0 || c.Rank >= len(c.Addresses) {
		return fmt.Errorf(
			"quicgroup: rank %d out of [0, %d)", c.Rank, len(c.Addresses),
		)
	}
	return nil
}

// frame header: tag int32 BE, flags byte, payload length uint32 BE.
const frameHeaderSize = 9

const flagZstd = 0x01

const maxFramePayload = 1 << 30

// inMsg is one frame delivered to the local inbox.
type inMsg struct {
	srcAbs int
	data   []byte
}

// inbox collects inbound frames per tag and wakes blocked readers on
// delivery or on fault.
type inbox struct {
	mu    sync.Mutex
	cond  *sync.Cond
	byTag map[int][]inMsg
	err   error
}

func newInbox() *inbox {
	ib := &inbox{byTag: make(map[int][]inMsg)}
	ib.cond = sync.NewCond(&ib.mu)
	return ib
}

func (ib *inbox) push(tag int, msg inMsg) {
	ib.mu.Lock()
	ib.byTag[tag] = append(ib.byTag[tag], msg)
	ib.mu.Unlock()
	ib.cond.Broadcast()
}

func (ib *inbox) fail(err error) {
	ib.mu.Lock()
	if ib.err == nil {
		ib.err = err
	}
	ib.mu.Unlock()
	ib.cond.Broadcast()
}

// clearFault forgets a recorded fault after the group was shrunk around
// the failed peers.
func (ib *inbox) clearFault() {
	ib.mu.Lock()
	ib.err = nil
	ib.mu.Unlock()
}

// pop removes and returns the oldest frame of a tag, blocking until one
// arrives. A recorded fault is returned once the tag's queue is empty.
func (ib *inbox) pop(tag int) (inMsg, error) {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	for {
		if queue := ib.byTag[tag]; len(queue) > 0 {
			msg := queue[0]
			ib.byTag[tag] = queue[1:]
			return msg, nil
		}
		if ib.err != nil {
			return inMsg{}, ib.err
		}
		ib.cond.Wait()
	}
}

// drain removes and returns every queued frame of a tag.
func (ib *inbox) drain(tag int) []inMsg {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	msgs := ib.byTag[tag]
	delete(ib.byTag, tag)
	return msgs
}

// peerConn is one leg of the mesh: a persistent QUIC connection with a
// single long-lived bidirectional stream.
type peerConn struct {
	abs    int
	conn   *quic.Conn
	stream *quic.Stream

	writeMu sync.Mutex

	ackMu   sync.Mutex
	ackCond *sync.Cond
	acks    int
}

func newPeerConn(abs int, conn *quic.Conn, stream *quic.Stream) *peerConn {
	pc := &peerConn{abs: abs, conn: conn, stream: stream}
	pc.ackCond = sync.NewCond(&pc.ackMu)
	return pc
}

func (pc *peerConn) recordAck() {
	pc.ackMu.Lock()
	pc.acks++
	pc.ackMu.Unlock()
	pc.ackCond.Broadcast()
}

// awaitAcks blocks until n delivery acknowledgements arrived, or the
// connection failed.
func (pc *peerConn) awaitAcks(n int, failed func() error) error {
	pc.ackMu.Lock()
	defer pc.ackMu.Unlock()
	for pc.acks < n {
		if err := failed(); err != nil {
			return err
		}
		pc.ackCond.Wait()
	}
	pc.acks -= n
	return nil
}

// Peer implements comm.Group over the QUIC mesh.
type Peer struct {
	cfg     Config
	logger  *slog.Logger
	tracker *comm.RankTracker
	inbox   *inbox

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	mu       sync.Mutex
	conns    []*peerConn
	dead     []bool
	revoked  bool
	closed   bool
	listener *quic.Listener
}

var _ comm.Group = (*Peer)(nil)

// Dial starts the peer: it listens on its own address, connects the full
// mesh (lower ranks accept, higher ranks dial), and returns once every leg
// is established. All peers of the group must be started concurrently.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Peer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	world := make([]int, len(cfg.Addresses))
	for i := range world {
		world[i] = i
	}

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("quicgroup: zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("quicgroup: zstd decoder: %w", err)
	}

	p := &Peer{
		cfg:     cfg,
		logger:  logger,
		tracker: comm.NewRankTracker(cfg.Rank, world),
		inbox:   newInbox(),
		encoder: encoder,
		decoder: decoder,
		conns:   make([]*peerConn, len(cfg.Addresses)),
		dead:    make([]bool, len(cfg.Addresses)),
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()

	tlsConf, err := generateTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("quicgroup: tls config: %w", err)
	}
	listener, err := quic.ListenAddr(cfg.Addresses[cfg.Rank], tlsConf, nil)
	if err != nil {
		return nil, fmt.Errorf("quicgroup: listen on %s: %w", cfg.Addresses[cfg.Rank], err)
	}
	p.listener = listener

	var wg sync.WaitGroup
	errs := make(chan error, len(cfg.Addresses))

	// Lower ranks accept from higher ranks.
	for i := 0; i < cfg.Rank; i++ {
		wg.Add(1)
		go func(target int) {
			defer wg.Done()
			if err := p.dialPeer(ctx, target); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := cfg.Rank + 1; i < len(cfg.Addresses); i++ {
			if err := p.acceptPeer(ctx); err != nil {
				errs <- err
				return
			}
		}
	}()

	wg.Wait()
	close(errs)
	if err := <-errs; err != nil {
		_ = p.Close()
		return nil, err
	}

	for _, pc := range p.conns {
		if pc != nil {
			go p.readLoop(pc)
		}
	}

	p.logger.Debug("quic mesh established",
		logKeyRank, cfg.Rank, logKeyAddress, listener.Addr().String())
	return p, nil
}

func (p *Peer) dialPeer(ctx context.Context, target int) error {
	clientTLS := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpnProtocol},
	}
	var conn *quic.Conn
	var err error
	for {
		conn, err = quic.DialAddr(ctx, p.cfg.Addresses[target], clientTLS, nil)
		if err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("quicgroup: dial rank %d at %s: %w", target, p.cfg.Addresses[target], err)
		case <-time.After(100 * time.Millisecond):
		}
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("quicgroup: open stream to rank %d: %w", target, err)
	}

	// The dialer introduces itself with its rank.
	var hello [4]byte
	binary.BigEndian.PutUint32(hello[:], uint32(p.cfg.Rank))
	if _, err := stream.Write(hello[:]); err != nil {
		return fmt.Errorf("quicgroup: handshake with rank %d: %w", target, err)
	}

	p.mu.Lock()
	p.conns[target] = newPeerConn(target, conn, stream)
	p.mu.Unlock()
	return nil
}

func (p *Peer) acceptPeer(ctx context.Context) error {
	conn, err := p.listener.Accept(ctx)
	if err != nil {
		return fmt.Errorf("quicgroup: accept: %w", err)
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return fmt.Errorf("quicgroup: accept stream: %w", err)
	}

	var hello [4]byte
	if _, err := io.ReadFull(stream, hello[:]); err != nil {
		return fmt.Errorf("quicgroup: handshake: %w", err)
	}
	remote := int(binary.BigEndian.Uint32(hello[:]))
	if remote <= p.cfg.Rank || remote >= len(p.cfg.Addresses) {
		return fmt.Errorf("quicgroup: unexpected rank %d in handshake", remote)
	}

	p.mu.Lock()
	p.conns[remote] = newPeerConn(remote, conn, stream)
	p.mu.Unlock()
	return nil
}

// Close tears the mesh down. Not part of the comm.Group contract; the
// application calls it when done with the store.
func (p *Peer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for _, pc := range p.conns {
		if pc != nil {
			_ = pc.conn.CloseWithError(0, "closed")
		}
	}
	if p.listener != nil {
		return p.listener.Close()
	}
	return nil
}

// markDead records a failed peer and wakes every blocked reader, inbox
// waiters and ack waiters alike.
func (p *Peer) markDead(abs int, cause error) {
	p.mu.Lock()
	already := p.dead[abs]
	p.dead[abs] = true
	conns := append([]*peerConn(nil), p.conns...)
	p.mu.Unlock()
	if already {
		return
	}
	p.logger.Debug("peer connection failed",
		logKeyRank, abs, logKeyError, cause)
	p.inbox.fail(fmt.Errorf("quicgroup: peer %d failed: %w", abs, comm.ErrFault))
	for _, pc := range conns {
		if pc != nil {
			pc.ackCond.Broadcast()
		}
	}
}

// readLoop pumps one connection's frames into the inbox and acknowledges
// data deliveries.
func (p *Peer) readLoop(pc *peerConn) {
	for {
		var header [frameHeaderSize]byte
		if _, err := io.ReadFull(pc.stream, header[:]); err != nil {
			p.markDead(pc.abs, err)
			return
		}
		tag := int(int32(binary.BigEndian.Uint32(header[0:4])))
		flags := header[4]
		length := binary.BigEndian.Uint32(header[5:9])
		if length > maxFramePayload {
			p.markDead(pc.abs, fmt.Errorf("frame of %d bytes", length))
			return
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(pc.stream, payload); err != nil {
			p.markDead(pc.abs, err)
			return
		}
		if flags&flagZstd != 0 {
			decoded, err := p.decoder.DecodeAll(payload, nil)
			if err != nil {
				p.markDead(pc.abs, err)
				return
			}
			payload = decoded
		}

		switch tag {
		case tagAck:
			pc.recordAck()
		default:
			p.inbox.push(tag, inMsg{srcAbs: pc.abs, data: payload})
			if tag < tagReservedBase {
				// Data frames are acknowledged so a sender knows its
				// messages were drained before it enters the barrier.
				if err := p.writeFrame(pc, tagAck, nil); err != nil {
					p.markDead(pc.abs, err)
					return
				}
			}
		}
	}
}

// writeFrame sends one frame on a connection, compressing large payloads.
func (p *Peer) writeFrame(pc *peerConn, tag int, payload []byte) error {
	flags := byte(0)
	if p.cfg.CompressionThreshold > 0 && len(payload) >= p.cfg.CompressionThreshold {
		payload = p.encoder.EncodeAll(payload, nil)
		flags |= flagZstd
	}
	if len(payload) > maxFramePayload {
		return fmt.Errorf("quicgroup: frame of %d bytes exceeds limit", len(payload))
	}

	var header [frameHeaderSize]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(int32(tag)))
	header[4] = flags
	binary.BigEndian.PutUint32(header[5:9], uint32(len(payload)))

	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()
	if _, err := pc.stream.Write(header[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := pc.stream.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// send delivers a payload to an absolute rank, looping back locally for
// self-sends.
func (p *Peer) send(abs int, tag int, payload []byte) error {
	if abs == p.cfg.Rank {
		p.inbox.push(tag, inMsg{srcAbs: abs, data: append([]byte(nil), payload...)})
		return nil
	}
	p.mu.Lock()
	pc := p.conns[abs]
	deadPeer := p.dead[abs]
	p.mu.Unlock()
	if pc == nil || deadPeer {
		return fmt.Errorf("quicgroup: send to dead peer %d: %w", abs, comm.ErrFault)
	}
	if err := p.writeFrame(pc, tag, payload); err != nil {
		p.markDead(abs, err)
		return fmt.Errorf("quicgroup: send to peer %d: %w", abs, comm.ErrFault)
	}
	return nil
}

func (p *Peer) faultState() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.revoked {
		return fmt.Errorf("quicgroup: handle revoked: %w", comm.ErrRevoked)
	}
	return nil
}

func generateTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"ReStore"}},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	certPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: certDER,
	})
	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		NextProtos:   []string{alpnProtocol},
	}, nil
}
