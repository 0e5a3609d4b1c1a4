package dlcd

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/dlcsuite/dlcd/dlccfg"
	"github.com/dlcsuite/dlcd/dlcdb"
	"github.com/dlcsuite/dlcd/dlcmgr"
	"github.com/dlcsuite/dlcd/dlcmsg"
	"github.com/dlcsuite/dlcd/fn"
	"github.com/dlcsuite/dlcd/oracle"
)

// RawTransport is the byte-level peer transport the server builds on: it
// delivers opaque payloads to a counterparty public key, in order per
// peer, and hands inbound payloads to the callback registered with
// Subscribe. Message segmentation and reassembly happen above it, inside
// the server.
type RawTransport interface {
	// SendRaw delivers one payload to the peer.
	SendRaw(ctx context.Context, peer *btcec.PublicKey,
		payload []byte) error

	// Subscribe registers the inbound payload handler.
	Subscribe(handler func(from *btcec.PublicKey, payload []byte))
}

// ServerConfig bundles everything the server needs: the configuration and
// the external collaborators the core doesn't implement itself.
type ServerConfig struct {
	// Cfg is the daemon configuration.
	Cfg *dlccfg.Config

	// Wallet is the on-chain wallet collaborator.
	Wallet dlcmgr.Wallet

	// Blockchain is the chain access collaborator.
	Blockchain dlcmgr.Blockchain

	// Transport is the raw peer transport.
	Transport RawTransport

	// Oracle optionally overrides the oracle client built from the
	// configured oracle URL.
	Oracle dlcmgr.Oracle
}

// Server assembles the contract database, the oracle client, the manager
// and the wire message segmentation layer into one runnable unit.
type Server struct {
	startOnce sync.Once
	stopOnce  sync.Once

	cfg *ServerConfig

	db  *dlcdb.SqliteStore
	mgr *dlcmgr.Manager

	reassembler *dlcmsg.Reassembler

	*fn.ContextGuard
}

// NewServer wires up a server from the given config and collaborators.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg.Cfg == nil {
		return nil, fmt.Errorf("missing configuration")
	}
	if cfg.Wallet == nil || cfg.Blockchain == nil ||
		cfg.Transport == nil {

		return nil, fmt.Errorf("missing collaborator")
	}

	if err := cfg.Cfg.EnsureDirs(); err != nil {
		return nil, err
	}

	db, err := dlcdb.NewSqliteStore(cfg.Cfg.DBPath())
	if err != nil {
		return nil, err
	}

	oracleClient := cfg.Oracle
	if oracleClient == nil {
		if cfg.Cfg.OracleURL == "" {
			db.Close()
			return nil, fmt.Errorf("no oracle configured")
		}
		oracleClient = oracle.NewHTTPClient(cfg.Cfg.OracleURL)
	}

	s := &Server{
		cfg: cfg,
		db:  db,
		reassembler: dlcmsg.NewReassembler(
			cfg.Cfg.ReassemblyTimeout, nil,
		),
		ContextGuard: &fn.ContextGuard{
			DefaultTimeout: dlcmgr.DefaultTimeout,
			Quit:           make(chan struct{}),
		},
	}

	mgr, err := dlcmgr.NewManager(&dlcmgr.Config{
		Wallet:             cfg.Wallet,
		Blockchain:         cfg.Blockchain,
		Store:              db,
		Oracle:             oracleClient,
		Transport:          s,
		NumConfirmations:   cfg.Cfg.FundingConfirmations,
		CetReorgDepth:      cfg.Cfg.CetReorgDepth,
		RefundSafetyBlocks: cfg.Cfg.RefundSafetyBlocks,
		CheckInterval:      cfg.Cfg.CheckInterval,
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	s.mgr = mgr

	return s, nil
}

// Manager exposes the contract manager for API surfaces built on top of
// the server.
func (s *Server) Manager() *dlcmgr.Manager {
	return s.mgr
}

// Start brings up the manager and subscribes to the transport.
func (s *Server) Start() error {
	var startErr error
	s.startOnce.Do(func() {
		log.Infof("Starting dlcd server")

		s.cfg.Transport.Subscribe(s.handleInbound)

		startErr = s.mgr.Start()
	})

	return startErr
}

// Stop shuts the server down and closes the database.
func (s *Server) Stop() error {
	var stopErr error
	s.stopOnce.Do(func() {
		log.Infof("Stopping dlcd server")

		close(s.Quit)

		if err := s.mgr.Stop(); err != nil {
			stopErr = err
		}
		s.Wg.Wait()

		if err := s.db.Close(); err != nil && stopErr == nil {
			stopErr = err
		}
	})

	return stopErr
}

// SendMessage implements dlcmgr.PeerTransport: messages too large for one
// transport frame are split into fragments.
func (s *Server) SendMessage(ctx context.Context, peer *btcec.PublicKey,
	msg dlcmsg.Message) error {

	encoded, err := dlcmsg.EncodeMessage(msg)
	if err != nil {
		return err
	}

	fragments := dlcmsg.FragmentMessage(
		encoded, s.cfg.Cfg.FragmentSizeBytes,
	)
	if fragments == nil {
		return s.cfg.Transport.SendRaw(ctx, peer, encoded)
	}

	for _, fragment := range fragments {
		fragBytes, err := dlcmsg.EncodeMessage(fragment)
		if err != nil {
			return err
		}
		if err := s.cfg.Transport.SendRaw(
			ctx, peer, fragBytes,
		); err != nil {
			return err
		}
	}

	return nil
}

// handleInbound decodes one inbound payload, reassembles fragments, runs
// the manager and sends any reply. Malformed payloads are logged and
// dropped.
func (s *Server) handleInbound(from *btcec.PublicKey, payload []byte) {
	msg, err := dlcmsg.DecodeMessage(payload)
	if err != nil {
		log.Warnf("Dropping undecodable message from %x: %v",
			from.SerializeCompressed(), err)

		return
	}

	// Reassemble fragmented messages; incomplete ones wait for their
	// remaining fragments.
	if fragment, ok := msg.(*dlcmsg.Fragment); ok {
		var peer [33]byte
		copy(peer[:], from.SerializeCompressed())

		full, err := s.reassembler.Add(peer, fragment)
		if err != nil {
			log.Warnf("Fragment from %x: %v", peer, err)
			return
		}
		if full == nil {
			return
		}

		msg, err = dlcmsg.DecodeMessage(full)
		if err != nil {
			log.Warnf("Dropping undecodable reassembled "+
				"message from %x: %v", peer, err)

			return
		}
	}
	for _, sweepErr := range s.reassembler.Sweep() {
		log.Warnf("Reassembly: %v", sweepErr)
	}

	ctx, cancel := s.WithCtxQuitCustomTimeout(time.Minute)
	defer cancel()

	reply, err := s.mgr.OnMessage(ctx, msg, from)
	if err != nil {
		log.Errorf("Processing message type %d from %x: %v",
			msg.MsgType(), from.SerializeCompressed(), err)

		return
	}
	if reply == nil {
		return
	}

	if err := s.SendMessage(ctx, from, reply); err != nil {
		log.Errorf("Sending reply to %x: %v",
			from.SerializeCompressed(), err)
	}
}
