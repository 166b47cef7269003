package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"time"

	"github.com/jpillora/sizestr"
	txsocks5 "github.com/txthinking/socks5"
	"golang.org/x/crypto/ssh"
)

// SOCKS5Server serves SOCKS5 CONNECT requests without authentication.
type SOCKS5Server struct {
	ctx    context.Context
	cfg    Config
	logger *slog.Logger
}

// NewSOCKS5Server returns a SOCKS5 server. Canceling ctx tears down tunnels in
// progress.
func NewSOCKS5Server(ctx context.Context, cfg Config) *SOCKS5Server {
	if ctx == nil {
		ctx = context.Background()
	}
	return &SOCKS5Server{ctx: ctx, cfg: cfg, logger: cfg.logger()}
}

// Serve accepts connections on ln until it fails.
func (s *SOCKS5Server) Serve(ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(c)
	}
}

func (s *SOCKS5Server) handleConn(conn net.Conn) {
	defer conn.Close()

	if s.cfg.NegotiationTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.cfg.NegotiationTimeout))
	}

	if err := negotiateNoAuth(conn); err != nil {
		s.logger.Debug("socks5: negotiation failed", "client", conn.RemoteAddr(), "err", err)
		return
	}

	req, err := txsocks5.NewRequestFrom(conn)
	if err != nil {
		s.logger.Debug("socks5: bad request", "client", conn.RemoteAddr(), "err", err)
		return
	}
	if req.Cmd != txsocks5.CmdConnect {
		_, _ = zeroAddrReply(txsocks5.RepCommandNotSupported, req.Atyp).WriteTo(conn)
		return
	}

	target := req.Address()
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	up, err := s.cfg.Dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		s.logger.Debug("socks5: connect failed", "target", target, "err", err)
		_, _ = zeroAddrReply(replyCode(err), req.Atyp).WriteTo(conn)
		return
	}

	if err := writeSuccessReply(conn, up.LocalAddr()); err != nil {
		_ = up.Close()
		return
	}
	_ = conn.SetDeadline(time.Time{})

	sent, received, err := CopyBidirectional(ctx, conn, up)
	s.logger.Debug("socks5: tunnel closed",
		"target", target,
		"sent", sizestr.ToString(sent),
		"received", sizestr.ToString(received),
		"err", err)
}

func negotiateNoAuth(conn net.Conn) error {
	neg, err := txsocks5.NewNegotiationRequestFrom(conn)
	if err != nil {
		return fmt.Errorf("negotiation request: %w", err)
	}
	if !slices.Contains(neg.Methods, txsocks5.MethodNone) {
		// RFC 1928: 0xFF indicates no acceptable methods.
		_, _ = txsocks5.NewNegotiationReply(0xff).WriteTo(conn)
		return errors.New("client does not support no-auth")
	}
	if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodNone).WriteTo(conn); err != nil {
		return fmt.Errorf("negotiation reply: %w", err)
	}
	return nil
}

// replyCode maps a dial failure to a SOCKS5 reply. A target the SSH server
// could not reach is reported the way the server described it.
func replyCode(err error) byte {
	var oce *ssh.OpenChannelError
	if errors.As(err, &oce) {
		switch oce.Reason {
		case ssh.ConnectionFailed:
			return txsocks5.RepConnectionRefused
		case ssh.Prohibited:
			return txsocks5.RepNotAllowed
		}
		return txsocks5.RepHostUnreachable
	}
	return txsocks5.RepServerFailure
}

func writeSuccessReply(conn net.Conn, localAddr net.Addr) error {
	a, addr, port, err := txsocks5.ParseAddress(localAddr.String())
	if err != nil {
		// The forwarded channel may not have a meaningful local address.
		_, err = zeroAddrReply(txsocks5.RepSuccess, txsocks5.ATYPIPv4).WriteTo(conn)
		return err
	}
	if a == txsocks5.ATYPDomain {
		addr = addr[1:]
	}
	if _, err := txsocks5.NewReply(txsocks5.RepSuccess, a, addr, port).WriteTo(conn); err != nil {
		return fmt.Errorf("success reply: %w", err)
	}
	return nil
}

func zeroAddrReply(rep, atyp byte) *txsocks5.Reply {
	if atyp == txsocks5.ATYPIPv6 {
		return txsocks5.NewReply(rep, txsocks5.ATYPIPv6, []byte(net.IPv6zero), []byte{0x00, 0x00})
	}
	return txsocks5.NewReply(rep, txsocks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00})
}
