// Package ssh holds the SSH plumbing underneath the tunneled connection
// factory: private key and agent loading, host key fingerprints, a
// known_hosts verifier with trust on first use, the client handshake helper,
// and a small server that answers "direct-tcpip" channels.
//
// The server side is what tests tunnel through, and it can equally be
// embedded to give a process a forwarding endpoint:
//
//	srv, _ := ssh.NewServer("127.0.0.1:2222", ssh.ServerConfig{
//	    HostKeys:         []gossh.Signer{hostKey},
//	    PasswordCallback: ssh.SimplePasswordAuth("user", "secret"),
//	})
//	go srv.Serve(ctx)
package ssh
