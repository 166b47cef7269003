// Package proxy serves local HTTP and SOCKS5 proxies whose outbound
// connections come from a Dialer, normally the SSH tunnel agent.
//
// The HTTP proxy handles CONNECT by hijacking the client connection and
// plain requests with httputil.ReverseProxy over [NewTransport]. The SOCKS5
// server supports the CONNECT command without authentication.
package proxy
