package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	xproxy "golang.org/x/net/proxy"
)

// Route is the outbound path for one group. A nil URL means direct.
type Route struct {
	URL *url.URL
}

// Direct is the route used by accounts without a proxied group
var Direct = &Route{}

// IsDirect reports whether no proxy is configured
func (r *Route) IsDirect() bool {
	return r == nil || r.URL == nil
}

// String returns the proxy URL without credentials
func (r *Route) String() string {
	if r.IsDirect() {
		return "direct"
	}
	return r.URL.Redacted()
}

var baseDialer = &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}

// DialContext opens a TCP connection to addr through the route
func (r *Route) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if r.IsDirect() {
		return baseDialer.DialContext(ctx, network, addr)
	}

	switch r.URL.Scheme {
	case "socks5", "socks5h":
		d, err := xproxy.FromURL(r.URL, xproxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("failed to create socks dialer: %w", err)
		}
		if cd, ok := d.(xproxy.ContextDialer); ok {
			return cd.DialContext(ctx, network, addr)
		}
		return d.Dial(network, addr)
	case "http", "https":
		return r.dialConnect(ctx, addr)
	default:
		return nil, fmt.Errorf("unsupported proxy scheme: %s", r.URL.Scheme)
	}
}

// DialTLS opens a TLS connection to addr and completes the handshake
func (r *Route) DialTLS(ctx context.Context, addr string, cfg *tls.Config) (*tls.Conn, error) {
	conn, err := r.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" {
		host, _, _ := net.SplitHostPort(addr)
		cfg = cfg.Clone()
		cfg.ServerName = host
	}

	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("TLS handshake failed: %w", err)
	}
	return tlsConn, nil
}

// HTTPClient returns a client whose requests go through the route
func (r *Route) HTTPClient(timeout time.Duration) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.Proxy = nil
	if !r.IsDirect() {
		switch r.URL.Scheme {
		case "http", "https":
			tr.Proxy = http.ProxyURL(r.URL)
		default:
			tr.DialContext = r.DialContext
		}
	}
	return &http.Client{Timeout: timeout, Transport: tr}
}

// dialConnect tunnels through an HTTP proxy using CONNECT
func (r *Route) dialConnect(ctx context.Context, addr string) (net.Conn, error) {
	proxyHost := r.URL.Host
	if r.URL.Port() == "" {
		if r.URL.Scheme == "https" {
			proxyHost = net.JoinHostPort(r.URL.Hostname(), "443")
		} else {
			proxyHost = net.JoinHostPort(r.URL.Hostname(), "80")
		}
	}

	var conn net.Conn
	var err error
	if r.URL.Scheme == "https" {
		td := &tls.Dialer{NetDialer: baseDialer, Config: &tls.Config{ServerName: r.URL.Hostname()}}
		conn, err = td.DialContext(ctx, "tcp", proxyHost)
	} else {
		conn, err = baseDialer.DialContext(ctx, "tcp", proxyHost)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to proxy at %s: %w", proxyHost, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	var req strings.Builder
	fmt.Fprintf(&req, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n", addr, addr)
	if u := r.URL.User; u != nil {
		pass, _ := u.Password()
		cred := base64.StdEncoding.EncodeToString([]byte(u.Username() + ":" + pass))
		fmt.Fprintf(&req, "Proxy-Authorization: Basic %s\r\n", cred)
	}
	req.WriteString("\r\n")

	if _, err := conn.Write([]byte(req.String())); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send CONNECT: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read CONNECT response: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("proxy CONNECT failed: %s", resp.Status)
	}
	if br.Buffered() > 0 {
		// server-first protocols may have sent a greeting already
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
