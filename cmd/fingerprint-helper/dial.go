package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

// dial opens the TCP leg, honoring the job's proxy first and falling back to
// the profile's. Direct dials use the profile's DNS servers when given.
func dial(j *job, prof *profile, addr string, timeout time.Duration) (net.Conn, error) {
	var p proxySpec
	switch {
	case j.Proxy != nil && j.Proxy.Enabled:
		p = *j.Proxy
	case prof.Proxy.Enabled:
		p = prof.Proxy
	}

	if p.Enabled {
		switch strings.ToLower(p.Type) {
		case "socks5", "socks":
			return dialSOCKS5(p.URL, addr, timeout)
		case "http", "https":
			return dialHTTPConnect(p.URL, addr, timeout)
		default:
			return nil, fmt.Errorf("unsupported proxy type: %s", p.Type)
		}
	}

	dialer := &net.Dialer{Timeout: timeout}
	if len(prof.DNS.Servers) > 0 {
		server := prof.DNS.Servers[0]
		dialer.Resolver = &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				d := net.Dialer{Timeout: timeout}
				return d.DialContext(ctx, "udp", server)
			},
		}
	}
	return dialer.Dial("tcp", addr)
}

func dialSOCKS5(proxyURL, target string, timeout time.Duration) (net.Conn, error) {
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL: %w", err)
	}
	var auth *proxy.Auth
	if u.User != nil {
		pass, _ := u.User.Password()
		auth = &proxy.Auth{User: u.User.Username(), Password: pass}
	}
	dialer, err := proxy.SOCKS5("tcp", u.Host, auth, &net.Dialer{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("socks5 dialer failed: %w", err)
	}
	return dialer.Dial("tcp", target)
}

func dialHTTPConnect(proxyURL, target string, timeout time.Duration) (net.Conn, error) {
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL: %w", err)
	}
	conn, err := net.DialTimeout("tcp", u.Host, timeout)
	if err != nil {
		return nil, fmt.Errorf("proxy connection failed: %w", err)
	}

	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", target, target)
	if _, err := io.WriteString(conn, req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("proxy CONNECT write failed: %w", err)
	}

	br := bufio.NewReader(conn)
	statusLine, err := br.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("proxy CONNECT read failed: %w", err)
	}
	if !strings.Contains(statusLine, "200") {
		conn.Close()
		return nil, fmt.Errorf("proxy CONNECT rejected: %s", strings.TrimSpace(statusLine))
	}
	for {
		line, err := br.ReadString('\n')
		if err != nil || line == "\r\n" || line == "\n" {
			break
		}
	}
	return conn, nil
}
