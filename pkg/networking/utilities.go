// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package networking holds URL validation helpers and a hardened HTTP client
// used for calls to external identity providers and the introspection endpoint.
package networking

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
)

const (
	// HttpScheme is the HTTP scheme.
	HttpScheme = "http"
	// HttpsScheme is the HTTPS scheme.
	HttpsScheme = "https"
)

// ErrPrivateIpAddress is returned when an outbound connection targets a private address.
var ErrPrivateIpAddress = errors.New("connections to private IP addresses are not allowed")

// HTTPClient is the subset of *http.Client used by this package.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

var privateIPBlocks []*net.IPNet

func init() {
	for _, cidr := range []string{
		"127.0.0.0/8",    // IPv4 loopback
		"10.0.0.0/8",     // RFC1918
		"172.16.0.0/12",  // RFC1918
		"192.168.0.0/16", // RFC1918
		"169.254.0.0/16", // RFC3927 link-local
		"::1/128",        // IPv6 loopback
		"fe80::/10",      // IPv6 link-local
		"fc00::/7",       // IPv6 unique local addr
	} {
		_, block, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Errorf("parse error on %q: %v", cidr, err))
		}
		privateIPBlocks = append(privateIPBlocks, block)
	}
}

func isPrivateIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	for _, block := range privateIPBlocks {
		if block.Contains(ip) {
			return true
		}
	}
	return false
}

// AddressReferencesPrivateIp returns an error if a host:port address resolves to a private IP.
func AddressReferencesPrivateIp(address string) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	if isPrivateIP(net.ParseIP(host)) {
		return ErrPrivateIpAddress
	}
	return nil
}

// IsLocalhost reports whether host (optionally with a port) names the local machine.
func IsLocalhost(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// ParseAbsoluteHTTPURL parses raw and requires an http or https scheme, a host
// and no fragment.
func ParseAbsoluteHTTPURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("malformed URL: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, errors.New("URL must be absolute with scheme and host")
	}
	if u.Scheme != HttpScheme && u.Scheme != HttpsScheme {
		return nil, fmt.Errorf("URL scheme must be %s or %s", HttpScheme, HttpsScheme)
	}
	if u.Fragment != "" {
		return nil, errors.New("URL must not contain a fragment")
	}
	return u, nil
}

// ValidateEndpointURL checks that an endpoint URL is absolute and uses HTTPS,
// except for localhost where plain HTTP is accepted for development.
func ValidateEndpointURL(raw string) error {
	u, err := ParseAbsoluteHTTPURL(raw)
	if err != nil {
		return err
	}
	if u.Scheme != HttpsScheme && !IsLocalhost(u.Host) {
		return fmt.Errorf("endpoint %s must use HTTPS", raw)
	}
	return nil
}
