// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

// Package clientip extracts and anonymizes the address of the client
// behind an HTTP request.
package clientip

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// GetIP returns the client address of r, checking in order
// CF-Connecting-IP, X-Forwarded-For (first valid entry), X-Real-IP
// and finally RemoteAddr. Headers holding an invalid address are
// skipped. It returns "" when no candidate is valid.
//
// The headers are trusted as is: only call GetIP behind a proxy that
// overwrites them.
func GetIP(r *http.Request) string {
	if ip := parseIP(r.Header.Get("CF-Connecting-IP")); ip != "" {
		return ip
	}

	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		for candidate := range strings.SplitSeq(forwarded, ",") {
			if ip := parseIP(candidate); ip != "" {
				return ip
			}
		}
	}

	if ip := parseIP(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return parseIP(r.RemoteAddr)
	}

	return parseIP(host)
}

// Anonymize drops the host part of ip: the last octet of an IPv4
// address is zeroed and an IPv6 address is truncated to its /48
// prefix. IPv4-mapped IPv6 addresses are treated as IPv4. It returns
// "" when ip is not a valid address.
func Anonymize(ip string) string {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return ""
	}

	addr = addr.Unmap()

	bits := 48
	if addr.Is4() {
		bits = 24
	}

	prefix, err := addr.WithZone("").Prefix(bits)
	if err != nil {
		return ""
	}

	return prefix.Addr().String()
}

func parseIP(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	addr, err := netip.ParseAddr(s)
	if err != nil {
		return ""
	}

	return addr.Unmap().WithZone("").String()
}
