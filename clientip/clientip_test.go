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

package clientip_test

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.gearno.de/throttle/clientip"
)

func TestGetIP(t *testing.T) {
	tests := []struct {
		name       string
		headers    map[string]string
		remoteAddr string
		want       string
	}{
		{
			name: "cloudflare header first",
			headers: map[string]string{
				"CF-Connecting-IP": "203.0.113.195",
				"X-Forwarded-For":  "192.168.1.1",
				"X-Real-IP":        "10.0.0.1",
			},
			remoteAddr: "172.16.0.1:54321",
			want:       "203.0.113.195",
		},
		{
			name: "first valid forwarded entry",
			headers: map[string]string{
				"X-Forwarded-For": "unknown, 198.51.100.178 , 203.0.113.195",
				"X-Real-IP":       "192.168.1.1",
			},
			remoteAddr: "10.0.0.1:54321",
			want:       "198.51.100.178",
		},
		{
			name: "invalid cloudflare header is skipped",
			headers: map[string]string{
				"CF-Connecting-IP": "not-an-ip",
				"X-Real-IP":        "192.168.1.1",
			},
			remoteAddr: "10.0.0.1:54321",
			want:       "192.168.1.1",
		},
		{
			name:       "remote address with port",
			remoteAddr: "127.0.0.1:8080",
			want:       "127.0.0.1",
		},
		{
			name:       "remote address without port",
			remoteAddr: "127.0.0.1",
			want:       "127.0.0.1",
		},
		{
			name:       "ipv6 remote address",
			remoteAddr: "[2001:db8::1]:443",
			want:       "2001:db8::1",
		},
		{
			name:       "ipv6 is normalized",
			headers:    map[string]string{"X-Real-IP": "2001:0DB8:0000:0000:0000:0000:0000:0001"},
			remoteAddr: "10.0.0.1:1",
			want:       "2001:db8::1",
		},
		{
			name:       "ipv4 mapped address",
			headers:    map[string]string{"CF-Connecting-IP": "::ffff:192.0.2.10"},
			remoteAddr: "10.0.0.1:1",
			want:       "192.0.2.10",
		},
		{
			name:       "nothing valid",
			headers:    map[string]string{"X-Forwarded-For": "a, b"},
			remoteAddr: "garbage",
			want:       "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}

			assert.Equal(t, tt.want, clientip.GetIP(r))
		})
	}
}

func TestAnonymize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"203.0.113.195", "203.0.113.0"},
		{"10.0.0.1", "10.0.0.0"},
		{" 192.168.1.254 ", "192.168.1.0"},
		{"::ffff:192.0.2.10", "192.0.2.0"},
		{"2001:db8:85a3:8d3:1319:8a2e:370:7348", "2001:db8:85a3::"},
		{"fe80::1%eth0", "fe80::"},
		{"::1", "::"},
		{"", ""},
		{"not-an-ip", ""},
		{"300.1.1.1", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, clientip.Anonymize(tt.in))
		})
	}
}
