// Copyright (c) 2026 Tigera, Inc. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ip

import (
	"net/netip"
	"strings"

	log "github.com/sirupsen/logrus"
)

// AddrAsBinary returns the address as a string of '0' and '1' characters, one per bit, most
// significant bit first.  The result is suitable as a patricia.Prefix: storing one bit per byte lets
// the byte-oriented trie do bit-granularity longest-prefix matches.
func AddrAsBinary(addr netip.Addr) string {
	return bitsToBinary(addr.AsSlice(), addr.BitLen())
}

// PrefixAsBinary returns the masked network part of the prefix in the same format as
// AddrAsBinary, truncated to the prefix length.
func PrefixAsBinary(p netip.Prefix) string {
	p = p.Masked()
	return bitsToBinary(p.Addr().AsSlice(), p.Bits())
}

func bitsToBinary(b []byte, numBits int) string {
	var sb strings.Builder
	sb.Grow(numBits)
	for i := 0; i < numBits; i++ {
		if b[i/8]&(0x80>>(i%8)) != 0 {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return sb.String()
}

// MustParseCIDROrIP parses a prefix, or a bare address which is treated as a host prefix.  It
// panics on bad input; intended for tests and static config.
func MustParseCIDROrIP(s string) netip.Prefix {
	p, err := ParseCIDROrIP(s)
	if err != nil {
		log.WithError(err).WithField("input", s).Panic("Failed to parse CIDR or IP")
	}
	return p
}

// ParseCIDROrIP parses a prefix, or a bare address which is treated as a host prefix.
func ParseCIDROrIP(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p.Masked(), nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(a, a.BitLen()), nil
}

// MustParseAddr is netip.MustParseAddr with a logrus panic, for consistency with the rest of the
// package.
func MustParseAddr(s string) netip.Addr {
	a, err := netip.ParseAddr(s)
	if err != nil {
		log.WithError(err).WithField("input", s).Panic("Failed to parse IP")
	}
	return a
}
