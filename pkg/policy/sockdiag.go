// Copyright 2024 The OpenCRaC Authors.
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

package policy

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// sockResolver maps a socket inode to a human-readable endpoint
// description. The bool result reports whether the inode was found.
type sockResolver func(inode uint64) (string, bool)

// resolveSocket expands a "socket:[inode]" link target into endpoint
// details for diagnostics. Unresolvable sockets fall back to the raw link
// target.
func resolveSocket(link string, resolvers ...sockResolver) string {
	inode, ok := socketInode(link)
	if !ok {
		return link
	}
	for _, r := range resolvers {
		if details, ok := r(inode); ok {
			return details
		}
	}
	return link
}

func socketInode(link string) (uint64, bool) {
	rest, found := strings.CutPrefix(link, "socket:[")
	if !found || !strings.HasSuffix(rest, "]") {
		return 0, false
	}
	inode, err := strconv.ParseUint(strings.TrimSuffix(rest, "]"), 10, 64)
	if err != nil {
		return 0, false
	}
	return inode, true
}

// diagResolve looks the inode up in the kernel connection tables over
// netlink sock_diag.
func diagResolve(inode uint64) (string, bool) {
	for _, family := range []uint8{unix.AF_INET, unix.AF_INET6} {
		if tcp, err := netlink.SocketDiagTCPInfo(family); err == nil {
			for _, info := range tcp {
				if s := info.InetDiagMsg; s != nil && uint64(s.INode) == inode {
					return endpointDetails(protoName("tcp", family), s), true
				}
			}
		}
		if udp, err := netlink.SocketDiagUDPInfo(family); err == nil {
			for _, info := range udp {
				if s := info.InetDiagMsg; s != nil && uint64(s.INode) == inode {
					return endpointDetails(protoName("udp", family), s), true
				}
			}
		}
	}
	return "", false
}

func protoName(proto string, family uint8) string {
	if family == unix.AF_INET6 {
		return proto + "6"
	}
	return proto
}

func endpointDetails(proto string, s *netlink.Socket) string {
	return fmt.Sprintf("%s localAddr %s localPort %d remoteAddr %s remotePort %d",
		proto, s.ID.Source, s.ID.SourcePort, s.ID.Destination, s.ID.DestinationPort)
}

// procNetResolve is the fallback used when sock_diag is unavailable: it
// scans the /proc/net connection tables directly.
func procNetResolve(inode uint64) (string, bool) {
	for _, base := range []string{"tcp", "udp", "tcp6", "udp6"} {
		f, err := os.Open("/proc/net/" + base)
		if err != nil {
			continue
		}
		details, ok := parseProcNet(f, base, strings.HasSuffix(base, "6"), inode)
		f.Close()
		if ok {
			return details, true
		}
	}
	return "", false
}

// parseProcNet scans one /proc/net table for the given socket inode.
// Line format (see proc(5)):
//
//	sl  local_address rem_address st tx_queue:rx_queue tr:tm->when retrnsmt uid timeout inode ...
//	 0: 0100007F:08AE 00000000:0000 0A 00000000:00000000 00:00000000 00000000 1000 0 2988639 ...
func parseProcNet(r io.Reader, base string, v6 bool, inode uint64) (string, bool) {
	scanner := bufio.NewScanner(r)
	scanner.Scan() // header
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 10 {
			continue
		}
		ino, err := strconv.ParseUint(fields[9], 10, 64)
		if err != nil || ino != inode {
			continue
		}
		laddr, lport, err := parseHexEndpoint(fields[1], v6)
		if err != nil {
			return "", false
		}
		raddr, rport, err := parseHexEndpoint(fields[2], v6)
		if err != nil {
			return "", false
		}
		return fmt.Sprintf("%s localAddr %s localPort %d remoteAddr %s remotePort %d",
			base, laddr, lport, raddr, rport), true
	}
	return "", false
}

// parseHexEndpoint decodes the kernel's "ADDRESS:PORT" hex notation. The
// address is printed as in-memory big-endian words, so each 32-bit group
// is byte-reversed.
func parseHexEndpoint(s string, v6 bool) (net.IP, uint16, error) {
	addrHex, portHex, found := strings.Cut(s, ":")
	if !found {
		return nil, 0, fmt.Errorf("malformed endpoint %q", s)
	}
	port, err := strconv.ParseUint(portHex, 16, 16)
	if err != nil {
		return nil, 0, fmt.Errorf("malformed port in %q: %w", s, err)
	}

	groups := 1
	if v6 {
		groups = 4
	}
	if len(addrHex) != groups*8 {
		return nil, 0, fmt.Errorf("malformed address in %q", s)
	}
	ip := make(net.IP, groups*4)
	for i := 0; i < groups; i++ {
		word, err := strconv.ParseUint(addrHex[i*8:(i+1)*8], 16, 32)
		if err != nil {
			return nil, 0, fmt.Errorf("malformed address in %q: %w", s, err)
		}
		ip[i*4+0] = byte(word)
		ip[i*4+1] = byte(word >> 8)
		ip[i*4+2] = byte(word >> 16)
		ip[i*4+3] = byte(word >> 24)
	}
	return ip, uint16(port), nil
}
