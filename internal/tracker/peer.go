package tracker

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

const compactStride = 6 // 4 bytes IPv4 + 2 bytes big-endian port

// decodePeers accepts either a compact byte string (groups of 6 bytes) or a
// list of {ip, port, peer id} dicts, per spec.md §4.4.
func decodePeers(v any) ([]netip.AddrPort, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		return decodeCompactPeers([]byte(t))
	case []byte:
		return decodeCompactPeers(t)
	case []any:
		return decodeDictPeers(t)
	default:
		return nil, fmt.Errorf("tracker: invalid peers type %T", v)
	}
}

func decodeCompactPeers(data []byte) ([]netip.AddrPort, error) {
	if len(data)%compactStride != 0 {
		return nil, fmt.Errorf("tracker: malformed compact peers (length %d not a multiple of %d)", len(data), compactStride)
	}

	n := len(data) / compactStride
	out := make([]netip.AddrPort, n)
	for i, off := 0, 0; i < n; i, off = i+1, off+compactStride {
		chunk := data[off : off+compactStride]
		addr := netip.AddrFrom4([4]byte{chunk[0], chunk[1], chunk[2], chunk[3]})
		port := binary.BigEndian.Uint16(chunk[4:6])
		out[i] = netip.AddrPortFrom(addr, port)
	}
	return out, nil
}

func decodeDictPeers(list []any) ([]netip.AddrPort, error) {
	peers := make([]netip.AddrPort, 0, len(list))

	for i, it := range list {
		m, ok := it.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("tracker: peer[%d] is not a dict", i)
		}

		ipStr, err := castString(m["ip"])
		if err != nil {
			return nil, fmt.Errorf("tracker: peer[%d]: %w", i, err)
		}
		addr, err := netip.ParseAddr(ipStr)
		if err != nil {
			return nil, fmt.Errorf("tracker: peer[%d]: bad ip %q: %w", i, ipStr, err)
		}

		port, err := castInt(m["port"])
		if err != nil || port < 1 || port > 65535 {
			return nil, fmt.Errorf("tracker: peer[%d]: invalid port %v", i, m["port"])
		}

		peers = append(peers, netip.AddrPortFrom(addr, uint16(port)))
	}

	return peers, nil
}
