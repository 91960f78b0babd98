// Package ifacestat reads per-interface receive counters from sysfs
// (/sys/class/net/<iface>/statistics). NIC-level counters frame the
// socket-level ring drop report: packets the NIC dropped never reach
// the ring and would otherwise go unaccounted.
package ifacestat

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

type Counter int

const (
	RxPackets Counter = iota
	RxBytes
	RxDropped
	RxMissed
)

func (c Counter) String() string {
	switch c {
	case RxPackets:
		return "rx_packets"
	case RxBytes:
		return "rx_bytes"
	case RxDropped:
		return "rx_dropped"
	case RxMissed:
		return "rx_missed_errors"
	}
	return ""
}

// RxCounters is the full receive counter set.
var RxCounters = []Counter{RxPackets, RxBytes, RxDropped, RxMissed}

// Overridable in tests.
var statsRoot = "/sys/class/net"

// Per-interface values.
type IfaceStats map[Counter]uint64

// Multi-interface stats.
type Stats map[string]IfaceStats

// Snapshot reads the requested counters for all interfaces.
func Snapshot(ifaces []string, counters ...Counter) (Stats, error) {
	s := make(Stats)
	for _, iface := range ifaces {
		vals, err := readIface(iface, counters)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", iface, err)
		}
		s[iface] = vals
	}
	return s, nil
}

func readIface(name string, counters []Counter) (IfaceStats, error) {
	vals := make(IfaceStats, len(counters))
	for _, ctr := range counters {
		path := filepath.Join(statsRoot, name, "statistics", ctr.String())
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		v, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		vals[ctr] = v
	}
	return vals, nil
}

// Since computes s(now) - old.
func (s Stats) Since(old Stats) Stats {
	out := make(Stats)
	for ifc, now := range s {
		prev := old[ifc]
		diff := make(IfaceStats, len(now))
		for ctr, v := range now {
			diff[ctr] = v - prev[ctr]
		}
		out[ifc] = diff
	}
	return out
}

// Print writes a humanized per-interface receive summary.
func Print(w io.Writer, s Stats) {
	ifaces := make([]string, 0, len(s))
	for iface := range s {
		ifaces = append(ifaces, iface)
	}
	slices.Sort(ifaces)

	for _, iface := range ifaces {
		stats := s[iface]

		fmt.Fprintf(w, "%s:\n", iface)
		fmt.Fprintf(w, "  RX       %-12d  ≈ %-8s (%s)\n",
			stats[RxPackets],
			humanize.Bytes(stats[RxBytes]), humanize.Comma(int64(stats[RxBytes])),
		)
		fmt.Fprintf(w, "  dropped  %-12d  (missed %d)\n",
			stats[RxDropped], stats[RxMissed],
		)
	}
}
