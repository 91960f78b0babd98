//go:build linux

package main

import (
	"errors"
	"flag"
	"fmt"
	"math"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/lvzhengxu1987/afpacket-ring-go/afring"
	"github.com/lvzhengxu1987/afpacket-ring-go/ifacestat"
	"github.com/lvzhengxu1987/afpacket-ring-go/ratelimit"
)

type Config struct {
	Interface     string `yaml:"interface"`
	RingSize      string `yaml:"ring-size"`      // humanized, e.g. "32 MiB"
	StatsInterval string `yaml:"stats-interval"` // e.g. "1s", "" disables
	TPacketV3     bool   `yaml:"tpacket-v3"`
	JumboFrames   bool   `yaml:"jumbo-frames"`
	Verbose       bool   `yaml:"verbose"`

	statsInterval time.Duration
	ringSize      uint64
}

func loadConfig() (*Config, error) {
	fConfig := flag.String("config", "", "path to config YAML file")
	fIface := flag.String("i", "", "interface to capture on")
	fSize := flag.String("s", "", "ring size budget, e.g. 32MiB")
	fV3 := flag.Bool("v3", false, "use TPACKET_V3 block rings")
	fJumbo := flag.Bool("jumbo", false, "jumbo frame sizing profile")
	fVerbose := flag.Bool("verbose", false, "report ring geometry and NIC counters")

	flag.Parse()

	conf := Config{
		RingSize:      "16 MiB",
		StatsInterval: "1s",
	}
	if *fConfig != "" {
		b, err := os.ReadFile(*fConfig)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &conf); err != nil {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
	}

	// Apply CLI overrides if necessary.
	if *fIface != "" {
		conf.Interface = *fIface
	}
	if *fSize != "" {
		conf.RingSize = *fSize
	}
	if *fV3 {
		conf.TPacketV3 = true
	}
	if *fJumbo {
		conf.JumboFrames = true
	}
	if *fVerbose {
		conf.Verbose = true
	}

	if conf.Interface == "" {
		return nil, errors.New("interface must be set (or use -i)")
	}
	size, err := humanize.ParseBytes(conf.RingSize)
	if err != nil {
		return nil, fmt.Errorf("invalid ring-size %q: %w", conf.RingSize, err)
	}
	if size > math.MaxInt {
		return nil, fmt.Errorf("ring-size %q exceeds the addressable budget", conf.RingSize)
	}
	conf.ringSize = size
	if conf.StatsInterval != "" {
		d, err := time.ParseDuration(conf.StatsInterval)
		if err != nil {
			return nil, fmt.Errorf("invalid stats-interval %q: %w", conf.StatsInterval, err)
		}
		conf.statsInterval = d
	}

	return &conf, nil
}

func main() {
	conf, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	iface, err := net.InterfaceByName(conf.Interface)
	if err != nil {
		fmt.Fprintf(os.Stderr, "getting interface: %v\n", err)
		os.Exit(1)
	}

	fd, err := afring.OpenSocket()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer unix.Close(fd)

	var nicBefore ifacestat.Stats
	if conf.Verbose {
		nicBefore, err = ifacestat.Snapshot([]string{conf.Interface}, ifacestat.RxCounters...)
		if err != nil {
			fmt.Fprintf(os.Stderr, "snapshotting NIC counters: %v\n", err)
			os.Exit(1)
		}
	}

	var ring afring.Ring
	var pfd unix.PollFd
	afring.SetupRXRing(&ring, fd, int(conf.ringSize), iface.Index, &pfd, conf.TPacketV3, afring.Config{
		JumboFrames: conf.JumboFrames,
		Verbose:     conf.Verbose,
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, unix.SIGTERM)

	p := message.NewPrinter(language.English)
	gate := ratelimit.NewGate(conf.statsInterval)

	waitTimeoutMS := int((100 * time.Millisecond).Milliseconds())

	var seen uint64
	idx := 0

loop:
	for {
		select {
		case <-sig:
			break loop
		default:
		}

		switch ring.Version() {
		case afring.TPacketV3:
			if !ring.BlockReady(idx) {
				if err := ring.Wait(&pfd, waitTimeoutMS); err != nil {
					fmt.Fprintf(os.Stderr, "\npolling: %v\n", err)
					break loop
				}
				continue
			}
			seen += uint64(ring.BlockPackets(idx))
			ring.ReleaseBlock(idx)
		default:
			if !ring.FrameReady(idx) {
				if err := ring.Wait(&pfd, waitTimeoutMS); err != nil {
					fmt.Fprintf(os.Stderr, "\npolling: %v\n", err)
					break loop
				}
				continue
			}
			seen++
			ring.ReleaseFrame(idx)
		}
		idx = (idx + 1) % ring.NumFrames()

		if gate.Allow() {
			p.Printf("\r%d packets", seen)
		}
	}

	fmt.Println()
	ring.ReportNetStats(os.Stdout, fd, seen)
	afring.DestroyRXRing(fd, &ring)

	if conf.Verbose {
		nicAfter, err := ifacestat.Snapshot([]string{conf.Interface}, ifacestat.RxCounters...)
		if err == nil {
			ifacestat.Print(os.Stdout, nicAfter.Since(nicBefore))
		}
	}
}
