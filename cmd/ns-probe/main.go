package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/gopacket"
	gopcap "github.com/google/gopacket/pcap"

	"netsentry/internal/capture"
	"netsentry/internal/config"
	"netsentry/internal/model"
	"netsentry/internal/transport"
	"netsentry/pkg/pcap"
)

const (
	snapshotLen int32 = 1600
	promiscuous       = true
	timeout           = gopcap.BlockForever
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to the YAML configuration file.")
	iface := flag.String("iface", "", "Interface to capture packets from (live mode).")
	file := flag.String("file", "", "Pcap file to replay instead of live capture.")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	pub, err := transport.NewPublisher(cfg.NATS)
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer pub.Close()

	switch {
	case *file != "":
		replayFile(*file, pub)
	case *iface != "":
		runLive(*iface, pub)
	default:
		fmt.Fprintln(os.Stderr, "Either -iface or -file is required.")
		flag.Usage()
		os.Exit(1)
	}
}

// runLive captures packets from a network interface and publishes them
// until interrupted.
func runLive(interfaceName string, pub *transport.Publisher) {
	log.Printf("Starting ns-probe in LIVE mode on interface: %s", interfaceName)

	handle, err := gopcap.OpenLive(interfaceName, snapshotLen, promiscuous, timeout)
	if err != nil {
		log.Fatalf("Error opening device %s: %v", interfaceName, err)
	}
	defer handle.Close()

	log.Println("Capture started successfully. Publishing records to NATS...")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		packetSource := gopacket.NewPacketSource(handle, handle.LinkType())
		published := 0
		for packet := range packetSource.Packets() {
			record, err := capture.FromCaptured(packet)
			if err != nil {
				continue // Skip non-IP packets
			}
			if err := pub.Publish(record); err != nil {
				log.Printf("Failed to publish record: %v", err)
			}
			published++
			if published%1000 == 0 {
				log.Printf("%d records published...", published)
			}
		}
	}()

	<-sigChan
	log.Println("Shutdown signal received, cleaning up...")
}

// replayFile publishes all parseable packets from a pcap file, then exits.
func replayFile(path string, pub *transport.Publisher) {
	log.Printf("Starting ns-probe in REPLAY mode with file: %s", path)

	reader, err := pcap.NewReader(path)
	if err != nil {
		log.Fatalf("Failed to open pcap file: %v", err)
	}
	defer reader.Close()

	records := make(chan *model.PacketRecord)
	go reader.ReadRecords(records)

	published := 0
	for record := range records {
		if err := pub.Publish(record); err != nil {
			log.Printf("Failed to publish record: %v", err)
			continue
		}
		published++
	}
	log.Printf("Replay complete, %d records published.", published)
}
