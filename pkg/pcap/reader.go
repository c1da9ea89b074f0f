// Package pcap replays capture files into the pipeline, for backfill and
// for exercising the system without live capture.
package pcap

import (
	"log"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"

	"netsentry/internal/capture"
	"netsentry/internal/model"
)

// Reader reads packets from a pcap file.
type Reader struct {
	handle *pcap.Handle
}

// NewReader creates a new pcap reader for the given file path.
func NewReader(filePath string) (*Reader, error) {
	handle, err := pcap.OpenOffline(filePath)
	if err != nil {
		return nil, err
	}
	return &Reader{handle: handle}, nil
}

// Close closes the pcap handle.
func (r *Reader) Close() {
	r.handle.Close()
}

// ReadRecords reads all packets from the pcap file and sends parsed
// PacketRecords to the provided channel. It closes the channel when done.
func (r *Reader) ReadRecords(out chan<- *model.PacketRecord) {
	defer close(out)

	packetSource := gopacket.NewPacketSource(r.handle, r.handle.LinkType())
	for packet := range packetSource.Packets() {
		record, err := capture.FromCaptured(packet)
		if err != nil {
			// Unsupported packet types are expected in real captures;
			// log and keep going.
			log.Printf("Error parsing packet: %v", err)
			continue
		}
		out <- record
	}
}
