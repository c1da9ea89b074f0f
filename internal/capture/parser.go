// Package capture turns raw packets into PacketRecords at the ingestion
// boundary. Anything that fails to parse into the fixed record schema is
// rejected here rather than propagated as a partial record.
package capture

import (
	"fmt"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"netsentry/internal/model"
)

// ParsePacket decodes a raw packet and extracts a PacketRecord.
func ParsePacket(data []byte) (*model.PacketRecord, error) {
	packet := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default)
	return fromPacket(packet, len(data))
}

// FromCaptured extracts a PacketRecord from an already-decoded gopacket
// packet, preserving the capture timestamp.
func FromCaptured(packet gopacket.Packet) (*model.PacketRecord, error) {
	length := len(packet.Data())
	return fromPacket(packet, length)
}

func fromPacket(packet gopacket.Packet, length int) (*model.PacketRecord, error) {
	record := &model.PacketRecord{
		Timestamp: time.Now(),
		Length:    length,
	}
	if meta := packet.Metadata(); meta != nil && !meta.Timestamp.IsZero() {
		record.Timestamp = meta.Timestamp
	}

	if l := packet.Layer(layers.LayerTypeIPv4); l != nil {
		ip := l.(*layers.IPv4)
		record.SrcIP = ip.SrcIP
		record.DstIP = ip.DstIP
		record.Protocol = uint8(ip.Protocol)
	} else if l := packet.Layer(layers.LayerTypeIPv6); l != nil {
		ip := l.(*layers.IPv6)
		record.SrcIP = ip.SrcIP
		record.DstIP = ip.DstIP
		record.Protocol = uint8(ip.NextHeader)
	} else {
		return nil, fmt.Errorf("not an IP packet")
	}

	if l := packet.Layer(layers.LayerTypeTCP); l != nil {
		tcp := l.(*layers.TCP)
		record.SrcPort = uint16(tcp.SrcPort)
		record.DstPort = uint16(tcp.DstPort)
	} else if l := packet.Layer(layers.LayerTypeUDP); l != nil {
		udp := l.(*layers.UDP)
		record.SrcPort = uint16(udp.SrcPort)
		record.DstPort = uint16(udp.DstPort)
	}
	// Non-TCP/UDP IP traffic (ICMP etc.) keeps zero ports; the record is
	// still worth storing and aggregating.

	return record, nil
}
