package capture

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

func buildPacket(t *testing.T, transport gopacket.SerializableLayer, proto layers.IPProtocol) []byte {
	t.Helper()

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
		DstMAC:       net.HardwareAddr{0x66, 0x77, 0x88, 0x99, 0xaa, 0xbb},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		SrcIP:    net.ParseIP("192.168.1.10").To4(),
		DstIP:    net.ParseIP("8.8.8.8").To4(),
		Protocol: proto,
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: false}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, transport, gopacket.Payload([]byte("payload"))); err != nil {
		t.Fatalf("Failed to serialize packet: %v", err)
	}
	return buf.Bytes()
}

func TestParsePacket_TCP(t *testing.T) {
	tcp := &layers.TCP{SrcPort: 44321, DstPort: 443}
	data := buildPacket(t, tcp, layers.IPProtocolTCP)

	record, err := ParsePacket(data)
	if err != nil {
		t.Fatalf("ParsePacket failed: %v", err)
	}
	if record.SrcIP.String() != "192.168.1.10" {
		t.Errorf("Expected src 192.168.1.10, got %s", record.SrcIP)
	}
	if record.DstIP.String() != "8.8.8.8" {
		t.Errorf("Expected dst 8.8.8.8, got %s", record.DstIP)
	}
	if record.SrcPort != 44321 || record.DstPort != 443 {
		t.Errorf("Unexpected ports: %d -> %d", record.SrcPort, record.DstPort)
	}
	if record.Protocol != 6 {
		t.Errorf("Expected protocol 6, got %d", record.Protocol)
	}
	if record.Length != len(data) {
		t.Errorf("Expected length %d, got %d", len(data), record.Length)
	}
}

func TestParsePacket_UDP(t *testing.T) {
	udp := &layers.UDP{SrcPort: 5353, DstPort: 53}
	data := buildPacket(t, udp, layers.IPProtocolUDP)

	record, err := ParsePacket(data)
	if err != nil {
		t.Fatalf("ParsePacket failed: %v", err)
	}
	if record.Protocol != 17 {
		t.Errorf("Expected protocol 17, got %d", record.Protocol)
	}
	if record.SrcPort != 5353 || record.DstPort != 53 {
		t.Errorf("Unexpected ports: %d -> %d", record.SrcPort, record.DstPort)
	}
}

func TestParsePacket_RejectsNonIP(t *testing.T) {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
		DstMAC:       net.HardwareAddr{0x66, 0x77, 0x88, 0x99, 0xaa, 0xbb},
		EthernetType: layers.EthernetTypeARP,
	}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   []byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
		SourceProtAddress: []byte{192, 168, 1, 10},
		DstHwAddress:      []byte{0, 0, 0, 0, 0, 0},
		DstProtAddress:    []byte{192, 168, 1, 1},
	}

	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, eth, arp); err != nil {
		t.Fatalf("Failed to serialize ARP packet: %v", err)
	}

	if _, err := ParsePacket(buf.Bytes()); err == nil {
		t.Error("Expected an error for a non-IP packet")
	}
}
