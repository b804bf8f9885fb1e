package net

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// UDPFrame builds an Ethernet frame carrying an IPv4 UDP datagram.
func UDPFrame(srcMAC, dstMAC net.HardwareAddr, from, to netip.AddrPort, data []byte) ([]byte, error) {
	if !from.Addr().Is4() || !to.Addr().Is4() {
		return nil, fmt.Errorf("only IPv4 endpoints are supported: %s -> %s", from, to)
	}

	eth := layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}

	ip := layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    from.Addr().AsSlice(),
		DstIP:    to.Addr().AsSlice(),
	}

	udp := layers.UDP{
		SrcPort: layers.UDPPort(from.Port()),
		DstPort: layers.UDPPort(to.Port()),
	}
	if err := udp.SetNetworkLayerForChecksum(&ip); err != nil {
		return nil, err
	}

	buffer := gopacket.NewSerializeBuffer()
	opt := gopacket.SerializeOptions{
		ComputeChecksums: true,
		FixLengths:       true,
	}
	if err := gopacket.SerializeLayers(buffer, opt, &eth, &ip, &udp, gopacket.Payload(data)); err != nil {
		return nil, err
	}

	return buffer.Bytes(), nil
}

// UDPPayload returns the endpoints and payload of a UDP frame, or false when
// the frame does not carry a UDP datagram over IPv4.
func UDPPayload(frame []byte) (from, to netip.AddrPort, payload []byte, ok bool) {
	packet := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Lazy)

	v4, _ := packet.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if v4 == nil {
		return
	}
	udp, _ := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if udp == nil {
		return
	}

	src, _ := netip.AddrFromSlice(v4.SrcIP)
	dst, _ := netip.AddrFromSlice(v4.DstIP)
	from = netip.AddrPortFrom(src.Unmap(), uint16(udp.SrcPort))
	to = netip.AddrPortFrom(dst.Unmap(), uint16(udp.DstPort))
	return from, to, udp.Payload, true
}
