package switchcore

import (
	"bytes"
	"encoding/binary"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/switchsim/switchsim/pkg/bridge"
	"github.com/switchsim/switchsim/pkg/packet"
	"github.com/switchsim/switchsim/pkg/port"
)

const (
	etherTypeVLAN  = 0x8100
	etherTypeQinQ  = 0x88A8
	etherTypeARP   = 0x0806
	etherTypeIPv4  = 0x0800
	etherTypeIPv6  = 0x86DD
	etherTypePause = 0x8808
	ethHeaderLen   = 14
	vlanTagLen     = 4
	minTaggedFrame = ethHeaderLen + vlanTagLen
)

// onReceive is the RxFunc wired to every port's driver: it hands the frame
// straight to the pipeline, which runs ethernetProcessor.
func (c *Core) onReceive(buf *packet.Buffer, ingressPort uint16) {
	c.Pipeline.Receive(buf, ingressPort)
}

// ethernetProcessor is the sole registered pipeline callback: it performs
// ingress VLAN resolution, STP BPDU interception, STP forwarding-state
// gating, MAC learning, ARP/IP dispatch, and L2 unicast/flood forwarding
// with egress VLAN tag rewrite. It never blocks and never recirculates;
// Forward/Drop/Consume are its only verdicts.
func (c *Core) ethernetProcessor(buf *packet.Buffer, ctx *packet.Context, userData interface{}) packet.Verdict {
	ingressPort := buf.Meta.IngressPort
	data := buf.Bytes()
	if len(data) < ethHeaderLen {
		c.Ports.RecordRxError(ingressPort)
		return packet.Drop
	}

	dst := net.HardwareAddr(append([]byte(nil), data[0:6]...))
	src := net.HardwareAddr(append([]byte(nil), data[6:12]...))
	buf.Meta.SrcMAC = src
	buf.Meta.DstMAC = dst

	if bytes.Equal(dst, bridgeGroupAddress) {
		c.handleBPDU(data, ingressPort)
		return packet.Consume
	}
	// 01:80:C2:00:00:01..0F (PAUSE, LACP, ...) is link-local: a bridge
	// consumes these, never floods them.
	if isLinkLocalMulticast(dst) {
		if binary.BigEndian.Uint16(data[12:14]) == etherTypePause {
			c.Ports.RecordRxPause(ingressPort)
		}
		return packet.Consume
	}

	tagged := false
	frameVlan := uint16(0)
	etherType := binary.BigEndian.Uint16(data[12:14])
	payloadOffset := ethHeaderLen
	if etherType == etherTypeVLAN || etherType == etherTypeQinQ {
		if len(data) < minTaggedFrame {
			c.Ports.RecordRxError(ingressPort)
			return packet.Drop
		}
		tci := binary.BigEndian.Uint16(data[14:16])
		frameVlan = tci & 0x0fff
		buf.Meta.Priority = uint8(tci >> 13)
		etherType = binary.BigEndian.Uint16(data[16:18])
		tagged = true
		payloadOffset = ethHeaderLen + vlanTagLen
	}
	buf.Meta.EtherType = etherType
	buf.Meta.Tagged = tagged

	vlan, err := c.Vlan.ProcessIngress(tagged, frameVlan, ingressPort)
	if err != nil {
		c.Ports.RecordRxDrop(ingressPort)
		return packet.Drop
	}
	buf.Meta.VLAN = vlan

	stpState, _ := c.Stp.PortState(ingressPort)
	forwarding := c.Stp.CanForward(ingressPort)
	learning := forwarding || stpState == bridge.PortLearning
	if !forwarding && stpState != bridge.PortLearning {
		c.Ports.RecordRxDrop(ingressPort)
		return packet.Drop
	}

	if learning && c.learningEnabledOn(ingressPort) && c.Vlan.LearningEnabled(vlan) && !isMulticastOrBroadcast(src) {
		if _, err := c.Mac.Learn(src, vlan, ingressPort, time.Now()); err != nil {
			c.log.WithError(err).Debug("mac learn failed")
		}
	}
	if !forwarding {
		// Learning state only primes the MAC table; it never forwards.
		return packet.Consume
	}

	payload := data[payloadOffset:]
	switch etherType {
	case etherTypeARP:
		if err := c.Arp.HandleFrame(data, ingressPort, time.Now()); err != nil {
			c.log.WithError(err).Debug("arp frame rejected")
		}
		if isBroadcastOrMulticastMAC(dst) {
			c.floodL2(buf, vlan, ingressPort, tagged, payload, etherType)
			return packet.Consume
		}
		if c.isRouterMAC(dst, ingressPort) {
			return packet.Consume
		}
		return c.forwardL2(buf, vlan, ingressPort, tagged, dst, payload, etherType)
	case etherTypeIPv4, etherTypeIPv6:
		if isBroadcastOrMulticastMAC(dst) {
			c.floodL2(buf, vlan, ingressPort, tagged, payload, etherType)
			return packet.Consume
		}
		// Only frames addressed to the switch's own interface MAC enter the
		// routed path; everything else is plain L2 traffic between hosts.
		if c.isRouterMAC(dst, ingressPort) {
			if err := c.Ip.Process(payload, ingressPort, time.Now()); err != nil {
				c.log.WithError(err).Debug("ip processing failed")
			}
			return packet.Consume
		}
		return c.forwardL2(buf, vlan, ingressPort, tagged, dst, payload, etherType)
	}

	return c.forwardL2(buf, vlan, ingressPort, tagged, dst, payload, etherType)
}

// learningEnabledOn reports whether MAC learning is administratively
// enabled on ingressPort; when disabled, learning is a no-op for frames
// arriving there.
func (c *Core) learningEnabledOn(ingressPort uint16) bool {
	cfg, err := c.Ports.Config(ingressPort)
	return err == nil && cfg.LearningEnabled
}

// isRouterMAC reports whether dst is the MAC of the ingress interface or
// the CPU port, i.e. the frame is addressed to the switch itself.
func (c *Core) isRouterMAC(dst net.HardwareAddr, ingressPort uint16) bool {
	if st, err := c.Ports.GetStatus(ingressPort); err == nil && bytes.Equal(dst, st.MAC) {
		return true
	}
	if st, err := c.Ports.GetStatus(port.CPU); err == nil && bytes.Equal(dst, st.MAC) {
		return true
	}
	return false
}

func isMulticastOrBroadcast(mac net.HardwareAddr) bool {
	return len(mac) == 6 && mac[0]&0x01 != 0
}

func isLinkLocalMulticast(mac net.HardwareAddr) bool {
	return len(mac) == 6 &&
		mac[0] == 0x01 && mac[1] == 0x80 && mac[2] == 0xC2 &&
		mac[3] == 0x00 && mac[4] == 0x00 && mac[5] <= 0x0F
}

func isBroadcastOrMulticastMAC(mac net.HardwareAddr) bool {
	return isMulticastOrBroadcast(mac)
}

// handleBPDU strips the LLC header and hands the BPDU bytes to the STP
// engine; it never reaches MacTable or VlanEngine.
func (c *Core) handleBPDU(data []byte, ingressPort uint16) {
	const llcHeaderLen = 3
	if len(data) < ethHeaderLen+llcHeaderLen {
		c.Ports.RecordRxError(ingressPort)
		return
	}
	bpduBytes := data[ethHeaderLen+llcHeaderLen:]
	bpdu, err := bridge.ParseBPDU(bpduBytes)
	if err != nil {
		c.Ports.RecordRxError(ingressPort)
		return
	}
	if err := c.Stp.ReceiveBPDU(ingressPort, bpdu, time.Now()); err != nil {
		c.log.WithError(err).Debug("bpdu rejected")
	}
}

// forwardL2 looks up dst in the MAC table for vlan and either unicasts or
// floods, rewriting the 802.1Q tag for each egress port per VlanEngine.
func (c *Core) forwardL2(buf *packet.Buffer, vlan uint16, ingressPort uint16, tagged bool, dst net.HardwareAddr, payload []byte, etherType uint16) packet.Verdict {
	if isBroadcastOrMulticastMAC(dst) {
		c.floodL2(buf, vlan, ingressPort, tagged, payload, etherType)
		return packet.Consume
	}

	egressPort, err := c.Mac.Lookup(dst, vlan)
	if err != nil {
		c.floodL2(buf, vlan, ingressPort, tagged, payload, etherType)
		return packet.Consume
	}
	if egressPort == ingressPort {
		return packet.Drop
	}
	if !c.Stp.CanForward(egressPort) {
		return packet.Drop
	}
	if err := c.transmitL2(egressPort, vlan, tagged, buf.Meta.SrcMAC, dst, payload, etherType); err != nil {
		c.log.WithError(err).Debug("l2 unicast transmit failed")
	}
	return packet.Consume
}

// floodL2 sends a copy of the frame to every member port of vlan except
// the ingress port, each gated by STP and tag-rewritten independently.
func (c *Core) floodL2(buf *packet.Buffer, vlan uint16, ingressPort uint16, tagged bool, payload []byte, etherType uint16) {
	members, err := c.Vlan.Members(vlan)
	if err != nil {
		return
	}
	for _, egressPort := range members {
		if egressPort == ingressPort {
			continue
		}
		if !c.Stp.CanForward(egressPort) {
			continue
		}
		if err := c.transmitL2(egressPort, vlan, tagged, buf.Meta.SrcMAC, buf.Meta.DstMAC, payload, etherType); err != nil {
			c.log.WithError(err).Debug("l2 flood transmit failed")
		}
	}
}

// transmitL2 rewrites the 802.1Q tag per VlanEngine.ProcessEgress and
// transmits the resulting frame out egressPort.
func (c *Core) transmitL2(egressPort uint16, vlan uint16, currentlyTagged bool, src, dst net.HardwareAddr, payload []byte, etherType uint16) error {
	action, err := c.Vlan.ProcessEgress(vlan, egressPort, currentlyTagged, vlan)
	if err != nil {
		return err
	}

	eth := &layers.Ethernet{SrcMAC: src, DstMAC: dst, EthernetType: layers.EthernetType(etherType)}
	opts := gopacket.SerializeOptions{FixLengths: true}
	buf := gopacket.NewSerializeBuffer()

	switch action {
	case bridge.TagAdd, bridge.TagReplace:
		dot1q := &layers.Dot1Q{VLANIdentifier: vlan, Type: layers.EthernetType(etherType)}
		eth.EthernetType = layers.EthernetTypeDot1Q
		if err := gopacket.SerializeLayers(buf, opts, eth, dot1q, gopacket.Payload(payload)); err != nil {
			return err
		}
	default: // TagNone, TagRemove: send untagged
		if err := gopacket.SerializeLayers(buf, opts, eth, gopacket.Payload(payload)); err != nil {
			return err
		}
	}

	return c.sendRawEthernet(egressPort, buf.Bytes())
}
