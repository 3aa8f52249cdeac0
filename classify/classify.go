// Package classify implements the minimal ARP/routing hook of spec.md
// section 2 component 12: "minimal packet ingress/egress classification
// consumed by out-of-scope routing." It performs no protocol-stack
// logic above Ethernet framing (spec.md section 1's Non-goal) — it only
// decides whether a received frame is ours and hands it, still as raw
// Ethernet, to a gVisor link endpoint for an out-of-scope stack to
// consume, and reassembles outgoing gVisor packets back into wire
// frames for device.Device.Send.
//
// Grounded directly on usbarmory-tamago's
// imx6/usb/ethernet/cdc_ecm.go: ECMRx's InjectInbound call and ECMTx's
// Host/Device/proto/header/payload frame assembly are the same shape
// this package uses, generalized from a USB CDC-ECM point-to-point link
// to an arbitrary Ethernet MAC's classification step. The "drop"
// diagnostic follows soypat/lneto's StackEthernet.Demux, the one site
// in the retrieved corpus that logs a dropped frame with log/slog.
package classify

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/buffer"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

const headerLen = 14

// ErrNotForUs is returned by Ingress when a frame's destination address
// is neither our own MAC nor the broadcast address; the frame is
// dropped rather than injected.
var ErrNotForUs = errors.New("el3: frame not addressed to this nic")

var broadcast = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// Classifier binds one device's MAC and default peer address to a
// gVisor channel endpoint (spec.md section 2's "consumed by out-of-
// scope routing": the endpoint is the routing layer's side of this
// hook, owned and driven by that out-of-scope caller).
type Classifier struct {
	Link  *channel.Endpoint
	Local net.HardwareAddr
	Peer  net.HardwareAddr
}

// New validates local/peer as 6-byte MAC addresses and binds them to
// link.
func New(link *channel.Endpoint, local, peer net.HardwareAddr) (*Classifier, error) {
	if len(local) != 6 {
		return nil, errors.New("el3: classify: invalid local mac address")
	}
	if link == nil {
		return nil, errors.New("el3: classify: missing link endpoint")
	}
	return &Classifier{Link: link, Local: local, Peer: peer}, nil
}

// Ingress implements spec.md section 2's RX classification half: it
// validates the Ethernet header, decides whether the frame is for us,
// and injects the payload into the gVisor stack keyed by EtherType —
// exactly ECMRx's split of the 14-byte header from the payload, minus
// the USB max-packet-size reassembly ECMRx also does (not applicable
// once device.Device has already delivered a complete frame).
func (c *Classifier) Ingress(frame []byte) error {
	if len(frame) < headerLen {
		return errors.New("el3: classify: frame shorter than ethernet header")
	}

	dst := net.HardwareAddr(frame[0:6])
	etype := binary.BigEndian.Uint16(frame[12:14])

	if dst.String() != c.Local.String() && dst.String() != broadcast.String() {
		slog.Info("classify: drop-packet",
			slog.String("dsthw", dst.String()),
			slog.String("ethertype", fmt.Sprintf("%#04x", etype)))
		return ErrNotForUs
	}

	proto := tcpip.NetworkProtocolNumber(etype)
	hdr := buffer.NewViewFromBytes(frame[0:headerLen])
	payload := buffer.NewViewFromBytes(frame[headerLen:])

	pkt := &stack.PacketBuffer{
		LinkHeader: hdr,
		Data:       payload.ToVectorisedView(),
	}

	c.Link.InjectInbound(proto, pkt)
	return nil
}

// Egress implements spec.md section 2's TX classification half: it
// pulls one queued outbound packet from the link endpoint and
// reassembles it into a wire-ready Ethernet frame, the same
// Host/Device/proto/header/payload assembly ECMTx performs.
func (c *Classifier) Egress() (frame []byte, ok bool) {
	info, valid := c.Link.Read()
	if !valid {
		return nil, false
	}

	hdr := info.Pkt.Header.View()
	payload := info.Pkt.Data.ToView()

	proto := make([]byte, 2)
	binary.BigEndian.PutUint16(proto, uint16(info.Proto))

	frame = append(frame, c.Peer...)
	frame = append(frame, c.Local...)
	frame = append(frame, proto...)
	frame = append(frame, hdr...)
	frame = append(frame, payload...)

	return frame, true
}
