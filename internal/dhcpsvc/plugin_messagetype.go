package dhcpsvc

import (
	"context"
	"fmt"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/google/gopacket/layers"
)

// MessageTypePluginV4 is the first plugin in a v4 chain.  It builds the
// draft response skeleton and records the decoded message type on mc, per
// §4.2 and §4.3.  It drops requests that are not BOOTREQUESTs or carry no
// supported message type; for every other request it leaves mc's Decision to
// the lease and static plugins downstream.
type MessageTypePluginV4 struct{}

// type check
var _ Plugin = MessageTypePluginV4{}

// Name implements the [Plugin] interface for MessageTypePluginV4.
func (MessageTypePluginV4) Name() (name string) { return "message_type_v4" }

// Handle implements the [Plugin] interface for MessageTypePluginV4.
func (MessageTypePluginV4) Handle(_ context.Context, mc *Context) (err error) {
	req := mc.Request4
	if req.Operation != layers.DHCPOpRequest {
		mc.Drop()

		return nil
	}

	typ, ok := msg4Type(req)
	if !ok {
		mc.Drop()

		return fmt.Errorf("message type: %w", errors.ErrNoValue)
	}

	switch typ {
	case
		layers.DHCPMsgTypeDiscover,
		layers.DHCPMsgTypeRequest,
		layers.DHCPMsgTypeInform,
		layers.DHCPMsgTypeRelease,
		layers.DHCPMsgTypeDecline:
	default:
		mc.Drop()

		return fmt.Errorf("message type: %w: %v", errors.ErrBadEnumValue, typ)
	}

	mc.MsgType4 = typ
	mc.Identity = NewIdentityV4(req.ClientHWAddr)
	mc.Hostname = hostname4(req)

	mc.Response4 = &layers.DHCPv4{
		Operation:    layers.DHCPOpReply,
		HardwareType: req.HardwareType,
		HardwareLen:  req.HardwareLen,
		Xid:          req.Xid,
		Flags:        req.Flags,
		GatewayIP:    req.GatewayIP,
		ClientHWAddr: req.ClientHWAddr,
	}

	return nil
}

// MessageTypePluginV6 is the v6 counterpart of [MessageTypePluginV4].
type MessageTypePluginV6 struct{}

// type check
var _ Plugin = MessageTypePluginV6{}

// Name implements the [Plugin] interface for MessageTypePluginV6.
func (MessageTypePluginV6) Name() (name string) { return "message_type_v6" }

// Handle implements the [Plugin] interface for MessageTypePluginV6.
func (MessageTypePluginV6) Handle(_ context.Context, mc *Context) (err error) {
	req := mc.Request6

	switch req.MsgType {
	case
		layers.DHCPv6MsgTypeSolicit,
		layers.DHCPv6MsgTypeRequest,
		layers.DHCPv6MsgTypeConfirm,
		layers.DHCPv6MsgTypeRenew,
		layers.DHCPv6MsgTypeRebind,
		layers.DHCPv6MsgTypeInformationRequest,
		layers.DHCPv6MsgTypeRelease,
		layers.DHCPv6MsgTypeDecline:
	default:
		mc.Drop()

		return fmt.Errorf("message type: %w: %v", errors.ErrBadEnumValue, req.MsgType)
	}

	duid, iaid, ok := clientDUIDAndIAID(req)
	if !ok {
		mc.Drop()

		return fmt.Errorf("client id option: %w", errors.ErrNoValue)
	}

	mc.MsgType6 = req.MsgType
	mc.Identity = NewIdentityV6(duid, iaid)
	mc.RapidCommit = hasOption6(req.Options, layers.DHCPv6OptRapidCommit)

	replyType := layers.DHCPv6MsgTypeReply
	if req.MsgType == layers.DHCPv6MsgTypeSolicit && !mc.RapidCommit {
		replyType = layers.DHCPv6MsgTypeAdvertise
	}

	mc.Response6 = &layers.DHCPv6{
		MsgType:       replyType,
		TransactionID: req.TransactionID,
	}

	return nil
}

// hasOption6 reports whether opts contains code.
func hasOption6(opts layers.DHCPv6Options, code layers.DHCPv6Opt) (ok bool) {
	for _, o := range opts {
		if o.Code == code {
			return true
		}
	}

	return false
}

// findOption6 returns the first option in opts with the given code.
func findOption6(opts layers.DHCPv6Options, code layers.DHCPv6Opt) (opt layers.DHCPv6Option, ok bool) {
	for _, o := range opts {
		if o.Code == code {
			return o, true
		}
	}

	return layers.DHCPv6Option{}, false
}

// clientDUIDAndIAID extracts the client's DUID and the IAID of its
// requested (or first available) identity association from req.
func clientDUIDAndIAID(req *layers.DHCPv6) (duid []byte, iaid uint32, ok bool) {
	cid, ok := findOption6(req.Options, layers.DHCPv6OptClientID)
	if !ok || len(cid.Data) == 0 {
		return nil, 0, false
	}

	for _, o := range req.Options {
		switch o.Code {
		case layers.DHCPv6OptIANA, layers.DHCPv6OptIATA:
			if len(o.Data) >= 4 {
				return cid.Data, bigEndianUint32(o.Data), true
			}
		}
	}

	return cid.Data, 0, true
}

// bigEndianUint32 decodes the first four bytes of data as a big-endian
// uint32.  data must be at least 4 bytes long.
func bigEndianUint32(data []byte) (v uint32) {
	return uint32(data[0])<<24 | uint32(data[1])<<16 | uint32(data[2])<<8 | uint32(data[3])
}
