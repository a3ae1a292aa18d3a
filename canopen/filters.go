package canopen

import "github.com/notnil/servolink/canbus"

// CANopen-typed filters for the services this package consumes.

// NMTFrames matches NMT command frames (COB-ID 0x000).
func NMTFrames() canbus.FrameFilter {
	return canbus.And(canbus.StandardOnly(), canbus.ByID(uint32(FC_NMT)))
}

// HeartbeatAny matches heartbeats from any node (0x701..0x77F).
func HeartbeatAny() canbus.FrameFilter {
	return canbus.And(canbus.StandardOnly(), canbus.DataOnly(),
		canbus.ByRange(COBID(FC_NMT_ERRCTRL, 1), COBID(FC_NMT_ERRCTRL, MaxNodeID)))
}

// HeartbeatFrom matches heartbeats from node.
func HeartbeatFrom(node NodeID) canbus.FrameFilter {
	return canbus.And(canbus.StandardOnly(), canbus.DataOnly(), canbus.ByID(COBID(FC_NMT_ERRCTRL, node)))
}

// EmergencyAny matches emergency messages from any node (0x081..0x0FF).
func EmergencyAny() canbus.FrameFilter {
	return canbus.And(canbus.StandardOnly(),
		canbus.ByRange(COBID(FC_EMCY, 1), COBID(FC_EMCY, MaxNodeID)))
}

// SDORequest matches client->server SDO frames addressed to node.
func SDORequest(node NodeID) canbus.FrameFilter {
	return canbus.And(canbus.StandardOnly(), canbus.ByID(COBID(FC_SDO_RX, node)), canbus.LenAtLeast(8))
}

// SDOResponse matches server->client SDO frames sent by node.
func SDOResponse(node NodeID) canbus.FrameFilter {
	return canbus.And(canbus.StandardOnly(), canbus.ByID(COBID(FC_SDO_TX, node)), canbus.LenAtLeast(8))
}
