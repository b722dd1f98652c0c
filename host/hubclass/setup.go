package hubclass

import "github.com/ardnew/softhub/host/hal"

// FeatureRequest builds a SET_FEATURE or CLEAR_FEATURE request.
//
// Port requests carry the port number in the low byte of wIndex and selector
// in the high byte (test mode, indicator or link state). Hub requests always
// address port 0.
func FeatureRequest(set, port bool, feature uint16, portNum, selector uint8) hal.SetupPacket {
	p := hal.SetupPacket{
		RequestType: RequestTypeHubOut,
		Request:     RequestClearFeature,
		Value:       feature,
	}
	if set {
		p.Request = RequestSetFeature
	}
	if port {
		p.RequestType = RequestTypePortOut
		p.Index = uint16(selector)<<8 | uint16(portNum)
	}
	return p
}

// StatusRequest builds a GET_STATUS request for port, or for the hub itself
// when port is 0.
func StatusRequest(port uint8) hal.SetupPacket {
	p := hal.SetupPacket{
		RequestType: RequestTypeHubIn,
		Request:     RequestGetStatus,
		Length:      StatusSize,
	}
	if port != 0 {
		p.RequestType = RequestTypePortIn
		p.Index = uint16(port)
	}
	return p
}

// DescriptorRequest builds a GET_DESCRIPTOR request for the USB 2.0 or
// USB 3.0 hub descriptor.
func DescriptorRequest(superSpeed bool, length uint16) hal.SetupPacket {
	descType := uint16(DescriptorTypeHub)
	if superSpeed {
		descType = DescriptorTypeSSHub
	}
	return hal.SetupPacket{
		RequestType: RequestTypeHubIn,
		Request:     RequestGetDescriptor,
		Value:       descType << 8,
		Length:      length,
	}
}

// SetDepthRequest builds a SET_HUB_DEPTH request.
func SetDepthRequest(depth uint16) hal.SetupPacket {
	return hal.SetupPacket{
		RequestType: RequestTypeHubOut,
		Request:     RequestSetHubDepth,
		Value:       depth,
	}
}

// PortErrorCountRequest builds a GET_PORT_ERR_COUNT request.
func PortErrorCountRequest(port uint8) hal.SetupPacket {
	return hal.SetupPacket{
		RequestType: RequestTypePortIn,
		Request:     RequestGetPortErrCount,
		Index:       uint16(port),
		Length:      2,
	}
}
