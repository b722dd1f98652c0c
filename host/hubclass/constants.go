package hubclass

// ClassHub is the USB device and interface class code of a hub.
const ClassHub = 0x09

// Hub class request codes (USB 2.0 Table 11-16, USB 3.0 Table 10-6).
const (
	RequestGetStatus       = 0x00
	RequestClearFeature    = 0x01
	RequestSetFeature      = 0x03
	RequestGetDescriptor   = 0x06
	RequestSetHubDepth     = 0x0C
	RequestGetPortErrCount = 0x0D
)

// bmRequestType values used by hub class requests.
const (
	RequestTypeHubOut  = 0x20 // Class, host to device, recipient device
	RequestTypePortOut = 0x23 // Class, host to device, recipient other
	RequestTypeHubIn   = 0xA0 // Class, device to host, recipient device
	RequestTypePortIn  = 0xA3 // Class, device to host, recipient other
)

// Hub descriptor types.
const (
	DescriptorTypeHub   = 0x29 // USB 2.0 hub descriptor
	DescriptorTypeSSHub = 0x2A // USB 3.0 (enhanced SuperSpeed) hub descriptor
)

// Hub feature selectors.
const (
	FeatureCHubLocalPower  = 0
	FeatureCHubOverCurrent = 1
)

// Port feature selectors.
const (
	FeaturePortConnection     = 0
	FeaturePortEnable         = 1
	FeaturePortSuspend        = 2
	FeaturePortOverCurrent    = 3
	FeaturePortReset          = 4
	FeaturePortLinkState      = 5
	FeaturePortPower          = 8
	FeaturePortLowSpeed       = 9
	FeatureCPortConnection    = 16
	FeatureCPortEnable        = 17
	FeatureCPortSuspend       = 18
	FeatureCPortOverCurrent   = 19
	FeatureCPortReset         = 20
	FeaturePortTest           = 21
	FeaturePortIndicator      = 22
	FeaturePortU1Timeout      = 23
	FeaturePortU2Timeout      = 24
	FeatureCPortLinkState     = 25
	FeatureCPortConfigError   = 26
	FeaturePortRemoteWakeMask = 27
	FeatureBHPortReset        = 28
	FeatureCBHPortReset       = 29

	// FeatureCPortSRP acknowledges an OTG session request on a root hub port.
	FeatureCPortSRP = 32
)

// Hub status (wHubStatus) and hub change (wHubChange) bits.
const (
	HubStatusLocalPower  = 0x0001
	HubStatusOverCurrent = 0x0002

	HubChangeLocalPower  = 0x0001
	HubChangeOverCurrent = 0x0002
)

// Port status (wPortStatus) bits common to USB 2.0 and USB 3.0.
const (
	PortStatusConnection  = 0x0001
	PortStatusEnable      = 0x0002
	PortStatusSuspend     = 0x0004 // USB 2.0 only
	PortStatusOverCurrent = 0x0008
	PortStatusReset       = 0x0010
)

// USB 2.0 port status bits.
const (
	PortStatusPower     = 0x0100
	PortStatusLowSpeed  = 0x0200
	PortStatusHighSpeed = 0x0400
)

// USB 3.0 port status bits.
const (
	PortStatusSSLinkState = 0x01E0
	PortStatusSSPower     = 0x0200

	portLinkStateShift = 5
)

// Port change (wPortChange) bits.
const (
	PortChangeConnection  = 0x0001
	PortChangeEnable      = 0x0002 // USB 2.0 only
	PortChangeSuspend     = 0x0004 // USB 2.0 only
	PortChangeOverCurrent = 0x0008
	PortChangeReset       = 0x0010
	PortChangeBHReset     = 0x0020 // USB 3.0 only
	PortChangeLinkState   = 0x0040 // USB 3.0 only
	PortChangeConfigError = 0x0080 // USB 3.0 only

	// PortChangeSRP reports an OTG session request on a root hub port.
	PortChangeSRP = 0x0100
)

// Limits.
const (
	// MaxPorts is the largest port count a hub descriptor may report such
	// that the whole status change bitmap fits in 32 bits.
	MaxPorts = 31

	// AllPorts selects every port of a hub in suspend and resume operations.
	AllPorts = 255

	// MaxHubDepth is the largest value accepted by SET_HUB_DEPTH.
	MaxHubDepth = 4

	// MaxDescriptorSize bounds a hub descriptor including the OTG bitmaps.
	MaxDescriptorSize = 64

	// StatusSize is the length of a GET_STATUS response.
	StatusSize = 4
)

// Power budget reported for a hub's downstream ports, in mA.
const (
	PowerBudgetSelfPowered = 0
	PowerBudgetBusPowered  = 200
)

// ConfigAttrSelfPowered is the bmAttributes bit of a self-powered configuration.
const ConfigAttrSelfPowered = 0x40
