// Package hubclass defines the USB hub class wire format shared by the hub
// driver, the simulated bus and the libusb tools.
//
// It covers request codes, feature selectors, port status and change bits,
// the USB 2.0 and USB 3.0 hub descriptors (with the OTG port capability
// bitmaps a root hub may append), setup packet builders and the USB 3.0
// link state transition rules.
//
//	setup := hubclass.FeatureRequest(true, true, hubclass.FeaturePortReset, 3, 0)
//	st := hubclass.ParseStatus(buf[:])
//	if st.Changed(hubclass.PortChangeReset) && st.Enabled() { ... }
package hubclass
