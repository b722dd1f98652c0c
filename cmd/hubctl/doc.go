// Command hubctl inspects and controls an external USB hub through libusb.
//
// # Usage
//
//	hubctl [-hub BUS:ADDRESS] [-v] [-json] command [args]
//
// Commands:
//
//	list                 list every hub with its vendor and product names
//	status [PORT]        show hub and port status
//	descriptor           dump the hub descriptor
//	power on|off PORT    switch port power
//	suspend PORT         suspend a port (U3 on a SuperSpeed hub)
//	resume PORT          resume a port (U0 on a SuperSpeed hub)
//	reset PORT           reset a port
//	watch                print port status changes until interrupted
//
// Without -hub, the only hub that is not a root hub is used. The watch
// command detaches the kernel hub driver while it runs, so devices below the
// hub are not enumerated by the system during that time.
package main
