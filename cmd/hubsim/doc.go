// Command hubsim runs the hub driver against a simulated bus and drives the
// topology from a script.
//
// # Usage
//
//	hubsim [-config softhub.ini] [-ports 4] [-super] [-hold] [-profile DIR] [-v] [-json] [script]
//
// The script is read from standard input when no file is named. Driver
// timing and limits come from the configuration file; see
// github.com/ardnew/softhub/pkg/conf for its format.
//
// # Scripts
//
// Each line is split into words like a shell command line, and '#' starts a
// comment. Words of the form key=value after the positional arguments are
// options. The controller's root hub is named root.
//
//	hub NAME PARENT PORT [ports=N] [speed=high|super] [self-powered=BOOL] [container=UUID] [think=N] [vid=ID] [pid=ID]
//	device NAME PARENT PORT [speed=low|full|high|super] [class=N] [vid=ID] [pid=ID]
//	unplug PARENT PORT
//	overcurrent HUB PORT on|off
//	connect-seq HUB PORT BOOL...
//	reset-polls HUB PORT N
//	fail-interrupts HUB COUNT
//	suspend HUB PORT
//	resume HUB PORT
//	wait DURATION
//	expect attached|detached NAME [timeout=DURATION]
//	show
//
// connect-seq scripts the connection bit seen by successive debounce polls.
// reset-polls sets how many status reads a port reset takes; -1 never
// completes. The script stops at the first failing command, and hubsim
// exits with status 1.
//
// # Example
//
//	hub h1 root 2 ports=4
//	expect attached h1
//	connect-seq h1 3 1 0 1 1
//	device kbd h1 3 speed=low
//	expect attached kbd
//	show
//	unplug root 2
//	expect detached kbd
package main
