// Package conf loads hub driver settings from an INI file.
//
// A file may contain the sections [timing], [limits], [features] and
// [logging]. Every key is optional and overrides the matching field of
// [hub.DefaultConfig]:
//
//	[timing]
//	debounce          = 200ms
//	debounce-step     = 50ms
//	port-change-wait  = 100ms
//	reset-short-delay = 10ms
//	reset-long-delay  = 200ms
//	control-timeout   = 5s
//	power-settle-unit = 2ms
//
//	[limits]
//	max-debounce-errors = 5
//	reset-tries         = 3
//	reset-polls         = 5
//	enum-retries        = 3
//	max-hub-chain       = 6
//	error-threshold     = 10
//	queue-depth         = 2
//	max-hubs            = 32
//
//	[features]
//	superspeed = true
//
//	[logging]
//	level  = warn
//	format = text
//
// Unknown sections and keys are errors. Errors name the offending key as
// section.key.
package conf
