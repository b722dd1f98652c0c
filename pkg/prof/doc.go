// Package prof captures runtime profiles of a long simulation run.
//
// Profiling is compiled in only with the "profile" build tag:
//
//	go build -tags profile ./cmd/hubsim
//	hubsim -profile ./out scenario.txt
//
// A [Session] streams a CPU profile while it runs. When it stops it writes
// heap, goroutine, block and mutex snapshots next to it, one .pprof file
// each, for go tool pprof. Without the tag, [Start] returns
// pkg.ErrNotSupported and [Enabled] is false.
package prof
