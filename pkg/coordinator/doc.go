// Package coordinator implements the shared client-side coordinator.
//
// Many tabs of the same client attach to one coordinator through ports.
// The coordinator keeps exactly one upstream SSE stream per namespace,
// demultiplexes server events to the attached ports, forwards local
// mutations into the sync engine and manages reconnection with jittered
// exponential backoff. All coordinator state is owned by a single event
// loop; ports, timers and network callbacks post closures onto it.
package coordinator
