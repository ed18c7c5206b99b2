// Package resource maps guest-visible handles to host-native resources.
//
// A guest handle is a guest pointer used purely as an identity: the guest
// keeps it (for example a DNSServiceRef) and hands it back on later calls,
// while the host keeps its own identifier for the same resource (a socket,
// a browse operation, a semaphore record). HandleMap keeps the two sides in
// a bijection:
//
//	refs := resource.NewHandleMap[uint64]("dnssd")
//
//	// guest allocated sdRef, host started browse #7
//	if err := refs.Register(sdRef, 7); err != nil { ... }
//
//	host := refs.Resolve(sdRef)  // 7
//	guest := refs.Reverse(7)     // sdRef, used by completions
//
//	refs.Deallocate(sdRef)
//
// Resolve and Reverse treat a miss as a broken internal invariant and abort
// through errors.Fatal: a completion that arrives for a resource the guest
// already deallocated must not be ignored silently. Lookup and
// ReverseLookup are the non-fatal variants for call sites where a miss is
// legitimate.
//
// Entries live in an Arena, a slice with a free list where handle 0 is
// never valid. Observers receive Created and Dropped events; LogEvents
// traces them through zap.
//
// Resources are not garbage collected. Guest code must deallocate what it
// registers; Close releases everything left at teardown.
package resource
