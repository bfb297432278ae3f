package jit

import "sync/atomic"

// Stats counts what a Context did.
type Stats struct {
	CompileCalls uint64
	Translations uint64
	JITLoads     uint64
	ObjectEmits  uint64
	ObjectLoads  uint64
	CacheHits    uint64
	CacheMisses  uint64
	Fallbacks    uint64
	Stores       uint64
}

type counters struct {
	compileCalls atomic.Uint64
	translations atomic.Uint64
	jitLoads     atomic.Uint64
	objectEmits  atomic.Uint64
	objectLoads  atomic.Uint64
	cacheHits    atomic.Uint64
	cacheMisses  atomic.Uint64
	fallbacks    atomic.Uint64
	stores       atomic.Uint64
}

// Stats returns a snapshot of the counters.
func (c *Context) Stats() Stats {
	s := &c.stats
	return Stats{
		CompileCalls: s.compileCalls.Load(),
		Translations: s.translations.Load(),
		JITLoads:     s.jitLoads.Load(),
		ObjectEmits:  s.objectEmits.Load(),
		ObjectLoads:  s.objectLoads.Load(),
		CacheHits:    s.cacheHits.Load(),
		CacheMisses:  s.cacheMisses.Load(),
		Fallbacks:    s.fallbacks.Load(),
		Stores:       s.stores.Load(),
	}
}
