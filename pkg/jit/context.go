// Package jit compiles eBPF programs to native code, optionally through
// the on-disk AOT object cache.
//
// A Context compiles its program at most once. With BPFTIME_ENABLE_AOT set
// the compiled object is looked up in, and stored to, the cache keyed by
// the digest of the program's instruction bytes; any failure on that path
// falls back to compiling in memory.
package jit

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/fortiblox/bpfjit/internal/config"
	"github.com/fortiblox/bpfjit/internal/logging"
	"github.com/fortiblox/bpfjit/pkg/ebpf"
	"github.com/fortiblox/bpfjit/pkg/jit/backend"
	"github.com/fortiblox/bpfjit/pkg/jit/cache"
	"github.com/fortiblox/bpfjit/pkg/jit/engine"
	"github.com/fortiblox/bpfjit/pkg/jit/ir"
	"github.com/fortiblox/bpfjit/pkg/jit/symbols"
	"github.com/fortiblox/bpfjit/pkg/jit/translate"
)

// ErrClosed is returned by a Context after Close.
var ErrClosed = errors.New("compilation context closed")

// Options configures a Context.
type Options struct {
	Log logrus.FieldLogger

	// Fs holds the AOT cache. Defaults to the OS filesystem.
	Fs afero.Fs

	// Config overrides the environment when set.
	Config *config.Config

	// OptLevel defaults to ir.O3.
	OptLevel ir.OptLevel
}

// DefaultOptions returns options that read the environment at compile
// time and optimize fully.
func DefaultOptions() Options {
	return Options{OptLevel: ir.O3}
}

type state interface{ isState() }

type uncompiled struct{}

type compiled struct {
	engine *engine.Engine
	entry  engine.Entry
}

type closed struct{}

func (uncompiled) isState() {}
func (compiled) isState()   {}
func (closed) isState()     {}

// Context compiles one program. It borrows the program, which must stay
// unchanged while the Context is in use.
type Context struct {
	prog  *ebpf.Program
	opts  Options
	log   logrus.FieldLogger
	stats counters

	mu    sync.Mutex
	state state
}

// New returns an uncompiled Context for prog.
func New(prog *ebpf.Program, opts Options) *Context {
	log := logging.OrDiscard(opts.Log)
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	opts.Log = log
	return &Context{
		prog:  prog,
		opts:  opts,
		log:   log,
		state: uncompiled{},
	}
}

func (c *Context) config() (config.Config, error) {
	if c.opts.Config != nil {
		return *c.opts.Config, nil
	}
	return config.FromEnv()
}

func (c *Context) newEngine() (*engine.Engine, error) {
	return engine.New(engine.Options{Log: c.log, OptLevel: c.opts.OptLevel})
}

// translate builds the IR module and the bindings of the program.
func (c *Context) translate() (*ir.Module, *symbols.Set, error) {
	c.stats.translations.Add(1)
	set := symbols.Bind(c.prog)
	m, err := translate.Translate(c.prog.Insns, set.ExtNames, set.LddwNames)
	if err != nil {
		return nil, nil, err
	}
	return m, set, nil
}

// Compile returns the native entry point of the program, compiling it on
// the first call. Later calls return the same entry without doing any work.
func (c *Context) Compile() (engine.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.compileCalls.Add(1)

	switch s := c.state.(type) {
	case compiled:
		return s.entry, nil
	case closed:
		return engine.Entry{}, ErrClosed
	}

	cfg, err := c.config()
	if err != nil {
		return engine.Entry{}, fmt.Errorf("read configuration: %w", err)
	}
	e, err := c.newEngine()
	if err != nil {
		return engine.Entry{}, err
	}

	var entry engine.Entry
	if cfg.AOTEnabled() {
		e, entry, err = c.compileAOT(e, cfg)
	} else {
		entry, err = c.compileJIT(e)
	}
	if err != nil {
		_ = e.Close()
		return engine.Entry{}, err
	}
	c.state = compiled{engine: e, entry: entry}
	c.log.WithField("addr", fmt.Sprintf("%#x", entry.Addr())).Debug("Program compiled")
	return entry, nil
}

// compileJIT translates the program, loads it into e and resolves the
// entry point.
func (c *Context) compileJIT(e *engine.Engine) (engine.Entry, error) {
	m, set, err := c.translate()
	if err != nil {
		return engine.Entry{}, err
	}
	if err := e.Load(m, set.Bindings); err != nil {
		return engine.Entry{}, err
	}
	c.stats.jitLoads.Add(1)
	return e.Lookup(symbols.EntryName)
}

// loadObject links a cached or supplied object into e and resolves the
// entry point.
func (c *Context) loadObject(e *engine.Engine, data []byte) (engine.Entry, error) {
	if err := e.AddObject(data, symbols.Bind(c.prog).Bindings); err != nil {
		return engine.Entry{}, err
	}
	return e.Lookup(symbols.EntryName)
}

// fallback discards e, which may hold a partially usable object, and
// compiles in memory on a fresh engine.
func (c *Context) fallback(e *engine.Engine) (*engine.Engine, engine.Entry, error) {
	c.stats.fallbacks.Add(1)
	_ = e.Close()
	fresh, err := c.newEngine()
	if err != nil {
		return e, engine.Entry{}, err
	}
	entry, err := c.compileJIT(fresh)
	return fresh, entry, err
}

// compileAOT returns the engine holding the compiled code, which is not
// e when a cached object had to be discarded.
func (c *Context) compileAOT(e *engine.Engine, cfg config.Config) (*engine.Engine, engine.Entry, error) {
	mgr, err := cache.New(cache.Options{
		Fs:    c.opts.Fs,
		Home:  cfg.CacheBase(),
		Index: cfg.IndexEnabled(),
		Log:   c.log,
	})
	if err != nil {
		return e, engine.Entry{}, err
	}
	digest := cache.Digest(c.prog.Bytes())
	log := c.log.WithFields(logrus.Fields{"digest": digest, "root": mgr.Root()})

	lock, err := mgr.Lock()
	if err != nil {
		return e, engine.Entry{}, err
	}
	data, err := mgr.TryLoad(digest)
	switch {
	case err == nil:
		_ = lock.Unlock()
		entry, err := c.loadObject(e, data)
		if err != nil {
			log.WithError(err).Warn("Failed to load cached AOT object, compiling in memory")
			return c.fallback(e)
		}
		c.stats.cacheHits.Add(1)
		c.stats.objectLoads.Add(1)
		log.Info("Loaded AOT object from cache")
		return e, entry, nil

	case errors.Is(err, cache.ErrNotFound):
		_ = lock.Unlock()
		c.stats.cacheMisses.Add(1)
		log.Debug("AOT cache miss")

	default:
		_ = lock.Unlock()
		c.stats.fallbacks.Add(1)
		log.WithError(err).Warn("Failed to read AOT cache entry, compiling in memory")
		entry, err := c.compileJIT(e)
		return e, entry, err
	}

	m, set, err := c.translate()
	if err != nil {
		return e, engine.Entry{}, err
	}
	obj, emitErr := e.EmitObject(m.Clone(), e.Machine().Triple())
	if emitErr == nil {
		c.stats.objectEmits.Add(1)
	} else {
		log.WithError(emitErr).Warn("Failed to emit AOT object")
	}
	if err := e.Load(m, set.Bindings); err != nil {
		return e, engine.Entry{}, err
	}
	c.stats.jitLoads.Add(1)
	entry, err := e.Lookup(symbols.EntryName)
	if err != nil {
		return e, engine.Entry{}, err
	}
	if emitErr == nil {
		c.store(mgr, digest, obj, e.Machine().Triple(), log)
	}
	return e, entry, nil
}

// store writes obj to the cache unless another process stored the entry
// while this one was compiling. Failures only lose the cache entry.
func (c *Context) store(mgr *cache.Manager, digest string, obj []byte, triple string, log logrus.FieldLogger) {
	lock, err := mgr.Lock()
	if err != nil {
		log.WithError(err).Warn("Failed to lock AOT cache, not storing object")
		return
	}
	defer func() { _ = lock.Unlock() }()

	exists, err := mgr.Exists(digest)
	if err != nil {
		log.WithError(err).Warn("Failed to check AOT cache entry")
		return
	}
	if exists {
		log.Debug("AOT cache entry appeared while compiling, keeping it")
		return
	}
	if err := mgr.Store(digest, obj, triple); err != nil {
		log.WithError(err).Warn("Failed to store AOT object")
		return
	}
	c.stats.stores.Add(1)
	log.WithField("bytes", len(obj)).Info("Stored AOT object in cache")
}

// LoadAOTObject links a previously emitted object as the program's native
// code. The context must not be compiled yet.
func (c *Context) LoadAOTObject(data []byte) (engine.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch s := c.state.(type) {
	case compiled:
		return engine.Entry{}, &engine.AlreadyCompiledError{Entry: s.entry.Name()}
	case closed:
		return engine.Entry{}, ErrClosed
	}

	e, err := c.newEngine()
	if err != nil {
		return engine.Entry{}, err
	}
	entry, err := c.loadObject(e, data)
	if err != nil {
		_ = e.Close()
		return engine.Entry{}, err
	}
	c.state = compiled{engine: e, entry: entry}
	c.stats.objectLoads.Add(1)
	return entry, nil
}

// EmitObject compiles the program to an object for the host target
// without changing the context.
func (c *Context) EmitObject() ([]byte, error) {
	return c.EmitObjectFor(backend.HostTriple())
}

// EmitObjectFor compiles the program to an object for triple without
// changing the context.
func (c *Context) EmitObjectFor(triple string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.state.(closed); ok {
		return nil, ErrClosed
	}

	m, _, err := c.translate()
	if err != nil {
		return nil, err
	}
	e, err := c.newEngine()
	if err != nil {
		return nil, err
	}
	defer e.Close()
	data, err := e.EmitObject(m, triple)
	if err != nil {
		return nil, err
	}
	c.stats.objectEmits.Add(1)
	return data, nil
}

// Module translates the program and returns the optimized IR module that
// would be compiled, for inspection.
func (c *Context) Module(level ir.OptLevel) (*ir.Module, error) {
	m, _, err := c.translate()
	if err != nil {
		return nil, err
	}
	ir.Optimize(m, level)
	return m, nil
}

// Compiled reports whether the context holds native code.
func (c *Context) Compiled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.state.(compiled)
	return ok
}

// Close releases the native code. Entries returned earlier must not be
// called afterwards.
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	if s, ok := c.state.(compiled); ok {
		err = s.engine.Close()
	}
	c.state = closed{}
	return err
}
