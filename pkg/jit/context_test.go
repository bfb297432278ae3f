package jit

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/fortiblox/bpfjit/internal/config"
	"github.com/fortiblox/bpfjit/internal/nativehelper"
	. "github.com/fortiblox/bpfjit/pkg/ebpf"
	"github.com/fortiblox/bpfjit/pkg/jit/backend"
	"github.com/fortiblox/bpfjit/pkg/jit/backend/amd64"
	"github.com/fortiblox/bpfjit/pkg/jit/cache"
	"github.com/fortiblox/bpfjit/pkg/jit/engine"
	"github.com/fortiblox/bpfjit/pkg/jit/ir"
	"github.com/fortiblox/bpfjit/pkg/jit/object"
	"github.com/fortiblox/bpfjit/pkg/jit/symbols"
	"github.com/fortiblox/bpfjit/pkg/jit/translate"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func requireHost(t *testing.T) {
	t.Helper()
	if backend.HostTriple() != amd64.Triple {
		t.Skipf("no code generator for %s", backend.HostTriple())
	}
}

func requireNative(t *testing.T) {
	t.Helper()
	requireHost(t)
	if !nativehelper.Available {
		t.Skip("calling native code needs cgo")
	}
}

func return42() *Program {
	return NewProgram(Assemble(Mov64Imm(0, 42), Exit()))
}

func jitOptions() Options {
	opts := DefaultOptions()
	opts.Config = &config.Config{}
	opts.Fs = afero.NewMemMapFs()
	return opts
}

func aotOptions(fs afero.Fs) Options {
	on := ""
	opts := DefaultOptions()
	opts.Config = &config.Config{EnableAOT: &on, Home: "/home/bpf"}
	opts.Fs = fs
	return opts
}

func newContext(t *testing.T, prog *Program, opts Options) *Context {
	t.Helper()
	c := New(prog, opts)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCompileReturn42(t *testing.T) {
	requireNative(t)
	c := newContext(t, return42(), jitOptions())
	entry, err := c.Compile()
	require.NoError(t, err)
	assert.Equal(t, int64(42), entry.Call(nil))
	assert.True(t, c.Compiled())

	st := c.Stats()
	assert.Equal(t, uint64(1), st.Translations)
	assert.Equal(t, uint64(1), st.JITLoads)
	assert.Zero(t, st.CacheMisses)
}

func TestCompileIdempotent(t *testing.T) {
	requireHost(t)
	c := newContext(t, return42(), jitOptions())
	first, err := c.Compile()
	require.NoError(t, err)
	second, err := c.Compile()
	require.NoError(t, err)
	assert.Equal(t, first.Addr(), second.Addr())

	st := c.Stats()
	assert.Equal(t, uint64(2), st.CompileCalls)
	assert.Equal(t, uint64(1), st.Translations)
	assert.Equal(t, uint64(1), st.JITLoads)
}

func TestCompileConcurrent(t *testing.T) {
	requireHost(t)
	c := newContext(t, return42(), jitOptions())

	const n = 8
	addrs := make([]uintptr, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entry, err := c.Compile()
			assert.NoError(t, err)
			addrs[i] = entry.Addr()
		}(i)
	}
	wg.Wait()

	for _, a := range addrs {
		assert.Equal(t, addrs[0], a)
	}
	assert.NotZero(t, addrs[0])
	assert.Equal(t, uint64(1), c.Stats().Translations)
	assert.Equal(t, uint64(n), c.Stats().CompileCalls)
}

func TestCompileHelpers(t *testing.T) {
	requireNative(t)
	prog := NewProgram(Assemble(
		Mov64Imm(1, 1), Mov64Imm(2, 2), Mov64Imm(3, 3), Mov64Imm(4, 4), Mov64Imm(5, 5),
		Call(nativehelper.HelperSum5),
		Exit(),
	))
	require.NoError(t, nativehelper.Bind(prog))
	entry, err := newContext(t, prog, jitOptions()).Compile()
	require.NoError(t, err)
	assert.Equal(t, int64(15), entry.Call(nil))
}

func TestCompileErrorLeavesUncompiled(t *testing.T) {
	requireHost(t)
	// Helper 2 is not bound.
	c := newContext(t, NewProgram(Assemble(Call(2), Exit())), jitOptions())
	_, err := c.Compile()
	var terr *translate.TranslationError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, 0, terr.PC)
	assert.False(t, c.Compiled())

	_, err = c.Compile()
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, uint64(2), c.Stats().Translations)
}

func TestCompileAfterClose(t *testing.T) {
	requireHost(t)
	c := newContext(t, return42(), jitOptions())
	_, err := c.Compile()
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	_, err = c.Compile()
	require.ErrorIs(t, err, ErrClosed)
	_, err = c.LoadAOTObject(nil)
	require.ErrorIs(t, err, ErrClosed)
}

func TestAOTCacheRoundTrip(t *testing.T) {
	requireHost(t)
	fs := afero.NewMemMapFs()
	prog := return42()
	digest := cache.Digest(prog.Bytes())
	path := filepath.Join(cache.RootPath("/home/bpf"), digest)

	c1 := newContext(t, prog, aotOptions(fs))
	e1, err := c1.Compile()
	require.NoError(t, err)
	st := c1.Stats()
	assert.Equal(t, uint64(1), st.CacheMisses)
	assert.Equal(t, uint64(1), st.ObjectEmits)
	assert.Equal(t, uint64(1), st.Stores)
	assert.Equal(t, uint64(1), st.JITLoads)

	stored, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	assert.NotEmpty(t, stored)
	ok, err := afero.Exists(fs, filepath.Join(cache.RootPath("/home/bpf"), cache.LockName))
	require.NoError(t, err)
	assert.True(t, ok)

	c2 := newContext(t, return42(), aotOptions(fs))
	e2, err := c2.Compile()
	require.NoError(t, err)
	st = c2.Stats()
	assert.Equal(t, uint64(1), st.CacheHits)
	assert.Equal(t, uint64(1), st.ObjectLoads)
	assert.Zero(t, st.Translations)
	assert.Zero(t, st.Stores)
	assert.NotEqual(t, e1.Addr(), e2.Addr())

	again, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	assert.Equal(t, stored, again)

	if nativehelper.Available {
		assert.Equal(t, int64(42), e1.Call(nil))
		assert.Equal(t, int64(42), e2.Call(nil))
	}
}

func TestAOTContentAddressing(t *testing.T) {
	requireHost(t)
	fs := afero.NewMemMapFs()
	for _, v := range []int32{1, 2, 1} {
		c := newContext(t, NewProgram(Assemble(Mov64Imm(0, v), Exit())), aotOptions(fs))
		_, err := c.Compile()
		require.NoError(t, err)
	}
	mgr, err := cache.New(cache.Options{Fs: fs, Home: "/home/bpf"})
	require.NoError(t, err)
	entries, err := mgr.List()
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestAOTCorruptEntryFallsBack(t *testing.T) {
	requireHost(t)
	fs := afero.NewMemMapFs()
	prog := return42()
	root, _, err := cache.EnsureRoot(fs, "/home/bpf")
	require.NoError(t, err)
	path := filepath.Join(root, cache.Digest(prog.Bytes()))
	garbage := []byte("this is not an object, just some bytes on disk")
	require.NoError(t, afero.WriteFile(fs, path, garbage, 0o644))

	c := newContext(t, prog, aotOptions(fs))
	entry, err := c.Compile()
	require.NoError(t, err)
	st := c.Stats()
	assert.Equal(t, uint64(1), st.Fallbacks)
	assert.Equal(t, uint64(1), st.Translations)
	assert.Zero(t, st.CacheHits)
	assert.Zero(t, st.Stores)

	left, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	assert.Equal(t, garbage, left, "corrupt entries are not rewritten")

	if nativehelper.Available {
		assert.Equal(t, int64(42), entry.Call(nil))
	}
}

func TestAOTEntryWithoutMainFallsBack(t *testing.T) {
	requireHost(t)
	fs := afero.NewMemMapFs()
	prog := return42()

	data, err := New(prog, jitOptions()).EmitObject()
	require.NoError(t, err)
	obj, err := object.Unmarshal(data)
	require.NoError(t, err)
	for i := range obj.Symbols {
		if obj.Symbols[i].Name == symbols.EntryName {
			obj.Symbols[i].Name = "renamed_main"
		}
	}
	data, err = object.Marshal(obj)
	require.NoError(t, err)

	root, _, err := cache.EnsureRoot(fs, "/home/bpf")
	require.NoError(t, err)
	path := filepath.Join(root, cache.Digest(prog.Bytes()))
	require.NoError(t, afero.WriteFile(fs, path, data, 0o644))

	c := newContext(t, prog, aotOptions(fs))
	entry, err := c.Compile()
	require.NoError(t, err)
	assert.True(t, c.Compiled())
	assert.Equal(t, symbols.EntryName, entry.Name())

	st := c.Stats()
	assert.Equal(t, uint64(1), st.Fallbacks)
	assert.Equal(t, uint64(1), st.Translations)
	assert.Equal(t, uint64(1), st.JITLoads)
	assert.Zero(t, st.CacheHits)
	assert.Zero(t, st.ObjectLoads)
	assert.Zero(t, st.Stores)

	left, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	assert.Equal(t, data, left)

	if nativehelper.Available {
		assert.Equal(t, int64(42), entry.Call(nil))
	}
}

// racingFs creates the entry at path the second time it is looked up, as
// another process finishing the same program would.
type racingFs struct {
	afero.Fs
	path  string
	data  []byte
	stats int
}

func (r *racingFs) Stat(name string) (os.FileInfo, error) {
	if name == r.path {
		r.stats++
		if r.stats == 2 {
			if err := afero.WriteFile(r.Fs, r.path, r.data, 0o644); err != nil {
				return nil, err
			}
		}
	}
	return r.Fs.Stat(name)
}

func TestAOTStoreKeepsConcurrentEntry(t *testing.T) {
	requireHost(t)
	prog := return42()
	mem := afero.NewMemMapFs()
	root, _, err := cache.EnsureRoot(mem, "/home/bpf")
	require.NoError(t, err)
	other := []byte("entry written by another process")
	fs := &racingFs{Fs: mem, path: filepath.Join(root, cache.Digest(prog.Bytes())), data: other}

	c := newContext(t, prog, aotOptions(fs))
	_, err = c.Compile()
	require.NoError(t, err)

	st := c.Stats()
	assert.Equal(t, uint64(1), st.CacheMisses)
	assert.Equal(t, uint64(1), st.ObjectEmits)
	assert.Zero(t, st.Stores)
	assert.Equal(t, 2, fs.stats)

	left, err := afero.ReadFile(mem, fs.path)
	require.NoError(t, err)
	assert.Equal(t, other, left)
}

func TestAOTColdCacheSharedRoot(t *testing.T) {
	requireHost(t)
	fs := afero.NewMemMapFs()

	const n = 4
	var stores, hits atomic.Uint64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := New(return42(), aotOptions(fs))
			defer c.Close()
			if _, err := c.Compile(); err != nil {
				t.Error(err)
				return
			}
			st := c.Stats()
			stores.Add(st.Stores)
			hits.Add(st.CacheHits)
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(1), stores.Load())
	assert.LessOrEqual(t, hits.Load(), uint64(n-1))

	m, err := cache.New(cache.Options{Fs: fs, Home: "/home/bpf"})
	require.NoError(t, err)
	entries, err := m.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, cache.Digest(return42().Bytes()), entries[0].Digest)
}

func TestLoadAOTObject(t *testing.T) {
	requireHost(t)
	src := newContext(t, return42(), jitOptions())
	data, err := src.EmitObject()
	require.NoError(t, err)
	assert.False(t, src.Compiled(), "emitting does not compile")
	assert.Equal(t, uint64(1), src.Stats().ObjectEmits)

	c := newContext(t, return42(), jitOptions())
	entry, err := c.LoadAOTObject(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), c.Stats().ObjectLoads)

	_, err = c.LoadAOTObject(data)
	var already *engine.AlreadyCompiledError
	require.ErrorAs(t, err, &already)

	again, err := c.Compile()
	require.NoError(t, err)
	assert.Equal(t, entry.Addr(), again.Addr())
	assert.Zero(t, c.Stats().Translations)

	if nativehelper.Available {
		assert.Equal(t, int64(42), entry.Call(nil))
	}
}

func TestLoadAOTObjectCorrupt(t *testing.T) {
	requireHost(t)
	c := newContext(t, return42(), jitOptions())
	_, err := c.LoadAOTObject([]byte("short"))
	var lerr *engine.LinkError
	require.ErrorAs(t, err, &lerr)
	assert.False(t, c.Compiled())
}

func TestModule(t *testing.T) {
	c := New(NewProgram(Assemble(Mov64Imm(0, 40), Alu64Imm(AluAdd, 0, 2), Exit())), jitOptions())
	m, err := c.Module(ir.O0)
	require.NoError(t, err)
	assert.Contains(t, m.String(), "bpf_main")
}
