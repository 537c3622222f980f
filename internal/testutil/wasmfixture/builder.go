// Package wasmfixture builds small WebAssembly modules for tests.
//
// Builder encodes just enough of the binary format for test guests:
// function imports, functions, one memory, mutable i32 globals and exports.
// Guest builds the recording guest that implements the bridge ABI.
package wasmfixture

import (
	"bytes"
	"fmt"

	"github.com/tetratelabs/wazero/api"
)

// Section ids.
const (
	sectionType     = 0x01
	sectionImport   = 0x02
	sectionFunction = 0x03
	sectionMemory   = 0x05
	sectionGlobal   = 0x06
	sectionExport   = 0x07
	sectionCode     = 0x0a
)

// Export kinds.
const (
	kindFunc   = 0x00
	kindMemory = 0x02
	kindGlobal = 0x03
)

type funcImport struct {
	module string
	name   string
	typ    uint32
}

type function struct {
	body []byte
	typ  uint32
}

type export struct {
	name  string
	kind  byte
	index uint32
}

// Builder assembles a module. Imports must be added before functions so
// that function indices stay stable.
type Builder struct {
	types    [][]byte
	imports  []funcImport
	funcs    []function
	globals  []int32
	exports  []export
	memPages uint32
}

// New returns an empty Builder.
func New() *Builder {
	return &Builder{}
}

func (b *Builder) typeIndex(params, results []api.ValueType) uint32 {
	enc := []byte{0x60}
	enc = append(enc, uleb(uint32(len(params)))...)
	enc = append(enc, params...)
	enc = append(enc, uleb(uint32(len(results)))...)
	enc = append(enc, results...)

	for i, t := range b.types {
		if bytes.Equal(t, enc) {
			return uint32(i)
		}
	}
	b.types = append(b.types, enc)
	return uint32(len(b.types) - 1)
}

// ImportFunc declares an imported function and returns its function index.
func (b *Builder) ImportFunc(module, name string, params, results []api.ValueType) uint32 {
	if len(b.funcs) > 0 {
		panic("wasmfixture: ImportFunc after Func")
	}
	b.imports = append(b.imports, funcImport{module: module, name: name, typ: b.typeIndex(params, results)})
	return uint32(len(b.imports) - 1)
}

// Func defines a function with no locals and returns its function index.
// body is the instruction sequence without the final end opcode.
func (b *Builder) Func(params, results []api.ValueType, body ...[]byte) uint32 {
	b.funcs = append(b.funcs, function{typ: b.typeIndex(params, results), body: bytes.Join(body, nil)})
	return uint32(len(b.imports) + len(b.funcs) - 1)
}

// Global defines a mutable i32 global and returns its index.
func (b *Builder) Global(init int32) uint32 {
	b.globals = append(b.globals, init)
	return uint32(len(b.globals) - 1)
}

// Memory defines the module memory with a minimum of pages.
func (b *Builder) Memory(pages uint32) {
	b.memPages = pages
}

// ExportFunc exports function idx as name.
func (b *Builder) ExportFunc(name string, idx uint32) {
	b.exports = append(b.exports, export{name: name, kind: kindFunc, index: idx})
}

// ExportGlobal exports global idx as name.
func (b *Builder) ExportGlobal(name string, idx uint32) {
	b.exports = append(b.exports, export{name: name, kind: kindGlobal, index: idx})
}

// ExportMemory exports the memory as name.
func (b *Builder) ExportMemory(name string) {
	b.exports = append(b.exports, export{name: name, kind: kindMemory, index: 0})
}

// Build encodes the module.
func (b *Builder) Build() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	if len(b.types) > 0 {
		out = appendSection(out, sectionType, vec(len(b.types), func(i int) []byte {
			return b.types[i]
		}))
	}

	if len(b.imports) > 0 {
		out = appendSection(out, sectionImport, vec(len(b.imports), func(i int) []byte {
			imp := b.imports[i]
			var e []byte
			e = append(e, name(imp.module)...)
			e = append(e, name(imp.name)...)
			e = append(e, kindFunc)
			return append(e, uleb(imp.typ)...)
		}))
	}

	if len(b.funcs) > 0 {
		out = appendSection(out, sectionFunction, vec(len(b.funcs), func(i int) []byte {
			return uleb(b.funcs[i].typ)
		}))
	}

	if b.memPages > 0 {
		mem := []byte{0x01, 0x00}
		out = appendSection(out, sectionMemory, append(mem, uleb(b.memPages)...))
	}

	if len(b.globals) > 0 {
		out = appendSection(out, sectionGlobal, vec(len(b.globals), func(i int) []byte {
			g := []byte{api.ValueTypeI32, 0x01}
			g = append(g, I32Const(b.globals[i])...)
			return append(g, opEnd)
		}))
	}

	if len(b.exports) > 0 {
		out = appendSection(out, sectionExport, vec(len(b.exports), func(i int) []byte {
			e := b.exports[i]
			enc := name(e.name)
			enc = append(enc, e.kind)
			return append(enc, uleb(e.index)...)
		}))
	}

	if len(b.funcs) > 0 {
		out = appendSection(out, sectionCode, vec(len(b.funcs), func(i int) []byte {
			body := []byte{0x00} // no locals
			body = append(body, b.funcs[i].body...)
			body = append(body, opEnd)
			return append(uleb(uint32(len(body))), body...)
		}))
	}

	return out
}

func appendSection(out []byte, id byte, content []byte) []byte {
	out = append(out, id)
	out = append(out, uleb(uint32(len(content)))...)
	return append(out, content...)
}

func vec(n int, item func(int) []byte) []byte {
	out := uleb(uint32(n))
	for i := 0; i < n; i++ {
		out = append(out, item(i)...)
	}
	return out
}

func name(s string) []byte {
	return append(uleb(uint32(len(s))), s...)
}

func uleb(v uint32) []byte {
	var out []byte
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		out = append(out, c)
		if v == 0 {
			return out
		}
	}
}

func sleb(v int32) []byte {
	var out []byte
	for {
		c := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0)
		if !done {
			c |= 0x80
		}
		out = append(out, c)
		if done {
			return out
		}
	}
}

// Instructions.
const (
	opUnreachable = 0x00
	opIf          = 0x04
	opEnd         = 0x0b
	opCall        = 0x10
	opLocalGet    = 0x20
	opGlobalGet   = 0x23
	opGlobalSet   = 0x24
	opI32Const    = 0x41
	opI32Eq       = 0x46
	opI32Add      = 0x6a
	blockEmpty    = 0x40
)

// I32Const pushes v.
func I32Const(v int32) []byte { return append([]byte{opI32Const}, sleb(v)...) }

// LocalGet pushes local i.
func LocalGet(i uint32) []byte { return append([]byte{opLocalGet}, uleb(i)...) }

// GlobalGet pushes global i.
func GlobalGet(i uint32) []byte { return append([]byte{opGlobalGet}, uleb(i)...) }

// GlobalSet pops into global i.
func GlobalSet(i uint32) []byte { return append([]byte{opGlobalSet}, uleb(i)...) }

// Call calls function i.
func Call(i uint32) []byte { return append([]byte{opCall}, uleb(i)...) }

// Add pops two i32 and pushes their sum.
func Add() []byte { return []byte{opI32Add} }

// Eq pops two i32 and pushes 1 when equal.
func Eq() []byte { return []byte{opI32Eq} }

// Unreachable traps.
func Unreachable() []byte { return []byte{opUnreachable} }

// If runs then when the popped i32 is non-zero.
func If(then ...[]byte) []byte {
	out := []byte{opIf, blockEmpty}
	out = append(out, bytes.Join(then, nil)...)
	return append(out, opEnd)
}

// Incr adds one to global i.
func Incr(i uint32) []byte {
	return bytes.Join([][]byte{GlobalGet(i), I32Const(1), Add(), GlobalSet(i)}, nil)
}

// String renders b for failure messages.
func (b *Builder) String() string {
	return fmt.Sprintf("module(types=%d imports=%d funcs=%d globals=%d exports=%d)",
		len(b.types), len(b.imports), len(b.funcs), len(b.globals), len(b.exports))
}
