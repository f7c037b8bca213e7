// Package wasmtest assembles minimal WebAssembly binaries by hand so tests
// can exercise loading and execution without shipping prebuilt fixtures or
// depending on a guest toolchain.
package wasmtest

import "encoding/binary"

const wasiModule = "wasi_snapshot_preview1"

// Empty returns a well-formed module with no exports at all.
func Empty() []byte {
	return module()
}

// Command returns a module exporting an entry function that returns
// immediately without producing any output.
func Command(entry string) []byte {
	return module(
		typeSection(voidType),
		functionSection(0),
		exportSection(exportFunc(entry, 0)),
		codeSection(body(0x0b)),
	)
}

// Loop returns a module whose entry function never returns.
func Loop(entry string) []byte {
	return module(
		typeSection(voidType),
		functionSection(0),
		exportSection(exportFunc(entry, 0)),
		// loop; br 0; end; end
		codeSection(body(0x03, 0x40, 0x0c, 0x00, 0x0b, 0x0b)),
	)
}

// Exit returns a module whose entry function calls proc_exit with the given
// code. The code must fit a single signed leb byte.
func Exit(entry string, code int) []byte {
	if code < 0 || code > 63 {
		panic("exit code out of single byte range")
	}
	return module(
		typeSection(procExitType, voidType),
		importSection(importFunc(wasiModule, "proc_exit", 0)),
		functionSection(1),
		memorySection(1),
		exportSection(exportMemory("memory", 0), exportFunc(entry, 1)),
		// i32.const code; call 0; end
		codeSection(body(0x41, byte(code), 0x10, 0x00, 0x0b)),
	)
}

// Greedy returns a module that declares a minimum memory of the given
// number of pages and does nothing else.
func Greedy(entry string, pages int) []byte {
	return module(
		typeSection(voidType),
		functionSection(0),
		memorySection(pages),
		exportSection(exportMemory("memory", 0), exportFunc(entry, 0)),
		codeSection(body(0x0b)),
	)
}

// Responder returns a module whose entry function writes the payload to
// stdout through fd_write and returns.
func Responder(entry string, payload []byte) []byte {
	const dataOffset = 16
	pages := (dataOffset+len(payload))/65536 + 1

	// One iovec at offset 0 pointing at the payload; fd_write stores the
	// written count at offset 8.
	iov := make([]byte, 8)
	binary.LittleEndian.PutUint32(iov[0:], dataOffset)
	binary.LittleEndian.PutUint32(iov[4:], uint32(len(payload)))

	return module(
		typeSection(fdWriteType, voidType),
		importSection(importFunc(wasiModule, "fd_write", 0)),
		functionSection(1),
		memorySection(pages),
		exportSection(exportMemory("memory", 0), exportFunc(entry, 1)),
		// i32.const 1 (fd); i32.const 0 (iovs); i32.const 1 (iovs_len);
		// i32.const 8 (nwritten); call 0; drop; end
		codeSection(body(0x41, 0x01, 0x41, 0x00, 0x41, 0x01, 0x41, 0x08, 0x10, 0x00, 0x1a, 0x0b)),
		dataSection(
			dataSegment(0, iov),
			dataSegment(dataOffset, payload),
		),
	)
}

var (
	voidType     = []byte{0x60, 0x00, 0x00}
	procExitType = []byte{0x60, 0x01, 0x7f, 0x00}
	fdWriteType  = []byte{0x60, 0x04, 0x7f, 0x7f, 0x7f, 0x7f, 0x01, 0x7f}
)

func module(sections ...[]byte) []byte {
	m := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	for _, s := range sections {
		m = append(m, s...)
	}
	return m
}

func section(id byte, contents []byte) []byte {
	out := []byte{id}
	out = append(out, uleb(len(contents))...)
	return append(out, contents...)
}

func vec(items ...[]byte) []byte {
	out := uleb(len(items))
	for _, item := range items {
		out = append(out, item...)
	}
	return out
}

func name(s string) []byte {
	return append(uleb(len(s)), s...)
}

func typeSection(types ...[]byte) []byte {
	return section(1, vec(types...))
}

func importSection(imports ...[]byte) []byte {
	return section(2, vec(imports...))
}

func importFunc(module, field string, typeIndex int) []byte {
	out := name(module)
	out = append(out, name(field)...)
	out = append(out, 0x00)
	return append(out, uleb(typeIndex)...)
}

func functionSection(typeIndexes ...int) []byte {
	items := make([][]byte, len(typeIndexes))
	for i, t := range typeIndexes {
		items[i] = uleb(t)
	}
	return section(3, vec(items...))
}

func memorySection(minPages int) []byte {
	contents := append([]byte{0x01, 0x00}, uleb(minPages)...)
	return section(5, contents)
}

func exportSection(exports ...[]byte) []byte {
	return section(7, vec(exports...))
}

func exportFunc(field string, index int) []byte {
	out := append(name(field), 0x00)
	return append(out, uleb(index)...)
}

func exportMemory(field string, index int) []byte {
	out := append(name(field), 0x02)
	return append(out, uleb(index)...)
}

func codeSection(bodies ...[]byte) []byte {
	items := make([][]byte, len(bodies))
	for i, b := range bodies {
		items[i] = append(uleb(len(b)), b...)
	}
	return section(10, vec(items...))
}

// body prepends an empty locals vector to the instruction sequence.
func body(instructions ...byte) []byte {
	return append([]byte{0x00}, instructions...)
}

func dataSection(segments ...[]byte) []byte {
	return section(11, vec(segments...))
}

func dataSegment(offset int, data []byte) []byte {
	if offset < 0 || offset > 63 {
		panic("data offset out of single byte range")
	}
	// active segment: i32.const offset; end
	out := []byte{0x00, 0x41, byte(offset), 0x0b}
	out = append(out, uleb(len(data))...)
	return append(out, data...)
}

func uleb(n int) []byte {
	var out []byte
	for {
		c := byte(n & 0x7f)
		n >>= 7
		if n != 0 {
			c |= 0x80
		}
		out = append(out, c)
		if n == 0 {
			return out
		}
	}
}
