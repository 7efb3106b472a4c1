// Package pe loads 32-bit ARM PE32 images into the guest address space:
// section mapping (at the preferred base or a rebased candidate), base
// relocation, export-table parsing, and import resolution with Thumb
// stub synthesis for anything that can't be resolved.
package pe

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/primu-emu/primu/internal/memory"
)

const (
	// RebaseLo and RebaseHi bound the candidate search range used both
	// for whole-image rebasing and for stub/placement allocation.
	RebaseLo    = 0x10000000
	RebaseHi    = 0x70000000
	RebaseStride = 0x00100000

	imageRelBasedHighLow = 3
	imageOrdinalFlag32   = 0x80000000
)

var (
	ErrBadMagic       = errors.New("pe: bad DOS/NT magic")
	ErrNot32Bit       = errors.New("pe: not a PE32 (32-bit) optional header")
	ErrBadMachine     = errors.New("pe: unsupported machine type")
	ErrEmptyImage     = errors.New("pe: SizeOfImage is zero")
	ErrNoBase         = errors.New("pe: no rebase candidate fits")
)

// mem is the subset of the memory manager the loader needs.
type mem interface {
	StaticAlloc(base uint32, size uint32) (*memory.Block, error)
	StaticFree(base uint32) error
	AllocateAny(lo, hi, stride, size uint32) (*memory.Block, error)
	Write(addr uint32, data []byte) error
	Read(addr uint32, size uint32) ([]byte, error)
}

// Image is a loaded PE module: its mapped sections and its resolved
// export tables, keyed the way the loader's import resolver looks them
// up.
type Image struct {
	Path          string
	PreferredBase uint32
	ActualBase    uint32
	SizeOfImage   uint32
	EntryPoint    uint32
	Sections      []memory.Block
	ExportsByName map[string]uint32
	ExportsByOrd  map[uint32]uint32
}

// Registry tracks loaded images by lowercase base filename and breaks
// import cycles with placeholder entries installed before recursion.
type Registry struct {
	images map[string]*Image // nil value = placeholder-in-progress or unresolved
}

// NewRegistry returns an empty loaded-image registry.
func NewRegistry() *Registry {
	return &Registry{images: map[string]*Image{}}
}

func keyFor(path string) string {
	return strings.ToLower(filepath.Base(path))
}

// Load reads path, maps it (at its preferred base or a rebased candidate),
// applies relocations, parses exports, and resolves imports against
// systemDir. Dependencies found while resolving imports are loaded through
// the same mapAndResolve path, not through Load.
func (r *Registry) Load(mm mem, path, systemDir string) (*Image, error) {
	key := keyFor(path)
	if existing, ok := r.images[key]; ok && existing != nil {
		return existing, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pe: read %s: %w", path, err)
	}

	img, err := r.mapAndResolve(mm, path, data, systemDir)
	if err != nil {
		return nil, err
	}
	r.images[key] = img
	return img, nil
}

// LoadBytes is the Load entry point for callers that already have the
// executable's bytes in hand (the top-level guest executable, read once by
// the caller rather than re-read from disk here).
func LoadBytes(r *Registry, mm mem, path string, data []byte, systemDir string) (*Image, error) {
	key := keyFor(path)
	if existing, ok := r.images[key]; ok && existing != nil {
		return existing, nil
	}
	img, err := r.mapAndResolve(mm, path, data, systemDir)
	if err != nil {
		return nil, err
	}
	r.images[key] = img
	return img, nil
}

// placeholder installs an in-progress marker so that a dependency which
// imports back into this module sees a live-but-incomplete record rather
// than recursing forever.
func (r *Registry) placeholder(path string) {
	key := keyFor(path)
	if _, ok := r.images[key]; !ok {
		r.images[key] = nil
	}
}

func (r *Registry) get(path string) (*Image, bool) {
	img, ok := r.images[keyFor(path)]
	return img, ok
}

func (r *Registry) mapAndResolve(mm mem, path string, data []byte, systemDir string) (*Image, error) {
	r.placeholder(path)

	// debug/pe rejects IMAGE_FILE_MACHINE_ARM (0x1C0), so an ARM image is
	// parsed from a copy whose COFF machine field reads ARMNT instead.
	parseData := data
	if len(data) >= 0x40 {
		lfanew := int(binary.LittleEndian.Uint32(data[0x3C:]))
		if lfanew+6 <= len(data) && binary.LittleEndian.Uint16(data[lfanew+4:]) == pe.IMAGE_FILE_MACHINE_ARM {
			parseData = append([]byte(nil), data...)
			binary.LittleEndian.PutUint16(parseData[lfanew+4:], pe.IMAGE_FILE_MACHINE_ARMNT)
		}
	}
	f, err := pe.NewFile(bytes.NewReader(parseData))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadMagic, err)
	}
	oh, ok := f.OptionalHeader.(*pe.OptionalHeader32)
	if !ok {
		return nil, ErrNot32Bit
	}
	if f.Machine != pe.IMAGE_FILE_MACHINE_ARM && f.Machine != pe.IMAGE_FILE_MACHINE_ARMNT {
		return nil, fmt.Errorf("%w: 0x%x", ErrBadMachine, f.Machine)
	}
	if oh.SizeOfImage == 0 {
		return nil, ErrEmptyImage
	}

	preferred := oh.ImageBase
	img := &Image{
		Path:          path,
		PreferredBase: preferred,
		SizeOfImage:   oh.SizeOfImage,
		ExportsByName: map[string]uint32{},
		ExportsByOrd:  map[uint32]uint32{},
	}

	actual, sections, err := mapSections(mm, f, preferred)
	if err != nil {
		return nil, err
	}
	img.ActualBase = actual
	img.Sections = sections
	img.EntryPoint = actual + oh.AddressOfEntryPoint

	delta := int64(actual) - int64(preferred)
	if delta != 0 {
		if err := applyRelocations(mm, f, data, actual, uint32(delta)); err != nil {
			return nil, fmt.Errorf("pe: relocate %s: %w", path, err)
		}
	}

	parseExports(f, data, actual, img)

	// Publish the image now, with its exports already resolved, so a
	// dependency that imports back into this module during resolveImports
	// below sees a usable record instead of the in-progress placeholder.
	r.images[keyFor(path)] = img

	if err := r.resolveImports(mm, f, data, actual, img, systemDir); err != nil {
		r.images[keyFor(path)] = nil // back to an unresolved placeholder, not a half-built image
		return nil, fmt.Errorf("pe: resolve imports of %s: %w", path, err)
	}

	return img, nil
}

// mapSections tries the preferred base first; on any section failure it
// unwinds and searches a rebase candidate range.
func mapSections(mm mem, f *pe.File, preferred uint32) (uint32, []memory.Block, error) {
	try := func(base uint32) ([]memory.Block, bool) {
		var placed []memory.Block
		for _, s := range f.Sections {
			size := s.VirtualSize
			if s.Size > size {
				size = s.Size
			}
			if size == 0 {
				continue
			}
			vaddr := base + s.VirtualAddress
			blk, err := mm.StaticAlloc(vaddr, size)
			if err != nil {
				for _, p := range placed {
					_ = mm.StaticFree(p.Base)
				}
				return nil, false
			}
			raw, _ := s.Data()
			if len(raw) > 0 {
				_ = mm.Write(vaddr, raw)
			}
			placed = append(placed, memory.Block{Base: blk.Base, Size: blk.Size})
		}
		return placed, true
	}

	if placed, ok := try(preferred); ok {
		return preferred, placed, nil
	}

	for base := uint32(RebaseLo); base < RebaseHi; base += RebaseStride {
		// probe: try and, on success, keep; on failure try() already
		// unwound its own partial allocations.
		if placed, ok := try(base); ok {
			return base, placed, nil
		}
	}
	return 0, nil, ErrNoBase
}

func applyRelocations(mm mem, f *pe.File, data []byte, actualBase uint32, delta uint32) error {
	sec := relocSection(f)
	if sec == nil {
		return nil
	}
	raw, err := sec.Data()
	if err != nil {
		return nil
	}
	off := 0
	for off+8 <= len(raw) {
		pageRVA := binary.LittleEndian.Uint32(raw[off:])
		blockSize := binary.LittleEndian.Uint32(raw[off+4:])
		if blockSize < 8 {
			break
		}
		entries := raw[off+8 : off+int(blockSize)]
		for i := 0; i+2 <= len(entries); i += 2 {
			e := binary.LittleEndian.Uint16(entries[i:])
			typ := e >> 12
			pageOff := uint32(e & 0xFFF)
			if typ != imageRelBasedHighLow {
				continue
			}
			addr := actualBase + pageRVA + pageOff
			word, err := mm.Read(addr, 4)
			if err != nil {
				continue
			}
			v := binary.LittleEndian.Uint32(word) + delta
			binary.LittleEndian.PutUint32(word, v)
			if err := mm.Write(addr, word); err != nil {
				return err
			}
		}
		off += int(blockSize)
	}
	return nil
}

func relocSection(f *pe.File) *pe.Section {
	for _, s := range f.Sections {
		if s.Name == ".reloc" {
			return s
		}
	}
	return nil
}

func parseExports(f *pe.File, data []byte, actualBase uint32, img *Image) {
	sec, dirVA, dirSize := exportSection(f)
	if sec == nil || dirSize == 0 {
		return
	}
	raw, err := sec.Data()
	if err != nil {
		return
	}
	secStartVA := sec.VirtualAddress
	dirOff := int(dirVA - secStartVA)
	if dirOff < 0 || dirOff+40 > len(raw) {
		return
	}
	d := raw[dirOff:]
	base := binary.LittleEndian.Uint32(d[16:])
	numFunctions := binary.LittleEndian.Uint32(d[20:])
	numNames := binary.LittleEndian.Uint32(d[24:])
	addrFunctionsRVA := binary.LittleEndian.Uint32(d[28:])
	addrNamesRVA := binary.LittleEndian.Uint32(d[32:])
	addrNameOrdinalsRVA := binary.LittleEndian.Uint32(d[36:])

	readU32At := func(rva uint32) (uint32, bool) {
		o := int(rva - secStartVA)
		if o < 0 || o+4 > len(raw) {
			return 0, false
		}
		return binary.LittleEndian.Uint32(raw[o:]), true
	}
	readU16At := func(rva uint32) (uint16, bool) {
		o := int(rva - secStartVA)
		if o < 0 || o+2 > len(raw) {
			return 0, false
		}
		return binary.LittleEndian.Uint16(raw[o:]), true
	}
	readCStrAt := func(rva uint32) (string, bool) {
		o := int(rva - secStartVA)
		if o < 0 || o >= len(raw) {
			return "", false
		}
		end := o
		for end < len(raw) && raw[end] != 0 {
			end++
		}
		return string(raw[o:end]), true
	}

	for i := uint32(0); i < numFunctions; i++ {
		fnRVA, ok := readU32At(addrFunctionsRVA + i*4)
		if !ok || fnRVA == 0 {
			continue
		}
		img.ExportsByOrd[base+i] = actualBase + fnRVA
	}
	for k := uint32(0); k < numNames; k++ {
		nameRVA, ok := readU32At(addrNamesRVA + k*4)
		if !ok {
			continue
		}
		name, ok := readCStrAt(nameRVA)
		if !ok {
			continue
		}
		ordIdx, ok := readU16At(addrNameOrdinalsRVA + k*2)
		if !ok {
			continue
		}
		fnRVA, ok := readU32At(addrFunctionsRVA + uint32(ordIdx)*4)
		if !ok {
			continue
		}
		img.ExportsByName[name] = actualBase + fnRVA
	}
}

func exportSection(f *pe.File) (*pe.Section, uint32, uint32) {
	var dirVA, dirSize uint32
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		if len(oh.DataDirectory) > 0 {
			dirVA = oh.DataDirectory[0].VirtualAddress
			dirSize = oh.DataDirectory[0].Size
		}
	}
	if dirVA == 0 {
		return nil, 0, 0
	}
	for _, s := range f.Sections {
		if dirVA >= s.VirtualAddress && dirVA < s.VirtualAddress+s.VirtualSize {
			return s, dirVA, dirSize
		}
	}
	return nil, 0, 0
}

func importSection(f *pe.File) (*pe.Section, uint32) {
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		if len(oh.DataDirectory) > 1 {
			return sectionContaining(f, oh.DataDirectory[1].VirtualAddress), oh.DataDirectory[1].VirtualAddress
		}
	}
	return nil, 0
}

func sectionContaining(f *pe.File, rva uint32) *pe.Section {
	if rva == 0 {
		return nil
	}
	for _, s := range f.Sections {
		if rva >= s.VirtualAddress && rva < s.VirtualAddress+s.VirtualSize {
			return s
		}
	}
	return nil
}

// readU32AtRVA reads a little-endian u32 at an arbitrary image RVA,
// locating whichever section backs it. Thunk arrays and import-by-name
// entries are not guaranteed to live in the same section as the import
// directory itself.
func readU32AtRVA(f *pe.File, rva uint32) uint32 {
	s := sectionContaining(f, rva)
	if s == nil {
		return 0
	}
	raw, err := s.Data()
	if err != nil {
		return 0
	}
	o := int(rva - s.VirtualAddress)
	if o < 0 || o+4 > len(raw) {
		return 0
	}
	return binary.LittleEndian.Uint32(raw[o:])
}

// readCStrAtRVA reads a NUL-terminated string at an arbitrary image RVA.
func readCStrAtRVA(f *pe.File, rva uint32) string {
	s := sectionContaining(f, rva)
	if s == nil {
		return ""
	}
	raw, err := s.Data()
	if err != nil {
		return ""
	}
	o := int(rva - s.VirtualAddress)
	if o < 0 || o >= len(raw) {
		return ""
	}
	end := o
	for end < len(raw) && raw[end] != 0 {
		end++
	}
	return string(raw[o:end])
}

// resolveImports walks the import descriptor table, recursing into each
// dependency and patching the caller's IAT in place (in guest memory).
func (r *Registry) resolveImports(mm mem, f *pe.File, data []byte, actualBase uint32, img *Image, systemDir string) error {
	sec, dirVA := importSection(f)
	if sec == nil {
		return nil
	}
	raw, err := sec.Data()
	if err != nil {
		return nil
	}
	secStartVA := sec.VirtualAddress

	const descSize = 20
	for off := int(dirVA - secStartVA); off+descSize <= len(raw); off += descSize {
		origFirstThunk := binary.LittleEndian.Uint32(raw[off:])
		nameRVA := binary.LittleEndian.Uint32(raw[off+12:])
		firstThunk := binary.LittleEndian.Uint32(raw[off+16:])
		if nameRVA == 0 && firstThunk == 0 && origFirstThunk == 0 {
			break
		}
		dllName := strings.ToLower(readCStrAtRVA(f, nameRVA))
		if dllName == "" {
			continue
		}

		dep, unresolved := r.dependency(mm, dllName, systemDir)

		oft := origFirstThunk
		ft := firstThunk
		for {
			var thunkVal uint32
			if oft != 0 {
				thunkVal = readU32AtRVA(f, oft)
			} else {
				thunkVal = readU32AtRVA(f, ft)
			}
			if thunkVal == 0 {
				break
			}

			var resolved uint32
			if thunkVal&imageOrdinalFlag32 != 0 {
				ord := thunkVal &^ imageOrdinalFlag32
				if !unresolved && dep != nil {
					resolved = dep.ExportsByOrd[ord]
				}
			} else {
				// IMAGE_IMPORT_BY_NAME: Hint (u16) then name string, at
				// RVA thunkVal, which generally lies in a different
				// section than the import directory itself.
				if name, ok := readNameImport(f, thunkVal); ok && !unresolved && dep != nil {
					resolved = dep.ExportsByName[name]
				}
			}
			if resolved == 0 {
				stub, err := synthesizeStub(mm)
				if err != nil {
					return err
				}
				resolved = stub
			}

			ftVA := actualBase + ft
			buf := make([]byte, 4)
			binary.LittleEndian.PutUint32(buf, resolved)
			if err := mm.Write(ftVA, buf); err != nil {
				return err
			}

			oft += 4
			ft += 4
		}
	}
	return nil
}

func readNameImport(f *pe.File, rva uint32) (string, bool) {
	s := sectionContaining(f, rva)
	if s == nil {
		return "", false
	}
	raw, err := s.Data()
	if err != nil {
		return "", false
	}
	off := int(rva - s.VirtualAddress)
	if off+2 > len(raw) {
		return "", false
	}
	off += 2 // skip Hint
	end := off
	for end < len(raw) && raw[end] != 0 {
		end++
	}
	return string(raw[off:end]), true
}

// dependency loads (or reuses) the named system DLL, returning its image
// and whether it should be treated as unresolved (stubs-only).
func (r *Registry) dependency(mm mem, dllName, systemDir string) (*Image, bool) {
	if existing, ok := r.get(dllName); ok {
		if existing == nil {
			return nil, true // placeholder: still being built above us
		}
		return existing, false
	}
	r.placeholder(dllName)

	depPath := filepath.Join(systemDir, dllName)
	data, err := os.ReadFile(depPath)
	if err != nil {
		r.images[keyFor(dllName)] = nil
		return nil, true
	}
	img, err := r.mapAndResolve(mm, depPath, data, systemDir)
	if err != nil {
		r.images[keyFor(dllName)] = nil
		return nil, true
	}
	r.images[keyFor(dllName)] = img
	return img, false
}

// thumbStubCode is "MOVS r0, #0 ; BX lr" — a 4-byte Thumb sequence
// returning zero in r0.
var thumbStubCode = []byte{0x00, 0x20, 0x70, 0x47}

func synthesizeStub(mm mem) (uint32, error) {
	blk, err := mm.AllocateAny(RebaseLo, RebaseHi, RebaseStride, 4)
	if err != nil {
		return 0, fmt.Errorf("pe: no room for import stub: %w", err)
	}
	if err := mm.Write(blk.Base, thumbStubCode); err != nil {
		return 0, err
	}
	return blk.Base | 1, nil // LSB set: Thumb bit
}
