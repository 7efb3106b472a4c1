package pe

import (
	"os"
	"path/filepath"
	"testing"
)

// moduleSpec describes a single-section PE32 module that both exports one
// function and imports one function from another module by name, used to
// build a two-module import cycle.
type moduleSpec struct {
	imageBase  uint32
	exportName string
	importDLL  string
	importFunc string
}

// builtModule is a module's assembled bytes plus the RVAs a test needs to
// check patched state afterward.
type builtModule struct {
	data    []byte
	codeRVA uint32
	ftRVA   uint32 // IAT slot patched by resolveImports
}

const cycleSectionVA = 0x1000

func buildModule(o moduleSpec) builtModule {
	var sec []byte
	sec = append(sec, 0x00, 0x20, 0x70, 0x47) // movs r0,#0; bx lr
	codeRVA := cycleSectionVA

	rva := func() uint32 { return cycleSectionVA + uint32(len(sec)) }

	// Export directory: one name, exporting the code address.
	nameStrRVA := rva()
	sec = append(sec, append([]byte(o.exportName), 0)...)
	eatRVA := rva()
	sec = put32s(sec, uint32(codeRVA))
	enptRVA := rva()
	sec = put32s(sec, nameStrRVA)
	eotRVA := rva()
	sec = put16s(sec, 0)
	exportDirRVA := rva()
	sec = put32s(sec, 0) // Characteristics
	sec = put32s(sec, 0) // TimeDateStamp
	sec = put16s(sec, 0) // MajorVersion
	sec = put16s(sec, 0) // MinorVersion
	sec = put32s(sec, 0) // Name RVA (module name, unused by the reader)
	sec = put32s(sec, 1) // Base
	sec = put32s(sec, 1) // NumberOfFunctions
	sec = put32s(sec, 1) // NumberOfNames
	sec = put32s(sec, eatRVA)
	sec = put32s(sec, enptRVA)
	sec = put32s(sec, eotRVA)

	// Import directory: one descriptor, one function, imported by name.
	impNameRVA := rva()
	sec = put16s(sec, 0) // Hint
	sec = append(sec, append([]byte(o.importFunc), 0)...)
	dllNameRVA := rva()
	sec = append(sec, append([]byte(o.importDLL), 0)...)
	oftRVA := rva()
	sec = put32s(sec, impNameRVA)
	sec = put32s(sec, 0) // terminator
	ftRVA := rva()
	sec = put32s(sec, impNameRVA)
	sec = put32s(sec, 0) // terminator
	importDirRVA := rva()
	sec = put32s(sec, oftRVA)
	sec = put32s(sec, 0) // TimeDateStamp
	sec = put32s(sec, 0) // ForwarderChain
	sec = put32s(sec, dllNameRVA)
	sec = put32s(sec, ftRVA)
	sec = append(sec, make([]byte, 20)...) // null terminator descriptor

	data := buildPEWithDirs(peDirOpts{
		imageBase:     o.imageBase,
		entryRVA:      uint32(codeRVA),
		sectionVA:     cycleSectionVA,
		sectionCode:   sec,
		exportDirRVA:  exportDirRVA,
		exportDirSize: 40,
		importDirRVA:  importDirRVA,
		importDirSize: 20,
	})

	return builtModule{data: data, codeRVA: uint32(codeRVA), ftRVA: ftRVA}
}

func put32s(buf []byte, v uint32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func put16s(buf []byte, v uint16) []byte {
	return append(buf, byte(v), byte(v>>8))
}

type peDirOpts struct {
	imageBase     uint32
	entryRVA      uint32
	sectionVA     uint32
	sectionCode   []byte
	exportDirRVA  uint32
	exportDirSize uint32
	importDirRVA  uint32
	importDirSize uint32
}

// buildPEWithDirs assembles a minimal single-section PE32 image with the
// export/import data directory entries populated, otherwise identical in
// shape to pe_test.go's buildPE.
func buildPEWithDirs(o peDirOpts) []byte {
	var buf []byte
	put16 := func(v uint16) { buf = put16s(buf, v) }
	put32 := func(v uint32) { buf = put32s(buf, v) }

	dos := make([]byte, 64)
	copy(dos, []byte{'M', 'Z'})
	dos[0x3C], dos[0x3D], dos[0x3E], dos[0x3F] = 64, 0, 0, 0
	buf = append(buf, dos...)
	buf = append(buf, 'P', 'E', 0, 0)

	const optHdrSize = 224
	put16(machineARM)
	put16(1) // NumberOfSections
	put32(0)
	put32(0)
	put32(0)
	put16(optHdrSize)
	put16(0x0102)

	put16(magicPE32)
	buf = append(buf, 0, 0)
	put32(uint32(len(o.sectionCode)))
	put32(0)
	put32(0)
	put32(o.entryRVA)
	put32(o.sectionVA) // BaseOfCode
	put32(0)           // BaseOfData
	put32(o.imageBase)
	put32(0x1000) // SectionAlignment
	put32(0x200)  // FileAlignment
	put16(0)
	put16(0)
	put16(0)
	put16(0)
	put16(0)
	put16(0)
	put32(0) // Win32VersionValue
	sizeOfImage := alignUpTest(o.sectionVA+uint32(len(o.sectionCode)), 0x1000)
	put32(sizeOfImage)
	headerEnd := uint32(64 + 4 + 20 + optHdrSize + sectionHdrSz)
	sizeOfHeaders := alignUpTest(headerEnd, 512)
	put32(sizeOfHeaders)
	put32(0) // CheckSum
	put16(2) // Subsystem
	put16(0) // DllCharacteristics
	put32(0x1000)
	put32(0x1000)
	put32(0x1000)
	put32(0x1000)
	put32(0)  // LoaderFlags
	put32(16) // NumberOfRvaAndSizes

	dataDirs := make([][2]uint32, 16)
	dataDirs[0] = [2]uint32{o.exportDirRVA, o.exportDirSize}
	dataDirs[1] = [2]uint32{o.importDirRVA, o.importDirSize}
	for _, d := range dataDirs {
		put32(d[0])
		put32(d[1])
	}

	name := make([]byte, 8)
	copy(name, []byte(".text"))
	buf = append(buf, name...)
	put32(uint32(len(o.sectionCode)))
	put32(o.sectionVA)
	put32(uint32(len(o.sectionCode)))
	put32(sizeOfHeaders)
	put32(0)
	put32(0)
	put16(0)
	put16(0)
	put32(0x60000020)

	for uint32(len(buf)) < sizeOfHeaders {
		buf = append(buf, 0)
	}
	buf = append(buf, o.sectionCode...)
	return buf
}

// TestLoadBytes_CyclicImportsResolveBothWays is the regression case for the
// back-edge of a mutual import: A exports FromA and imports B's FromB; B
// exports FromB and imports A's FromA. Loading A must recurse into loading
// B, and B's import of A must see A's already-parsed exports rather than
// the in-progress placeholder.
func TestLoadBytes_CyclicImportsResolveBothWays(t *testing.T) {
	sysDir := t.TempDir()

	modA := buildModule(moduleSpec{
		imageBase:  0x00400000,
		exportName: "FromA",
		importDLL:  "b.dll",
		importFunc: "FromB",
	})
	modB := buildModule(moduleSpec{
		imageBase:  0x00500000,
		exportName: "FromB",
		importDLL:  "a.exe",
		importFunc: "FromA",
	})

	if err := os.WriteFile(filepath.Join(sysDir, "b.dll"), modB.data, 0o644); err != nil {
		t.Fatalf("write b.dll: %v", err)
	}

	mm := newTestMemory(t)
	r := NewRegistry()

	imgA, err := LoadBytes(r, mm, "a.exe", modA.data, sysDir)
	if err != nil {
		t.Fatalf("LoadBytes a.exe: %v", err)
	}
	imgB, ok := r.get("b.dll")
	if !ok || imgB == nil {
		t.Fatal("b.dll not registered after loading a.exe")
	}

	wantFromA := imgA.ExportsByName["FromA"]
	wantFromB := imgB.ExportsByName["FromB"]
	if wantFromA == 0 || wantFromB == 0 {
		t.Fatalf("exports not resolved: FromA=0x%x FromB=0x%x", wantFromA, wantFromB)
	}

	gotInA, err := mm.Read(imgA.ActualBase+modA.ftRVA, 4)
	if err != nil {
		t.Fatalf("read A's IAT slot: %v", err)
	}
	if got := le32(gotInA); got != wantFromB {
		t.Errorf("A's import of FromB resolved to 0x%x, want 0x%x (a stub address means the forward edge broke)", got, wantFromB)
	}

	gotInB, err := mm.Read(imgB.ActualBase+modB.ftRVA, 4)
	if err != nil {
		t.Fatalf("read B's IAT slot: %v", err)
	}
	if got := le32(gotInB); got != wantFromA {
		t.Errorf("B's import of FromA resolved to 0x%x, want 0x%x (a stub address means the cyclic back-edge broke)", got, wantFromA)
	}
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
