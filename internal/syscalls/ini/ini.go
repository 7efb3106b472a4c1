// Package ini binds the private-profile-string syscalls to a narrow
// INI-compatible store. Each guest-supplied file path owns an in-memory
// section/key/value tree, decoded and re-encoded with gopkg.in/yaml.v3's
// block-mapping mode ("section:\n  key: value"). Standard INI syntax
// ("[section]", "key=value") is not parsed.
package ini

import (
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/primu-emu/primu/internal/hostfs"
	"github.com/primu-emu/primu/internal/runtime"
	"github.com/primu-emu/primu/internal/svc"
)

func init() {
	svc.DefaultTable.Register(svc.Def{ID: svc.IDGetPrivateProfileString, Name: "_GetPrivateProfileString", Handler: getPrivateProfileString})
	svc.DefaultTable.Register(svc.Def{ID: svc.IDSetPrivateProfileString, Name: "_SetPrivateProfileString", Handler: setPrivateProfileString})
}

// doc is one file's section -> key -> value tree.
type doc map[string]map[string]string

var (
	mu    sync.Mutex
	cache = map[string]doc{}
)

func fs(c *svc.Context) (*hostfs.FS, bool) {
	m, ok := c.Machine.(*runtime.Machine)
	if !ok || m.HostFS == nil {
		return nil, false
	}
	return m.HostFS, true
}

func readGuestString(c *svc.Context, addr uint32) string {
	const maxLen = 260
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

func writeGuestString(c *svc.Context, addr uint32, cap uint32, s string) uint32 {
	data := []byte(s)
	if uint32(len(data))+1 > cap {
		if cap == 0 {
			return 0
		}
		data = data[:cap-1]
	}
	data = append(data, 0)
	if err := c.Mem.Write(addr, data); err != nil {
		return 0
	}
	return uint32(len(data) - 1)
}

// load returns the cached doc for path, reading and decoding it from the
// sandboxed host filesystem on first use. A missing or unparsable file
// yields an empty doc rather than an error: profile files are optional
// guest config, not required input.
func load(hfs *hostfs.FS, path string) doc {
	mu.Lock()
	defer mu.Unlock()
	if d, ok := cache[path]; ok {
		return d
	}
	d := doc{}
	if f, err := hfs.Open(path); err == nil {
		defer f.Close()
		_ = yaml.NewDecoder(f).Decode(&d)
	}
	cache[path] = d
	return d
}

func save(hfs *hostfs.FS, path string, d doc) error {
	mu.Lock()
	defer mu.Unlock()
	cache[path] = d
	f, err := hfs.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := yaml.NewEncoder(f)
	defer enc.Close()
	return enc.Encode(d)
}

func getPrivateProfileString(c *svc.Context) error {
	hfs, ok := fs(c)
	if !ok {
		c.Regs.SetReturn(0)
		return nil
	}
	section := readGuestString(c, c.Regs.Arg(0))
	key := readGuestString(c, c.Regs.Arg(1))
	defaultVal := readGuestString(c, c.Regs.Arg(2))
	outAddr := c.Regs.Arg(3)
	outCap := c.Regs.Arg(4)
	path := readGuestString(c, c.Regs.Arg(5))

	d := load(hfs, path)
	val := defaultVal
	if sec, ok := d[section]; ok {
		if v, ok := sec[key]; ok {
			val = v
		}
	}
	n := writeGuestString(c, outAddr, outCap, val)
	c.Regs.SetReturn(n)
	return nil
}

func setPrivateProfileString(c *svc.Context) error {
	hfs, ok := fs(c)
	if !ok {
		c.Regs.SetReturn(0)
		return nil
	}
	section := readGuestString(c, c.Regs.Arg(0))
	key := readGuestString(c, c.Regs.Arg(1))
	value := readGuestString(c, c.Regs.Arg(2))
	path := readGuestString(c, c.Regs.Arg(3))

	d := load(hfs, path)
	sec, ok := d[section]
	if !ok {
		sec = map[string]string{}
		d[section] = sec
	}
	sec[key] = value
	if err := save(hfs, path, d); err != nil && !os.IsNotExist(err) {
		c.Regs.SetReturn(0)
		return nil
	}
	c.Regs.SetReturn(1)
	return nil
}
