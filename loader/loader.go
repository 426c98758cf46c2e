// Package loader reads bytecode units and links them into a vm.Program.
//
// A unit is either a binary .tbc file (canonical CBOR) or a .yaml/.yml
// assembly file. Class-path entries are .tpk archives (zip files of units)
// or directories of units.
package loader

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/chazu/tern/vm"
)

var log = commonlog.GetLogger("tern.loader")

// ArchiveExt is the extension of class-path archives.
const ArchiveExt = ".tpk"

// IsUnitFile reports whether name has a unit file extension.
func IsUnitFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".tbc", ".yaml", ".yml":
		return true
	}
	return false
}

// ParseUnit decodes unit data according to the extension of name.
func ParseUnit(name string, data []byte) (*Unit, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".tbc":
		u, err := UnmarshalUnit(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		u.Source = name
		return u, nil
	case ".yaml", ".yml":
		return ParseAsm(data, name)
	}
	return nil, fmt.Errorf("%s: not a unit file", name)
}

// ReadFile reads one unit file.
func ReadFile(path string) (*Unit, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading unit: %w", err)
	}
	return ParseUnit(path, data)
}

// ReadArchive reads every unit in a .tpk archive, in entry name order.
// Entries that are not unit files are ignored.
func ReadArchive(path string) ([]*Unit, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("opening archive %s: %w", path, err)
	}
	defer zr.Close()

	files := make([]*zip.File, 0, len(zr.File))
	for _, f := range zr.File {
		if !f.FileInfo().IsDir() && IsUnitFile(f.Name) {
			files = append(files, f)
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })

	var units []*Unit
	for _, f := range files {
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("%s: opening %s: %w", path, f.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: reading %s: %w", path, f.Name, err)
		}
		u, err := ParseUnit(path+"!"+f.Name, data)
		if err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	return units, nil
}

// WriteArchive writes a .tpk archive holding the given files, keyed by
// entry name.
func WriteArchive(path string, files map[string][]byte) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating archive: %w", err)
	}
	zw := zip.NewWriter(out)
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		w, err := zw.Create(name)
		if err != nil {
			out.Close()
			return fmt.Errorf("archive entry %s: %w", name, err)
		}
		if _, err := w.Write(files[name]); err != nil {
			out.Close()
			return fmt.Errorf("archive entry %s: %w", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		out.Close()
		return fmt.Errorf("closing archive: %w", err)
	}
	return out.Close()
}

// readPath reads a unit file, an archive, or a directory of either.
func readPath(path string) ([]*Unit, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("input %s: %w", path, err)
	}
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("reading directory %s: %w", path, err)
		}
		var units []*Unit
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !(IsUnitFile(name) || strings.EqualFold(filepath.Ext(name), ArchiveExt)) {
				continue
			}
			us, err := readPath(filepath.Join(path, name))
			if err != nil {
				return nil, err
			}
			units = append(units, us...)
		}
		return units, nil
	}
	if strings.EqualFold(filepath.Ext(path), ArchiveExt) {
		return ReadArchive(path)
	}
	u, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	return []*Unit{u}, nil
}

// ReadAll reads the class path followed by the inputs. Every path must
// exist; at least one path is required.
func ReadAll(inputs, classpath []string) ([]*Unit, error) {
	if len(inputs) == 0 && len(classpath) == 0 {
		return nil, fmt.Errorf("no inputs and no class path")
	}
	var units []*Unit
	for _, path := range append(append([]string{}, classpath...), inputs...) {
		us, err := readPath(path)
		if err != nil {
			return nil, err
		}
		log.Debugf("read %d unit(s) from %s", len(us), path)
		units = append(units, us...)
	}
	return units, nil
}

// Load reads the inputs and class path and links them into a new program.
func Load(inputs, classpath []string) (*vm.Program, error) {
	units, err := ReadAll(inputs, classpath)
	if err != nil {
		return nil, err
	}
	p := vm.NewProgram()
	if err := Link(p, units...); err != nil {
		return nil, err
	}
	return p, nil
}

// ---------------------------------------------------------------------------
// Linking
// ---------------------------------------------------------------------------

// Link defines the units' classes, then adds their functions to p. Classes
// may reference superclasses declared later or in other units.
func Link(p *vm.Program, units ...*Unit) error {
	var pending []ClassDef
	for _, u := range units {
		pending = append(pending, u.Classes...)
	}
	for len(pending) > 0 {
		var next []ClassDef
		for _, c := range pending {
			if c.Super != "" {
				if _, ok := p.Class(c.Super); !ok {
					next = append(next, c)
					continue
				}
			}
			if _, err := p.DefineClass(c.Name, c.Super, c.Fields...); err != nil {
				return fmt.Errorf("linking: %w", err)
			}
		}
		if len(next) == len(pending) {
			return fmt.Errorf("linking: class %s: unknown superclass %s", next[0].Name, next[0].Super)
		}
		pending = next
	}

	for _, u := range units {
		for i := range u.Functions {
			fn, err := u.Functions[i].function(p)
			if err != nil {
				return fmt.Errorf("linking %s: %w", u.Source, err)
			}
			if err := p.AddFunction(fn); err != nil {
				return fmt.Errorf("linking %s: %w", u.Source, err)
			}
		}
	}
	return nil
}

// Verify checks that every function and native referenced from a constant
// pool resolves in p. Call it after the native libraries are registered.
func Verify(p *vm.Program) error {
	var missing []string
	for _, fn := range p.Functions() {
		for _, c := range fn.Constants {
			switch ref := c.(type) {
			case vm.FuncRef:
				if _, ok := p.Function(string(ref)); !ok {
					missing = append(missing, fmt.Sprintf("%s: function %s", fn.Name, ref))
				}
			case vm.NativeRef:
				if _, ok := p.Natives().Lookup(string(ref)); !ok {
					missing = append(missing, fmt.Sprintf("%s: native %s", fn.Name, ref))
				}
			}
		}
	}
	if len(missing) > 0 {
		return &vm.Error{Kind: vm.KindLinkage, Msg: "unresolved references: " + strings.Join(missing, "; ")}
	}
	return nil
}
