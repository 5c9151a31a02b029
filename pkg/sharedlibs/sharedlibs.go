// Package sharedlibs holds the modules loaded into the traced process.
package sharedlibs

import (
	"bytes"
	"sort"
	"strconv"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Address is a numeric field that may be encoded either as a JSON number or
// as a string holding a decimal or 0x-prefixed hexadecimal value.
type Address uint64

func (a *Address) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		s, err := strconv.Unquote(string(b))
		if err != nil {
			return err
		}
		v, err := strconv.ParseUint(s, 0, 64)
		if err != nil {
			return errors.Wrapf(err, "parse address %q", s)
		}
		*a = Address(v)
		return nil
	}
	v, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return errors.Wrapf(err, "parse address %s", b)
	}
	*a = Address(v)
	return nil
}

type Library struct {
	Start      Address `json:"start"`
	End        Address `json:"end"`
	Offset     Address `json:"offset"`
	Name       string  `json:"name"`
	Path       string  `json:"path"`
	DebugName  string  `json:"debugName"`
	DebugPath  string  `json:"debugPath"`
	BreakpadID string  `json:"breakpadId"`
	Arch       string  `json:"arch"`
}

// SymbolPath is the file symbols should be read from.
func (l *Library) SymbolPath() string {
	if l.DebugPath != "" {
		return l.DebugPath
	}
	return l.Path
}

// Table is a list of libraries sorted by start address.
type Table struct {
	libs []Library
}

// NewTable sorts libs by start address.
func NewTable(libs []Library) *Table {
	libs = append([]Library(nil), libs...)
	sort.Slice(libs, func(i, j int) bool { return libs[i].Start < libs[j].Start })
	return &Table{libs: libs}
}

// Parse decodes the JSON array describing all loaded libraries.
func Parse(data []byte) (*Table, error) {
	var libs []Library
	if err := json.Unmarshal(data, &libs); err != nil {
		return nil, errors.Wrap(err, "decode shared libraries")
	}
	return NewTable(libs), nil
}

func (t *Table) Len() int { return len(t.libs) }

func (t *Table) Libraries() []Library { return append([]Library(nil), t.libs...) }

// LibraryForAddress returns the library whose [start, end) contains addr.
func (t *Table) LibraryForAddress(addr uint64) (*Library, bool) {
	if t == nil {
		return nil, false
	}
	i := sort.Search(len(t.libs), func(i int) bool { return uint64(t.libs[i].End) > addr })
	if i < len(t.libs) && uint64(t.libs[i].Start) <= addr {
		return &t.libs[i], true
	}
	return nil, false
}
