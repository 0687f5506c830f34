package syscallabi

import (
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// A FlagField is a multi-bit field of a flag word with named values, such as
// the access mode of open(2).
type FlagField struct {
	Mask   int
	Values map[int]string
}

type FlagBit struct {
	Value int
	Name  string
}

// A FlagFormatter renders a flag word as NAME|NAME|rest. Fields come first,
// then bits in order. Unknown bits print as one decimal number.
type FlagFormatter struct {
	Fields []FlagField
	Bits   []FlagBit
	// Zero is printed for a word with no fields and no bits set.
	Zero string
}

func (f *FlagFormatter) Format(value int) string {
	var parts []string
	for _, field := range f.Fields {
		masked := value & field.Mask
		value &^= field.Mask
		if name, ok := field.Values[masked]; ok {
			parts = append(parts, name)
		} else {
			parts = append(parts, strconv.Itoa(masked))
		}
	}
	for _, bit := range f.Bits {
		if bit.Value != 0 && value&bit.Value == bit.Value {
			value &^= bit.Value
			parts = append(parts, bit.Name)
		}
	}
	if value != 0 {
		parts = append(parts, strconv.Itoa(value))
	}
	if len(parts) == 0 {
		return f.Zero
	}
	return strings.Join(parts, "|")
}

var OpenFlags = &FlagFormatter{
	Fields: []FlagField{{
		Mask: unix.O_ACCMODE,
		Values: map[int]string{
			unix.O_RDONLY: "O_RDONLY",
			unix.O_WRONLY: "O_WRONLY",
			unix.O_RDWR:   "O_RDWR",
		},
	}},
	Bits: []FlagBit{
		{unix.O_CREAT, "O_CREAT"},
		{unix.O_EXCL, "O_EXCL"},
		{unix.O_TRUNC, "O_TRUNC"},
		{unix.O_APPEND, "O_APPEND"},
		{unix.O_DIRECTORY, "O_DIRECTORY"},
		{unix.O_NOFOLLOW, "O_NOFOLLOW"},
		{unix.O_CLOEXEC, "O_CLOEXEC"},
		{unix.O_NOCTTY, "O_NOCTTY"},
		{unix.O_NONBLOCK, "O_NONBLOCK"},
		{unix.O_LARGEFILE, "O_LARGEFILE"},
	},
}

var ProtFlags = &FlagFormatter{
	Bits: []FlagBit{
		{unix.PROT_READ, "PROT_READ"},
		{unix.PROT_WRITE, "PROT_WRITE"},
		{unix.PROT_EXEC, "PROT_EXEC"},
	},
	Zero: "PROT_NONE",
}

var MapFlags = &FlagFormatter{
	Fields: []FlagField{{
		Mask: unix.MAP_SHARED | unix.MAP_PRIVATE,
		Values: map[int]string{
			unix.MAP_SHARED:                    "MAP_SHARED",
			unix.MAP_PRIVATE:                   "MAP_PRIVATE",
			unix.MAP_SHARED | unix.MAP_PRIVATE: "MAP_SHARED_VALIDATE",
		},
	}},
	Bits: []FlagBit{
		{unix.MAP_ANONYMOUS, "MAP_ANONYMOUS"},
		{unix.MAP_FIXED, "MAP_FIXED"},
		{unix.MAP_FIXED_NOREPLACE, "MAP_FIXED_NOREPLACE"},
		{unix.MAP_NORESERVE, "MAP_NORESERVE"},
		{unix.MAP_POPULATE, "MAP_POPULATE"},
	},
}
