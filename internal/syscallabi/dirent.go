package syscallabi

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// Dirent is one linux_dirent64 record:
//
//	struct linux_dirent64 {
//		u64  d_ino;
//		s64  d_off;
//		u16  d_reclen;
//		u8   d_type;
//		char d_name[];
//	};
//
// Off is the cookie of the next record in the directory.
type Dirent struct {
	Ino  uint64
	Off  int64
	Type uint8
	Name string
}

func (d *Dirent) String() string {
	return fmt.Sprintf("name=%s type=%d ino=%d", d.Name, d.Type, d.Ino)
}

func (d *Dirent) IsDir() bool {
	return d.Type == unix.DT_DIR
}

const direntHeaderSize = 19

// DirentSize is the record length for a name: the header, the name, its NUL
// terminator, rounded up to 8 bytes.
func DirentSize(name string) int {
	return (direntHeaderSize + len(name) + 1 + 7) &^ 7
}

// PutDirent encodes d at the start of buf. It returns the record length, or
// false if buf is too short to hold the record.
func PutDirent(buf []byte, d Dirent) (int, bool) {
	reclen := DirentSize(d.Name)
	if reclen > len(buf) {
		return 0, false
	}
	record := buf[:reclen]
	binary.LittleEndian.PutUint64(record[0:8], d.Ino)
	binary.LittleEndian.PutUint64(record[8:16], uint64(d.Off))
	binary.LittleEndian.PutUint16(record[16:18], uint16(reclen))
	record[18] = d.Type
	n := copy(record[direntHeaderSize:], d.Name)
	clear(record[direntHeaderSize+n:])
	return reclen, true
}

// ParseDirent decodes the record at the start of buf and returns it with its
// record length.
func ParseDirent(buf []byte) (Dirent, int, error) {
	if len(buf) < direntHeaderSize {
		return Dirent{}, 0, unix.EINVAL
	}
	reclen := int(binary.LittleEndian.Uint16(buf[16:18]))
	if reclen < direntHeaderSize+1 || reclen > len(buf) {
		return Dirent{}, 0, unix.EINVAL
	}
	name := buf[direntHeaderSize:reclen]
	if i := bytes.IndexByte(name, 0); i != -1 {
		name = name[:i]
	}
	return Dirent{
		Ino:  binary.LittleEndian.Uint64(buf[0:8]),
		Off:  int64(binary.LittleEndian.Uint64(buf[8:16])),
		Type: buf[18],
		Name: string(name),
	}, reclen, nil
}
