package hostio

import (
	"fmt"
	"syscall"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var (
	filesBucket = []byte("files")
	dataBucket  = []byte("data")
)

// fileHeader is the record stored under a target's key in the files bucket.
type fileHeader struct {
	Size  int64 `cbor:"1,keyasint"`
	Mtime int64 `cbor:"2,keyasint"`
}

var headerEncMode cbor.EncMode

func init() {
	var err error
	headerEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("hostio: CBOR encoder initialization failed: " + err.Error())
	}
}

// Bolt is a Host that stores targets in a bbolt database: a CBOR header per
// target in the files bucket, and the contents under the same key in the data
// bucket.
type Bolt struct {
	db     *bolt.DB
	logger *zap.Logger
}

func OpenBolt(path string, logger *zap.Logger) (*Bolt, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt host %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{filesBucket, dataBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets in %s: %w", path, err)
	}
	logger.Info("opened bolt host", zap.String("path", path))
	return &Bolt{db: db, logger: logger}, nil
}

func (b *Bolt) Close() error {
	return b.db.Close()
}

func (b *Bolt) PerformIO(op Op, target string, buf []byte, off int64) (int, error) {
	if off < 0 {
		return 0, syscall.EINVAL
	}
	key := []byte(target)

	var n int
	var err error
	switch op {
	case OpRead:
		err = b.db.View(func(tx *bolt.Tx) error {
			if tx.Bucket(filesBucket).Get(key) == nil {
				return syscall.ENOENT
			}
			data := tx.Bucket(dataBucket).Get(key)
			if off < int64(len(data)) {
				n = copy(buf, data[off:])
			}
			return nil
		})

	case OpSize:
		err = b.db.View(func(tx *bolt.Tx) error {
			hdr, err := getHeader(tx, key)
			if err != nil {
				return err
			}
			n = int(hdr.Size)
			return nil
		})

	case OpWrite:
		err = b.update(key, func(data []byte) []byte {
			if end := off + int64(len(buf)); end > int64(len(data)) {
				data = append(data, make([]byte, end-int64(len(data)))...)
			}
			n = copy(data[off:], buf)
			return data
		})

	case OpTruncate:
		err = b.update(key, func(data []byte) []byte {
			if off <= int64(len(data)) {
				return data[:off]
			}
			return append(data, make([]byte, off-int64(len(data)))...)
		})

	default:
		return 0, syscall.EINVAL
	}

	if err != nil {
		b.logger.Debug("host io failed", zap.Stringer("op", op), zap.String("target", target), zap.Error(err))
		return 0, errno(err)
	}
	return n, nil
}

// update applies fn to a copy of the contents of key and stores the result
// with a fresh header, creating the target if needed.
func (b *Bolt) update(key []byte, fn func(data []byte) []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		data := tx.Bucket(dataBucket).Get(key)
		// bolt values are only valid for the life of the transaction
		data = fn(append([]byte(nil), data...))

		hdr, err := headerEncMode.Marshal(fileHeader{
			Size:  int64(len(data)),
			Mtime: time.Now().UnixNano(),
		})
		if err != nil {
			return err
		}
		if err := tx.Bucket(filesBucket).Put(key, hdr); err != nil {
			return err
		}
		return tx.Bucket(dataBucket).Put(key, data)
	})
}

func getHeader(tx *bolt.Tx, key []byte) (fileHeader, error) {
	raw := tx.Bucket(filesBucket).Get(key)
	if raw == nil {
		return fileHeader{}, syscall.ENOENT
	}
	var hdr fileHeader
	if err := cbor.Unmarshal(raw, &hdr); err != nil {
		return fileHeader{}, fmt.Errorf("decoding header: %w", err)
	}
	return hdr, nil
}

// Mtime returns the modification time recorded for target.
func (b *Bolt) Mtime(target string) (time.Time, error) {
	var hdr fileHeader
	err := b.db.View(func(tx *bolt.Tx) error {
		var err error
		hdr, err = getHeader(tx, []byte(target))
		return err
	})
	if err != nil {
		return time.Time{}, errno(err)
	}
	return time.Unix(0, hdr.Mtime), nil
}
