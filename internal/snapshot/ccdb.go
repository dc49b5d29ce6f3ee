// Package snapshot implements the CCDB point-in-time snapshot codec (spec
// §4.C): an atomic tmp-then-rename writer and a loader that skips expired
// entries. This package has no background-save entry point; BGSAVE runs
// Save on its own goroutine from internal/command.
//
// The on-disk layout here is CCDB version 2: spec §6 notes that the
// reference format's native size_t/enum widths are not a portability goal,
// and explicitly allows a fixed-width reimplementation provided it bumps
// the version number. Every length and tag below is fixed-width
// (uint64/uint8), so the file is portable across architectures; see
// DESIGN.md's internal/snapshot entry.
package snapshot

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/varunrmantri23/CrimsonCache/internal/keyspace"
)

const (
	magic   = "CCDB"
	version = int32(2)

	cmdSet      = uint8(1)
	endMarker   = uint8(255)
	hasExpiry   = uint8(1)
	noExpiry    = uint8(0)
	tmpSuffix   = ".tmp"
)

var errBadMagic = errors.New("snapshot: bad magic")
var errBadVersion = errors.New("snapshot: unsupported version")
var errBadEndMarker = errors.New("snapshot: missing end marker")

// Save writes every live STRING entry of ks to path atomically: it writes
// to path+".tmp" first and renames over path only on success. On any
// failure the tmp file is removed and the error is returned; the target
// path is left untouched either way.
func Save(ks *keyspace.Keyspace, path string) error {
	tmpPath := path + tmpSuffix
	if err := writeFile(ks, tmpPath); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("snapshot: rename %s to %s: %w", tmpPath, path, err)
	}
	return nil
}

func writeFile(ks *keyspace.Keyspace, tmpPath string) error {
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("snapshot: create %s: %w", tmpPath, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)

	type kv struct {
		key   string
		value *keyspace.Value
	}
	var entries []kv
	ks.ForEachLive(func(key string, value *keyspace.Value) {
		entries = append(entries, kv{key, value})
	})

	if err := writeHeader(w, len(entries)); err != nil {
		return err
	}
	for _, e := range entries {
		if err := writeEntry(w, e.key, e.value); err != nil {
			return err
		}
	}
	if err := w.WriteByte(endMarker); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

func writeHeader(w *bufio.Writer, count int) error {
	if _, err := w.WriteString(magic); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, version); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, uint64(count))
}

func writeEntry(w *bufio.Writer, key string, v *keyspace.Value) error {
	if err := writeBytes(w, []byte(key)); err != nil {
		return err
	}
	if err := w.WriteByte(byte(v.Type)); err != nil {
		return err
	}
	if v.ExpireAt != 0 {
		if err := w.WriteByte(hasExpiry); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint64(v.ExpireAt)); err != nil {
			return err
		}
	} else {
		if err := w.WriteByte(noExpiry); err != nil {
			return err
		}
	}
	if err := w.WriteByte(cmdSet); err != nil {
		return err
	}
	return writeBytes(w, v.Payload)
}

func writeBytes(w *bufio.Writer, b []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint64(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// Load reads path into ks, installing every entry whose expiry (if any) has
// not yet passed; expired entries are skipped (their value bytes are
// consumed but discarded) rather than installed. A missing file is treated
// as an empty snapshot, not an error.
func Load(ks *keyspace.Keyspace, path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("snapshot: open %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)

	count, err := readHeader(r)
	if err != nil {
		return err
	}

	now := keyspace.NowMs()
	for i := uint64(0); i < count; i++ {
		if err := readEntry(r, ks, now); err != nil {
			return err
		}
	}

	var end [1]byte
	if _, err := io.ReadFull(r, end[:]); err != nil {
		return fmt.Errorf("snapshot: read end marker: %w", err)
	}
	if end[0] != endMarker {
		return errBadEndMarker
	}
	return nil
}

func readHeader(r *bufio.Reader) (uint64, error) {
	var gotMagic [4]byte
	if _, err := io.ReadFull(r, gotMagic[:]); err != nil {
		return 0, fmt.Errorf("snapshot: read magic: %w", err)
	}
	if string(gotMagic[:]) != magic {
		return 0, errBadMagic
	}
	var gotVersion int32
	if err := binary.Read(r, binary.LittleEndian, &gotVersion); err != nil {
		return 0, fmt.Errorf("snapshot: read version: %w", err)
	}
	if gotVersion != version {
		return 0, fmt.Errorf("%w: got %d, want %d", errBadVersion, gotVersion, version)
	}
	var count uint64
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return 0, fmt.Errorf("snapshot: read entry count: %w", err)
	}
	return count, nil
}

func readEntry(r *bufio.Reader, ks *keyspace.Keyspace, nowMs int64) error {
	key, err := readBytes(r)
	if err != nil {
		return fmt.Errorf("snapshot: read key: %w", err)
	}

	var typeTag uint8
	if err := binary.Read(r, binary.LittleEndian, &typeTag); err != nil {
		return fmt.Errorf("snapshot: read type: %w", err)
	}

	var expireFlag uint8
	if err := binary.Read(r, binary.LittleEndian, &expireFlag); err != nil {
		return fmt.Errorf("snapshot: read expiry flag: %w", err)
	}
	var expireAt int64
	if expireFlag == hasExpiry {
		var raw uint64
		if err := binary.Read(r, binary.LittleEndian, &raw); err != nil {
			return fmt.Errorf("snapshot: read expiry: %w", err)
		}
		expireAt = int64(raw)
	}

	var cmdTag uint8
	if err := binary.Read(r, binary.LittleEndian, &cmdTag); err != nil {
		return fmt.Errorf("snapshot: read cmd tag: %w", err)
	}

	expired := expireAt != 0 && expireAt < nowMs
	if expired {
		// Consume (skip) the value bytes without installing the entry.
		n, err := readLength(r)
		if err != nil {
			return fmt.Errorf("snapshot: read skipped value length: %w", err)
		}
		if _, err := io.CopyN(io.Discard, r, int64(n)); err != nil {
			return fmt.Errorf("snapshot: skip expired value: %w", err)
		}
		return nil
	}

	value, err := readBytes(r)
	if err != nil {
		return fmt.Errorf("snapshot: read value: %w", err)
	}

	_ = cmdTag // currently always cmdSet for STRING; reserved for future types
	ks.Insert(string(key), &keyspace.Value{
		Type:     keyspace.Type(typeTag),
		Payload:  value,
		Size:     int64(len(value)),
		ExpireAt: expireAt,
	})
	return nil
}

func readLength(r *bufio.Reader) (uint64, error) {
	var n uint64
	err := binary.Read(r, binary.LittleEndian, &n)
	return n, err
}

func readBytes(r *bufio.Reader) ([]byte, error) {
	n, err := readLength(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
	}
	return buf, nil
}
