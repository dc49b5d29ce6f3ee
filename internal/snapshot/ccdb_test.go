package snapshot

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/varunrmantri23/CrimsonCache/internal/keyspace"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	ks := keyspace.New(16, 0)
	ks.Insert("a", keyspace.NewStringValue([]byte("1"), 0))
	ks.Insert("b", keyspace.NewStringValue([]byte("two"), 0))

	path := filepath.Join(t.TempDir(), "dump.ccdb")
	if err := Save(ks, path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded := keyspace.New(16, 0)
	if err := Load(loaded, path); err != nil {
		t.Fatalf("Load: %v", err)
	}

	v, ok := loaded.Lookup("a")
	if !ok || string(v.Payload) != "1" {
		t.Fatalf("expected a=1, got %v ok=%v", v, ok)
	}
	v, ok = loaded.Lookup("b")
	if !ok || string(v.Payload) != "two" {
		t.Fatalf("expected b=two, got %v ok=%v", v, ok)
	}
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	ks := keyspace.New(16, 0)
	path := filepath.Join(t.TempDir(), "does-not-exist.ccdb")
	if err := Load(ks, path); err != nil {
		t.Fatalf("expected missing snapshot file to be a no-op, got %v", err)
	}
}

func TestLoadSkipsExpiredEntries(t *testing.T) {
	ks := keyspace.New(16, 0)
	// Live when saved, expired by the time it is loaded, so it is written
	// to the file and must be skipped by Load itself.
	ks.Insert("gone", &keyspace.Value{
		Type:     keyspace.TypeString,
		Payload:  []byte("stale"),
		ExpireAt: keyspace.NowMs() + 50,
	})
	ks.Insert("here", keyspace.NewStringValue([]byte("fresh"), 0))

	path := filepath.Join(t.TempDir(), "dump.ccdb")
	if err := Save(ks, path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	loaded := keyspace.New(16, 0)
	if err := Load(loaded, path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := loaded.Lookup("gone"); ok {
		t.Fatalf("expected expired entry to be skipped on load")
	}
	if v, ok := loaded.Lookup("here"); !ok || string(v.Payload) != "fresh" {
		t.Fatalf("expected here=fresh to survive, got %v ok=%v", v, ok)
	}
}

func TestSaveDoesNotLeaveTmpFileBehind(t *testing.T) {
	ks := keyspace.New(16, 0)
	ks.Insert("x", keyspace.NewStringValue([]byte("y"), 0))

	path := filepath.Join(t.TempDir(), "dump.ccdb")
	if err := Save(ks, path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if _, err := os.Stat(path + tmpSuffix); !os.IsNotExist(err) {
		t.Fatalf("expected tmp file to be gone after a successful save, stat err=%v", err)
	}
}

func TestSaveEmptyKeyspaceProducesLoadableFile(t *testing.T) {
	ks := keyspace.New(16, 0)
	path := filepath.Join(t.TempDir(), "empty.ccdb")
	if err := Save(ks, path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded := keyspace.New(16, 0)
	if err := Load(loaded, path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if stats := loaded.Stats(); stats.Used != 0 {
		t.Fatalf("expected empty keyspace after loading empty snapshot, got %d entries", stats.Used)
	}
}
