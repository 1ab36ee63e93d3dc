package storage

import (
	"errors"
	"testing"
)

var (
	_ Database = (*MemDB)(nil)
	_ Database = (*LevelDB)(nil)
)

func TestMemDBRoundTrip(t *testing.T) {
	db := NewMemDB()

	if err := db.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := db.Get([]byte("k"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "v" {
		t.Fatalf("got %q, want %q", got, "v")
	}
	ok, err := db.Has([]byte("k"))
	if err != nil || !ok {
		t.Fatalf("has: ok=%v err=%v", ok, err)
	}
	if _, err := db.Get([]byte("missing")); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("missing key: got %v, want ErrKeyNotFound", err)
	}

	if err := db.Delete([]byte("k")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := db.Get([]byte("k")); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("deleted key: got %v, want ErrKeyNotFound", err)
	}
}

func TestMemDBClose(t *testing.T) {
	db := NewMemDB()
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
