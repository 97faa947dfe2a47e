package store

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"
)

func TestOpenMemory(t *testing.T) {
	db, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		t.Fatal(err)
	}
}

func TestSetGetSave(t *testing.T) {
	db, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if _, ok, err := db.Get(KeyDC); err != nil || ok {
		t.Fatalf("fresh db should miss: ok=%v err=%v", ok, err)
	}
	if err := db.Set(KeyDC, EncodeInt(3)); err != nil {
		t.Fatal(err)
	}
	v, ok, err := db.Get(KeyDC)
	if err != nil || !ok {
		t.Fatalf("staged value should be visible: ok=%v err=%v", ok, err)
	}
	if dc, _ := DecodeInt(v); dc != 3 {
		t.Fatalf("dc: got %d", dc)
	}
	if err := db.Save(); err != nil {
		t.Fatal(err)
	}
	if ok, err := db.Has(KeyDC); err != nil || !ok {
		t.Fatalf("Has after save: %v %v", ok, err)
	}

	if err := db.Delete(KeyDC); err != nil {
		t.Fatal(err)
	}
	if ok, _ := db.Has(KeyDC); ok {
		t.Fatal("staged delete should hide key")
	}
	if err := db.Save(); err != nil {
		t.Fatal(err)
	}
	if ok, _ := db.Has(KeyDC); ok {
		t.Fatal("key should be gone after save")
	}
}

func TestSaveDurableAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	_ = db.Set(KeyDC, EncodeInt(4))
	_ = db.Set(KeyAuthState, EncodeBool(true))
	_ = db.Set("unsaved", []byte("x"))
	if err := db.Save(); err != nil {
		t.Fatal(err)
	}
	_ = db.Set("unsaved2", []byte("y"))
	db.Close()

	db, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	v, ok, _ := db.Get(KeyDC)
	if dc, _ := DecodeInt(v); !ok || dc != 4 {
		t.Fatalf("dc after reopen: %d %v", dc, ok)
	}
	if ok, _ := db.Has("unsaved2"); ok {
		t.Fatal("writes staged after Save must not survive without Save")
	}
}

func TestClear(t *testing.T) {
	db, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	_ = db.Set("a", []byte("1"))
	_ = db.Save()
	_ = db.Set("b", []byte("2"))
	if err := db.Clear(); err != nil {
		t.Fatal(err)
	}
	keys, err := db.Keys()
	if err != nil || len(keys) != 0 {
		t.Fatalf("keys after clear: %v %v", keys, err)
	}
}

func TestKeys(t *testing.T) {
	db, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	_ = db.Set("a", []byte("1"))
	_ = db.Save()
	_ = db.Set("b", []byte("2"))
	keys, err := db.Keys()
	if err != nil || len(keys) != 2 {
		t.Fatalf("keys: %v %v", keys, err)
	}
}

func TestCredentialsRoundtrip(t *testing.T) {
	now := time.Unix(1700000000, 123)
	c := Credentials{
		AuthKey:    bytes.Repeat([]byte{5}, 256),
		AuthKeyID:  [8]byte{1, 2, 3, 4, 5, 6, 7, 8},
		ServerSalt: -99,
		ServerTime: now.Add(3 * time.Second),
		SyncedAt:   now,
	}
	b, err := c.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	var got Credentials
	if err := got.UnmarshalBinary(b); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got.AuthKey, c.AuthKey) || got.AuthKeyID != c.AuthKeyID || got.ServerSalt != c.ServerSalt {
		t.Fatalf("credentials: %+v", got)
	}
	if !got.ServerTime.Equal(c.ServerTime) || !got.SyncedAt.Equal(c.SyncedAt) {
		t.Fatalf("times: %v %v", got.ServerTime, got.SyncedAt)
	}
	if err := got.UnmarshalBinary(b[:10]); err != ErrBadRecord {
		t.Fatalf("truncated: %v", err)
	}
}

func TestCredentialsZeroTimes(t *testing.T) {
	b, err := Credentials{AuthKey: []byte{1}}.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	var got Credentials
	if err := got.UnmarshalBinary(b); err != nil {
		t.Fatal(err)
	}
	if !got.ServerTime.IsZero() || !got.SyncedAt.IsZero() {
		t.Fatalf("zero times: %v %v", got.ServerTime, got.SyncedAt)
	}
}

func TestAuthKeyName(t *testing.T) {
	if AuthKey(2) != "dc2_auth" {
		t.Fatalf("got %q", AuthKey(2))
	}
}

func TestNewSessionID(t *testing.T) {
	a, b := NewSessionID(), NewSessionID()
	if a == 0 || a == b {
		t.Fatalf("session ids: %d %d", a, b)
	}
}
