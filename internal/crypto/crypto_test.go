package crypto

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

// testKey derives a key with a reduced iteration count to keep tests fast.
func testKey(t *testing.T, password string) *Key {
	t.Helper()
	salt, err := NewSalt()
	if err != nil {
		t.Fatalf("NewSalt: %v", err)
	}
	return NewKeyWithSalt(password, salt, 1000)
}

func TestHash(t *testing.T) {
	t.Run("deterministic", func(t *testing.T) {
		a := Hash([]byte("backup contents"))
		b := Hash([]byte("backup contents"))
		if a != b {
			t.Errorf("same input hashed differently: %s vs %s", a, b)
		}
		if len(a) != 64 {
			t.Errorf("expected 64 hex chars, got %d", len(a))
		}
	})

	t.Run("distinct inputs", func(t *testing.T) {
		if Hash([]byte("a")) == Hash([]byte("b")) {
			t.Error("different inputs produced the same hash")
		}
	})

	t.Run("file matches bytes", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "data.bin")
		content := []byte("file contents for hashing")
		if err := os.WriteFile(path, content, 0600); err != nil {
			t.Fatalf("write file: %v", err)
		}
		got, err := HashFile(path)
		if err != nil {
			t.Fatalf("HashFile: %v", err)
		}
		if got != Hash(content) {
			t.Errorf("HashFile = %s, want %s", got, Hash(content))
		}
	})

	t.Run("file missing", func(t *testing.T) {
		if _, err := HashFile(filepath.Join(t.TempDir(), "missing")); err == nil {
			t.Error("expected error for missing file")
		}
	})
}

func TestDeriveKey(t *testing.T) {
	salt := []byte("0123456789abcdef")

	t.Run("deterministic", func(t *testing.T) {
		a := DeriveKey("password", salt, 1000)
		b := DeriveKey("password", salt, 1000)
		if !bytes.Equal(a, b) {
			t.Error("same parameters derived different keys")
		}
		if len(a) != KeySize {
			t.Errorf("key length = %d, want %d", len(a), KeySize)
		}
	})

	t.Run("salt matters", func(t *testing.T) {
		other := []byte("fedcba9876543210")
		if bytes.Equal(DeriveKey("password", salt, 1000), DeriveKey("password", other, 1000)) {
			t.Error("different salts derived the same key")
		}
	})

	t.Run("password matters", func(t *testing.T) {
		if bytes.Equal(DeriveKey("password", salt, 1000), DeriveKey("different", salt, 1000)) {
			t.Error("different passwords derived the same key")
		}
	})
}

func TestEncryptDecrypt(t *testing.T) {
	key := testKey(t, "correct horse battery staple")
	plaintext := []byte("archive payload: database.sql + files.zip")

	t.Run("round trip", func(t *testing.T) {
		env, err := Encrypt(plaintext, key, "backup.zip")
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		if env.Algorithm != AlgorithmAESGCM {
			t.Errorf("algorithm = %q, want %q", env.Algorithm, AlgorithmAESGCM)
		}
		if env.Filename != "backup.zip" {
			t.Errorf("filename = %q", env.Filename)
		}
		if bytes.Contains(env.Ciphertext, plaintext) {
			t.Error("ciphertext contains plaintext")
		}

		got, err := Decrypt(env, key)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Error("decrypted payload differs from original")
		}
	})

	t.Run("wrong key", func(t *testing.T) {
		env, err := Encrypt(plaintext, key, "backup.zip")
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		wrong := testKey(t, "wrong password")
		if _, err := Decrypt(env, wrong); !errors.Is(err, ErrWrongKey) {
			t.Errorf("Decrypt with wrong key = %v, want ErrWrongKey", err)
		}
	})

	t.Run("tampered ciphertext", func(t *testing.T) {
		env, err := Encrypt(plaintext, key, "backup.zip")
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		env.Ciphertext[0] ^= 0xff
		if _, err := Decrypt(env, key); !errors.Is(err, ErrIntegrity) {
			t.Errorf("Decrypt of tampered data = %v, want ErrIntegrity", err)
		}
	})

	t.Run("swapped filename", func(t *testing.T) {
		env, err := Encrypt(plaintext, key, "backup.zip")
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		env.Filename = "other.zip"
		if _, err := Decrypt(env, key); !errors.Is(err, ErrIntegrity) {
			t.Errorf("Decrypt with swapped filename = %v, want ErrIntegrity", err)
		}
	})

	t.Run("unsupported algorithm", func(t *testing.T) {
		env, err := Encrypt(plaintext, key, "backup.zip")
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		env.Algorithm = "rot13"
		if _, err := Decrypt(env, key); !errors.Is(err, ErrInvalidEnvelope) {
			t.Errorf("Decrypt with bad algorithm = %v, want ErrInvalidEnvelope", err)
		}
	})
}

func TestEnvelopeSerialization(t *testing.T) {
	key := testKey(t, "serialize me")
	plaintext := []byte("serialized archive bytes")

	t.Run("marshal parse round trip", func(t *testing.T) {
		env, err := Encrypt(plaintext, key, "weekly.zip")
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		raw, err := env.Marshal()
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if !IsEnvelope(raw) {
			t.Error("marshaled envelope not recognized by IsEnvelope")
		}

		parsed, err := ParseEnvelope(raw)
		if err != nil {
			t.Fatalf("ParseEnvelope: %v", err)
		}
		if parsed.KeyID != env.KeyID || parsed.Filename != env.Filename {
			t.Error("parsed header differs from original")
		}
		got, err := Decrypt(parsed, key)
		if err != nil {
			t.Fatalf("Decrypt after parse: %v", err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Error("round-tripped payload differs from original")
		}
	})

	t.Run("rejects foreign data", func(t *testing.T) {
		for _, data := range [][]byte{nil, []byte("PK\x03\x04plain zip"), []byte("SGE")} {
			if IsEnvelope(data) {
				t.Errorf("IsEnvelope(%q) = true", data)
			}
			if _, err := ParseEnvelope(data); !errors.Is(err, ErrInvalidEnvelope) {
				t.Errorf("ParseEnvelope(%q) = %v, want ErrInvalidEnvelope", data, err)
			}
		}
	})

	t.Run("rejects truncated header", func(t *testing.T) {
		env, err := Encrypt(plaintext, key, "weekly.zip")
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		raw, err := env.Marshal()
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if _, err := ParseEnvelope(raw[:10]); !errors.Is(err, ErrInvalidEnvelope) {
			t.Errorf("ParseEnvelope(truncated) = %v, want ErrInvalidEnvelope", err)
		}
	})
}

func TestKeyManager(t *testing.T) {
	t.Run("first key becomes default", func(t *testing.T) {
		km := NewKeyManager(zerolog.Nop())
		if km.HasKeys() {
			t.Error("fresh manager reports keys")
		}
		if _, err := km.DefaultKey(); !errors.Is(err, ErrKeyNotFound) {
			t.Errorf("DefaultKey on empty manager = %v, want ErrKeyNotFound", err)
		}

		first := km.AddPasswordWithSalt("pw1", []byte("0123456789abcdef"), 1000)
		km.AddPasswordWithSalt("pw2", []byte("fedcba9876543210"), 1000)

		def, err := km.DefaultKey()
		if err != nil {
			t.Fatalf("DefaultKey: %v", err)
		}
		if def.ID != first.ID {
			t.Error("default key is not the first registered key")
		}
	})

	t.Run("lookup by id", func(t *testing.T) {
		km := NewKeyManager(zerolog.Nop())
		key := km.AddPasswordWithSalt("pw", []byte("0123456789abcdef"), 1000)

		got, err := km.Key(key.ID)
		if err != nil {
			t.Fatalf("Key: %v", err)
		}
		if !bytes.Equal(got.Material, key.Material) {
			t.Error("looked-up key material differs")
		}
		if _, err := km.Key("nope"); !errors.Is(err, ErrKeyNotFound) {
			t.Errorf("Key(unknown) = %v, want ErrKeyNotFound", err)
		}
	})

	t.Run("set default", func(t *testing.T) {
		km := NewKeyManager(zerolog.Nop())
		km.AddPasswordWithSalt("pw1", []byte("0123456789abcdef"), 1000)
		second := km.AddPasswordWithSalt("pw2", []byte("fedcba9876543210"), 1000)

		if err := km.SetDefault(second.ID); err != nil {
			t.Fatalf("SetDefault: %v", err)
		}
		def, err := km.DefaultKey()
		if err != nil {
			t.Fatalf("DefaultKey: %v", err)
		}
		if def.ID != second.ID {
			t.Error("default did not change")
		}
		if err := km.SetDefault("nope"); !errors.Is(err, ErrKeyNotFound) {
			t.Errorf("SetDefault(unknown) = %v, want ErrKeyNotFound", err)
		}
	})
}
