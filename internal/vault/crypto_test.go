package vault

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/pinbridge/vault/internal/util"
)

// testIterations keeps PBKDF2 fast in unit tests
const testIterations = 1000

func testEngine() *CryptoEngine {
	return NewCryptoEngine(testIterations)
}

func TestGenerateSalt(t *testing.T) {
	salt1, err := GenerateSalt()
	if err != nil {
		t.Fatalf("Failed to generate salt: %v", err)
	}

	if len(salt1) != SaltSize {
		t.Errorf("Expected salt size %d, got %d", SaltSize, len(salt1))
	}

	salt2, err := GenerateSalt()
	if err != nil {
		t.Fatalf("Failed to generate second salt: %v", err)
	}

	if bytes.Equal(salt1, salt2) {
		t.Error("Generated salts should be different")
	}
}

func TestDeriveKeyKnownVector(t *testing.T) {
	// PBKDF2-HMAC-SHA256("password", "salt", 1 iteration, 32 bytes)
	engine := NewCryptoEngine(1)
	key, err := engine.DeriveKey("password", []byte("salt"))
	if err != nil {
		t.Fatalf("Failed to derive key: %v", err)
	}
	defer key.Destroy()

	raw, err := key.bytes()
	if err != nil {
		t.Fatalf("Failed to read key: %v", err)
	}
	want := "120fb6cffcf8b32c43e7225256c4f837a86548c92ccc35480805987cb70be17b"
	if got := hex.EncodeToString(raw); got != want {
		t.Errorf("Derived key = %s, want %s", got, want)
	}

	if key.Extractable() {
		t.Error("Derived wrapping keys must not be extractable")
	}
	if _, err := engine.ExportKey(key); !errors.Is(err, ErrKeyNotExtractable) {
		t.Errorf("Expected ErrKeyNotExtractable, got %v", err)
	}
}

func TestDeriveKeyDefaultIterations(t *testing.T) {
	engine := NewCryptoEngine(0)
	if engine.Iterations() != DefaultKDFIterations {
		t.Fatalf("Expected %d iterations, got %d", DefaultKDFIterations, engine.Iterations())
	}
	if engine.WithIterations(0) != engine {
		t.Error("WithIterations(0) should keep the engine")
	}
	if engine.WithIterations(10).Iterations() != 10 {
		t.Error("WithIterations should switch the iteration count")
	}
}

func TestEncryptDecryptBytes(t *testing.T) {
	engine := testEngine()
	key, err := engine.GenerateDataKey()
	if err != nil {
		t.Fatalf("Failed to generate data key: %v", err)
	}
	defer key.Destroy()

	for _, plaintext := range [][]byte{{}, []byte("a"), bytes.Repeat([]byte("attachment"), 10000)} {
		blob, err := engine.EncryptBytes(plaintext, key)
		if err != nil {
			t.Fatalf("Failed to encrypt: %v", err)
		}

		decrypted, err := engine.DecryptBytes(blob, key)
		if err != nil {
			t.Fatalf("Failed to decrypt: %v", err)
		}
		if !bytes.Equal(plaintext, decrypted) {
			t.Error("Decrypted bytes do not match original")
		}
	}
}

func TestEncryptObjectRoundTrip(t *testing.T) {
	engine := testEngine()
	key, err := engine.GenerateDataKey()
	if err != nil {
		t.Fatalf("Failed to generate data key: %v", err)
	}
	defer key.Destroy()

	type payload struct {
		Title string   `json:"title"`
		Tags  []string `json:"tags"`
		N     int64    `json:"n"`
	}
	in := payload{Title: "groceries", Tags: []string{"home"}, N: 42}

	blob1, err := engine.EncryptObject(in, key)
	if err != nil {
		t.Fatalf("Failed to encrypt object: %v", err)
	}
	blob2, err := engine.EncryptObject(in, key)
	if err != nil {
		t.Fatalf("Failed to encrypt object: %v", err)
	}
	if blob1 == blob2 {
		t.Error("Two encryptions of the same object must use different IVs")
	}

	var out payload
	if err := engine.DecryptObject(blob1, key, &out); err != nil {
		t.Fatalf("Failed to decrypt object: %v", err)
	}
	if out.Title != in.Title || out.N != in.N || len(out.Tags) != 1 || out.Tags[0] != "home" {
		t.Errorf("Round trip mismatch: %+v", out)
	}
}

func TestWrapUnwrapKey(t *testing.T) {
	engine := testEngine()
	dataKey, err := engine.GenerateDataKey()
	if err != nil {
		t.Fatalf("Failed to generate data key: %v", err)
	}
	defer dataKey.Destroy()

	original, err := engine.ExportKey(dataKey)
	if err != nil {
		t.Fatalf("Failed to export key: %v", err)
	}

	for _, secret := range []string{"1234", "0a1b2c3d0a1b2c3d0a1b2c3d0a1b2c3d0a1b2c3d0a1b2c3d0a1b2c3d0a1b2c3d"} {
		salt, err := GenerateSalt()
		if err != nil {
			t.Fatalf("Failed to generate salt: %v", err)
		}
		wrappingKey, err := engine.DeriveKey(secret, salt)
		if err != nil {
			t.Fatalf("Failed to derive key: %v", err)
		}

		wrapped, err := engine.WrapKey(dataKey, wrappingKey)
		if err != nil {
			t.Fatalf("Failed to wrap key: %v", err)
		}
		if raw, _ := base64.StdEncoding.DecodeString(wrapped); len(raw) != NonceSize+KeySize+TagSize {
			t.Errorf("Unexpected wrapped key length %d", len(raw))
		}

		unwrapped, err := engine.UnwrapKey(wrapped, wrappingKey)
		if err != nil {
			t.Fatalf("Failed to unwrap key: %v", err)
		}
		exported, err := engine.ExportKey(unwrapped)
		if err != nil {
			t.Fatalf("Failed to export unwrapped key: %v", err)
		}
		if !bytes.Equal(original, exported) {
			t.Error("Unwrapped key does not export identically to the data key")
		}

		wrongKey, _ := engine.DeriveKey(secret+"x", salt)
		if _, err := engine.UnwrapKey(wrapped, wrongKey); !errors.Is(err, util.ErrInvalidPIN) {
			t.Errorf("Expected ErrInvalidPIN for wrong secret, got %v", err)
		}
		if _, err := engine.UnwrapKey("%%%not-base64", wrappingKey); !errors.Is(err, util.ErrInvalidPIN) {
			t.Errorf("Expected ErrInvalidPIN for malformed blob, got %v", err)
		}
	}
}

func TestTamperDetection(t *testing.T) {
	engine := testEngine()
	key, err := engine.GenerateDataKey()
	if err != nil {
		t.Fatalf("Failed to generate data key: %v", err)
	}

	sealed, err := engine.Seal([]byte("Data that should detect tampering"), key)
	if err != nil {
		t.Fatalf("Failed to seal: %v", err)
	}

	for _, i := range []int{0, NonceSize, len(sealed) - 1} {
		tampered := append([]byte(nil), sealed...)
		tampered[i] ^= 1
		if _, err := engine.Open(tampered, key); !errors.Is(err, util.ErrDecryptionFailed) {
			t.Errorf("Tampering at byte %d: expected ErrDecryptionFailed, got %v", i, err)
		}
	}

	if _, err := engine.Open(sealed[:NonceSize+TagSize-1], key); !errors.Is(err, util.ErrIntegrity) {
		t.Errorf("Truncated ciphertext: expected integrity error, got %v", err)
	}
}

func TestKeyDestroy(t *testing.T) {
	engine := testEngine()
	key, err := engine.ImportKey(bytes.Repeat([]byte{7}, KeySize))
	if err != nil {
		t.Fatalf("Failed to import key: %v", err)
	}
	material := key.material

	key.Destroy()
	key.Destroy()

	if key.Alive() {
		t.Error("Destroyed key should not be alive")
	}
	for i, b := range material {
		if b != 0 {
			t.Fatalf("Byte %d not zeroed after Destroy", i)
		}
	}
	if _, err := engine.EncryptBytes([]byte("x"), key); !errors.Is(err, ErrKeyDestroyed) {
		t.Errorf("Expected ErrKeyDestroyed, got %v", err)
	}
	if _, err := engine.ImportKey([]byte("short")); !errors.Is(err, ErrInvalidKeySize) {
		t.Errorf("Expected ErrInvalidKeySize, got %v", err)
	}
}

func TestZeroize(t *testing.T) {
	data := []byte("sensitive data that should be cleared")
	Zeroize(data)

	for i, b := range data {
		if b != 0 {
			t.Errorf("Byte at index %d not zeroed: %d", i, b)
		}
	}
}

func TestSecureCompare(t *testing.T) {
	a := []byte("same")
	if !SecureCompare(a, []byte("same")) {
		t.Error("Equal slices should compare equal")
	}
	if SecureCompare(a, []byte("diff")) {
		t.Error("Different slices should not compare equal")
	}
}

func BenchmarkDeriveKey(b *testing.B) {
	engine := NewDefaultCryptoEngine()
	salt, _ := GenerateSalt()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key, err := engine.DeriveKey("1234", salt)
		if err != nil {
			b.Fatal(err)
		}
		key.Destroy()
	}
}

func BenchmarkEncryptBytes(b *testing.B) {
	engine := NewDefaultCryptoEngine()
	key, _ := engine.GenerateDataKey()
	payload := bytes.Repeat([]byte{1}, 256*1024)

	b.SetBytes(int64(len(payload)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := engine.EncryptBytes(payload, key); err != nil {
			b.Fatal(err)
		}
	}
}
