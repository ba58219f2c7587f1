package codec

import (
	"bytes"
	"errors"
	"testing"
)

func TestTagPayload_RoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		format Format
	}{
		{name: "raw", format: FormatRaw},
		{name: "json", format: FormatJSON},
		{name: "gzip", format: FormatGzip},
		{name: "aes", format: FormatAES},
		{name: "json+gzip+aes", format: FormatJSON | FormatGzip | FormatAES},
	}

	payload := []byte(`{"on":true}`)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tagged := TagPayload(tt.format, payload)

			f, got, ok := SplitTag(tagged)
			if !ok {
				t.Fatal("SplitTag() did not recognise tagged payload")
			}
			if f != tt.format {
				t.Errorf("format = %v, want %v", f, tt.format)
			}
			if !bytes.Equal(got, payload) {
				t.Errorf("payload = % X, want % X", got, payload)
			}
		})
	}
}

// Untagged JSON must not be mistaken for a tagged payload.
func TestSplitTag_LegacyJSON(t *testing.T) {
	for _, data := range [][]byte{[]byte(`{"a":1}`), []byte(`[1,2]`)} {
		if _, _, ok := SplitTag(data); ok {
			t.Errorf("SplitTag(%q) claimed tag on untagged JSON", data)
		}
		if !LooksLikeJSON(data) {
			t.Errorf("LooksLikeJSON(%q) = false, want true", data)
		}
	}
}

func TestCompress_RoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("devlink payload "), 256)

	compressed, err := Compress(data)
	if err != nil {
		t.Fatalf("Compress() error = %v", err)
	}
	if len(compressed) >= len(data) {
		t.Errorf("compressed size %d not smaller than input %d", len(compressed), len(data))
	}

	out, err := Decompress(compressed)
	if err != nil {
		t.Fatalf("Decompress() error = %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Error("round trip altered data")
	}
}

func TestDecompress_Garbage(t *testing.T) {
	if _, err := Decompress([]byte("not gzip")); !errors.Is(err, ErrDecompressFailed) {
		t.Errorf("Decompress() error = %v, want ErrDecompressFailed", err)
	}
}

func TestEncrypt_RoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	plaintext := []byte("serialized device command")

	ciphertext, err := Encrypt(key, plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if bytes.Contains(ciphertext, plaintext) {
		t.Error("ciphertext contains plaintext")
	}

	out, err := Decrypt(key, ciphertext)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if !bytes.Equal(out, plaintext) {
		t.Error("round trip altered data")
	}
}

func TestDecrypt_WrongKey(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	other := bytes.Repeat([]byte{0x43}, 32)

	ciphertext, err := Encrypt(key, []byte("secret"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	if _, err := Decrypt(other, ciphertext); !errors.Is(err, ErrDecryptFailed) {
		t.Errorf("Decrypt() error = %v, want ErrDecryptFailed", err)
	}
}

func TestEncrypt_TamperDetected(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	ciphertext, err := Encrypt(key, []byte("secret"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	ciphertext[len(ciphertext)-1] ^= 0x01
	if _, err := Decrypt(key, ciphertext); !errors.Is(err, ErrDecryptFailed) {
		t.Errorf("Decrypt(tampered) error = %v, want ErrDecryptFailed", err)
	}
}

func TestParseKey(t *testing.T) {
	tests := []struct {
		name    string
		hex     string
		wantErr bool
	}{
		{name: "valid 32 bytes", hex: "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"},
		{name: "too short", hex: "0001", wantErr: true},
		{name: "not hex", hex: "zz", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseKey(tt.hex)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseKey() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidKey) {
				t.Errorf("ParseKey() error = %v, want ErrInvalidKey", err)
			}
		})
	}
}
