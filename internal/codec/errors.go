package codec

import "errors"

// Domain errors for the codec package.
var (
	// ErrFrameTooShort is returned when a frame is too short to carry a checksum.
	ErrFrameTooShort = errors.New("codec: frame too short")

	// ErrChecksumMismatch is returned when a frame's checksum does not match
	// its contents.
	ErrChecksumMismatch = errors.New("codec: checksum mismatch")

	// ErrInvalidKey is returned when an encryption key has the wrong size or
	// cannot be decoded.
	ErrInvalidKey = errors.New("codec: invalid encryption key")

	// ErrDecryptFailed is returned when ciphertext cannot be authenticated
	// or decrypted.
	ErrDecryptFailed = errors.New("codec: decryption failed")

	// ErrCompressFailed is returned when gzip compression fails.
	ErrCompressFailed = errors.New("codec: compression failed")

	// ErrDecompressFailed is returned when gzip decompression fails.
	ErrDecompressFailed = errors.New("codec: decompression failed")

	// ErrInvalidChunkSize is returned when a chunk size is not positive.
	ErrInvalidChunkSize = errors.New("codec: invalid chunk size")
)
