// Package integrity provides file verification and hash calculation
package integrity

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
)

// FileVerifier handles file integrity checks
type FileVerifier struct{}

func NewFileVerifier() *FileVerifier {
	return &FileVerifier{}
}

// ProgressFunc is called periodically during hashing with the number
// of bytes hashed so far, driving the engine's sha256_progress event.
type ProgressFunc func(hashed int64)

// Verify checks if the file at path matches the expected hash.
func (v *FileVerifier) Verify(path string, algo string, expected string) error {
	return v.VerifyWithProgress(path, algo, expected, nil)
}

// VerifyWithProgress is Verify with a callback invoked as bytes are hashed.
func (v *FileVerifier) VerifyWithProgress(path, algo, expected string, onProgress ProgressFunc) error {
	actual, err := CalculateHashWithProgress(path, algo, onProgress)
	if err != nil {
		return err
	}

	if actual != expected {
		return fmt.Errorf("hash mismatch: expected %s, got %s", expected, actual)
	}

	return nil
}

// CalculateHash computes the hash of a file.
// algorithm should be "sha256" or "md5"
func CalculateHash(filePath string, algorithm string) (string, error) {
	return CalculateHashWithProgress(filePath, algorithm, nil)
}

// CalculateHashWithProgress is CalculateHash with a callback invoked
// every progressInterval bytes as the file streams through the hasher.
func CalculateHashWithProgress(filePath string, algorithm string, onProgress ProgressFunc) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	var hasher hash.Hash
	switch algorithm {
	case "sha256":
		hasher = sha256.New()
	case "md5":
		hasher = md5.New()
	default:
		return "", fmt.Errorf("unsupported algorithm: %s", algorithm)
	}

	const progressInterval = 4 * 1024 * 1024
	buf := make([]byte, 32*1024)
	var total int64
	var sinceLastReport int64
	for {
		n, readErr := file.Read(buf)
		if n > 0 {
			hasher.Write(buf[:n])
			total += int64(n)
			sinceLastReport += int64(n)
			if onProgress != nil && sinceLastReport >= progressInterval {
				onProgress(total)
				sinceLastReport = 0
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return "", readErr
		}
	}
	if onProgress != nil {
		onProgress(total)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}
