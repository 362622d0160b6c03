package blobstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

const digestAlgorithm = "sha256"

// ParseDigest splits a "sha256:<64 lowercase hex>" digest string into
// its hex value, validating the form.
func ParseDigest(digest string) (string, error) {
	algo, hexValue, ok := strings.Cut(digest, ":")
	if !ok {
		return "", fmt.Errorf("invalid digest format: %s", digest)
	}
	if algo != digestAlgorithm {
		return "", fmt.Errorf("unsupported digest algorithm: %s", algo)
	}
	if len(hexValue) != 64 {
		return "", fmt.Errorf("invalid digest length: %d", len(hexValue))
	}
	if strings.ToLower(hexValue) != hexValue {
		return "", fmt.Errorf("digest hex must be lowercase: %s", digest)
	}
	if _, err := hex.DecodeString(hexValue); err != nil {
		return "", fmt.Errorf("invalid digest hex: %s", digest)
	}
	return hexValue, nil
}

// FormatDigest builds the canonical digest string from a raw SHA-256 sum.
func FormatDigest(sum []byte) string {
	return digestAlgorithm + ":" + hex.EncodeToString(sum)
}

// ComputeDigest hashes r to completion and returns the digest string.
func ComputeDigest(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", 0, err
	}
	return FormatDigest(h.Sum(nil)), n, nil
}
