package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"
)

const maxStemLen = 48

// DeriveFileID builds a stable, path-safe id from the file name and content.
func DeriveFileID(fileName string, content []byte) string {
	return FileIDFromHash(fileName, ContentHash(content))
}

// FileIDFromHash is DeriveFileID for callers that hashed the content while streaming it.
func FileIDFromHash(fileName, hash string) string {
	stem := strings.TrimSuffix(filepath.Base(fileName), filepath.Ext(fileName))

	var b strings.Builder
	for _, r := range strings.ToLower(stem) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ' || r == '.':
			b.WriteRune('-')
		}
		if b.Len() >= maxStemLen {
			break
		}
	}
	safe := strings.Trim(b.String(), "-_")
	if safe == "" {
		safe = "doc"
	}
	if len(hash) > 12 {
		hash = hash[:12]
	}
	return safe + "-" + hash
}

func ContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
