package guid

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
)

var modelNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("bimingest:model"))

// HashReader returns the hex sha256 of everything read from r and the byte count.
func HashReader(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// HashFile returns the hex sha256 of the file at path.
func HashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	return HashReader(f)
}

// ModelIDFromHash returns a stable model id for a content hash, so the same
// file dropped twice maps to the same model.
func ModelIDFromHash(contentHash string) string {
	return uuid.NewSHA1(modelNamespace, []byte(contentHash)).String()
}

// NewModelID returns a random model id.
func NewModelID() string {
	return uuid.NewString()
}
