package mlworker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/afero"
)

// Extraction is the outcome of extracting features from one file
type Extraction struct {
	// Fingerprint identifies the file content the features were derived from
	Fingerprint string

	// FaceCount is the number of detections
	FaceCount int

	// Artifact is the serialized derived data stored in the cache
	Artifact []byte
}

// Extractor derives features from a local file
type Extractor interface {
	Extract(ctx context.Context, path string) (*Extraction, error)
}

// FingerprintExtractor hashes file content and records it as the artifact.
// It stands in for model inference, which runs behind the same interface.
type FingerprintExtractor struct {
	fs afero.Fs
}

// NewFingerprintExtractor reads files from fsys
func NewFingerprintExtractor(fsys afero.Fs) *FingerprintExtractor {
	return &FingerprintExtractor{fs: fsys}
}

type fingerprintArtifact struct {
	Path        string `json:"path"`
	Fingerprint string `json:"fingerprint"`
	Size        int64  `json:"size"`
	Faces       []any  `json:"faces"`
}

// Extract implements Extractor
func (e *FingerprintExtractor) Extract(ctx context.Context, path string) (*Extraction, error) {
	f, err := e.fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, &ctxReader{ctx: ctx, r: f})
	if err != nil {
		return nil, fmt.Errorf("hash %s: %w", path, err)
	}
	fingerprint := hex.EncodeToString(h.Sum(nil))

	artifact, err := json.Marshal(fingerprintArtifact{
		Path:        path,
		Fingerprint: fingerprint,
		Size:        n,
		Faces:       []any{},
	})
	if err != nil {
		return nil, fmt.Errorf("encode artifact for %s: %w", path, err)
	}

	return &Extraction{Fingerprint: fingerprint, Artifact: artifact}, nil
}

// ctxReader stops a long read once ctx is done
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
