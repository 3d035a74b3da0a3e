// Package evidence is the write-once blob store behind finance-pack
// bundles. Blobs are addressed by an evidence ref of the form
// obj://<path>, scoped per tenant; the medium (filesystem, S3, GCS) stays
// behind the Store interface.
package evidence

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// RefScheme prefixes every evidence ref.
const RefScheme = "obj://"

var (
	// ErrNotExist is returned by ReadEvidence for unknown refs.
	ErrNotExist = errors.New("evidence not found")
	// ErrMismatch is returned when a ref is re-put with different bytes.
	// Evidence is write-once; identical re-puts are accepted.
	ErrMismatch = errors.New("evidence bytes differ from stored")
)

// Store persists evidence blobs.
type Store interface {
	// PutEvidence stores data under ref. Write-once: an existing ref with
	// identical bytes is a no-op, different bytes return ErrMismatch.
	PutEvidence(ctx context.Context, tenant, ref string, data []byte) error
	// ReadEvidence returns the stored bytes or ErrNotExist.
	ReadEvidence(ctx context.Context, tenant, ref string) ([]byte, error)
}

// refKey maps (tenant, ref) to a storage key. Rejects refs that escape
// their scope.
func refKey(tenant, ref string) (string, error) {
	if !strings.HasPrefix(ref, RefScheme) {
		return "", fmt.Errorf("invalid evidence ref %q: missing %s prefix", ref, RefScheme)
	}
	p := strings.TrimPrefix(ref, RefScheme)
	if p == "" || p != path.Clean(p) || strings.Contains(p, "..") || strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("invalid evidence ref %q", ref)
	}
	if tenant == "" {
		tenant = "default"
	}
	return tenant + "/" + p, nil
}
