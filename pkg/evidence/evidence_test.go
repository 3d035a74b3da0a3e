package evidence_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianlabs/settled/pkg/evidence"
)

func stores(t *testing.T) map[string]evidence.Store {
	t.Helper()
	fs, err := evidence.NewFileStore(t.TempDir())
	require.NoError(t, err)
	return map[string]evidence.Store{
		"file":   fs,
		"memory": evidence.NewMemoryStore(),
	}
}

func TestWriteOnceSemantics(t *testing.T) {
	ctx := context.Background()
	ref := "obj://finance-pack/2026-07/abc123.zip"

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.ReadEvidence(ctx, "default", ref)
			require.ErrorIs(t, err, evidence.ErrNotExist)

			require.NoError(t, s.PutEvidence(ctx, "default", ref, []byte("bundle-v1")))

			// Identical re-put is accepted.
			require.NoError(t, s.PutEvidence(ctx, "default", ref, []byte("bundle-v1")))

			// Different bytes under the same ref are rejected.
			err = s.PutEvidence(ctx, "default", ref, []byte("bundle-v2"))
			require.ErrorIs(t, err, evidence.ErrMismatch)

			got, err := s.ReadEvidence(ctx, "default", ref)
			require.NoError(t, err)
			assert.Equal(t, []byte("bundle-v1"), got)
		})
	}
}

func TestTenantScoping(t *testing.T) {
	ctx := context.Background()
	ref := "obj://finance-pack/2026-07/abc123.zip"

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.PutEvidence(ctx, "acme", ref, []byte("acme-bundle")))

			_, err := s.ReadEvidence(ctx, "globex", ref)
			require.ErrorIs(t, err, evidence.ErrNotExist)

			// Same ref, different tenant, different bytes: no conflict.
			require.NoError(t, s.PutEvidence(ctx, "globex", ref, []byte("globex-bundle")))
		})
	}
}

func TestRefValidation(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for _, bad := range []string{
				"finance-pack/2026-07/a.zip",
				"obj://",
				"obj://../escape.zip",
				"obj:///absolute.zip",
			} {
				require.Error(t, s.PutEvidence(ctx, "default", bad, []byte("x")), bad)
			}
		})
	}
}
