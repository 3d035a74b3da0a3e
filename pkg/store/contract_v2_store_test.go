package store_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianlabs/settled/pkg/contracts"
	"github.com/meridianlabs/settled/pkg/crypto"
	"github.com/meridianlabs/settled/pkg/store"
)

func TestContractVersionImmutable(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, store.Options{})

	body := json.RawMessage(`{"title":"ops agreement","parties":[{"partyId":"OPR","role":"operator","shareBps":2000}]}`)
	cv, err := s.PutContractVersion(ctx, s.DB(), contracts.ContractVersion{
		TenantID: contracts.DefaultTenant, ContractID: "C1", Version: 1, Body: body,
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.ContractStatusDraft, cv.Status)
	require.NotEmpty(t, cv.ContentHash)

	// Same logical body with keys reordered canonicalizes to the same
	// revision.
	reordered := json.RawMessage(`{"parties":[{"role":"operator","partyId":"OPR","shareBps":2000}],"title":"ops agreement"}`)
	again, err := s.PutContractVersion(ctx, s.DB(), contracts.ContractVersion{
		TenantID: contracts.DefaultTenant, ContractID: "C1", Version: 1, Body: reordered,
	})
	require.NoError(t, err)
	assert.Equal(t, cv.ContentHash, again.ContentHash)

	// A different body for the same revision is a conflict, not an update.
	_, err = s.PutContractVersion(ctx, s.DB(), contracts.ContractVersion{
		TenantID: contracts.DefaultTenant, ContractID: "C1", Version: 1,
		Body: json.RawMessage(`{"parties":[{"partyId":"OPR","role":"operator","shareBps":9999}]}`),
	})
	require.ErrorIs(t, err, contracts.ErrContractVersionConflict)

	got, err := s.GetContractVersion(ctx, s.DB(), contracts.DefaultTenant, "C1", 1)
	require.NoError(t, err)
	assert.Equal(t, cv.ContentHash, got.ContentHash)

	_, err = s.GetContractVersion(ctx, s.DB(), contracts.DefaultTenant, "C1", 2)
	require.ErrorIs(t, err, contracts.ErrNotFound)
}

func TestContractSignatureKeyEnforcement(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, store.Options{})

	_, err := s.PutContractVersion(ctx, s.DB(), contracts.ContractVersion{
		TenantID: contracts.DefaultTenant, ContractID: "C1", Version: 1,
		Body: json.RawMessage(`{"parties":[{"partyId":"P1","role":"payee","shareBps":0}]}`),
	})
	require.NoError(t, err)

	sig := contracts.ContractSignature{
		TenantID: contracts.DefaultTenant, ContractID: "C1", Version: 1,
		PartyID: "P1", SignerKeyID: "party-key-1", Signature: "c2ln",
	}
	require.ErrorIs(t, s.AddContractSignature(ctx, s.DB(), sig), contracts.ErrSignerKeyUnknown)

	partyKey, err := crypto.NewEd25519Signer("party-key-1")
	require.NoError(t, err)
	require.NoError(t, s.PutSignerKey(ctx, s.DB(), contracts.SignerKey{
		KeyID: "party-key-1", TenantID: contracts.DefaultTenant,
		PublicKey: partyKey.PublicKey(), Purpose: contracts.KeyPurposeOperator,
	}))
	require.NoError(t, s.SetSignerKeyStatus(ctx, s.DB(), contracts.DefaultTenant,
		"party-key-1", contracts.KeyStatusRevoked, time.Now().UTC()))
	require.ErrorIs(t, s.AddContractSignature(ctx, s.DB(), sig), contracts.ErrSignerKeyInactive)

	require.NoError(t, s.SetSignerKeyStatus(ctx, s.DB(), contracts.DefaultTenant,
		"party-key-1", contracts.KeyStatusActive, time.Now().UTC()))
	require.NoError(t, s.AddContractSignature(ctx, s.DB(), sig))

	// The first signature advances the draft.
	cv, err := s.GetContractVersion(ctx, s.DB(), contracts.DefaultTenant, "C1", 1)
	require.NoError(t, err)
	assert.Equal(t, contracts.ContractStatusSigned, cv.Status)

	// Re-signing the same party is a no-op.
	require.NoError(t, s.AddContractSignature(ctx, s.DB(), sig))
	sigs, err := s.ListContractSignatures(ctx, s.DB(), contracts.DefaultTenant, "C1", 1)
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.Equal(t, "P1", sigs[0].PartyID)

	// Signing a revision that does not exist fails.
	missing := sig
	missing.Version = 9
	require.ErrorIs(t, s.AddContractSignature(ctx, s.DB(), missing), contracts.ErrNotFound)
}

func TestContractCompilePublishesShareDocument(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, store.Options{})

	body := json.RawMessage(`{"title":"ops agreement","parties":[{"partyId":"OPR","role":"operator","shareBps":2000}]}`)
	_, err := s.PutContractVersion(ctx, s.DB(), contracts.ContractVersion{
		TenantID: contracts.DefaultTenant, ContractID: "C1", Version: 1, Body: body,
	})
	require.NoError(t, err)

	compile := func() (contracts.ContractCompilation, error) {
		tx, err := s.DB().BeginTx(ctx, nil)
		require.NoError(t, err)
		c, err := s.CompileContract(ctx, tx, contracts.DefaultTenant, "C1", 1)
		if err != nil {
			_ = tx.Rollback()
			return contracts.ContractCompilation{}, err
		}
		require.NoError(t, tx.Commit())
		return c, nil
	}

	// Unsigned revisions do not compile.
	_, err = compile()
	require.ErrorIs(t, err, contracts.ErrContractUnsigned)

	require.NoError(t, s.AddContractSignature(ctx, s.DB(), contracts.ContractSignature{
		TenantID: contracts.DefaultTenant, ContractID: "C1", Version: 1,
		PartyID: "OPR", SignerKeyID: bootstrapKeyID, Signature: "c2ln",
	}))

	c, err := compile()
	require.NoError(t, err)
	require.NotEmpty(t, c.ContentHash)

	// The compiled document is the canonical parties-only extract, published
	// under its hash where journal entries reference contracts.
	published, err := s.GetContract(ctx, s.DB(), contracts.DefaultTenant, c.ContentHash)
	require.NoError(t, err)
	assert.JSONEq(t, `{"parties":[{"partyId":"OPR","role":"operator","shareBps":2000}]}`, string(published))
	assert.NotContains(t, string(c.Compiled), "title")

	cv, err := s.GetContractVersion(ctx, s.DB(), contracts.DefaultTenant, "C1", 1)
	require.NoError(t, err)
	assert.Equal(t, contracts.ContractStatusCompiled, cv.Status)

	// Recompiling is idempotent.
	again, err := compile()
	require.NoError(t, err)
	assert.Equal(t, c.ContentHash, again.ContentHash)

	stored, err := s.GetContractCompilation(ctx, s.DB(), contracts.DefaultTenant, "C1", 1)
	require.NoError(t, err)
	assert.Equal(t, c.ContentHash, stored.ContentHash)
}
