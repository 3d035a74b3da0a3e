package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerify(t *testing.T) {
	signer, err := NewEd25519Signer("srv-1")
	require.NoError(t, err)
	assert.Equal(t, "srv-1", signer.KeyID())

	data := []byte("chain-hash-bytes")
	sig, err := signer.Sign(data)
	require.NoError(t, err)

	ok, err := Verify(signer.PublicKey(), sig, data)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Verify(signer.PublicKey(), sig, []byte("tampered"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyRejectsMalformedInputs(t *testing.T) {
	signer, err := NewEd25519Signer("srv-1")
	require.NoError(t, err)
	sig, err := signer.Sign([]byte("x"))
	require.NoError(t, err)

	_, err = Verify("not-hex", sig, []byte("x"))
	assert.Error(t, err)

	_, err = Verify(signer.PublicKey(), "abcd", []byte("x"))
	assert.Error(t, err)
}
