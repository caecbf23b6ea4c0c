package proxy

import (
	"crypto/tls"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCertStoreGeneratesOnce(t *testing.T) {
	store, err := newCertStore(8)
	require.NoError(t, err)

	calls := 0
	gen := func() (*tls.Certificate, error) {
		calls++
		return &tls.Certificate{}, nil
	}

	first, err := store.Fetch("example.com", gen)
	require.NoError(t, err)
	second, err := store.Fetch("example.com", gen)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, calls)
}

func TestCertStoreGenerateError(t *testing.T) {
	store, err := newCertStore(8)
	require.NoError(t, err)

	_, err = store.Fetch("example.com", func() (*tls.Certificate, error) {
		return nil, errors.New("no CA")
	})
	assert.Error(t, err)
}
