package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filebarn/filebarn/internal/drive"
)

// stubProvider satisfies the interface through embedding; only identity
// matters to the resolver.
type stubProvider struct {
	Provider
	name string
}

func TestResolver_ForType(t *testing.T) {
	local := &stubProvider{name: "local"}
	remote := &stubProvider{name: "remote"}
	r := NewResolver(local, remote)

	p, err := r.ForType(drive.ProviderLocal)
	require.NoError(t, err)
	assert.Same(t, local, p)

	p, err = r.ForType(drive.ProviderGDrive)
	require.NoError(t, err)
	assert.Same(t, remote, p)

	_, err = r.ForType(drive.ProviderType("ftp"))
	require.ErrorIs(t, err, drive.ErrValidation)
}

func TestResolver_ForItem(t *testing.T) {
	local := &stubProvider{name: "local"}
	remote := &stubProvider{name: "remote"}
	r := NewResolver(local, remote)

	p, err := r.ForItem(&drive.Item{Provider: drive.ProviderGDrive})
	require.NoError(t, err)
	assert.Same(t, remote, p)
}
