// address_test.go - Recipient addressing tests.
// SPDX-License-Identifier: AGPL-3.0-only

package address

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddressMatches(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	full, err := New("9d1b0d22-a86f-4745-a34a-01c5f3b6dc4e", "+15551234567")
	require.NoError(err)

	idOnly, err := New("9d1b0d22-a86f-4745-a34a-01c5f3b6dc4e", "")
	require.NoError(err)

	numberOnly, err := New("", "+15551234567")
	require.NoError(err)

	other, err := New("52a9a816-5d49-41da-a98f-0a6ba9087dcc", "+15557654321")
	require.NoError(err)

	require.True(full.Matches(idOnly))
	require.True(idOnly.Matches(full))
	require.True(full.Matches(numberOnly))
	require.True(numberOnly.Matches(full))
	require.False(full.Matches(other))
	require.False(idOnly.Matches(other))

	// Disjoint identifier sets cannot be compared.
	require.False(idOnly.Matches(numberOnly))
}

func TestAddressIdentifier(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	full, err := New("9d1b0d22-a86f-4745-a34a-01c5f3b6dc4e", "+15551234567")
	require.NoError(err)
	require.Equal("9d1b0d22-a86f-4745-a34a-01c5f3b6dc4e", full.Identifier())
	require.Equal([]string{"9d1b0d22-a86f-4745-a34a-01c5f3b6dc4e", "+15551234567"}, full.Identifiers())

	numberOnly, err := New("", "+15551234567")
	require.NoError(err)
	require.Equal("+15551234567", numberOnly.Identifier())

	_, err = New("", "")
	require.ErrorIs(err, ErrEmptyAddress)
}
