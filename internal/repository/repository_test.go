package repository

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPtrToAny_NilBecomesNil(t *testing.T) {
	require.Nil(t, ptrToAny(nil))
}

func TestPtrToAny_DereferencesNonNil(t *testing.T) {
	v := 4.2
	got := ptrToAny(&v)
	require.Equal(t, 4.2, got)
}

func TestNullIfEmpty(t *testing.T) {
	require.Nil(t, nullIfEmpty(""))
	require.Equal(t, "abc", nullIfEmpty("abc"))
}
