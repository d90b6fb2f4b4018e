package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAsBigint(t *testing.T) {
	assert.Equal(t, int64(42), asBigint(float64(42)))
	assert.Equal(t, int64(10398200000), asBigint(float64(10398200000)))
	assert.Nil(t, asBigint(nil))
	// Non-integral and non-numeric values pass through for the database to judge.
	assert.Equal(t, 1.5, asBigint(1.5))
	assert.Equal(t, "not-a-wid", asBigint("not-a-wid"))
}

func TestNullIfEmpty(t *testing.T) {
	assert.Nil(t, nullIfEmpty(""))
	assert.Equal(t, "boom", nullIfEmpty("boom"))
}
