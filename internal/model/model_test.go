package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTxIsActiveAndIsReplacement(t *testing.T) {
	tx := &Tx{Processing: 1}
	assert.True(t, tx.IsActive())
	assert.False(t, tx.IsReplacement())

	root := int64(7)
	tx.OrigTxID = &root
	assert.True(t, tx.IsReplacement())

	tx.Processing = 0
	assert.False(t, tx.IsActive())
}

func TestAllowanceIsExpired(t *testing.T) {
	now := time.Now()
	a := &Allowance{}
	assert.False(t, a.IsExpired(now), "an allowance with no expiry never expires")

	past := now.Add(-time.Hour)
	a.ExpiresDate = &past
	assert.True(t, a.IsExpired(now))

	future := now.Add(time.Hour)
	a.ExpiresDate = &future
	assert.False(t, a.IsExpired(now))
}
