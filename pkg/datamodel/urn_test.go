package datamodel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseUrn(t *testing.T) {
	u, err := ParseUrn("urn:mh:dataset:warehouse.orders")
	assert.NoError(t, err)
	assert.Equal(t, "dataset", u.EntityType)
	assert.Equal(t, "warehouse.orders", u.Key)
	assert.Equal(t, "urn:mh:dataset:warehouse.orders", u.String())
}

func TestParseUrnStructuredKey(t *testing.T) {
	// Keys may contain colons, only the first three segments are positional
	u, err := ParseUrn("urn:mh:dataset:prod:warehouse:orders")
	assert.NoError(t, err)
	assert.Equal(t, "dataset", u.EntityType)
	assert.Equal(t, "prod:warehouse:orders", u.Key)
}

func TestParseUrnInvalid(t *testing.T) {
	for _, s := range []string{"", "urn:other:x:y", "urn:mh:", "urn:mh:dataset", "urn:mh:dataset:"} {
		_, err := ParseUrn(s)
		assert.Error(t, err, "expected error for %q", s)
	}
}

func TestUrnEquality(t *testing.T) {
	a := NewUrn("dataset", "x")
	b, err := ParseUrn("urn:mh:dataset:x")
	assert.NoError(t, err)
	assert.Equal(t, a, b)

	m := map[Urn]int{a: 1}
	assert.Equal(t, 1, m[b])
}

func TestUrnValidate(t *testing.T) {
	assert.NoError(t, NewUrn("dataset", "x").Validate())
	assert.Error(t, NewUrn("", "x").Validate())
	assert.Error(t, NewUrn("dataset", "").Validate())
	assert.Error(t, NewUrn("data set", "x").Validate())
}
