package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPricingValidation(t *testing.T) {
	assert.NoError(t, validatePricingConfig(DefaultPricingConfig()))

	assert.ErrorIs(t, validatePricingConfig(PricingConfig{}), errPricingNoOperations)

	assert.ErrorIs(t, validatePricingConfig(PricingConfig{Operations: []OperationPricing{
		{Feature: "a", Model: "m", CreditCost: 0, PollSeconds: 1, MaxAttempts: 1},
	}}), errPricingInvalidCost)

	assert.ErrorIs(t, validatePricingConfig(PricingConfig{Operations: []OperationPricing{
		{Feature: "a", Model: "", CreditCost: 1, PollSeconds: 1, MaxAttempts: 1},
	}}), errPricingMissingModel)

	assert.ErrorIs(t, validatePricingConfig(PricingConfig{Operations: []OperationPricing{
		{Feature: "a", Model: "m", CreditCost: 1, PollSeconds: 1, MaxAttempts: 1},
		{Feature: "A", Model: "m2", CreditCost: 2, PollSeconds: 2, MaxAttempts: 2},
	}}), errPricingDuplicateTags)
}

func TestPricingOperationLookup(t *testing.T) {
	holder := NewStaticPricingHolder(DefaultPricingConfig())

	op, ok := holder.Operation("photo_to_video")
	assert.True(t, ok)
	assert.Equal(t, int64(4), op.CreditCost)
	assert.Equal(t, 5*time.Second, op.PollInterval())

	// Lookup is case-insensitive and trims whitespace.
	_, ok = holder.Operation("  PHOTO_TO_VIDEO ")
	assert.True(t, ok)

	_, ok = holder.Operation("no_such_feature")
	assert.False(t, ok)
}
