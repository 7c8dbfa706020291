package bonus

import (
	"context"
	"testing"
	"time"

	errorutils "github.com/quillpay/platform/libs/errorutils"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func TestCalculateValuePercentage(t *testing.T) {
	h := &baseHandler{}
	p := &pipeline{
		params:   QualifyParams{DepositAmount: dec("150")},
		template: &Template{ValueType: ValueTypePercentage, Value: dec("50")},
	}

	value, err := h.calculateValue(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, dec("75").Equal(value))

	// fractional results floor to whole units
	p.params.DepositAmount = dec("33")
	value, err = h.calculateValue(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, dec("16").Equal(value))
}

func TestCalculateValueMultiplier(t *testing.T) {
	h := &baseHandler{}
	p := &pipeline{
		params:   QualifyParams{DepositAmount: dec("10")},
		template: &Template{ValueType: ValueTypeMultiplier, Value: dec("2.5")},
	}

	value, err := h.calculateValue(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, dec("25").Equal(value))
}

func TestCalculateValueFixedIgnoresDeposit(t *testing.T) {
	h := &baseHandler{}
	for _, vt := range []string{ValueTypeFixed, ValueTypeCredit, ValueTypePoints} {
		p := &pipeline{
			params:   QualifyParams{DepositAmount: dec("9999")},
			template: &Template{ValueType: vt, Value: dec("20")},
		}
		value, err := h.calculateValue(context.Background(), p)
		require.NoError(t, err)
		assert.True(t, dec("20").Equal(value), vt)
	}
}

func TestCalculateValueCapsAtMax(t *testing.T) {
	h := &baseHandler{}
	p := &pipeline{
		params: QualifyParams{DepositAmount: dec("1000")},
		template: &Template{
			ValueType: ValueTypePercentage,
			Value:     dec("100"),
			MaxValue:  decPtr("200"),
		},
	}

	value, err := h.calculateValue(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, dec("200").Equal(value))
}

func TestCalculateValueUnknownType(t *testing.T) {
	h := &baseHandler{}
	p := &pipeline{
		params:   QualifyParams{DepositAmount: dec("10")},
		template: &Template{ValueType: "raffle"},
	}

	_, err := h.calculateValue(context.Background(), p)
	assert.Equal(t, errorutils.KindValidation, errorutils.KindOf(err))
}

func TestPositionValue(t *testing.T) {
	tpl := &Template{
		Value: dec("100"),
		PositionMultipliers: map[string]decimal.Decimal{
			"1": dec("3"),
			"2": dec("1.5"),
		},
	}

	v, err := positionValue(tpl, 1)
	require.NoError(t, err)
	assert.True(t, dec("300").Equal(v))

	v, err = positionValue(tpl, 2)
	require.NoError(t, err)
	assert.True(t, dec("150").Equal(v))

	// unlisted positions fall back to the base value
	v, err = positionValue(tpl, 7)
	require.NoError(t, err)
	assert.True(t, dec("100").Equal(v))

	tpl.MaxValue = decPtr("250")
	v, err = positionValue(tpl, 1)
	require.NoError(t, err)
	assert.True(t, dec("250").Equal(v))
}

func TestCalculateTurnover(t *testing.T) {
	h := &baseHandler{}
	p := &pipeline{template: &Template{TurnoverMultiplier: dec("10")}}

	assert.True(t, dec("500").Equal(h.calculateTurnover(p, dec("50"))))
}

func TestCalculateExpiration(t *testing.T) {
	h := &baseHandler{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	p := &pipeline{template: &Template{ExpirationDays: 7}}
	assert.Equal(t, now.AddDate(0, 0, 7), h.calculateExpiration(p, now))

	p = &pipeline{template: &Template{}}
	assert.Equal(t, now.AddDate(0, 0, defaultExpirationDays), h.calculateExpiration(p, now))
}

func TestMetaInt(t *testing.T) {
	p := QualifyParams{Metadata: map[string]interface{}{
		"asInt":    3,
		"asFloat":  float64(5),
		"asString": "9",
		"garbage":  "not-a-number",
	}}

	assert.Equal(t, 3, p.metaInt("asInt"))
	assert.Equal(t, 5, p.metaInt("asFloat"))
	assert.Equal(t, 9, p.metaInt("asString"))
	assert.Equal(t, 0, p.metaInt("garbage"))
	assert.Equal(t, 0, p.metaInt("absent"))
}

func TestMetaString(t *testing.T) {
	p := QualifyParams{Metadata: map[string]interface{}{
		"id":  "tour-1",
		"num": 42,
	}}

	assert.Equal(t, "tour-1", p.metaString("id"))
	assert.Equal(t, "", p.metaString("num"))
	assert.Equal(t, "", p.metaString("absent"))
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	r.Register(&cashbackHandler{baseHandler{bonusType: TypeCashback}})

	h, err := r.Lookup(TypeCashback)
	require.NoError(t, err)
	assert.Equal(t, TypeCashback, h.Type())

	_, err = r.Lookup("unknown")
	assert.Equal(t, errorutils.KindValidation, errorutils.KindOf(err))
}
