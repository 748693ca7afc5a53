package amm_test

import (
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/predictamm/internal/amm"
)

func TestRoundingDirections(t *testing.T) {
	third := d("1")
	three := d("3")

	assert.True(t, amm.DivUp(third, three).Equal(d("0.333333333333333334")))
	assert.True(t, amm.DivDown(third, three).Equal(d("0.333333333333333333")))
	assert.True(t, amm.DivUp(d("6"), three).Equal(d("2")))

	tiny := d("0.000000000000000001")
	assert.True(t, amm.MulUp(tiny, d("0.5")).Equal(tiny))
	assert.True(t, amm.MulDown(tiny, d("0.5")).IsZero())
}

func TestSqrtUp(t *testing.T) {
	assert.True(t, amm.SqrtUp(d("4")).Equal(d("2")))
	assert.True(t, amm.SqrtUp(decimal.Zero).IsZero())
	assert.True(t, amm.SqrtUp(d("-1")).IsZero())
	assert.True(t, amm.SqrtUp(d("2")).Equal(d("1.414213562373095049")))
}

func TestSqrtUpNeverUnderestimates(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 1000; i++ {
		x := decimal.NewFromFloat(rng.Float64() * 1e12).Round(amm.Scale)
		root := amm.SqrtUp(x)
		assert.False(t, root.Mul(root).LessThan(x), "sqrt(%s) = %s", x, root)
		below := root.Sub(amm.Unit)
		if below.IsPositive() {
			assert.True(t, below.Mul(below).LessThan(x), "sqrt(%s) = %s not tight", x, root)
		}
	}
}
