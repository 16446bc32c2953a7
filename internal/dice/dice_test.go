package dice

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoll_ResultsWithinRange(t *testing.T) {
	for i := 0; i < 200; i++ {
		result, err := Roll(RollRequest{NumDice: 4, Sides: 6})
		assert.NoError(t, err)
		assert.Len(t, result.Rolls, 4)
		assert.Nil(t, result.AllRolls)

		sum := 0
		for _, r := range result.Rolls {
			assert.GreaterOrEqual(t, r, 1)
			assert.LessOrEqual(t, r, 6)
			sum += r
		}
		assert.Equal(t, sum, result.Total)
	}
}

func TestRoll_ModifierAddsToTotal(t *testing.T) {
	result, err := Roll(RollRequest{NumDice: 2, Sides: 8, Modifier: 3})
	assert.NoError(t, err)
	assert.Equal(t, result.Rolls[0]+result.Rolls[1]+3, result.Total)
}

// A negative modifier can push the total below zero; no floor is applied.
func TestRoll_NegativeModifierNotFloored(t *testing.T) {
	result, err := Roll(RollRequest{NumDice: 1, Sides: 4, Modifier: -10})
	assert.NoError(t, err)
	assert.Equal(t, result.Rolls[0]-10, result.Total)
	assert.Less(t, result.Total, 0)
}

func TestRoll_AdvantageUsesHigherDie(t *testing.T) {
	for i := 0; i < 200; i++ {
		result, err := Roll(RollRequest{NumDice: 1, Sides: 20, Advantage: AdvantageHigh})
		assert.NoError(t, err)
		assert.Len(t, result.Rolls, 1)
		assert.Len(t, result.AllRolls, 2)
		assert.Equal(t, max(result.AllRolls[0], result.AllRolls[1]), result.Rolls[0])
	}
}

func TestRoll_DisadvantageUsesLowerDie(t *testing.T) {
	for i := 0; i < 200; i++ {
		result, err := Roll(RollRequest{NumDice: 1, Sides: 20, Advantage: AdvantageLow})
		assert.NoError(t, err)
		assert.Len(t, result.Rolls, 1)
		assert.Len(t, result.AllRolls, 2)
		assert.Equal(t, min(result.AllRolls[0], result.AllRolls[1]), result.Rolls[0])
	}
}

// Advantage only applies to a single d20; other rolls ignore it.
func TestRoll_AdvantageIgnoredForOtherDice(t *testing.T) {
	result, err := Roll(RollRequest{NumDice: 2, Sides: 20, Advantage: AdvantageHigh})
	assert.NoError(t, err)
	assert.Len(t, result.Rolls, 2)
	assert.Nil(t, result.AllRolls)

	result, err = Roll(RollRequest{NumDice: 1, Sides: 6, Advantage: AdvantageLow})
	assert.NoError(t, err)
	assert.Len(t, result.Rolls, 1)
	assert.Nil(t, result.AllRolls)
}

func TestRoll_RejectsBadCounts(t *testing.T) {
	_, err := Roll(RollRequest{NumDice: 0, Sides: 6})
	assert.ErrorIs(t, err, ErrInvalidCount)

	_, err = Roll(RollRequest{NumDice: 101, Sides: 6})
	assert.ErrorIs(t, err, ErrInvalidCount)

	_, err = Roll(RollRequest{NumDice: 1, Sides: 1})
	assert.ErrorIs(t, err, ErrInvalidSides)
}

func TestValidDie(t *testing.T) {
	for _, sides := range []int{4, 6, 8, 10, 12, 20, 100} {
		assert.True(t, ValidDie(sides), "d%d should be valid", sides)
	}
	for _, sides := range []int{2, 3, 7, 13, 50, 0, -1} {
		assert.False(t, ValidDie(sides), "d%d should be invalid", sides)
	}
}

func TestD20_ResultsWithinRange(t *testing.T) {
	for i := 0; i < 200; i++ {
		roll := D20()
		assert.GreaterOrEqual(t, roll, 1)
		assert.LessOrEqual(t, roll, 20)
	}
}
