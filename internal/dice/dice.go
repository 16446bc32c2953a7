// Package dice implements the dice-rolling logic for game sessions.
package dice

import (
	"errors"
	"math/rand/v2"
)

// Advantage selects how a single d20 roll is resolved.
type Advantage string

const (
	AdvantageNone Advantage = ""
	AdvantageHigh Advantage = "advantage"
	AdvantageLow  Advantage = "disadvantage"
)

// ErrInvalidCount indicates the number of dice is outside 1-100.
var ErrInvalidCount = errors.New("number of dice must be between 1 and 100")

// ErrInvalidSides indicates a die with fewer than 2 sides.
var ErrInvalidSides = errors.New("dice must have at least 2 sides")

// ValidDie reports whether sides is one of the supported die types.
// Callers routing player input are expected to check this before rolling;
// Roll itself only rejects structurally impossible dice.
func ValidDie(sides int) bool {
	switch sides {
	case 4, 6, 8, 10, 12, 20, 100:
		return true
	}
	return false
}

// RollRequest describes a request to roll NumDice dice with Sides sides.
type RollRequest struct {
	NumDice   int
	Sides     int
	Modifier  int
	Advantage Advantage
}

// RollResult captures the outcome of a roll.
//
// Rolls holds the values that count toward Total. When advantage or
// disadvantage applies, Rolls holds the single used d20 value and AllRolls
// holds both raw draws for transparency; otherwise AllRolls is nil.
// Total is the sum of Rolls plus the modifier, with no floor or ceiling.
type RollResult struct {
	Rolls    []int
	AllRolls []int
	Total    int
}

// Roll rolls dice based on the provided request.
//
// Advantage and disadvantage only apply to a single d20; for any other
// combination the field is ignored and a plain roll is performed.
func Roll(req RollRequest) (RollResult, error) {
	if req.NumDice < 1 || req.NumDice > 100 {
		return RollResult{}, ErrInvalidCount
	}
	if req.Sides < 2 {
		return RollResult{}, ErrInvalidSides
	}

	if req.Advantage != AdvantageNone && req.NumDice == 1 && req.Sides == 20 {
		first := rollDie(20)
		second := rollDie(20)

		used := max(first, second)
		if req.Advantage == AdvantageLow {
			used = min(first, second)
		}

		return RollResult{
			Rolls:    []int{used},
			AllRolls: []int{first, second},
			Total:    used + req.Modifier,
		}, nil
	}

	rolls := make([]int, req.NumDice)
	total := 0
	for i := range rolls {
		rolls[i] = rollDie(req.Sides)
		total += rolls[i]
	}

	return RollResult{
		Rolls: rolls,
		Total: total + req.Modifier,
	}, nil
}

// D20 rolls a single twenty-sided die.
func D20() int {
	return rollDie(20)
}

func rollDie(sides int) int {
	return rand.IntN(sides) + 1
}
