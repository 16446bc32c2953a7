// Package combat owns the authoritative turn-order, resource and condition
// model for one campaign. All mutation goes through Machine.Apply; state is
// a plain value serialized as the "initiative" blob of a campaign.
package combat

import (
	"context"
	"fmt"
	"sort"
)

type CombatantType string

const (
	CombatantPC  CombatantType = "pc"
	CombatantNPC CombatantType = "npc"
)

type DurationType string

const (
	DurationRounds     DurationType = "rounds"
	DurationIndefinite DurationType = "indefinite"
)

// State is the full combat state for one campaign. The wire and storage
// shape are identical: the whole state is replicated on every change.
type State struct {
	Active           bool        `json:"active"`
	Round            int         `json:"round"`
	CurrentTurnIndex int         `json:"current_turn_index"`
	Combatants       []Combatant `json:"combatants"`
}

// EmptyState is the implicit state of a campaign that never started combat.
func EmptyState() State {
	return State{
		Active:           false,
		Round:            1,
		CurrentTurnIndex: 0,
		Combatants:       []Combatant{},
	}
}

// Combatant is a participant in the initiative order. PCs and NPCs share
// one struct distinguished by Type; the NPC-only stat fields are pointers
// so they are omitted for player characters.
type Combatant struct {
	ID         string        `json:"id"`
	Type       CombatantType `json:"type"`
	Name       string        `json:"name"`
	Initiative *int          `json:"initiative"`
	Roll       *int          `json:"roll"`
	DexMod     int           `json:"dex_mod"`

	// PC only
	CharacterID int64 `json:"character_id,omitempty"`

	// NPC only
	MaxHP      *int     `json:"max_hp,omitempty"`
	CurrentHP  *int     `json:"current_hp,omitempty"`
	ArmorClass *int     `json:"armor_class,omitempty"`
	Attacks    []Attack `json:"attacks,omitempty"`

	ActionEconomy ActionEconomy `json:"action_economy"`
	Conditions    []Condition   `json:"conditions"`
}

// ActionEconomy is the per-turn resource pool. Movement never exceeds
// MaxMovement and never drops below zero.
type ActionEconomy struct {
	Action      bool `json:"action"`
	BonusAction bool `json:"bonus_action"`
	Reaction    bool `json:"reaction"`
	Movement    int  `json:"movement"`
	MaxMovement int  `json:"max_movement"`
}

// NewActionEconomy returns a fully available pool for the given speed.
func NewActionEconomy(speed int) ActionEconomy {
	return ActionEconomy{
		Action:      true,
		BonusAction: true,
		Reaction:    true,
		Movement:    speed,
		MaxMovement: speed,
	}
}

// Condition is a named effect on a combatant. Duration is only meaningful
// for rounds-typed conditions; a combatant never holds two conditions with
// the same name.
type Condition struct {
	Name         string       `json:"name"`
	DurationType DurationType `json:"duration_type"`
	Duration     *int         `json:"duration,omitempty"`
	Source       string       `json:"source,omitempty"`
}

type Attack struct {
	Name   string `json:"name"`
	Bonus  int    `json:"bonus"`
	Damage string `json:"damage"`
}

// Character is the slice of a player character the state machine needs.
type Character struct {
	ID     int64
	Name   string
	DexMod int
	Speed  int
}

// CharacterSource resolves player characters. It is an external
// collaborator; the state machine never writes through it.
type CharacterSource interface {
	// Character returns the character with the given id, with found=false
	// when it does not exist.
	Character(ctx context.Context, id int64) (c Character, found bool, err error)

	// Characters returns every known player character.
	Characters(ctx context.Context) ([]Character, error)
}

// PCCombatantID derives the combatant id for a player character. The
// derivation is deterministic so re-adding the same character can never
// create a duplicate entry.
func PCCombatantID(characterID int64) string {
	return fmt.Sprintf("pc-%d", characterID)
}

// unrolled combatants sort as if they rolled far below any real value
const unrolledInitiative = -999

// sortCombatants orders combatants highest initiative first. Ties break on
// higher dexterity modifier, then name ascending. Combatants that have not
// rolled yet always sort last.
func sortCombatants(combatants []Combatant) {
	sort.SliceStable(combatants, func(i, j int) bool {
		a, b := combatants[i], combatants[j]

		ai, bi := unrolledInitiative, unrolledInitiative
		if a.Initiative != nil {
			ai = *a.Initiative
		}
		if b.Initiative != nil {
			bi = *b.Initiative
		}

		if ai != bi {
			return ai > bi
		}
		if a.DexMod != b.DexMod {
			return a.DexMod > b.DexMod
		}
		return a.Name < b.Name
	})
}

// clone returns a deep copy so Apply can stay a pure transform even when
// callers hold on to the input state.
func (s State) clone() State {
	out := s
	out.Combatants = make([]Combatant, len(s.Combatants))
	for i, c := range s.Combatants {
		out.Combatants[i] = c.clone()
	}
	return out
}

func (c Combatant) clone() Combatant {
	out := c
	if c.Initiative != nil {
		v := *c.Initiative
		out.Initiative = &v
	}
	if c.Roll != nil {
		v := *c.Roll
		out.Roll = &v
	}
	if c.MaxHP != nil {
		v := *c.MaxHP
		out.MaxHP = &v
	}
	if c.CurrentHP != nil {
		v := *c.CurrentHP
		out.CurrentHP = &v
	}
	if c.ArmorClass != nil {
		v := *c.ArmorClass
		out.ArmorClass = &v
	}
	out.Attacks = append([]Attack(nil), c.Attacks...)
	out.Conditions = make([]Condition, len(c.Conditions))
	for i, cond := range c.Conditions {
		out.Conditions[i] = cond
		if cond.Duration != nil {
			v := *cond.Duration
			out.Conditions[i].Duration = &v
		}
	}
	return out
}

// findCombatant returns the index of the combatant with the given id, or -1.
func findCombatant(combatants []Combatant, id string) int {
	for i := range combatants {
		if combatants[i].ID == id {
			return i
		}
	}
	return -1
}
