package combat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"vtt-server/internal/dice"
)

// ErrUnknownAction indicates an action name outside the closed action set.
var ErrUnknownAction = errors.New("unknown initiative action")

// ErrNotNPC indicates an NPC-only action aimed at a player combatant.
var ErrNotNPC = errors.New("combatant is not an NPC")

// Action names accepted by Apply.
const (
	ActionStartCombat        = "start_combat"
	ActionAddPC              = "add_pc"
	ActionAddCombatant       = "add_combatant"
	ActionRemoveCombatant    = "remove_combatant"
	ActionRollInitiative     = "roll_initiative"
	ActionRollAll            = "roll_all"
	ActionSetInitiative      = "set_initiative"
	ActionNextTurn           = "next_turn"
	ActionPreviousTurn       = "previous_turn"
	ActionEndCombat          = "end_combat"
	ActionUseAction          = "use_action"
	ActionUseBonusAction     = "use_bonus_action"
	ActionUseReaction        = "use_reaction"
	ActionUseMovement        = "use_movement"
	ActionResetActionEconomy = "reset_action_economy"
	ActionUpdateNPC          = "update_npc"
	ActionAddCondition       = "add_condition"
	ActionRemoveCondition    = "remove_condition"
	ActionClearConditions    = "clear_conditions"
)

// ActionRequest is one named action with its payload, as carried inside an
// initiative_update message.
type ActionRequest struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// Per-action payloads.

type StartCombatData struct {
	// Accepted for wire compatibility; combat always seeds from every
	// known player character regardless of which ids the client lists.
	CharacterIDs []int64 `json:"character_ids"`
}

type AddPCData struct {
	CharacterID int64 `json:"character_id"`
	Initiative  *int  `json:"initiative"`
}

type AddCombatantData struct {
	Name       string   `json:"name"`
	Initiative *int     `json:"initiative"`
	MaxHP      *int     `json:"max_hp"`
	ArmorClass *int     `json:"armor_class"`
	Speed      *int     `json:"speed"`
	DexMod     *int     `json:"dex_mod"`
	Attacks    []Attack `json:"attacks"`
}

type CombatantRefData struct {
	CombatantID string `json:"combatant_id"`
}

type SetInitiativeData struct {
	CombatantID string `json:"combatant_id"`
	Value       int    `json:"value"`
}

type UseMovementData struct {
	CombatantID string `json:"combatant_id"`
	Amount      int    `json:"amount"`
}

type UpdateNPCData struct {
	CombatantID string `json:"combatant_id"`
	CurrentHP   *int   `json:"current_hp"`
	MaxHP       *int   `json:"max_hp"`
	ArmorClass  *int   `json:"armor_class"`
}

type AddConditionData struct {
	CombatantID  string       `json:"combatant_id"`
	Name         string       `json:"name"`
	Duration     *int         `json:"duration"`
	DurationType DurationType `json:"duration_type"`
	Source       string       `json:"source"`
}

type RemoveConditionData struct {
	CombatantID string `json:"combatant_id"`
	Name        string `json:"name"`
}

const defaultSpeed = 30

// Machine applies named actions to a State. The zero value is not usable;
// construct with NewMachine.
type Machine struct {
	characters CharacterSource
	rollD20    func() int
	newNPCID   func() string
}

// Option customizes a Machine. Used by tests to pin randomness.
type Option func(*Machine)

// WithD20 replaces the d20 roller.
func WithD20(roll func() int) Option {
	return func(m *Machine) { m.rollD20 = roll }
}

// WithNPCIDs replaces the NPC id generator.
func WithNPCIDs(next func() string) Option {
	return func(m *Machine) { m.newNPCID = next }
}

func NewMachine(characters CharacterSource, opts ...Option) *Machine {
	m := &Machine{
		characters: characters,
		rollD20:    dice.D20,
		newNPCID: func() string {
			return uuid.New().String()
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Apply executes one named action against the given state and returns the
// resulting state. The input state is never modified. Unrecognized action
// names return ErrUnknownAction; malformed payloads return a decode error.
func (m *Machine) Apply(ctx context.Context, state State, req ActionRequest) (State, error) {
	next := state.clone()

	switch req.Action {
	case ActionStartCombat:
		var data StartCombatData
		if err := decode(req.Data, &data); err != nil {
			return state, err
		}
		return m.startCombat(ctx)

	case ActionAddPC:
		var data AddPCData
		if err := decode(req.Data, &data); err != nil {
			return state, err
		}
		return m.addPC(ctx, next, data)

	case ActionAddCombatant:
		var data AddCombatantData
		if err := decode(req.Data, &data); err != nil {
			return state, err
		}
		return m.addCombatant(next, data), nil

	case ActionRemoveCombatant:
		var data CombatantRefData
		if err := decode(req.Data, &data); err != nil {
			return state, err
		}
		return removeCombatant(next, data.CombatantID), nil

	case ActionRollInitiative:
		var data CombatantRefData
		if err := decode(req.Data, &data); err != nil {
			return state, err
		}
		return m.rollInitiative(next, data.CombatantID), nil

	case ActionRollAll:
		return m.rollAll(next), nil

	case ActionSetInitiative:
		var data SetInitiativeData
		if err := decode(req.Data, &data); err != nil {
			return state, err
		}
		return setInitiative(next, data), nil

	case ActionNextTurn:
		return nextTurn(next), nil

	case ActionPreviousTurn:
		return previousTurn(next), nil

	case ActionEndCombat:
		return EmptyState(), nil

	case ActionUseAction, ActionUseBonusAction, ActionUseReaction:
		var data CombatantRefData
		if err := decode(req.Data, &data); err != nil {
			return state, err
		}
		return spendResource(next, data.CombatantID, req.Action), nil

	case ActionUseMovement:
		var data UseMovementData
		if err := decode(req.Data, &data); err != nil {
			return state, err
		}
		return useMovement(next, data), nil

	case ActionResetActionEconomy:
		var data CombatantRefData
		if err := decode(req.Data, &data); err != nil {
			return state, err
		}
		return resetActionEconomy(next, data.CombatantID), nil

	case ActionUpdateNPC:
		var data UpdateNPCData
		if err := decode(req.Data, &data); err != nil {
			return state, err
		}
		return updateNPC(next, data)

	case ActionAddCondition:
		var data AddConditionData
		if err := decode(req.Data, &data); err != nil {
			return state, err
		}
		return addCondition(next, data), nil

	case ActionRemoveCondition:
		var data RemoveConditionData
		if err := decode(req.Data, &data); err != nil {
			return state, err
		}
		return removeCondition(next, data), nil

	case ActionClearConditions:
		var data CombatantRefData
		if err := decode(req.Data, &data); err != nil {
			return state, err
		}
		return clearConditions(next, data.CombatantID), nil

	default:
		return state, fmt.Errorf("%w: %q", ErrUnknownAction, req.Action)
	}
}

// decode tolerates a missing payload for actions that take none.
func decode(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("invalid action payload: %w", err)
	}
	return nil
}

// startCombat replaces the combatant list with one entry per known player
// character, unrolled, with full action economy. Character ids hinted in
// the request are deliberately ignored so no player is left out.
func (m *Machine) startCombat(ctx context.Context) (State, error) {
	chars, err := m.characters.Characters(ctx)
	if err != nil {
		return EmptyState(), fmt.Errorf("loading player characters: %w", err)
	}

	combatants := make([]Combatant, 0, len(chars))
	for _, c := range chars {
		combatants = append(combatants, pcCombatant(c))
	}

	return State{
		Active:           true,
		Round:            1,
		CurrentTurnIndex: 0,
		Combatants:       combatants,
	}, nil
}

func pcCombatant(c Character) Combatant {
	return Combatant{
		ID:            PCCombatantID(c.ID),
		Type:          CombatantPC,
		Name:          c.Name,
		DexMod:        c.DexMod,
		CharacterID:   c.ID,
		ActionEconomy: NewActionEconomy(c.Speed),
		Conditions:    []Condition{},
	}
}

// addPC appends the player character unless it is already in the order.
// An unknown character id is a silent no-op, not an error.
func (m *Machine) addPC(ctx context.Context, state State, data AddPCData) (State, error) {
	char, found, err := m.characters.Character(ctx, data.CharacterID)
	if err != nil {
		return state, fmt.Errorf("loading character %d: %w", data.CharacterID, err)
	}
	if !found {
		return state, nil
	}

	if findCombatant(state.Combatants, PCCombatantID(char.ID)) >= 0 {
		return state, nil
	}

	combatant := pcCombatant(char)
	if data.Initiative != nil {
		combatant.Initiative = data.Initiative
	}
	state.Combatants = append(state.Combatants, combatant)

	if data.Initiative != nil {
		sortCombatants(state.Combatants)
	}
	return state, nil
}

func (m *Machine) addCombatant(state State, data AddCombatantData) State {
	speed := defaultSpeed
	if data.Speed != nil {
		speed = *data.Speed
	}
	dexMod := 0
	if data.DexMod != nil {
		dexMod = *data.DexMod
	}

	combatant := Combatant{
		ID:            m.newNPCID(),
		Type:          CombatantNPC,
		Name:          data.Name,
		Initiative:    data.Initiative,
		DexMod:        dexMod,
		MaxHP:         data.MaxHP,
		ArmorClass:    data.ArmorClass,
		Attacks:       data.Attacks,
		ActionEconomy: NewActionEconomy(speed),
		Conditions:    []Condition{},
	}
	if data.MaxHP != nil {
		hp := *data.MaxHP
		combatant.CurrentHP = &hp
	}

	state.Combatants = append(state.Combatants, combatant)
	if data.Initiative != nil {
		sortCombatants(state.Combatants)
	}
	return state
}

func removeCombatant(state State, id string) State {
	idx := findCombatant(state.Combatants, id)
	if idx < 0 {
		return state
	}

	state.Combatants = append(state.Combatants[:idx], state.Combatants[idx+1:]...)

	// The pointer must stay a valid index; wrap to the top of the order
	// when the removal leaves it past the end.
	if state.CurrentTurnIndex >= len(state.Combatants) {
		state.CurrentTurnIndex = 0
	}
	return state
}

func (m *Machine) rollInitiative(state State, id string) State {
	idx := findCombatant(state.Combatants, id)
	if idx < 0 {
		return state
	}

	m.rollFor(&state.Combatants[idx])
	sortCombatants(state.Combatants)
	state.CurrentTurnIndex = 0
	return state
}

// rollAll rolls for every combatant still unrolled, then re-sorts once.
func (m *Machine) rollAll(state State) State {
	for i := range state.Combatants {
		if state.Combatants[i].Initiative == nil {
			m.rollFor(&state.Combatants[i])
		}
	}
	sortCombatants(state.Combatants)
	state.CurrentTurnIndex = 0
	return state
}

func (m *Machine) rollFor(c *Combatant) {
	roll := m.rollD20()
	initiative := roll + c.DexMod
	c.Roll = &roll
	c.Initiative = &initiative
}

func setInitiative(state State, data SetInitiativeData) State {
	idx := findCombatant(state.Combatants, data.CombatantID)
	if idx < 0 {
		return state
	}

	value := data.Value
	state.Combatants[idx].Initiative = &value
	sortCombatants(state.Combatants)
	return state
}

// nextTurn advances the pointer, wrapping into a new round. The combatant
// whose turn begins gets a fresh action economy and has its rounds-typed
// conditions ticked down; conditions that reach zero are removed.
func nextTurn(state State) State {
	if len(state.Combatants) == 0 {
		return state
	}

	state.CurrentTurnIndex++
	if state.CurrentTurnIndex >= len(state.Combatants) {
		state.CurrentTurnIndex = 0
		state.Round++
	}

	current := &state.Combatants[state.CurrentTurnIndex]
	current.ActionEconomy.Action = true
	current.ActionEconomy.BonusAction = true
	current.ActionEconomy.Reaction = true
	current.ActionEconomy.Movement = current.ActionEconomy.MaxMovement

	remaining := current.Conditions[:0]
	for _, cond := range current.Conditions {
		if cond.DurationType == DurationRounds && cond.Duration != nil {
			d := *cond.Duration - 1
			if d <= 0 {
				continue
			}
			cond.Duration = &d
		}
		remaining = append(remaining, cond)
	}
	current.Conditions = remaining

	return state
}

// previousTurn is an undo-navigation aid: it moves the pointer back without
// touching action economy or conditions. The round never drops below 1.
func previousTurn(state State) State {
	if len(state.Combatants) == 0 {
		return state
	}

	state.CurrentTurnIndex--
	if state.CurrentTurnIndex < 0 {
		state.CurrentTurnIndex = len(state.Combatants) - 1
		state.Round--
		if state.Round < 1 {
			state.Round = 1
		}
	}
	return state
}

// spendResource marks a flag spent. Spending an already-spent resource is a
// no-op, not an error.
func spendResource(state State, id, action string) State {
	idx := findCombatant(state.Combatants, id)
	if idx < 0 {
		return state
	}

	switch action {
	case ActionUseAction:
		state.Combatants[idx].ActionEconomy.Action = false
	case ActionUseBonusAction:
		state.Combatants[idx].ActionEconomy.BonusAction = false
	case ActionUseReaction:
		state.Combatants[idx].ActionEconomy.Reaction = false
	}
	return state
}

func useMovement(state State, data UseMovementData) State {
	idx := findCombatant(state.Combatants, data.CombatantID)
	if idx < 0 {
		return state
	}

	movement := state.Combatants[idx].ActionEconomy.Movement - data.Amount
	if movement < 0 {
		movement = 0
	}
	state.Combatants[idx].ActionEconomy.Movement = movement
	return state
}

func resetActionEconomy(state State, id string) State {
	idx := findCombatant(state.Combatants, id)
	if idx < 0 {
		return state
	}

	economy := &state.Combatants[idx].ActionEconomy
	economy.Action = true
	economy.BonusAction = true
	economy.Reaction = true
	economy.Movement = economy.MaxMovement
	return state
}

// updateNPC adjusts NPC stats. CurrentHP is floored at zero but is not
// clamped against MaxHP; the character HP flow clamps, this path does not,
// and the asymmetry is intentional.
func updateNPC(state State, data UpdateNPCData) (State, error) {
	idx := findCombatant(state.Combatants, data.CombatantID)
	if idx < 0 {
		return state, nil
	}

	combatant := &state.Combatants[idx]
	if combatant.Type != CombatantNPC {
		return state, fmt.Errorf("%w: %s", ErrNotNPC, data.CombatantID)
	}

	if data.CurrentHP != nil {
		hp := *data.CurrentHP
		if hp < 0 {
			hp = 0
		}
		combatant.CurrentHP = &hp
	}
	if data.MaxHP != nil {
		combatant.MaxHP = data.MaxHP
	}
	if data.ArmorClass != nil {
		combatant.ArmorClass = data.ArmorClass
	}
	return state, nil
}

// addCondition appends a condition unless one with the same name is already
// present.
func addCondition(state State, data AddConditionData) State {
	idx := findCombatant(state.Combatants, data.CombatantID)
	if idx < 0 {
		return state
	}

	for _, cond := range state.Combatants[idx].Conditions {
		if cond.Name == data.Name {
			return state
		}
	}

	durationType := data.DurationType
	if durationType == "" {
		durationType = DurationIndefinite
	}

	state.Combatants[idx].Conditions = append(state.Combatants[idx].Conditions, Condition{
		Name:         data.Name,
		DurationType: durationType,
		Duration:     data.Duration,
		Source:       data.Source,
	})
	return state
}

func removeCondition(state State, data RemoveConditionData) State {
	idx := findCombatant(state.Combatants, data.CombatantID)
	if idx < 0 {
		return state
	}

	remaining := state.Combatants[idx].Conditions[:0]
	for _, cond := range state.Combatants[idx].Conditions {
		if cond.Name != data.Name {
			remaining = append(remaining, cond)
		}
	}
	state.Combatants[idx].Conditions = remaining
	return state
}

func clearConditions(state State, id string) State {
	idx := findCombatant(state.Combatants, id)
	if idx < 0 {
		return state
	}
	state.Combatants[idx].Conditions = []Condition{}
	return state
}
