package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"vtt-server/internal/combat"
)

// CampaignStore persists combat state inside the campaign settings JSONB
// document, under the "initiative" key. Sibling settings keys are never
// touched.
type CampaignStore struct {
	db *sql.DB

	locksMu sync.Mutex
	locks   map[int64]*sync.Mutex
}

func NewCampaignStore(db *sql.DB) *CampaignStore {
	return &CampaignStore{
		db:    db,
		locks: make(map[int64]*sync.Mutex),
	}
}

// LockCampaign acquires the per-campaign mutex and returns the unlock
// function. Every load-apply-save sequence for a campaign runs under this
// lock so concurrent actions serialize instead of clobbering each other.
func (cs *CampaignStore) LockCampaign(campaignID int64) func() {
	cs.locksMu.Lock()
	lock, exists := cs.locks[campaignID]
	if !exists {
		lock = &sync.Mutex{}
		cs.locks[campaignID] = lock
	}
	cs.locksMu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// LoadCombatState reads the stored combat state for a campaign. A campaign
// with no stored state yields the empty state.
func (cs *CampaignStore) LoadCombatState(ctx context.Context, campaignID int64) (combat.State, error) {
	var raw []byte
	err := cs.db.QueryRowContext(ctx,
		`SELECT settings -> 'initiative' FROM campaigns WHERE id = $1`,
		campaignID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return combat.State{}, fmt.Errorf("CAMPAIGN_NOT_FOUND: no campaign with id %d", campaignID)
	}
	if err != nil {
		return combat.State{}, fmt.Errorf("loading combat state: %w", err)
	}
	if raw == nil {
		return combat.EmptyState(), nil
	}

	var state combat.State
	if err := json.Unmarshal(raw, &state); err != nil {
		return combat.State{}, fmt.Errorf("decoding combat state: %w", err)
	}
	if state.Combatants == nil {
		state.Combatants = []combat.Combatant{}
	}
	return state, nil
}

// SaveCombatState writes the combat state back under settings->initiative,
// preserving every other settings key.
func (cs *CampaignStore) SaveCombatState(ctx context.Context, campaignID int64, state combat.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding combat state: %w", err)
	}

	res, err := cs.db.ExecContext(ctx,
		`UPDATE campaigns
		 SET settings = jsonb_set(COALESCE(settings, '{}'::jsonb), '{initiative}', $2::jsonb, true),
		     updated_at = now()
		 WHERE id = $1`,
		campaignID, data,
	)
	if err != nil {
		return fmt.Errorf("saving combat state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("CAMPAIGN_NOT_FOUND: no campaign with id %d", campaignID)
	}
	return nil
}

// CharacterStore exposes the characters table as a combat.CharacterSource.
type CharacterStore struct {
	db *sql.DB
}

func NewCharacterStore(db *sql.DB) *CharacterStore {
	return &CharacterStore{db: db}
}

func (cs *CharacterStore) Character(ctx context.Context, id int64) (combat.Character, bool, error) {
	var c combat.Character
	var dexterity int
	err := cs.db.QueryRowContext(ctx,
		`SELECT id, name, dexterity, speed FROM characters WHERE id = $1`,
		id,
	).Scan(&c.ID, &c.Name, &dexterity, &c.Speed)
	if errors.Is(err, sql.ErrNoRows) {
		return combat.Character{}, false, nil
	}
	if err != nil {
		return combat.Character{}, false, fmt.Errorf("loading character %d: %w", id, err)
	}
	c.DexMod = abilityModifier(dexterity)
	return c, true, nil
}

func (cs *CharacterStore) Characters(ctx context.Context) ([]combat.Character, error) {
	rows, err := cs.db.QueryContext(ctx,
		`SELECT id, name, dexterity, speed FROM characters ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing characters: %w", err)
	}
	defer rows.Close()

	var characters []combat.Character
	for rows.Next() {
		var c combat.Character
		var dexterity int
		if err := rows.Scan(&c.ID, &c.Name, &dexterity, &c.Speed); err != nil {
			return nil, fmt.Errorf("scanning character: %w", err)
		}
		c.DexMod = abilityModifier(dexterity)
		characters = append(characters, c)
	}
	return characters, rows.Err()
}

// abilityModifier converts an ability score to its modifier with floor
// division, so a score of 9 yields -1 rather than 0.
func abilityModifier(score int) int {
	d := score - 10
	if d < 0 {
		return -((-d + 1) / 2)
	}
	return d / 2
}

// SessionStore persists session credentials so authenticated users survive
// a server restart.
type SessionStore struct {
	db *sql.DB
}

func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

func (ss *SessionStore) LoadAll(ctx context.Context) ([]SessionInfo, error) {
	rows, err := ss.db.QueryContext(ctx,
		`SELECT token, user_id, username, is_dm FROM sessions`,
	)
	if err != nil {
		return nil, fmt.Errorf("loading sessions: %w", err)
	}
	defer rows.Close()

	var sessions []SessionInfo
	for rows.Next() {
		var s SessionInfo
		if err := rows.Scan(&s.Token, &s.UserID, &s.Username, &s.IsDM); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func (ss *SessionStore) Save(ctx context.Context, s SessionInfo) error {
	_, err := ss.db.ExecContext(ctx,
		`INSERT INTO sessions (token, user_id, username, is_dm)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (token) DO UPDATE
		 SET user_id = EXCLUDED.user_id, username = EXCLUDED.username, is_dm = EXCLUDED.is_dm`,
		s.Token, s.UserID, s.Username, s.IsDM,
	)
	if err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

func (ss *SessionStore) Delete(ctx context.Context, token string) error {
	_, err := ss.db.ExecContext(ctx, `DELETE FROM sessions WHERE token = $1`, token)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}
