package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"vtt-server/internal/combat"
)

// setupTestDB starts a postgres container, applies migrations, and returns
// an open handle. Tests that need the database share the container through
// per-test setup because each creates independent rows.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("vtt_test"),
		tcpostgres.WithUsername("vtt"),
		tcpostgres.WithPassword("vtt"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("pgx", connStr)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, goose.SetDialect("postgres"))
	require.NoError(t, goose.Up(db, "../../db/migrations"))

	return db
}

func insertCampaign(t *testing.T, db *sql.DB, name string) int64 {
	t.Helper()
	var id int64
	err := db.QueryRow(
		`INSERT INTO campaigns (name, dm_user_id) VALUES ($1, 1) RETURNING id`,
		name,
	).Scan(&id)
	require.NoError(t, err)
	return id
}

func TestCampaignStore_LoadEmptyState(t *testing.T) {
	db := setupTestDB(t)
	store := NewCampaignStore(db)
	campaignID := insertCampaign(t, db, "Curse of Strahd")

	state, err := store.LoadCombatState(context.Background(), campaignID)
	require.NoError(t, err)

	assert.False(t, state.Active)
	assert.Equal(t, 1, state.Round)
	assert.Equal(t, 0, state.CurrentTurnIndex)
	assert.Empty(t, state.Combatants)
}

func TestCampaignStore_LoadUnknownCampaign(t *testing.T) {
	db := setupTestDB(t)
	store := NewCampaignStore(db)

	_, err := store.LoadCombatState(context.Background(), 99999)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CAMPAIGN_NOT_FOUND")
}

func TestCampaignStore_SaveThenLoadRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	store := NewCampaignStore(db)
	campaignID := insertCampaign(t, db, "Tomb of Annihilation")

	init := 17
	state := combat.State{
		Active:           true,
		Round:            3,
		CurrentTurnIndex: 1,
		Combatants: []combat.Combatant{
			{ID: "pc-1", Name: "Fighter", Type: combat.CombatantPC, Initiative: &init},
		},
	}
	require.NoError(t, store.SaveCombatState(context.Background(), campaignID, state))

	loaded, err := store.LoadCombatState(context.Background(), campaignID)
	require.NoError(t, err)
	assert.True(t, loaded.Active)
	assert.Equal(t, 3, loaded.Round)
	assert.Equal(t, 1, loaded.CurrentTurnIndex)
	require.Len(t, loaded.Combatants, 1)
	assert.Equal(t, "pc-1", loaded.Combatants[0].ID)
	require.NotNil(t, loaded.Combatants[0].Initiative)
	assert.Equal(t, 17, *loaded.Combatants[0].Initiative)
}

func TestCampaignStore_SaveUnknownCampaign(t *testing.T) {
	db := setupTestDB(t)
	store := NewCampaignStore(db)

	err := store.SaveCombatState(context.Background(), 99999, combat.EmptyState())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CAMPAIGN_NOT_FOUND")
}

func TestCampaignStore_SavePreservesSiblingSettings(t *testing.T) {
	db := setupTestDB(t)
	store := NewCampaignStore(db)
	campaignID := insertCampaign(t, db, "Waterdeep")

	_, err := db.Exec(
		`UPDATE campaigns SET settings = '{"map": {"background": "tavern.png"}, "house_rules": ["flanking"]}' WHERE id = $1`,
		campaignID,
	)
	require.NoError(t, err)

	require.NoError(t, store.SaveCombatState(context.Background(), campaignID, combat.EmptyState()))

	var raw []byte
	require.NoError(t, db.QueryRow(`SELECT settings FROM campaigns WHERE id = $1`, campaignID).Scan(&raw))

	var settings map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &settings))
	assert.Contains(t, settings, "map", "unrelated settings keys must survive a combat save")
	assert.Contains(t, settings, "house_rules")
	assert.Contains(t, settings, "initiative")
}

func TestCampaignStore_LockSerializesWriters(t *testing.T) {
	store := NewCampaignStore(nil)

	var current, peak int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := store.LockCampaign(42)
			defer unlock()

			mu.Lock()
			current++
			if current > peak {
				peak = current
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			current--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, peak, "campaign lock must admit one writer at a time")
}

func TestCampaignStore_LocksAreIndependentAcrossCampaigns(t *testing.T) {
	store := NewCampaignStore(nil)

	unlock1 := store.LockCampaign(1)
	defer unlock1()

	done := make(chan struct{})
	go func() {
		unlock2 := store.LockCampaign(2)
		unlock2()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on campaign 2 blocked behind campaign 1")
	}
}

func TestCharacterStore_LoadWithModifiers(t *testing.T) {
	db := setupTestDB(t)
	store := NewCharacterStore(db)

	var id int64
	err := db.QueryRow(
		`INSERT INTO characters (owner_user_id, name, dexterity, speed) VALUES (1, 'Rogue', 16, 30) RETURNING id`,
	).Scan(&id)
	require.NoError(t, err)

	c, found, err := store.Character(context.Background(), id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Rogue", c.Name)
	assert.Equal(t, 3, c.DexMod)
	assert.Equal(t, 30, c.Speed)
}

func TestCharacterStore_UnknownCharacter(t *testing.T) {
	db := setupTestDB(t)
	store := NewCharacterStore(db)

	_, found, err := store.Character(context.Background(), 99999)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCharacterStore_ListAll(t *testing.T) {
	db := setupTestDB(t)
	store := NewCharacterStore(db)

	_, err := db.Exec(
		`INSERT INTO characters (owner_user_id, name, dexterity, speed) VALUES
		 (1, 'Fighter', 14, 30),
		 (2, 'Wizard', 9, 25)`,
	)
	require.NoError(t, err)

	characters, err := store.Characters(context.Background())
	require.NoError(t, err)
	require.Len(t, characters, 2)
	assert.Equal(t, "Fighter", characters[0].Name)
	assert.Equal(t, 2, characters[0].DexMod)
	assert.Equal(t, "Wizard", characters[1].Name)
	assert.Equal(t, -1, characters[1].DexMod, "score below 10 rounds toward negative")
}

func TestAbilityModifier(t *testing.T) {
	cases := map[int]int{
		1:  -5,
		8:  -1,
		9:  -1,
		10: 0,
		11: 0,
		12: 1,
		15: 2,
		20: 5,
	}
	for score, want := range cases {
		assert.Equal(t, want, abilityModifier(score), "score %d", score)
	}
}

func TestSessionStore_RoundTrip(t *testing.T) {
	db := setupTestDB(t)
	store := NewSessionStore(db)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, SessionInfo{Token: "tok-dm", UserID: 1, Username: "dm", IsDM: true}))
	require.NoError(t, store.Save(ctx, SessionInfo{Token: "tok-player", UserID: 2, Username: "alice"}))

	// Saving an existing token updates it.
	require.NoError(t, store.Save(ctx, SessionInfo{Token: "tok-player", UserID: 2, Username: "alice", IsDM: true}))

	sessions, err := store.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	byToken := map[string]SessionInfo{}
	for _, s := range sessions {
		byToken[s.Token] = s
	}
	assert.True(t, byToken["tok-dm"].IsDM)
	assert.True(t, byToken["tok-player"].IsDM)
	assert.Equal(t, "alice", byToken["tok-player"].Username)

	require.NoError(t, store.Delete(ctx, "tok-player"))
	sessions, err = store.LoadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}
