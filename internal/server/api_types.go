package server

// ============================================================================
// DICE ROLL (dice_roll)
// ============================================================================

type DiceRollRequest struct {
	CharacterName string        `json:"character_name"`
	DiceType      int           `json:"dice_type"`
	NumDice       int           `json:"num_dice"`
	Modifier      int           `json:"modifier"`
	RollType      string        `json:"roll_type"`
	Label         *string       `json:"label"`
	Advantage     string        `json:"advantage"`
	WhisperTo     WhisperTarget `json:"whisper_to"`
}

// DiceRollResult mirrors the request back with the outcome. Rolls holds the
// values counted toward the total; AllRolls is only set for advantage or
// disadvantage rolls and then carries both raw d20 draws.
type DiceRollResult struct {
	CharacterName string        `json:"character_name"`
	DiceType      int           `json:"dice_type"`
	NumDice       int           `json:"num_dice"`
	Rolls         []int         `json:"rolls"`
	AllRolls      []int         `json:"all_rolls"`
	Advantage     *string       `json:"advantage"`
	Modifier      int           `json:"modifier"`
	Total         int           `json:"total"`
	RollType      string        `json:"roll_type"`
	Label         *string       `json:"label"`
	Timestamp     string        `json:"timestamp"`
	UserID        int64         `json:"user_id"`
	Username      string        `json:"username"`
	WhisperTo     WhisperTarget `json:"whisper_to"`
}

// ============================================================================
// CHAT (chat_message)
// ============================================================================

type ChatRequest struct {
	Message   string        `json:"message"`
	WhisperTo WhisperTarget `json:"whisper_to"`
}

type ChatBroadcast struct {
	Username  string        `json:"username"`
	UserID    int64         `json:"user_id"`
	Message   string        `json:"message"`
	Timestamp string        `json:"timestamp"`
	WhisperTo WhisperTarget `json:"whisper_to"`
}
