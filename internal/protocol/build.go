package protocol

// Typed constructors. Each one fixes the payload shape of its message kind;
// the field names below are the wire contract.

func NewAuth(playerName string) Message {
	return Message{Type: TypeAuth, Data: map[string]any{"player_name": playerName}}
}

// NewAuthResume is the reconnect form of auth: the token from a previous
// auth_success resumes that session instead of minting a new identity.
func NewAuthResume(playerName, token string) Message {
	return Message{Type: TypeAuth, Data: map[string]any{"player_name": playerName, "token": token}}
}

func NewAuthSuccess(sessionID, playerID, token string) Message {
	return Message{Type: TypeAuthSuccess, Data: map[string]any{
		"session_id": sessionID,
		"player_id":  playerID,
		"token":      token,
	}}
}

func NewAuthFailure(reason string) Message {
	return Message{Type: TypeAuthFailure, Data: map[string]any{"reason": reason}}
}

func NewCreateGame(gameName string, maxPlayers int, playerClass string) Message {
	return Message{Type: TypeCreateGame, Data: map[string]any{
		"game_name":    gameName,
		"max_players":  maxPlayers,
		"player_class": playerClass,
	}}
}

func NewJoinGame(gameID, playerClass string) Message {
	return Message{Type: TypeJoinGame, Data: map[string]any{
		"game_id":      gameID,
		"player_class": playerClass,
	}}
}

func NewLeaveGame() Message {
	return Message{Type: TypeLeaveGame}
}

func NewReady(ready bool) Message {
	return Message{Type: TypeReady, Data: map[string]any{"ready": ready}}
}

func NewAction(actionType string, actionData map[string]any) Message {
	return Message{Type: TypeAction, Data: map[string]any{
		"action_type": actionType,
		"action_data": actionData,
	}}
}

func NewChat(text string) Message {
	return Message{Type: TypeChat, Data: map[string]any{"message": text}}
}

func NewQuickCommand(command string) Message {
	return Message{Type: TypeQuickCommand, Data: map[string]any{"command": command}}
}

func NewPause() Message {
	return Message{Type: TypePause}
}

func NewChatMessage(playerID, playerName, text string) Message {
	return Message{Type: TypeChatMessage, Data: map[string]any{
		"player_id":   playerID,
		"player_name": playerName,
		"message":     text,
	}}
}

func NewState(state map[string]any) Message {
	return Message{Type: TypeState, Data: map[string]any{"state": state}}
}

func NewDelta(changes map[string]any, noChanges bool, turnCount, roundNumber, actionsThisRound int) Message {
	return Message{Type: TypeDelta, Data: map[string]any{
		"changes":            changes,
		"no_changes":         noChanges,
		"turn_count":         turnCount,
		"round_number":       roundNumber,
		"actions_this_round": actionsThisRound,
	}}
}

func NewSystem(text, level string) Message {
	return Message{Type: TypeSystem, Data: map[string]any{"message": text, "level": level}}
}

func NewError(text, code string) Message {
	data := map[string]any{"message": text}
	if code != "" {
		data["code"] = code
	}
	return Message{Type: TypeError, Data: data}
}

func NewGameStart(gameID string, players []any) Message {
	return Message{Type: TypeGameStart, Data: map[string]any{
		"game_id": gameID,
		"players": players,
	}}
}

func NewGameEnd(gameID, reason string) Message {
	return Message{Type: TypeGameEnd, Data: map[string]any{
		"game_id": gameID,
		"reason":  reason,
	}}
}

func NewPlayerJoined(playerID, playerName, playerClass string) Message {
	return Message{Type: TypePlayerJoined, Data: map[string]any{
		"player_id":    playerID,
		"player_name":  playerName,
		"player_class": playerClass,
	}}
}

func NewPlayerLeft(playerID, playerName string) Message {
	return Message{Type: TypePlayerLeft, Data: map[string]any{
		"player_id":   playerID,
		"player_name": playerName,
	}}
}
