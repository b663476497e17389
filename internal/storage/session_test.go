package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionKey(t *testing.T) {
	assert.Equal(t, "telegram:dm:12345", SessionKey("telegram", "dm", "12345"))
	assert.Equal(t, SessionKey("telegram", "dm", "1"), SessionKey("telegram", "dm", "1"))
	assert.NotEqual(t, SessionKey("telegram", "dm", "1"), SessionKey("telegram", "group", "1"))
}

func TestUpsertSession(t *testing.T) {
	db := openTestDB(t)

	s, err := db.UpsertSession("whatsapp", "dm", "chat-1")
	require.NoError(t, err)
	assert.Equal(t, "whatsapp:dm:chat-1", s.SessionKey)
	assert.False(t, s.ActiveRun)
	assert.Zero(t, s.MessageCount)

	// Idempotent: second upsert keeps existing state
	require.NoError(t, db.SetResumeToken(s.SessionKey, "resume-1"))

	again, err := db.UpsertSession("whatsapp", "dm", "chat-1")
	require.NoError(t, err)
	assert.Equal(t, "resume-1", again.ResumeToken)
}

func TestActiveRunToggle(t *testing.T) {
	db := openTestDB(t)

	s, err := db.UpsertSession("telegram", "dm", "42")
	require.NoError(t, err)

	require.NoError(t, db.SetActiveRun(s.SessionKey, true))
	got, err := db.GetSession(s.SessionKey)
	require.NoError(t, err)
	assert.True(t, got.ActiveRun)

	require.NoError(t, db.SetActiveRun(s.SessionKey, false))
	got, err = db.GetSession(s.SessionKey)
	require.NoError(t, err)
	assert.False(t, got.ActiveRun)
}

func TestTouchSession(t *testing.T) {
	db := openTestDB(t)

	s, err := db.UpsertSession("telegram", "dm", "42")
	require.NoError(t, err)

	require.NoError(t, db.TouchSession(s.SessionKey))
	require.NoError(t, db.TouchSession(s.SessionKey))

	got, err := db.GetSession(s.SessionKey)
	require.NoError(t, err)
	assert.Equal(t, 2, got.MessageCount)
	assert.NotNil(t, got.LastMessageAt)
}

func TestResetSession(t *testing.T) {
	db := openTestDB(t)

	s, err := db.UpsertSession("telegram", "dm", "42")
	require.NoError(t, err)

	require.NoError(t, db.SetSessionID(s.SessionKey, "engine-abc"))
	require.NoError(t, db.SetResumeToken(s.SessionKey, "resume-abc"))
	require.NoError(t, db.SetActiveRun(s.SessionKey, true))

	require.NoError(t, db.ResetSession(s.SessionKey))

	got, err := db.GetSession(s.SessionKey)
	require.NoError(t, err)
	assert.Empty(t, got.SessionID)
	assert.Empty(t, got.ResumeToken)
	assert.False(t, got.ActiveRun)
}

func TestGetSessionNotFound(t *testing.T) {
	db := openTestDB(t)

	_, err := db.GetSession("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, db.SetActiveRun("missing", true), ErrNotFound)
	assert.ErrorIs(t, db.DeleteSession("missing"), ErrNotFound)
}

func TestListSessions(t *testing.T) {
	db := openTestDB(t)

	_, err := db.UpsertSession("telegram", "dm", "1")
	require.NoError(t, err)
	_, err = db.UpsertSession("whatsapp", "group", "2")
	require.NoError(t, err)

	sessions, err := db.ListSessions(0)
	require.NoError(t, err)
	assert.Len(t, sessions, 2)

	sessions, err = db.ListSessions(1)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}
