package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suPer8Hu/streamchat/internal/chat"
)

func TestConnect_SQLite(t *testing.T) {
	gdb, err := Connect("sqlite", "file:db_test?mode=memory&cache=shared&_pragma=foreign_keys(1)")
	require.NoError(t, err)
	defer func() { assert.NoError(t, Close(gdb)) }()

	repo := chat.NewRepo(gdb)
	require.NoError(t, repo.AutoMigrate())

	s := &chat.Session{Title: "hi", Model: "deepseek-chat"}
	require.NoError(t, repo.CreateSession(context.Background(), s))
	assert.Len(t, s.ID, 26)
}

func TestConnect_UnknownDriver(t *testing.T) {
	_, err := Connect("postgres", "")
	assert.ErrorContains(t, err, "unsupported")
}
