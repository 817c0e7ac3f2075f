package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestSeedBoardOnSQLite(t *testing.T) {
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", filepath.Join(t.TempDir(), "db", "tasks.db"))

	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"seed-board", "--env-file", filepath.Join(t.TempDir(), "none.env"),
		"--title", "Launch", "--creator", primitive.NewObjectID().Hex(), "--json"})
	require.NoError(t, cmd.Execute())

	var body struct {
		Board struct {
			Title string `json:"title"`
		} `json:"board"`
		Columns []struct {
			Title string `json:"title"`
			Order int    `json:"order"`
		} `json:"columns"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &body))
	assert.Equal(t, "Launch", body.Board.Title)
	require.Len(t, body.Columns, 3)
	assert.Equal(t, "In Progress", body.Columns[1].Title)
	assert.Equal(t, 2, body.Columns[2].Order)
}

func TestSeedBoardRejectsBadCreator(t *testing.T) {
	cmd := rootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"seed-board", "--title", "x", "--creator", "nope"})
	assert.Error(t, cmd.Execute())
}

func TestEnsureIndexesNeedsMongo(t *testing.T) {
	t.Setenv("STORE_DRIVER", "sqlite")
	cmd := rootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"ensure-indexes", "--env-file", filepath.Join(t.TempDir(), "none.env")})
	assert.Error(t, cmd.Execute())
}
