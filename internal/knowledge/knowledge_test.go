package knowledge

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const neem = `{
	"azadirachta_indica": {
		"Scientific Name": "Azadirachta indica",
		"Medicinal Uses": ["Skin disorders", "Fever"],
		"Active Compounds": ["Azadirachtin", "Nimbin"],
		"Precautions": "Avoid during pregnancy",
		"Sources": ["WHO monographs"]
	},
	"jasminum": {"Scientific Name": "Jasminum sambac"}
}`

func writeDB(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestLookup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "knowledge_db.json")
	writeDB(t, path, neem)

	db, err := Open(path, nil)
	require.NoError(t, err)

	e, ok := db.Lookup("azadirachta_indica")
	require.True(t, ok)
	assert.Equal(t, "Azadirachta indica", e.ScientificName)
	assert.Equal(t, []string{"Azadirachtin", "Nimbin"}, e.ActiveCompounds)

	_, ok = db.Lookup("basella_alba")
	assert.False(t, ok)
	assert.Equal(t, []string{"azadirachta_indica", "jasminum"}, db.Labels())
}

func TestFormatted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "knowledge_db.json")
	writeDB(t, path, neem)
	db, err := Open(path, nil)
	require.NoError(t, err)

	partial := db.Formatted("jasminum")
	assert.Equal(t, "Jasminum sambac", partial.ScientificName)
	assert.Equal(t, "N/A", partial.Precautions)
	assert.NotNil(t, partial.MedicinalUses)
	assert.Empty(t, partial.Sources)

	missing := db.Formatted("nerium_oleander")
	assert.Equal(t, "Information not available", missing.ScientificName)
	assert.Equal(t, "Information not available", missing.Precautions)
	assert.NotNil(t, missing.ActiveCompounds)
}

func TestOpenErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := Open(filepath.Join(dir, "absent.json"), nil)
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.json")
	writeDB(t, bad, `[1, 2`)
	_, err = Open(bad, nil)
	assert.Error(t, err)
}

func TestWatchReloads(t *testing.T) {
	defer goleak.VerifyNone(t)

	path := filepath.Join(t.TempDir(), "knowledge_db.json")
	writeDB(t, path, neem)
	db, err := Open(path, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- db.Watch(ctx, 20*time.Millisecond) }()
	// let the watcher register before writing
	time.Sleep(50 * time.Millisecond)

	writeDB(t, path, `{"basella_alba": {"Scientific Name": "Basella alba"}}`)
	require.Eventually(t, func() bool {
		_, ok := db.Lookup("basella_alba")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	// a broken write keeps the last good table
	writeDB(t, path, `{"broken":`)
	time.Sleep(100 * time.Millisecond)
	_, ok := db.Lookup("basella_alba")
	assert.True(t, ok)

	cancel()
	require.NoError(t, <-done)
}
