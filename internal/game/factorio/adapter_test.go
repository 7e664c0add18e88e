package factorio

import (
	"encoding/json"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reedfamily/gamewarden/internal/game"
)

func TestParseLogLine(t *testing.T) {
	a := New(game.Options{})

	tests := []struct {
		line   string
		want   game.EventType
		player string
	}{
		{"2025-02-10 12:00:01 [JOIN] alice joined the game", game.PlayerJoin, "alice"},
		{"2025-02-10 12:05:09 [LEAVE] alice left the game", game.PlayerLeave, "alice"},
		{"[JOIN] bob", game.PlayerJoin, "bob"},
	}
	for _, tt := range tests {
		ev := a.ParseLogLine(tt.line)
		require.NotNil(t, ev, tt.line)
		assert.Equal(t, tt.want, ev.Type)
		assert.Equal(t, tt.player, ev.Player)
	}
}

func TestUnmatchedLineIsDiscarded(t *testing.T) {
	a := New(game.Options{})
	assert.Nil(t, a.ParseLogLine("  12.345 Info AppManager.cpp:300: Saving finished"))
	assert.Nil(t, a.ParseLogLine("2025-02-10 12:05:09 [CHAT] bob: hello"))
}

func TestAutosaveNames(t *testing.T) {
	a := New(game.Options{})
	assert.True(t, a.IsAutosave("_autosave3.zip"))
	assert.False(t, a.IsAutosave("alpha.zip"))
	assert.False(t, a.IsAutosave("_autosave1.zip.tmp"))
	assert.Equal(t, "alpha_save.zip", a.BackupName("alpha"))
}

func TestCommands(t *testing.T) {
	a := New(game.Options{Home: "/srv/factorio"})
	assert.Equal(t,
		"nohup /srv/factorio/bin/x64/factorio --start-server '/srv/factorio/saves/alpha.zip' --server-settings /srv/factorio/server-settings.json > /srv/factorio/factorio.log 2>&1 &",
		a.LaunchCommand("alpha"))
	assert.Contains(t, a.CreateCommand("beta"), "--create '/srv/factorio/saves/beta.zip'")
	assert.Equal(t, "tail -F -n 0 /srv/factorio/factorio.log", a.FollowLogCommand(0))
	assert.Equal(t, "pkill -f '[-]-create .*/beta.zip'", a.CancelCreateCommand("beta"))
	assert.Equal(t, "pkill -INT -f 'bin/x64/[f]actorio --start-server'", a.StopCommand())
}

func TestProcessPatternSkipsGenerator(t *testing.T) {
	a := New(game.Options{Home: "/srv/factorio"})
	re := regexp.MustCompile(processPattern)

	assert.True(t, re.MatchString(a.LaunchCommand("alpha")))
	assert.False(t, re.MatchString(a.CreateCommand("beta")))
	assert.False(t, re.MatchString(a.ProcessCommand()), "pgrep must not match its own command line")
	assert.False(t, re.MatchString(a.StopCommand()))
}

func TestSettingsDocument(t *testing.T) {
	a := New(game.Options{Settings: game.Settings{Name: "FAC2RIO", Public: true, Token: "tok"}})
	data, err := a.SettingsDocument()
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "FAC2RIO", doc["name"])
	assert.Equal(t, "tok", doc["token"])
	assert.Equal(t, float64(100), doc["max_players"])
	assert.Equal(t, float64(5), doc["autosave_slots"])
	assert.Equal(t, map[string]any{"public": true, "lan": true}, doc["visibility"])
}
