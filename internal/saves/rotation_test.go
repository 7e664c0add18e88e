package saves

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reedfamily/gamewarden/internal/game"
	"github.com/reedfamily/gamewarden/internal/game/factorio"
	"github.com/reedfamily/gamewarden/internal/remote/remotetest"
)

var base = time.Date(2025, 2, 10, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return base.Add(time.Duration(sec) * time.Second) }

func TestRotatePromotesNewestAutosave(t *testing.T) {
	host := remotetest.NewHost()
	host.PutFile("/srv/factorio/saves/M.zip", []byte("manual"), at(1))
	host.PutFile("/srv/factorio/saves/_autosave1.zip", []byte("A"), at(3))
	host.PutFile("/srv/factorio/saves/_autosave2.zip", []byte("B"), at(5))
	conn, err := host.Dial(t.Context())
	require.NoError(t, err)
	defer conn.Close()

	res, err := Rotate(t.Context(), conn, factorio.New(game.Options{Home: "/srv/factorio"}), "M")
	require.NoError(t, err)
	assert.Equal(t, Result{Promoted: "_autosave2.zip", Backup: "M_save.zip"}, res)

	live, _ := host.File("/srv/factorio/saves/M.zip")
	backup, _ := host.File("/srv/factorio/saves/M_save.zip")
	assert.Equal(t, "B", string(live))
	assert.Equal(t, "manual", string(backup))
}

func TestRotateWithoutAutosavesLeavesLiveSave(t *testing.T) {
	host := remotetest.NewHost()
	host.PutFile("/srv/factorio/saves/M.zip", []byte("manual"), at(1))
	host.PutFile("/srv/factorio/saves/other.zip", []byte("x"), at(9))
	conn, err := host.Dial(t.Context())
	require.NoError(t, err)
	defer conn.Close()

	res, err := Rotate(t.Context(), conn, factorio.New(game.Options{Home: "/srv/factorio"}), "M")
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)

	live, _ := host.File("/srv/factorio/saves/M.zip")
	assert.Equal(t, "manual", string(live))
	_, ok := host.File("/srv/factorio/saves/M_save.zip")
	assert.False(t, ok)
}

func TestRotateMissingLiveSave(t *testing.T) {
	host := remotetest.NewHost()
	host.PutFile("/srv/factorio/saves/_autosave1.zip", []byte("A"), at(3))
	conn, err := host.Dial(t.Context())
	require.NoError(t, err)
	defer conn.Close()

	_, err = Rotate(t.Context(), conn, factorio.New(game.Options{Home: "/srv/factorio"}), "M")
	assert.Error(t, err)
	_, ok := host.File("/srv/factorio/saves/M.zip")
	assert.False(t, ok)
}

func TestAutosavesOrder(t *testing.T) {
	host := remotetest.NewHost()
	host.PutFile("/srv/factorio/saves/_autosave1.zip", []byte("A"), at(7))
	host.PutFile("/srv/factorio/saves/_autosave2.zip", []byte("B"), at(2))
	host.PutFile("/srv/factorio/saves/_autosave3.zip", []byte("C"), at(5))
	conn, err := host.Dial(t.Context())
	require.NoError(t, err)
	defer conn.Close()

	list, err := Autosaves(t.Context(), conn, factorio.New(game.Options{Home: "/srv/factorio"}))
	require.NoError(t, err)
	var names []string
	for _, f := range list {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"_autosave1.zip", "_autosave3.zip", "_autosave2.zip"}, names)
}
