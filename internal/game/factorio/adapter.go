package factorio

import (
	"fmt"
	"path"
	"strings"

	"github.com/reedfamily/gamewarden/internal/game"
)

func init() {
	game.Register("factorio", func(opts game.Options) game.Adapter { return New(opts) })
}

const (
	joinMarker  = "[JOIN]"
	leaveMarker = "[LEAVE]"

	autosavePrefix = "_autosave"
	saveExt        = ".zip"

	// Matches only the game server, not a --create generator. Bracketed so
	// pgrep/pkill never match the shell running them.
	processPattern = "bin/x64/[f]actorio --start-server"
)

type Adapter struct {
	home          string
	settings      game.Settings
	mandatoryMods []string
}

func New(opts game.Options) *Adapter {
	home := opts.Home
	if home == "" {
		home = "/home/ec2-user/factorio"
	}
	mandatory := opts.MandatoryMods
	if len(mandatory) == 0 {
		mandatory = []string{"base"}
	}
	return &Adapter{home: home, settings: opts.Settings, mandatoryMods: mandatory}
}

func (a *Adapter) Game() string { return "factorio" }

func (a *Adapter) ParseLogLine(line string) *game.LogEvent {
	if _, rest, ok := strings.Cut(line, joinMarker); ok {
		return &game.LogEvent{Type: game.PlayerJoin, Player: playerName(rest, " joined")}
	}
	if _, rest, ok := strings.Cut(line, leaveMarker); ok {
		return &game.LogEvent{Type: game.PlayerLeave, Player: playerName(rest, " left")}
	}
	return nil
}

func playerName(rest, verb string) string {
	rest = strings.TrimSpace(rest)
	if name, _, ok := strings.Cut(rest, verb); ok {
		return name
	}
	return rest
}

func (a *Adapter) Paths() game.Paths {
	return game.Paths{
		SavesDir:       path.Join(a.home, "saves"),
		ModsDir:        path.Join(a.home, "mods"),
		ModManifest:    path.Join(a.home, "mods", "mod-list.json"),
		ServerSettings: path.Join(a.home, "server-settings.json"),
		LogFile:        path.Join(a.home, "factorio.log"),
	}
}

func (a *Adapter) SaveName(mapName string) string {
	return mapName + saveExt
}

func (a *Adapter) BackupName(mapName string) string {
	return mapName + "_save" + saveExt
}

func (a *Adapter) IsAutosave(name string) bool {
	return strings.HasPrefix(name, autosavePrefix) && strings.HasSuffix(name, saveExt)
}

func (a *Adapter) binary() string {
	return path.Join(a.home, "bin", "x64", "factorio")
}

func (a *Adapter) LaunchCommand(mapName string) string {
	p := a.Paths()
	return fmt.Sprintf("nohup %s --start-server %s --server-settings %s > %s 2>&1 &",
		a.binary(), shellQuote(path.Join(p.SavesDir, a.SaveName(mapName))), p.ServerSettings, p.LogFile)
}

func (a *Adapter) CreateCommand(mapName string) string {
	p := a.Paths()
	return fmt.Sprintf("nohup %s --create %s > %s 2>&1 &",
		a.binary(), shellQuote(path.Join(p.SavesDir, a.SaveName(mapName))), path.Join(a.home, "factorio-create.log"))
}

func (a *Adapter) CancelCreateCommand(mapName string) string {
	return fmt.Sprintf("pkill -f '[-]-create .*/%s'", a.SaveName(mapName))
}

// StopCommand sends SIGINT, on which the server writes its save before exiting.
func (a *Adapter) StopCommand() string {
	return fmt.Sprintf("pkill -INT -f '%s'", processPattern)
}

func (a *Adapter) ProcessCommand() string {
	return fmt.Sprintf("pgrep -f '%s'", processPattern)
}

func (a *Adapter) FollowLogCommand(backlog int) string {
	return fmt.Sprintf("tail -F -n %d %s", backlog, a.Paths().LogFile)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
