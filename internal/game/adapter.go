package game

// Adapter provides game-specific behavior: log classification, remote layout
// and the shell commands used to drive the server binary.
type Adapter interface {
	// Game returns the game identifier (e.g., "factorio")
	Game() string

	// ParseLogLine classifies a raw log line. Lines that are not join/leave
	// events return nil.
	ParseLogLine(line string) *LogEvent

	Paths() Paths

	// SaveName returns the live save file name for a map.
	SaveName(mapName string) string
	// BackupName returns the file name the previous live save is kept under
	// when an autosave is promoted.
	BackupName(mapName string) string
	// IsAutosave reports whether a file in the saves directory is an autosave.
	IsAutosave(name string) bool

	LaunchCommand(mapName string) string
	CreateCommand(mapName string) string
	// CancelCreateCommand kills a map generation started by CreateCommand.
	CancelCreateCommand(mapName string) string
	// StopCommand asks the server process to save and exit.
	StopCommand() string
	// ProcessCommand exits zero when the server process is running.
	ProcessCommand() string
	FollowLogCommand(backlog int) string

	// SettingsDocument renders the server-settings file written before launch.
	SettingsDocument() ([]byte, error)
	// ModCatalog returns the installed mod names given the mods directory listing.
	ModCatalog(entries []string) map[string]bool
	// EnableMods rewrites a mod manifest so only the mandatory mods and
	// requested are enabled.
	EnableMods(manifest []byte, requested []string) ([]byte, error)
}

type Paths struct {
	SavesDir       string
	ModsDir        string
	ModManifest    string
	ServerSettings string
	LogFile        string
}

type EventType string

const (
	PlayerJoin  EventType = "player_join"
	PlayerLeave EventType = "player_leave"
)

type LogEvent struct {
	Type   EventType
	Player string
}
