package factorio

import "encoding/json"

type ServerSettings struct {
	Name                                 string     `json:"name"`
	Description                          string     `json:"description"`
	Tags                                 []string   `json:"tags"`
	MaxPlayers                           int        `json:"max_players"`
	Visibility                           Visibility `json:"visibility"`
	Username                             string     `json:"username"`
	Password                             string     `json:"password"`
	Token                                string     `json:"token"`
	GamePassword                         string     `json:"game_password"`
	RequireUserVerification              bool       `json:"require_user_verification"`
	MaxUploadInKilobytesPerSecond        int        `json:"max_upload_in_kilobytes_per_second"`
	MinimumLatencyInTicks                int        `json:"minimum_latency_in_ticks"`
	IgnorePlayerLimitForReturningPlayers bool       `json:"ignore_player_limit_for_returning_players"`
	AllowCommands                        string     `json:"allow_commands"`
	AutosaveInterval                     int        `json:"autosave_interval"`
	AutosaveSlots                        int        `json:"autosave_slots"`
	AFKAutokickInterval                  int        `json:"afk_autokick_interval"`
	AutoPause                            bool       `json:"auto_pause"`
	OnlyAdminsCanPauseTheGame            bool       `json:"only_admins_can_pause_the_game"`
}

type Visibility struct {
	Public bool `json:"public"`
	LAN    bool `json:"lan"`
}

func (a *Adapter) serverSettings() ServerSettings {
	s := a.settings
	tags := s.Tags
	if tags == nil {
		tags = []string{}
	}
	maxPlayers := s.MaxPlayers
	if maxPlayers == 0 {
		maxPlayers = 100
	}
	autosaveInterval := s.AutosaveInterval
	if autosaveInterval == 0 {
		autosaveInterval = 3
	}
	autosaveSlots := s.AutosaveSlots
	if autosaveSlots == 0 {
		autosaveSlots = 5
	}
	return ServerSettings{
		Name:                      s.Name,
		Description:               s.Description,
		Tags:                      tags,
		MaxPlayers:                maxPlayers,
		Visibility:                Visibility{Public: s.Public, LAN: true},
		Username:                  s.Username,
		Token:                     s.Token,
		GamePassword:              s.GamePassword,
		RequireUserVerification:   true,
		AllowCommands:             "admins-only",
		AutosaveInterval:          autosaveInterval,
		AutosaveSlots:             autosaveSlots,
		AFKAutokickInterval:       10,
		AutoPause:                 true,
		OnlyAdminsCanPauseTheGame: true,
	}
}

func (a *Adapter) SettingsDocument() ([]byte, error) {
	return json.MarshalIndent(a.serverSettings(), "", "    ")
}
