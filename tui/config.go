package tui

import "time"

type Config struct {
	ReplaceHomeWithTilde bool          `json:"replace_home_with_tilde"`
	ProgressUpdateFreq   time.Duration `json:"progress_update_freq"`
	Theme                string        `json:"theme"`
	// Progress, when set, is the hook the orchestrator's walker reports to.
	Progress *Progress `json:"-"`
}

func DefaultConfig() Config {
	return Config{
		ReplaceHomeWithTilde: true,
		ProgressUpdateFreq:   150 * time.Millisecond,
		Theme:                fallbackTheme,
	}
}
