// Package core holds the pieces shared by the burst commands: user
// configuration, secrets, provider construction and the resource ledger.
package core

import (
	"os"
	"path/filepath"
)

// ConfigDir is $XDG_CONFIG_HOME/burst, or ~/.config/burst.
func ConfigDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "burst")
}

// DataDir is $XDG_DATA_HOME/burst, or ~/.local/share/burst.
func DataDir() string {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "burst")
}
