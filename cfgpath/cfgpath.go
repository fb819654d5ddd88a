// Package cfgpath resolves the directory arbor keeps its configuration
// in, following the conventions of the host platform.
package cfgpath

import (
	"os"
	"os/user"
	"path/filepath"
	"runtime"

	"github.com/arbor-net/arbor/log"
)

// GetConfigPath returns the per-user configuration directory for the
// given application name: the XDG base directory on Linux and the BSDs,
// the platform-specific application folder on macOS and Windows, and a
// hidden directory under the current working directory everywhere else
// (also when no home directory can be found).
func GetConfigPath(appName string) string {
	if appName == "" {
		log.Panic("appName cannot be empty")
	}
	switch runtime.GOOS {
	case "darwin":
		if home := homeDir(); home != "" {
			return filepath.Join(home, "Library", "Application Support", appName)
		}
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, appName)
		}
	case "linux", "freebsd", "openbsd", "netbsd":
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, appName)
		}
		if home := homeDir(); home != "" {
			return filepath.Join(home, ".config", appName)
		}
	}
	return filepath.Join(".", "."+appName)
}

func homeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	u, err := user.Current()
	if err != nil {
		log.Warn("Could not resolve the home directory:", err)
		return ""
	}
	return u.HomeDir
}
