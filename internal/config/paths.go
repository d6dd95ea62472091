package config

import (
	"os"
	"path/filepath"
)

func configSearchPaths() []string {
	home, _ := os.UserHomeDir()
	return []string{
		filepath.Join(home, ".config", "gpfs-sge-metrics", "agent.yaml"),
		"/etc/gpfs-sge-metrics/agent.yaml",
	}
}
