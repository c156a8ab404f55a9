package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const fileHeader = `# ctxsyncd configuration.
# Values here are overridden by CTXSYNCD_* environment variables and flags.
`

// WriteDefault writes a fully populated default config file to path.
// Refuses to overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}

	raw, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return os.WriteFile(path, append([]byte(fileHeader), raw...), 0644)
}
