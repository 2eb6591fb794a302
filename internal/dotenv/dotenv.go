// Package dotenv loads KEY=VALUE files into the process environment before
// flags read their env defaults.
package dotenv

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
)

// Load reads .env from the working directory plus any extra files. Missing
// files are skipped and variables already set in the environment win.
func Load(extra ...string) error {
	for _, name := range append([]string{".env"}, extra...) {
		if err := godotenv.Load(name); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", name, err)
		}
	}
	return nil
}
