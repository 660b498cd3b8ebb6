package library

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LocalChecker scans filesystem roots for files whose name carries a serial
// code. Matching is case-insensitive.
type LocalChecker struct {
	roots []string
}

// NewLocal creates a checker over one or more media directories.
func NewLocal(roots ...string) *LocalChecker {
	return &LocalChecker{roots: roots}
}

func (c *LocalChecker) Contains(ctx context.Context, serialCode string) (bool, error) {
	needle := strings.ToLower(serialCode)

	for _, root := range c.roots {
		found := false
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return filepath.SkipAll
				}
				return err
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if d.IsDir() {
				return nil
			}
			if strings.Contains(strings.ToLower(d.Name()), needle) {
				found = true
				return filepath.SkipAll
			}
			return nil
		})
		if err != nil {
			return false, err
		}
		if found {
			return true, nil
		}
	}
	return false, nil
}

var _ Checker = (*LocalChecker)(nil)
