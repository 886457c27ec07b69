package workspace

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Layout maps entity IDs to directories under the workspace root:
//
//	<root>/store.db
//	<root>/kiln.pid
//	<root>/projects/<project>/{datasets,runs,models,exports}
//	<root>/projects/<project>/runs/<run>/{artifacts,model}
//
// All IDs are validated before they touch a path.
type Layout struct {
	root string
}

func NewLayout(root string) (*Layout, error) {
	trimmed := strings.TrimSpace(root)
	if trimmed == "" {
		return nil, fmt.Errorf("workspace root is empty")
	}
	return &Layout{root: filepath.Clean(trimmed)}, nil
}

func (l *Layout) Root() string         { return l.root }
func (l *Layout) DatabasePath() string { return filepath.Join(l.root, "store.db") }
func (l *Layout) LockPath() string     { return filepath.Join(l.root, "kiln.pid") }

func (l *Layout) ProjectDir(projectID string) (string, error) {
	if err := ValidateID(projectID); err != nil {
		return "", err
	}
	return filepath.Join(l.root, "projects", projectID), nil
}

func (l *Layout) subdir(projectID, name string) (string, error) {
	dir, err := l.ProjectDir(projectID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

func (l *Layout) DatasetsDir(projectID string) (string, error) {
	return l.subdir(projectID, "datasets")
}

func (l *Layout) RunsDir(projectID string) (string, error) {
	return l.subdir(projectID, "runs")
}

func (l *Layout) ModelsDir(projectID string) (string, error) {
	return l.subdir(projectID, "models")
}

func (l *Layout) ExportsDir(projectID string) (string, error) {
	return l.subdir(projectID, "exports")
}

func (l *Layout) DatasetDir(projectID, datasetID string) (string, error) {
	if err := ValidateID(datasetID); err != nil {
		return "", err
	}
	dir, err := l.DatasetsDir(projectID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, datasetID), nil
}

func (l *Layout) RunDir(projectID, runID string) (string, error) {
	if err := ValidateID(runID); err != nil {
		return "", err
	}
	dir, err := l.RunsDir(projectID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, runID), nil
}

// InitProject creates the project skeleton and returns the project directory.
func (l *Layout) InitProject(projectID string) (string, error) {
	dir, err := l.ProjectDir(projectID)
	if err != nil {
		return "", err
	}
	for _, sub := range []string{"datasets", "runs", "models", "exports"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return "", fmt.Errorf("create project skeleton: %w", err)
		}
	}
	return dir, nil
}

// InitRun creates the run directory with its artifacts and model subdirectories.
func (l *Layout) InitRun(projectID, runID string) (string, error) {
	dir, err := l.RunDir(projectID, runID)
	if err != nil {
		return "", err
	}
	for _, sub := range []string{"artifacts", "model"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return "", fmt.Errorf("create run skeleton: %w", err)
		}
	}
	return dir, nil
}

// ValidateID rejects IDs that could escape the workspace when joined into
// a path.
func ValidateID(id string) error {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return fmt.Errorf("id is empty")
	}
	if trimmed == "." || trimmed == ".." {
		return fmt.Errorf("id %q is invalid", id)
	}
	if strings.Contains(trimmed, "/") || strings.Contains(trimmed, `\`) {
		return fmt.Errorf("id %q must not contain path separators", id)
	}
	if filepath.Clean(trimmed) != trimmed {
		return fmt.Errorf("id %q is invalid", id)
	}
	return nil
}

// CopyTree copies a directory tree. Regular files are copied byte for byte,
// symlinks are recreated, anything else is rejected.
func CopyTree(srcDir, dstDir string) error {
	srcInfo, err := os.Stat(srcDir)
	if err != nil {
		return fmt.Errorf("stat source directory: %w", err)
	}
	if !srcInfo.IsDir() {
		return fmt.Errorf("source path %q is not a directory", srcDir)
	}
	if err := os.MkdirAll(dstDir, srcInfo.Mode().Perm()); err != nil {
		return fmt.Errorf("create destination directory: %w", err)
	}

	return filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path == srcDir {
			return nil
		}

		relPath, err := filepath.Rel(srcDir, path)
		if err != nil {
			return fmt.Errorf("resolve relative path: %w", err)
		}
		dstPath := filepath.Join(dstDir, relPath)

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("read entry info for %q: %w", path, err)
		}

		switch {
		case d.IsDir():
			if err := os.MkdirAll(dstPath, info.Mode().Perm()); err != nil {
				return fmt.Errorf("create directory %q: %w", dstPath, err)
			}
		case info.Mode().IsRegular():
			if err := copyFile(path, dstPath, info.Mode().Perm()); err != nil {
				return err
			}
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("read symlink %q: %w", path, err)
			}
			if err := os.Symlink(target, dstPath); err != nil {
				return fmt.Errorf("create symlink %q: %w", dstPath, err)
			}
		default:
			return fmt.Errorf("unsupported file type for %q (%s)", path, info.Mode().Type())
		}

		return nil
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %q: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("create %q: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy %q to %q: %w", src, dst, err)
	}
	return out.Close()
}
