package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// workDirName is the forge state directory created under the project root.
const workDirName = ".forge"

// envWorkDir overrides the work directory location entirely.
const envWorkDir = "FORGE_WORK_DIR"

// resolveWorkDir returns the forge work directory: FORGE_WORK_DIR when
// set, otherwise .forge under the current directory. The directory is
// not created; init does that.
func resolveWorkDir() (string, error) {
	if v := os.Getenv(envWorkDir); v != "" {
		return v, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	return filepath.Join(cwd, workDirName), nil
}

// requireWorkDir resolves the work directory and fails with a hint when
// it does not exist yet.
func requireWorkDir() (string, error) {
	dir, err := resolveWorkDir()
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("work directory %s not found; run `forge init` first", dir)
	} else if err != nil {
		return "", fmt.Errorf("stat work directory: %w", err)
	}
	return dir, nil
}
