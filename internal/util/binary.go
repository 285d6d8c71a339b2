// Package util provides small helpers shared by the server and worker binaries.
package util

import (
	"fmt"
	"os"
	"os/exec"
)

// Environment variables that override binary discovery.
const (
	EnvFFmpegBinary  = "DOWNLOADARR_FFMPEG_BINARY"
	EnvFFprobeBinary = "DOWNLOADARR_FFPROBE_BINARY"
)

// FindBinary locates an executable. An explicit path wins, then the
// environment variable, then ./name, then PATH. Candidates that are missing,
// directories, or lack an executable bit are skipped.
func FindBinary(name, explicit, envVar string) (string, error) {
	if explicit != "" {
		if isExecutable(explicit) {
			return explicit, nil
		}
		return "", fmt.Errorf("binary %s at %s is not executable", name, explicit)
	}

	if envVar != "" {
		if envPath := os.Getenv(envVar); envPath != "" && isExecutable(envPath) {
			return envPath, nil
		}
	}

	if local := "./" + name; isExecutable(local) {
		return local, nil
	}

	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}

	return "", fmt.Errorf("binary %s not found", name)
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}
