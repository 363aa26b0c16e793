// Package web holds the dashboard page served by the monitor.
package web

import (
	"embed"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
)

// DevModeEnv names the environment variable that makes the monitor serve
// the dashboard from the source tree, so that edits show up on reload.
const DevModeEnv = "CQHCI_MONITOR_DEV"

//go:embed dist/*
var dist embed.FS

// GetAssets returns the dashboard files.
func GetAssets() http.FileSystem {
	if DevMode() {
		dir := sourceDir()
		fmt.Fprintf(os.Stderr, "Serving monitor pages from %s\n", dir)

		return http.Dir(dir)
	}

	sub, err := fs.Sub(dist, "dist")
	if err != nil {
		panic(err)
	}

	return http.FS(sub)
}

// DevMode reports whether DevModeEnv is set to a true value.
func DevMode() bool {
	on, err := strconv.ParseBool(os.Getenv(DevModeEnv))
	return err == nil && on
}

func sourceDir() string {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		panic("cannot locate the monitor page sources")
	}

	return filepath.Join(filepath.Dir(file), "dist")
}
