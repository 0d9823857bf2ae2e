//go:build prod

package liveplot

import (
	"os/exec"
	"runtime"

	"github.com/sirupsen/logrus"
)

// OpenBrowser points the desktop browser at url.
func OpenBrowser(url string) {
	var cmd string
	var args []string

	switch runtime.GOOS {
	case "windows":
		cmd = "cmd"
		args = []string{"/c", "start"}
	case "darwin":
		cmd = "open"
	default: // "linux", "freebsd", "openbsd", "netbsd"
		cmd = "xdg-open"
	}
	args = append(args, url)
	if err := exec.Command(cmd, args...).Start(); err != nil {
		logrus.WithField("url", url).WithError(err).Warn("failed to start web browser automatically")
	}
}
