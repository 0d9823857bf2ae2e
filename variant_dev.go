//go:build !prod

package liveplot

import "github.com/sirupsen/logrus"

// OpenBrowser only logs the url in dev builds; the renderer is usually served
// from a separate dev server.
func OpenBrowser(url string) {
	logrus.WithField("url", url).Info("open the renderer in a browser")
}
