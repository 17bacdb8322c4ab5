package api

import (
	"net/http"
)

// consoleHandler serves a browser page that streams the webcam to /live.
type consoleHandler struct{}

func newConsoleHandler() *consoleHandler {
	return &consoleHandler{}
}

// HandleConsole handles GET /live/console requests.
func (h *consoleHandler) HandleConsole(w http.ResponseWriter, r *http.Request) {
	http.ServeFileFS(w, r, consoleFS, "console.html")
}
