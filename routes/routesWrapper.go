package routes

import (
	"github.com/julienschmidt/httprouter"

	"quill/hub"
	"quill/ratelim"
)

func RoutesWrapper(router *httprouter.Router, rl *ratelim.RateLimiter, h *hub.Hub) {
	AddHubRoutes(router, rl, h)
}
