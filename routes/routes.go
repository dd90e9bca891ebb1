package routes

import (
	"github.com/julienschmidt/httprouter"

	"quill/hub"
	"quill/middleware"
	"quill/ratelim"
)

func AddHubRoutes(router *httprouter.Router, rl *ratelim.RateLimiter, h *hub.Hub) {
	router.GET("/quill/conversations", rl.Limit(middleware.Authenticate(h.GetConversations)))
	router.POST("/quill/chats/start", rl.Limit(middleware.Authenticate(h.StartDirectChat)))
	router.POST("/quill/chats/group", rl.Limit(middleware.Authenticate(h.CreateGroupChat)))
	router.GET("/quill/chats/:chatid/messages", rl.Limit(middleware.Authenticate(h.GetChatMessages)))
	router.POST("/quill/chats/:chatid/messages", rl.Limit(middleware.Authenticate(h.SendMessageREST)))
	router.POST("/quill/chats/:chatid/clear", rl.Limit(middleware.Authenticate(h.ClearHistory)))
	router.POST("/quill/chats/:chatid/pin", rl.Limit(middleware.Authenticate(h.PinMessage)))
	router.POST("/quill/chats/:chatid/pinned", rl.Limit(middleware.Authenticate(h.PinConversation)))
	router.PATCH("/quill/messages/:messageid", rl.Limit(middleware.Authenticate(h.EditMessage)))
	router.DELETE("/quill/chats/:chatid/messages/:messageid", rl.Limit(middleware.Authenticate(h.DeleteMessage)))
	router.POST("/quill/messages/:messageid/react", rl.Limit(middleware.Authenticate(h.ReactMessage)))
	router.GET("/quill/users/:userid/presence", rl.Limit(middleware.Authenticate(h.GetPresence)))

	// The websocket authenticates via its token query parameter.
	router.GET("/ws/quill", h.HandleWebSocket)
}
