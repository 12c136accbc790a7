package routes

import (
	"github.com/matixlol/caloric/controllers"
	"github.com/matixlol/caloric/middlewares"

	"github.com/gin-gonic/gin"
)

type Controllers struct {
	Search   *controllers.SearchController
	Agent    *controllers.AgentController
	Speech   *controllers.SpeechController
	Device   *controllers.DeviceController
	Realtime *controllers.RealtimeController
}

func SetupRouter(ctl Controllers) *gin.Engine {
	r := gin.Default()

	// Public auth routes
	auth := r.Group("/auth")
	{
		auth.POST("/register", controllers.Register)
		auth.POST("/login", controllers.Login)
	}

	// Everything else requires a bearer token
	api := r.Group("/")
	api.Use(middlewares.AuthMiddleware())
	{
		api.GET("/food/search", ctl.Search.Search)
		api.POST("/food/recognize", ctl.Search.Recognize)

		api.POST("/ai/session", ctl.Agent.StartSession)
		api.POST("/ai/turn", ctl.Agent.Turn)
		api.POST("/ai/transcribe", ctl.Speech.Transcribe)

		if ctl.Device != nil {
			api.POST("/device/register", ctl.Device.Register)
		}
		api.GET("/ws/events", ctl.Realtime.EventsWS)
	}

	return r
}
