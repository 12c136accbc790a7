package main

import (
	"log"

	"github.com/matixlol/caloric/config"
	"github.com/matixlol/caloric/controllers"
	"github.com/matixlol/caloric/routes"
	"github.com/matixlol/caloric/services"
	"github.com/matixlol/caloric/utils"
)

func main() {
	config.InitDB()
	utils.InitS3()
	settings := config.LoadSettings()

	cache := services.NewResponseCache(config.DB)
	upstream := services.NewNutritionAPIService(settings)
	searchSvc := services.NewSearchService(cache, upstream, settings.DetailConcurrency)

	rek, err := services.NewRekognitionService()
	if err != nil {
		log.Fatalf("rekognition init failed: %v", err)
	}

	hub := services.NewRealtimeHub()
	sessions := services.NewMemorySessionStore()
	chat := services.NewChatService(settings)

	agentSvc := services.NewAgentService(sessions, chat, searchSvc, settings.SessionIdleTTL)
	agentSvc.SetEventSink(hub)

	ctl := routes.Controllers{
		Search:   controllers.NewSearchController(searchSvc, rek),
		Agent:    controllers.NewAgentController(agentSvc),
		Speech:   controllers.NewSpeechController(services.NewTranscriptionService(settings, utils.UploadAudioToS3)),
		Realtime: controllers.NewRealtimeController(hub),
	}

	if push, err := services.NewPushService(config.DB); err != nil {
		log.Printf("push service disabled: %v", err)
	} else {
		agentSvc.SetApprovalNotifier(push)
		ctl.Device = controllers.NewDeviceController(push)
	}

	r := routes.SetupRouter(ctl)
	r.Run(":8080")
}
