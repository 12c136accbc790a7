package controllers

import (
	"errors"
	"io"
	"net/http"

	"github.com/matixlol/caloric/services"

	"github.com/gin-gonic/gin"
)

type SpeechController struct {
	Speech *services.TranscriptionService
}

func NewSpeechController(speech *services.TranscriptionService) *SpeechController {
	return &SpeechController{Speech: speech}
}

// POST /ai/transcribe — multipart form with an "audio" file part.
func (sc *SpeechController) Transcribe(c *gin.Context) {
	file, header, err := c.Request.FormFile("audio")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "audio file is required"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, services.MaxAudioBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read audio"})
		return
	}

	text, err := sc.Speech.Transcribe(c.Request.Context(), data, header.Filename)
	if err != nil {
		if errors.Is(err, services.ErrAudioEmpty) || errors.Is(err, services.ErrAudioTooLarge) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"text": text})
}
