// Package call exposes the active call to a UI shell over local HTTP.
package call

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"linguacall/internal/domain"
	callsvc "linguacall/internal/service/call"
	"linguacall/pkg/response"
)

// Controller drives the current call. *callkit.Kit implements it.
type Controller interface {
	Dial(ctx context.Context, p callsvc.DialParams) (domain.Snapshot, error)
	Snapshot() domain.Snapshot
	StartTranslation(ctx context.Context, req callsvc.TranslationRequest) error
	StopTranslation(ctx context.Context) error
	SetMicMuted(muted bool) error
	SetSpeakerphone(enabled bool) error
	Leave(ctx context.Context) error
}

// Handler handles call bridge HTTP requests
type Handler struct {
	calls Controller
}

// NewHandler creates a new call handler
func NewHandler(calls Controller) *Handler {
	return &Handler{calls: calls}
}

// Register mounts the call routes on rg
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.GET("", h.GetState)
	rg.POST("/dial", h.Dial)
	rg.POST("/translation/start", h.StartTranslation)
	rg.POST("/translation/stop", h.StopTranslation)
	rg.POST("/mic", h.SetMic)
	rg.POST("/speakerphone", h.SetSpeakerphone)
	rg.POST("/leave", h.Leave)
}

// DialRequest represents a dial request
type DialRequest struct {
	Channel             string               `json:"channel" binding:"required"`
	LocalParticipantID  domain.ParticipantID `json:"local_participant_id"`
	CalledParticipantID domain.ParticipantID `json:"called_participant_id"`
}

// StartTranslationRequest represents a translation request
type StartTranslationRequest struct {
	SourceLanguage  string               `json:"source_language" binding:"required"`
	TargetLanguage  string               `json:"target_language" binding:"required"`
	TargetSpeakerID domain.ParticipantID `json:"target_speaker_id"`
}

// MicRequest toggles the local microphone
type MicRequest struct {
	Muted *bool `json:"muted" binding:"required"`
}

// SpeakerphoneRequest toggles loudspeaker playback
type SpeakerphoneRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// GetState returns the current call snapshot
// GET /v1/call
func (h *Handler) GetState(c *gin.Context) {
	response.Success(c, http.StatusOK, h.calls.Snapshot())
}

// Dial fetches a credential and joins the channel
// POST /v1/call/dial
func (h *Handler) Dial(c *gin.Context) {
	var req DialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	snap, err := h.calls.Dial(c.Request.Context(), callsvc.DialParams{
		ChannelID:         req.Channel,
		LocalParticipant:  req.LocalParticipantID,
		CalledParticipant: req.CalledParticipantID,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, snap)
}

// StartTranslation asks the backend to translate and waits for confirmation
// POST /v1/call/translation/start
func (h *Handler) StartTranslation(c *gin.Context) {
	var req StartTranslationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	err := h.calls.StartTranslation(c.Request.Context(), callsvc.TranslationRequest{
		SourceLanguage: req.SourceLanguage,
		TargetLanguage: req.TargetLanguage,
		TargetSpeaker:  req.TargetSpeakerID,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, h.calls.Snapshot())
}

// StopTranslation stops the running translation
// POST /v1/call/translation/stop
func (h *Handler) StopTranslation(c *gin.Context) {
	if err := h.calls.StopTranslation(c.Request.Context()); err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, h.calls.Snapshot())
}

// SetMic mutes or unmutes the microphone
// POST /v1/call/mic
func (h *Handler) SetMic(c *gin.Context) {
	var req MicRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}
	if err := h.calls.SetMicMuted(*req.Muted); err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, h.calls.Snapshot())
}

// SetSpeakerphone toggles the loudspeaker
// POST /v1/call/speakerphone
func (h *Handler) SetSpeakerphone(c *gin.Context) {
	var req SpeakerphoneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}
	if err := h.calls.SetSpeakerphone(*req.Enabled); err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, h.calls.Snapshot())
}

// Leave ends the call
// POST /v1/call/leave
func (h *Handler) Leave(c *gin.Context) {
	if err := h.calls.Leave(c.Request.Context()); err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, h.calls.Snapshot())
}
