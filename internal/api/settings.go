package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"groupflow/internal/adminwindow"
	"groupflow/internal/domain"
)

type welcomeReq struct {
	Enabled         bool     `json:"enabled"`
	Message         string   `json:"message"`
	MemberThreshold int      `json:"member_threshold"`
	DelayMinutes    int      `json:"delay_minutes"`
	ImageEnabled    bool     `json:"image_enabled"`
	Image           *fileReq `json:"image"`
	ImageCaption    string   `json:"image_caption"`
	AlwaysMention   []string `json:"always_mention"`
}

func welcomeJSON(ws domain.WelcomeSettings) map[string]any {
	out := map[string]any{
		"group_id":         ws.GroupID,
		"enabled":          ws.Enabled,
		"message":          ws.MessageText,
		"member_threshold": ws.MemberThreshold,
		"delay_minutes":    ws.DelayMinutes,
		"image_enabled":    ws.ImageEnabled,
	}
	if ws.Image != nil {
		out["image_mime"] = ws.Image.Mime
	}
	if ws.ImageCaption != "" {
		out["image_caption"] = ws.ImageCaption
	}
	if len(ws.AlwaysMention) > 0 {
		out["always_mention"] = ws.AlwaysMention
	}
	return out
}

func (s *Server) getWelcome(w http.ResponseWriter, r *http.Request) {
	ws, err := s.repo.Welcome(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "groupID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, welcomeJSON(ws))
}

func (s *Server) putWelcome(w http.ResponseWriter, r *http.Request) {
	var req welcomeReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	ws := domain.WelcomeSettings{
		TenantID:        tenantFrom(r.Context()),
		GroupID:         chi.URLParam(r, "groupID"),
		Enabled:         req.Enabled,
		MessageText:     req.Message,
		MemberThreshold: req.MemberThreshold,
		DelayMinutes:    req.DelayMinutes,
		ImageEnabled:    req.ImageEnabled,
		ImageCaption:    req.ImageCaption,
		AlwaysMention:   req.AlwaysMention,
	}
	if req.Image != nil && len(req.Image.Data) > 0 {
		ws.Image = &domain.Attachment{Bytes: req.Image.Data, Mime: req.Image.Mime, Filename: req.Image.Name}
	}
	if err := s.repo.UpsertWelcome(r.Context(), ws); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, welcomeJSON(ws))
}

func (s *Server) deleteWelcome(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.DeleteWelcome(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "groupID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type joinsReq struct {
	Members []domain.Member `json:"members"`
}

func (s *Server) postJoins(w http.ResponseWriter, r *http.Request) {
	var req joinsReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if len(req.Members) == 0 {
		http.Error(w, "members is required", 400)
		return
	}
	err := s.welcomes.Join(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "groupID"), req.Members...)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type adminWindowReq struct {
	Enabled   bool   `json:"enabled"`
	OpenTime  string `json:"open_time"`
	CloseTime string `json:"close_time"`
}

func adminWindowJSON(aw domain.AdminWindow) map[string]any {
	return map[string]any{
		"group_id":   aw.GroupID,
		"enabled":    aw.Enabled,
		"open_time":  aw.OpenTime,
		"close_time": aw.CloseTime,
	}
}

func (s *Server) getAdminWindow(w http.ResponseWriter, r *http.Request) {
	aw, err := s.repo.AdminWindow(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "groupID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, adminWindowJSON(aw))
}

func (s *Server) putAdminWindow(w http.ResponseWriter, r *http.Request) {
	var req adminWindowReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if err := adminwindow.ValidateTime(req.OpenTime); err != nil {
		http.Error(w, "open_time must be HH:MM", 400)
		return
	}
	if err := adminwindow.ValidateTime(req.CloseTime); err != nil {
		http.Error(w, "close_time must be HH:MM", 400)
		return
	}
	aw := domain.AdminWindow{
		TenantID:  tenantFrom(r.Context()),
		GroupID:   chi.URLParam(r, "groupID"),
		Enabled:   req.Enabled,
		OpenTime:  req.OpenTime,
		CloseTime: req.CloseTime,
	}
	if err := s.repo.UpsertAdminWindow(r.Context(), aw); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, adminWindowJSON(aw))
}

func (s *Server) deleteAdminWindow(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.DeleteAdminWindow(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "groupID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
