package api

import (
	"net/http"

	"github.com/javierd009/agente-portero/internal/fastpath"
)

// maxVoiceNoteBytes bounds one uploaded voice note. WhatsApp notes run well
// under a megabyte per minute of Opus.
const maxVoiceNoteBytes = 10 << 20

type dispatchRequest struct {
	Phone string `json:"phone"`
	Text  string `json:"text" validate:"required"`
}

// handleCommandDispatch runs resident text through the fast path. Unmatched
// text is reported back; the conversational fallback lives with the caller.
func (s *Server) handleCommandDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res := s.fastpath.Dispatch(r.Context(), tenantID(r), req.Text, fastpath.Actor{
		Channel: "whatsapp",
		Phone:   req.Phone,
	})
	writeJSON(w, http.StatusOK, dispatchBody(res, ""))
}

// handleVoiceNote transcribes an uploaded voice note and dispatches the
// transcript exactly as typed text.
func (s *Server) handleVoiceNote(w http.ResponseWriter, r *http.Request) {
	if s.trans == nil {
		writeError(w, http.StatusServiceUnavailable, "transcription not configured")
		return
	}
	if err := r.ParseMultipartForm(maxVoiceNoteBytes); err != nil {
		writeError(w, http.StatusBadRequest, "malformed multipart body")
		return
	}
	file, header, err := r.FormFile("audio")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing audio part")
		return
	}
	defer file.Close()

	text, err := s.trans.Transcribe(r.Context(), header.Filename, file)
	if err != nil {
		writeError(w, http.StatusBadGateway, "transcription failed")
		return
	}

	res := s.fastpath.Dispatch(r.Context(), tenantID(r), text, fastpath.Actor{
		Channel: "whatsapp_voice",
		Phone:   r.FormValue("phone"),
	})
	writeJSON(w, http.StatusOK, dispatchBody(res, text))
}

func dispatchBody(res fastpath.Result, transcript string) map[string]any {
	body := map[string]any{
		"ok":      res.OK,
		"matched": res.Matched,
	}
	if res.Matched {
		body["action"] = string(res.Action)
		body["message"] = res.Message
		body["debounced"] = res.Debounced
	}
	if transcript != "" {
		body["transcript"] = transcript
	}
	return body
}
