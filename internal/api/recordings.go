package api

import (
	"net/http"
	"strconv"

	"github.com/MrWong99/medscribe/internal/observe"
	"github.com/MrWong99/medscribe/pkg/audio"
)

type recordingResponse struct {
	ID string `json:"id"`
}

func (s *Server) handleBeginRecording(w http.ResponseWriter, r *http.Request) {
	id, err := s.d.Speech.Begin()
	if err != nil {
		writeError(w, r, err)
		return
	}
	observe.Logger(observe.WithRecording(r.Context(), id)).Info("recording started")
	writeJSON(w, http.StatusCreated, recordingResponse{ID: id})
}

// handleRecordingAudio appends one PCM chunk. The chunk is 16 kHz mono
// unless ?sampleRate and ?channels say otherwise.
func (s *Server) handleRecordingAudio(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.d.Speech.Lookup(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "recording not found"})
		return
	}
	rate, channels, err := pcmFormat(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	chunk, ok := s.readAudio(w, r)
	if !ok {
		return
	}
	pcm, err := audio.ToMono16k(chunk, rate, channels)
	if err != nil {
		writeError(w, r, invalid("%v", err))
		return
	}
	sess.PushAudio(pcm)
	w.WriteHeader(http.StatusNoContent)
}

func pcmFormat(r *http.Request) (rate, channels int, err error) {
	rate, channels = audio.TargetSampleRate, 1
	q := r.URL.Query()
	if v := q.Get("sampleRate"); v != "" {
		if rate, err = strconv.Atoi(v); err != nil || rate <= 0 {
			return 0, 0, invalid("invalid sampleRate %q", v)
		}
	}
	if v := q.Get("channels"); v != "" {
		if channels, err = strconv.Atoi(v); err != nil || channels <= 0 {
			return 0, 0, invalid("invalid channels %q", v)
		}
	}
	return rate, channels, nil
}

// handleFinishRecording transcribes everything pushed so far. The recording
// is gone afterwards whatever the outcome.
func (s *Server) handleFinishRecording(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, ok := s.d.Speech.Lookup(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "recording not found"})
		return
	}
	ctx := observe.WithRecording(r.Context(), id)
	start := s.d.Now()
	text, err := sess.Finish(ctx, r.URL.Query().Get("fallback") != "false")
	s.logOperation(ctx, r.URL.Query().Get("sessionId"), "speech", "finish_recording", start, err)
	if err != nil {
		s.d.Speech.End(id)
		writeError(w, r, err)
		return
	}
	s.d.Speech.Release(id)
	writeJSON(w, http.StatusOK, transcribeResponse{Text: text})
}

func (s *Server) handleCancelRecording(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.d.Speech.Lookup(id); !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "recording not found"})
		return
	}
	s.d.Speech.End(id)
	w.WriteHeader(http.StatusNoContent)
}
