package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/MrWong99/medscribe/pkg/audio"
)

type transcribeResponse struct {
	Text string `json:"text"`
}

// handleTranscribe transcribes one complete recording. The body is either a
// WAV file or raw 16 kHz mono 16-bit PCM. ?fallback=false disables the
// fallback provider.
func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	start := s.d.Now()
	body, ok := s.readAudio(w, r)
	if !ok {
		return
	}
	pcm, err := normalizePCM(body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if len(pcm) == 0 {
		writeError(w, r, invalid("audio body is empty"))
		return
	}

	sess := s.d.Speech.NewSession()
	defer sess.Close()
	if err := sess.Start(); err != nil {
		writeError(w, r, err)
		return
	}
	sess.PushAudio(pcm)
	text, err := sess.Finish(r.Context(), r.URL.Query().Get("fallback") != "false")
	s.logOperation(r.Context(), r.URL.Query().Get("sessionId"), "speech", "transcribe", start, err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, transcribeResponse{Text: text})
}

// readAudio reads an audio body of at most MaxAudio bytes. It reports false
// after writing an error response.
func (s *Server) readAudio(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.d.MaxAudio))
	if err == nil {
		return body, true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "audio body too large"})
	} else {
		writeError(w, r, invalid("read audio: %v", err))
	}
	return nil, false
}

// normalizePCM converts a WAV payload to 16 kHz mono PCM. Anything else is
// taken as raw PCM in that format already.
func normalizePCM(body []byte) ([]byte, error) {
	if !audio.IsWAV(body) {
		return body, nil
	}
	pcm, rate, channels, err := audio.DecodeWAV(body)
	if err != nil {
		return nil, invalid("decode wav: %v", err)
	}
	if pcm, err = audio.ToMono16k(pcm, rate, channels); err != nil {
		return nil, invalid("%v", err)
	}
	return pcm, nil
}
