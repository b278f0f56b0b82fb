package openai

import (
	"bytes"
	"context"
	"errors"

	oai "github.com/openai/openai-go"

	"github.com/MrWong99/medscribe/pkg/audio"
	"github.com/MrWong99/medscribe/pkg/provider/stt"
)

// Transcribe implements stt.Transcriber. The PCM recording is uploaded as a
// WAV file in the multipart "file" field together with the audio model.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (string, error) {
	if len(req.Audio) == 0 {
		return "", errors.New("openai: transcribe: empty audio")
	}
	rate, channels := req.Format()
	wav := audio.EncodeWAV(req.Audio, rate, channels)

	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(wav), "audio.wav", "audio/wav"),
		Model: oai.AudioModel(p.audioModel),
	}
	resp, err := p.client.Audio.Transcriptions.New(ctx, params, p.requestOptions(req.APIKey)...)
	if err != nil {
		return "", classifyError(ctx, err)
	}
	return resp.Text, nil
}
