package deepgram

import (
	"encoding/json"
	"time"

	"github.com/MrWong99/intervox/pkg/provider/stt"
)

// response is the JSON structure of a Deepgram streaming message. Only
// Results messages carry transcripts; Metadata, SpeechStarted and
// UtteranceEnd are ignored.
type response struct {
	Type        string  `json:"type"`
	IsFinal     bool    `json:"is_final"`
	SpeechFinal bool    `json:"speech_final"`
	Start       float64 `json:"start"`
	Duration    float64 `json:"duration"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []struct {
				Word       string  `json:"word"`
				Start      float64 `json:"start"`
				End        float64 `json:"end"`
				Confidence float64 `json:"confidence"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

// parseResponse decodes one inbound message. ok is false for messages that
// carry no text; err is set only for payloads that are not valid JSON.
func parseResponse(data []byte) (ev stt.TranscriptEvent, ok bool, err error) {
	var resp response
	if err := json.Unmarshal(data, &resp); err != nil {
		return stt.TranscriptEvent{}, false, err
	}
	if resp.Type != "Results" || len(resp.Channel.Alternatives) == 0 {
		return stt.TranscriptEvent{}, false, nil
	}
	alt := resp.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return stt.TranscriptEvent{}, false, nil
	}

	words := make([]stt.WordDetail, 0, len(alt.Words))
	for _, w := range alt.Words {
		words = append(words, stt.WordDetail{
			Word:       w.Word,
			Start:      seconds(w.Start),
			End:        seconds(w.End),
			Confidence: w.Confidence,
		})
	}
	return stt.TranscriptEvent{
		Text:        alt.Transcript,
		IsFinal:     resp.IsFinal,
		SpeechFinal: resp.SpeechFinal,
		Confidence:  alt.Confidence,
		Words:       words,
		Start:       seconds(resp.Start),
		Duration:    seconds(resp.Duration),
	}, true, nil
}
