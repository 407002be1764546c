// Package pipeline runs one uploaded audio chunk through normalization,
// transcription, room memory, the signal gate and, when warranted, the
// analysis backend.
package pipeline

import (
	"time"

	"github.com/deal-signal-lab/internal/archive"
	"github.com/deal-signal-lab/internal/gate"
	"github.com/deal-signal-lab/internal/memory"
	"github.com/deal-signal-lab/internal/voice"
	"github.com/deal-signal-lab/llm"
)

// Job is one submitted chunk. ID doubles as the chunk id. TempDir belongs
// to the job and is removed once the job finishes.
type Job struct {
	ID          string
	RoomID      *string
	ClientID    *string
	Seq         *int
	Timestamp   *float64
	InputPath   string
	TempDir     string
	ContextHint string
	SubmittedAt time.Time
}

// Room is the normalized room key of the job.
func (j *Job) Room() string {
	if j.RoomID == nil {
		return ""
	}
	return *j.RoomID
}

type Meta struct {
	RoomID     *string  `json:"roomId"`
	Seq        *int     `json:"seq"`
	ClientID   *string  `json:"clientId"`
	ChunkID    string   `json:"chunk_id"`
	Timestamp  *float64 `json:"timestamp"`
	ReceivedAt string   `json:"received_at"`
}

// SpeakerTurn is one diarization span in seconds.
type SpeakerTurn struct {
	Speaker    string  `json:"speaker"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
}

type SpeakerTranscript struct {
	Speaker  string          `json:"speaker"`
	Segments []voice.Segment `json:"segments"`
}

type Result struct {
	ChunkID             string                `json:"chunk_id"`
	Seq                 *int                  `json:"seq"`
	Meta                Meta                  `json:"meta"`
	Gate                gate.Decision         `json:"gate"`
	NewInsights         []memory.Insight      `json:"new_insights"`
	MemoryState         memory.Snapshot       `json:"memory_state"`
	Diarization         []SpeakerTurn         `json:"diarization"`
	Transcript          voice.Transcription   `json:"transcript"`
	TranscriptBySpeaker []SpeakerTranscript   `json:"transcript_by_speaker"`
	Analysis            llm.Analysis          `json:"analysis"`
	LLMEnabled          bool                  `json:"llm_enabled"`
	RelatedContext      []archive.ScoredChunk `json:"related_context,omitempty"`
}

const singleSpeaker = "SPEAKER_0"

// diarize attributes the whole chunk to one speaker.
func diarize(tr voice.Transcription) ([]SpeakerTurn, []SpeakerTranscript) {
	dur := tr.Duration()
	segs := tr.Segments
	if len(segs) == 0 {
		segs = []voice.Segment{{Start: 0, End: dur, Text: tr.Text}}
	}
	return []SpeakerTurn{{Speaker: singleSpeaker, Start: 0, End: dur, Confidence: 0.9}},
		[]SpeakerTranscript{{Speaker: singleSpeaker, Segments: segs}}
}

func skippedAnalysis() llm.Analysis {
	return llm.Analysis{"skipped": true, "reason": "gate_or_cooldown_or_no_llm"}
}
