package models

import "voxchat/internal/language"

// AudioFormat is how an outbound audio reply is rendered by the client.
type AudioFormat string

const (
	FormatVoiceBubble  AudioFormat = "voice-bubble"
	FormatGenericAudio AudioFormat = "generic-audio"
)

// AudioArtifact is audio held in memory for the duration of one turn.
type AudioArtifact struct {
	Data     []byte
	MIMEType string
	Language language.Tag
}

// Empty reports whether the artifact has no payload.
func (a AudioArtifact) Empty() bool {
	return len(a.Data) == 0
}
