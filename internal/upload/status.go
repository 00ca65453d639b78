package upload

// Status is the processing lifecycle state of an upload. Values travel on the
// wire inside event envelopes, so they are stable strings rather than iota.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusUploaded Status = "UPLOADED"

	// WAV conversion stage.
	StatusAudioConverting       Status = "AUDIO_CONVERTING"
	StatusAudioConverted        Status = "AUDIO_CONVERTED"
	StatusAudioConversionFailed Status = "AUDIO_CONVERSION_FAILED"

	// Voice analysis stage (background).
	StatusVoiceAnalysisPending Status = "VOICE_ANALYSIS_PENDING"
	StatusVoiceAnalyzing       Status = "VOICE_ANALYZING"
	StatusVoiceAnalyzed        Status = "VOICE_ANALYZED"
	StatusVoiceAnalysisFailed  Status = "VOICE_ANALYSIS_FAILED"

	// Image processing (album covers and the like).
	StatusImageOptimizing Status = "IMAGE_OPTIMIZING"
	StatusImageOptimized  Status = "IMAGE_OPTIMIZED"

	// Terminal states.
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// forwardTransitions is the allowed forward graph. FAILED is reachable from
// everywhere and handled separately in CanTransitionTo.
var forwardTransitions = map[Status][]Status{
	StatusPending:               {StatusUploaded},
	StatusUploaded:              {StatusAudioConverting, StatusImageOptimizing},
	StatusAudioConverting:       {StatusAudioConverted, StatusAudioConversionFailed},
	StatusAudioConversionFailed: {StatusAudioConverting},
	StatusAudioConverted:        {StatusVoiceAnalysisPending, StatusVoiceAnalyzing, StatusCompleted},
	StatusVoiceAnalysisPending:  {StatusVoiceAnalyzing},
	StatusVoiceAnalyzing:        {StatusVoiceAnalyzed, StatusVoiceAnalysisFailed},
	StatusVoiceAnalysisFailed:   {StatusVoiceAnalyzing},
	StatusVoiceAnalyzed:         {StatusCompleted},
	StatusImageOptimizing:       {StatusImageOptimized},
	StatusImageOptimized:        {StatusCompleted},
}

// CanTransitionTo reports whether moving from s to next follows the forward
// graph. Terminal FAILED is reachable from any non-terminal state; a
// self-transition is allowed so idempotent redelivery does not trip the guard.
func (s Status) CanTransitionTo(next Status) bool {
	if s == next {
		return true
	}
	if s.IsTerminal() {
		return false
	}
	if next == StatusFailed {
		return true
	}
	for _, allowed := range forwardTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further pipeline work applies.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsRecoverableFailure reports whether the state is a stage-local failure that
// the retry ladder may re-enter, as opposed to the terminal FAILED sink.
func (s Status) IsRecoverableFailure() bool {
	return s == StatusAudioConversionFailed || s == StatusVoiceAnalysisFailed
}

// IsAudioStage reports whether the status belongs to the WAV conversion stage.
func (s Status) IsAudioStage() bool {
	return s == StatusAudioConverting || s == StatusAudioConverted || s == StatusAudioConversionFailed
}

// IsVoiceAnalysisStage reports whether the status belongs to voice analysis.
func (s Status) IsVoiceAnalysisStage() bool {
	return s == StatusVoiceAnalysisPending || s == StatusVoiceAnalyzing ||
		s == StatusVoiceAnalyzed || s == StatusVoiceAnalysisFailed
}

// IsPlayable reports whether the audio is in a state the player can stream.
// Conversion has finished even if later analysis is still pending or failed.
func (s Status) IsPlayable() bool {
	switch s {
	case StatusAudioConverted, StatusVoiceAnalysisPending, StatusVoiceAnalyzing,
		StatusVoiceAnalyzed, StatusVoiceAnalysisFailed, StatusCompleted:
		return true
	}
	return false
}

// advancesStage reports whether moving from s to next leaves the current
// stage behind, which is what resets the per-stage retry counter.
func advancesStage(s, next Status) bool {
	if s == next || next == StatusFailed {
		return false
	}
	return s.CanTransitionTo(next) && !next.IsRecoverableFailure()
}
