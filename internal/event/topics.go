package event

// Logical topic names. Transports may map these onto physical names, but the
// routing rules below only ever see the logical set.
const (
	TopicUploadEvents      = "upload-events"
	TopicProcessingStatus  = "processing-status"
	TopicProcessingResults = "processing-results"
	TopicVoiceAnalysis     = "voice-analysis-events"
	TopicRetry             = "upload-events-retry"

	TopicUploadEventsDLQ      = "upload-events-dlq"
	TopicProcessingStatusDLQ  = "processing-status-dlq"
	TopicProcessingResultsDLQ = "processing-results-dlq"
)

// TopicFor selects the topic deterministically from the event type. An
// envelope stamped with a DLQ timestamp goes to the dead-letter sibling of
// wherever it would otherwise have gone.
func TopicFor(e Envelope) string {
	base := baseTopicFor(e.EventType)
	if e.DLQTimestamp != nil {
		return DLQTopicFor(base)
	}
	return base
}

func baseTopicFor(t Type) string {
	switch t {
	case TypeStatusChanged:
		return TopicProcessingStatus
	case TypeProcessingCompleted, TypeProcessingFailed:
		return TopicProcessingResults
	case TypeVoiceAnalysisRequest:
		return TopicVoiceAnalysis
	case TypeRetryProcessing:
		return TopicRetry
	default:
		return TopicUploadEvents
	}
}

// DLQTopicFor returns the dead-letter sibling of a topic.
func DLQTopicFor(topic string) string {
	switch topic {
	case TopicProcessingStatus:
		return TopicProcessingStatusDLQ
	case TopicProcessingResults:
		return TopicProcessingResultsDLQ
	default:
		return TopicUploadEventsDLQ
	}
}
