package llm

// Finish reasons reported on the final Chunk of a stream.
const (
	FinishStop  = "stop"
	FinishError = "error"
)
