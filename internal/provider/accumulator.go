package provider

// StreamAccumulator collects streaming events into a complete response.
type StreamAccumulator struct {
	Content   string
	Thinking  string
	ToolCalls []ToolCall
	Usage     *Usage
}

// NewStreamAccumulator creates an empty accumulator.
func NewStreamAccumulator() *StreamAccumulator {
	return &StreamAccumulator{}
}

// Process drains an event channel and returns the assembled response.
// The first EventError aborts and is returned as the error.
func (a *StreamAccumulator) Process(events <-chan ChatEvent) (*ChatResponse, error) {
	return a.Tap(events, nil)
}

// Tap works like Process but also invokes onContent with every content
// delta as it arrives, before the full response is assembled.
func (a *StreamAccumulator) Tap(events <-chan ChatEvent, onContent func(delta string)) (*ChatResponse, error) {
	for event := range events {
		switch event.Type {
		case EventContent:
			a.Content += event.Delta
			if onContent != nil {
				onContent(event.Delta)
			}
		case EventThinking:
			a.Thinking += event.Thinking
		case EventToolCall:
			if event.ToolCall != nil {
				a.ToolCalls = append(a.ToolCalls, *event.ToolCall)
			}
		case EventDone:
			a.Usage = event.Usage
		case EventError:
			return nil, event.Error
		}
	}

	finishReason := FinishReasonStop
	if len(a.ToolCalls) > 0 {
		finishReason = FinishReasonToolCalls
	}

	return &ChatResponse{
		Content:      a.Content,
		ToolCalls:    a.ToolCalls,
		Usage:        a.Usage,
		FinishReason: finishReason,
	}, nil
}
