package models

// SynthesisChunk is one piece of synthesized audio.
//
// SegmentID is stable across every chunk produced from one flush-delimited
// unit of input text and IsFinal marks the last chunk of that segment.
// Concatenating DeltaText across a segment's chunks yields the text of the
// segment.
type SynthesisChunk struct {
	Audio     AudioChunk `json:"audio"`
	RequestID string     `json:"requestId"`
	SegmentID string     `json:"segmentId"`
	DeltaText string     `json:"deltaText"`
	IsFinal   bool       `json:"isFinal"`
}
