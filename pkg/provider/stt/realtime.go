package stt

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// RealtimeEvent is the event schema emitted by the whisper engines and the
// mock engine. It follows the realtime transcription callback of whisper.rn:
//
//	{"isCapturing":true,"sliceIndex":0,"processTime":120,"recordingTime":1500,
//	 "data":{"result":"hello wor","segments":[{"text":"hello wor","t0":0,"t1":150}]}}
//
// IsFinal is optional. When present it wins; otherwise an event is final once
// the engine stopped capturing the slice.
type RealtimeEvent struct {
	IsCapturing   *bool         `json:"isCapturing,omitempty"`
	IsFinal       *bool         `json:"isFinal,omitempty"`
	SliceIndex    int           `json:"sliceIndex"`
	ProcessTime   int64         `json:"processTime"`
	RecordingTime int64         `json:"recordingTime"`
	Data          *RealtimeData `json:"data"`
}

// RealtimeData holds the transcription carried by a [RealtimeEvent].
type RealtimeData struct {
	Result   *string   `json:"result"`
	Segments []Segment `json:"segments,omitempty"`
}

// Segment is a timed piece of a result. T0 and T1 are in centiseconds, as
// whisper.cpp reports them.
type Segment struct {
	Text string `json:"text"`
	T0   int64  `json:"t0"`
	T1   int64  `json:"t1"`
}

var (
	errMissingData   = errors.New("missing data object")
	errMissingResult = errors.New("missing data.result")
)

// DecodeRealtime decodes ev as a [RealtimeEvent]. It fails when the payload
// is not a JSON object or lacks data.result.
func DecodeRealtime(ev Event) (Fragment, error) {
	var re RealtimeEvent
	if err := json.Unmarshal(ev.Payload, &re); err != nil {
		return Fragment{}, fmt.Errorf("stt: decode realtime event: %w", err)
	}
	if re.Data == nil {
		return Fragment{}, fmt.Errorf("stt: decode realtime event: %w", errMissingData)
	}
	if re.Data.Result == nil {
		return Fragment{}, fmt.Errorf("stt: decode realtime event: %w", errMissingResult)
	}

	final := false
	switch {
	case re.IsFinal != nil:
		final = *re.IsFinal
	case re.IsCapturing != nil:
		final = !*re.IsCapturing
	}

	var offset time.Duration
	if len(re.Data.Segments) > 0 {
		offset = time.Duration(re.Data.Segments[0].T0) * 10 * time.Millisecond
	}

	return Fragment{Text: *re.Data.Result, IsFinal: final, Offset: offset}, nil
}

// NewRealtimeEvent builds the payload for one realtime event. Engines use it to
// emit results in the schema [DecodeRealtime] understands.
func NewRealtimeEvent(sliceIndex int, text string, final bool, recording, processing time.Duration, segments []Segment) Event {
	capturing := !final
	re := RealtimeEvent{
		IsCapturing:   &capturing,
		IsFinal:       &final,
		SliceIndex:    sliceIndex,
		ProcessTime:   processing.Milliseconds(),
		RecordingTime: recording.Milliseconds(),
		Data:          &RealtimeData{Result: &text, Segments: segments},
	}
	// Marshalling a struct of plain fields cannot fail.
	payload, _ := json.Marshal(re)
	return Event{Payload: payload, ReceivedAt: time.Now()}
}
