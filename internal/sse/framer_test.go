package sse

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestFramerSendWritesFrame(t *testing.T) {
	sink := &memSink{}
	f := NewFramer(testLogger())

	err := f.Send(sink, map[string]any{
		"type":     "answer",
		"threadId": "t-1",
		"answer":   AnswerPayload{Text: "hello"},
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	frames := sink.capturedFrames()
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if frames[0].Event != "answer" {
		t.Errorf("event = %q, want answer", frames[0].Event)
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(frames[0].Data), &decoded); err != nil {
		t.Fatalf("frame data is not valid JSON: %v", err)
	}
	if decoded["type"] != "answer" || decoded["threadId"] != "t-1" {
		t.Errorf("unexpected frame payload: %v", decoded)
	}
}

func TestFramerDefaultsMissingTypeToStatus(t *testing.T) {
	sink := &memSink{}
	f := NewFramer(testLogger())

	if err := f.Send(sink, map[string]any{"note": "no type"}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	frames := sink.capturedFrames()
	if len(frames) != 1 || frames[0].Event != "status" {
		t.Errorf("expected status event, got %+v", frames)
	}
}

func TestFramerNormalizesEscapedNewlines(t *testing.T) {
	sink := &memSink{}
	f := NewFramer(testLogger())

	payload := map[string]any{
		"type": "answer",
		"answer": map[string]any{
			"text": `line one\nline two`,
		},
	}
	if err := f.Send(sink, payload); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	var decoded struct {
		Answer struct {
			Text string `json:"text"`
		} `json:"answer"`
	}
	if err := json.Unmarshal([]byte(sink.capturedFrames()[0].Data), &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Answer.Text != "line one\nline two" {
		t.Errorf("expected literal newline, got %q", decoded.Answer.Text)
	}

	// The caller's payload is not mutated.
	inner := payload["answer"].(map[string]any)
	if inner["text"] != `line one\nline two` {
		t.Errorf("input payload was mutated: %q", inner["text"])
	}
}

func TestFramerNormalizesAnswerPayloadText(t *testing.T) {
	sink := &memSink{}
	f := NewFramer(testLogger())

	if err := f.Send(sink, map[string]any{
		"type":   "answer",
		"answer": AnswerPayload{Text: `a\nb`},
	}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if !strings.Contains(sink.capturedFrames()[0].Data, `"a\nb"`) {
		// JSON re-escapes the literal newline as \n; the raw bytes must not
		// contain the doubled-up \\n form.
		t.Errorf("unexpected frame data: %s", sink.capturedFrames()[0].Data)
	}
	if strings.Contains(sink.capturedFrames()[0].Data, `\\n`) {
		t.Errorf("expected normalized text, got %s", sink.capturedFrames()[0].Data)
	}
}

func TestFramerFallbackFrameOnSerializationFailure(t *testing.T) {
	sink := &memSink{}
	f := NewFramer(testLogger())

	// Channels cannot be marshalled.
	err := f.Send(sink, map[string]any{
		"type":         "object",
		"threadId":     "t-1",
		"threadItemId": "ti-1",
		"object":       make(chan int),
	})
	if err != nil {
		t.Fatalf("serialization failure must not surface as an error, got %v", err)
	}

	frames := sink.capturedFrames()
	if len(frames) != 1 {
		t.Fatalf("expected the fallback frame, got %d frames", len(frames))
	}
	if frames[0].Event != "done" {
		t.Errorf("fallback event = %q, want done", frames[0].Event)
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(frames[0].Data), &decoded); err != nil {
		t.Fatalf("fallback frame is not valid JSON: %v", err)
	}
	if decoded["status"] != "error" {
		t.Errorf("fallback status = %v, want error", decoded["status"])
	}
	if decoded["threadId"] != "t-1" || decoded["threadItemId"] != "ti-1" {
		t.Errorf("fallback must carry the thread ids: %v", decoded)
	}
	if _, ok := decoded["parentThreadItemId"]; ok {
		t.Error("absent ids must not appear in the fallback frame")
	}
}

func TestFramerFallbackSwallowsDeadSink(t *testing.T) {
	sink := &memSink{}
	sink.MarkClosed()
	f := NewFramer(testLogger())

	err := f.Send(sink, map[string]any{
		"type":   "object",
		"object": make(chan int),
	})
	if err != nil {
		t.Errorf("fallback against a dead sink must not error, got %v", err)
	}
}

func TestNormalizeEscapedNewlines(t *testing.T) {
	if got := NormalizeEscapedNewlines(`a\nb\nc`); got != "a\nb\nc" {
		t.Errorf("got %q", got)
	}
	if got := NormalizeEscapedNewlines("plain"); got != "plain" {
		t.Errorf("got %q", got)
	}
}
