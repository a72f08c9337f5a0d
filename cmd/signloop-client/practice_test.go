package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/signloop/signloop/pkg/gateway/content"
	"github.com/signloop/signloop/pkg/gateway/live/protocol"
)

func TestPracticeURL(t *testing.T) {
	cases := []struct {
		base string
		key  string
		want string
	}{
		{"http://localhost:8080", "", "ws://localhost:8080/v1/practice"},
		{"https://gw.example.com", "sl_sk_x", "wss://gw.example.com/v1/practice?api_key=sl_sk_x"},
		{"ws://localhost:8080/", "", "ws://localhost:8080/v1/practice"},
	}
	for _, tc := range cases {
		got, err := practiceURL(tc.base, tc.key)
		if err != nil {
			t.Fatalf("practiceURL(%q): %v", tc.base, err)
		}
		if got != tc.want {
			t.Fatalf("practiceURL(%q)=%q, want %q", tc.base, got, tc.want)
		}
	}

	if _, err := practiceURL("ftp://nope", ""); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
}

func TestSyntheticFrameSource(t *testing.T) {
	src, err := newFrameSource("")
	if err != nil {
		t.Fatalf("newFrameSource: %v", err)
	}
	a, err := src.Frame()
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	b, err := src.Frame()
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	if len(a) == 0 || len(b) == 0 {
		t.Fatalf("empty frames")
	}
	if bytes.Equal(a, b) {
		t.Fatalf("consecutive synthetic frames should differ")
	}
}

func TestFrameSourceFromDirectory(t *testing.T) {
	dir := t.TempDir()
	frame, err := syntheticFrame(1)
	if err != nil {
		t.Fatalf("syntheticFrame: %v", err)
	}
	for _, name := range []string{"b.jpg", "a.jpg", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), frame, 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	src, err := newFrameSource(dir)
	if err != nil {
		t.Fatalf("newFrameSource: %v", err)
	}
	if len(src.files) != 2 {
		t.Fatalf("files=%v, want 2 JPEGs", src.files)
	}
	if !strings.HasSuffix(src.files[0], "a.jpg") {
		t.Fatalf("files not sorted: %v", src.files)
	}

	if _, err := newFrameSource(t.TempDir()); err == nil {
		t.Fatalf("expected error for directory with no frames")
	}
}

func TestLoadStoryFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "story.yaml")
	story := `
id: story-greetings
title: Greetings
level: beginner
sentences:
  - text: Hello, my name is Ada.
  - text: Nice to meet you.
`
	if err := os.WriteFile(path, []byte(story), 0o644); err != nil {
		t.Fatalf("write story: %v", err)
	}

	got, err := loadStoryFile(path)
	if err != nil {
		t.Fatalf("loadStoryFile: %v", err)
	}
	if got.ID != "story-greetings" || len(got.Sentences) != 2 {
		t.Fatalf("story=%+v", got)
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("id: empty\nsentences: []\n"), 0o644); err != nil {
		t.Fatalf("write bad story: %v", err)
	}
	if _, err := loadStoryFile(bad); err == nil {
		t.Fatalf("expected validation error for empty story")
	}
}

// fakeGateway speaks just enough of the live protocol to drive the
// client through a two-sentence session.
func fakeGateway(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		send := func(typ string, data any) {
			payload, err := protocol.Encode(typ, data)
			if err != nil {
				t.Errorf("encode %s: %v", typ, err)
				return
			}
			_ = conn.WriteMessage(websocket.TextMessage, payload)
		}

		story := &content.Story{
			ID:    "story-test",
			Title: "Test",
			Sentences: []content.Sentence{
				{Text: "First sentence."},
				{Text: "Second sentence."},
			},
		}

		sentence := 0
		started := time.Now()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env serverEnvelope
			if err := json.Unmarshal(raw, &env); err != nil {
				return
			}
			switch env.Type {
			case protocol.TypeHello:
				send(protocol.TypeHelloAck, protocol.ServerHelloAck{
					ProtocolVersion: protocol.ProtocolVersion1,
					SessionID:       "s_fake",
					Quality:         "balanced",
					Limits:          &protocol.HelloAckLimits{MaxFrameBytes: 1 << 20, MaxJSONMessageBytes: 2 << 20},
				})
			case protocol.TypeControl:
				var ctrl protocol.ClientControl
				_ = json.Unmarshal(env.Data, &ctrl)
				switch ctrl.Action {
				case protocol.ActionStartSession:
					send(protocol.TypeControlResponse, protocol.ServerControlResponse{Action: ctrl.Action, OK: true})
					send(protocol.TypePracticeSessionResponse, protocol.ServerPracticeSessionResponse{
						Story: story, SentenceIndex: 0, SentenceText: story.Sentences[0].Text,
					})
				case protocol.ActionNextSentence:
					sentence++
					if sentence >= len(story.Sentences) {
						send(protocol.TypeSessionComplete, protocol.ServerSessionComplete{
							StoryID:    story.ID,
							Sentences:  len(story.Sentences),
							DurationMS: time.Since(started).Milliseconds(),
						})
						continue
					}
					send(protocol.TypePracticeSessionResponse, protocol.ServerPracticeSessionResponse{
						Story: story, SentenceIndex: sentence, SentenceText: story.Sentences[sentence].Text,
					})
				case protocol.ActionEndSession:
					return
				}
			case protocol.TypeFrame:
				var frame protocol.ClientFrame
				_ = json.Unmarshal(env.Data, &frame)
				send(protocol.TypeProcessedFrame, protocol.ServerProcessedFrame{
					Seq:        frame.Seq,
					Confidence: 0.8,
					Quality:    "balanced",
					LatencyMS:  12,
				})
			}
		}
	}))
}

func TestRunPractice_FullSession(t *testing.T) {
	srv := fakeGateway(t)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var out bytes.Buffer
	opts := practiceOptions{
		topic:             "weather",
		level:             "beginner",
		quality:           "balanced",
		fps:               30,
		framesPerSentence: 2,
		timeout:           15 * time.Second,
	}
	if err := runPractice(ctx, srv.URL, "", opts, &out); err != nil {
		t.Fatalf("runPractice: %v\noutput:\n%s", err, out.String())
	}

	got := out.String()
	for _, want := range []string{
		"connected: session=s_fake",
		"sentence 1: First sentence.",
		"sentence 2: Second sentence.",
		"practice complete: story=story-test sentences=2",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("output missing %q:\n%s", want, got)
		}
	}
}

func TestRunPractice_RequiresSubject(t *testing.T) {
	var out bytes.Buffer
	err := runPractice(context.Background(), "http://localhost:0", "", practiceOptions{
		fps:               10,
		framesPerSentence: 10,
	}, &out)
	if err == nil || !strings.Contains(err.Error(), "required") {
		t.Fatalf("err=%v", err)
	}
}
