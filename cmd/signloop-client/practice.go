package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/signloop/signloop/pkg/gateway/content"
	"github.com/signloop/signloop/pkg/gateway/live/protocol"
)

type practiceOptions struct {
	topic             string
	label             string
	level             string
	storyPath         string
	quality           string
	framesDir         string
	fps               int
	framesPerSentence int
	timeout           time.Duration
}

var practiceOpts practiceOptions

var practiceCmd = &cobra.Command{
	Use:   "practice",
	Short: "Run a practice session against the gateway",
	Long: `Connects to the gateway's live endpoint, starts a practice session,
and streams frames while printing per-frame feedback.

Frames are read from --frames (a directory of JPEG files, sent in name
order, looped). Without --frames a synthetic moving-dot stream is sent,
which is enough to exercise the full pipeline.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), practiceOpts.timeout)
		defer cancel()
		return runPractice(ctx, gatewayURL, apiKey, practiceOpts, os.Stdout)
	},
}

func init() {
	practiceCmd.Flags().StringVar(&practiceOpts.topic, "topic", "", "story topic to practice")
	practiceCmd.Flags().StringVar(&practiceOpts.label, "label", "", "recognized object label to practice")
	practiceCmd.Flags().StringVar(&practiceOpts.level, "level", "beginner", "story difficulty (beginner, intermediate, advanced)")
	practiceCmd.Flags().StringVar(&practiceOpts.storyPath, "story", "", "inline story YAML file (bypasses gateway content generation)")
	practiceCmd.Flags().StringVar(&practiceOpts.quality, "quality", "balanced", "requested starting quality tier")
	practiceCmd.Flags().StringVar(&practiceOpts.framesDir, "frames", "", "directory of JPEG frames to stream")
	practiceCmd.Flags().IntVar(&practiceOpts.fps, "fps", 10, "frames per second to send")
	practiceCmd.Flags().IntVar(&practiceOpts.framesPerSentence, "frames-per-sentence", 30, "frames to send before advancing to the next sentence")
	practiceCmd.Flags().DurationVar(&practiceOpts.timeout, "timeout", 5*time.Minute, "overall session timeout")
}

// loadStoryFile reads an inline story from YAML and validates it.
func loadStoryFile(path string) (*content.Story, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var story content.Story
	if err := yaml.Unmarshal(data, &story); err != nil {
		return nil, fmt.Errorf("parse story %s: %w", path, err)
	}
	if err := story.Validate(); err != nil {
		return nil, fmt.Errorf("story %s: %w", path, err)
	}
	return &story, nil
}

// frameSource yields JPEG frames to stream. Files loop forever; the
// synthetic source never repeats exactly.
type frameSource struct {
	files []string
	next  int
	tick  int
}

func newFrameSource(dir string) (*frameSource, error) {
	src := &frameSource{}
	if dir == "" {
		return src, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := strings.ToLower(e.Name())
		if strings.HasSuffix(name, ".jpg") || strings.HasSuffix(name, ".jpeg") {
			src.files = append(src.files, filepath.Join(dir, e.Name()))
		}
	}
	if len(src.files) == 0 {
		return nil, fmt.Errorf("no JPEG frames in %s", dir)
	}
	sort.Strings(src.files)
	return src, nil
}

func (s *frameSource) Frame() ([]byte, error) {
	s.tick++
	if len(s.files) > 0 {
		path := s.files[s.next]
		s.next = (s.next + 1) % len(s.files)
		return os.ReadFile(path)
	}
	return syntheticFrame(s.tick)
}

// syntheticFrame renders a dot orbiting a gray field so consecutive
// frames differ.
func syntheticFrame(tick int) ([]byte, error) {
	const side = 160
	img := image.NewRGBA(image.Rect(0, 0, side, side))
	for y := 0; y < side; y++ {
		for x := 0; x < side; x++ {
			img.Set(x, y, color.RGBA{R: 40, G: 40, B: 48, A: 255})
		}
	}
	cx := side/2 + (tick*7)%40 - 20
	cy := side/2 + (tick*11)%40 - 20
	for dy := -4; dy <= 4; dy++ {
		for dx := -4; dx <= 4; dx++ {
			if dx*dx+dy*dy <= 16 {
				img.Set(cx+dx, cy+dy, color.RGBA{R: 240, G: 200, B: 60, A: 255})
			}
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// practiceURL converts the gateway base URL into the live WebSocket URL.
func practiceURL(base, key string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse gateway URL: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported gateway scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/practice"
	if key != "" {
		q := u.Query()
		q.Set("api_key", key)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// wsWriter serializes writes; the reader loop and the frame sender both
// write to the connection.
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) send(typ string, data any) error {
	payload, err := protocol.Encode(typ, data)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, payload)
}

type serverEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func runPractice(ctx context.Context, gateway, key string, opts practiceOptions, out io.Writer) error {
	if opts.fps <= 0 {
		return fmt.Errorf("--fps must be > 0")
	}
	if opts.framesPerSentence <= 0 {
		return fmt.Errorf("--frames-per-sentence must be > 0")
	}

	var inlineStory *content.Story
	if opts.storyPath != "" {
		story, err := loadStoryFile(opts.storyPath)
		if err != nil {
			return err
		}
		inlineStory = story
	} else if opts.topic == "" && opts.label == "" {
		return fmt.Errorf("one of --topic, --label, or --story is required")
	}

	frames, err := newFrameSource(opts.framesDir)
	if err != nil {
		return err
	}

	wsURL, err := practiceURL(gateway, key)
	if err != nil {
		return err
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial gateway: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dial gateway: %w", err)
	}
	defer conn.Close()

	w := &wsWriter{conn: conn}
	if err := w.send(protocol.TypeHello, protocol.ClientHello{
		ProtocolVersion: protocol.ProtocolVersion1,
		Client:          protocol.HelloClient{Name: "signloop-client", Version: "dev"},
		Quality:         opts.quality,
	}); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	env, err := readEnvelope(conn)
	if err != nil {
		return fmt.Errorf("read hello_ack: %w", err)
	}
	if env.Type == protocol.TypeError {
		return fmt.Errorf("gateway rejected handshake: %s", describeError(env.Data))
	}
	if env.Type != protocol.TypeHelloAck {
		return fmt.Errorf("expected hello_ack, got %q", env.Type)
	}
	var ack protocol.ServerHelloAck
	if err := json.Unmarshal(env.Data, &ack); err != nil {
		return fmt.Errorf("decode hello_ack: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	fmt.Fprintf(out, "connected: session=%s quality=%s\n", ack.SessionID, ack.Quality)

	start := protocol.StartSession{Story: inlineStory}
	if inlineStory == nil {
		start.Topic = opts.topic
		start.Label = opts.label
		start.Level = content.Level(opts.level)
	}
	if err := w.send(protocol.TypeControl, protocol.ClientControl{
		Action: protocol.ActionStartSession,
		Start:  &start,
	}); err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	sessionCtx, stop := context.WithCancel(ctx)
	defer stop()

	senderErr := make(chan error, 1)
	go func() {
		senderErr <- streamFrames(sessionCtx, w, frames, opts.fps, ack.Limits)
	}()

	framesThisSentence := 0
	for {
		select {
		case <-sessionCtx.Done():
			return sessionCtx.Err()
		case err := <-senderErr:
			if err != nil && sessionCtx.Err() == nil {
				return fmt.Errorf("send frames: %w", err)
			}
			return nil
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		env, err := readEnvelope(conn)
		if err != nil {
			if sessionCtx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		switch env.Type {
		case protocol.TypeProcessedFrame:
			var pf protocol.ServerProcessedFrame
			if err := json.Unmarshal(env.Data, &pf); err != nil {
				continue
			}
			printProcessedFrame(out, pf)
			framesThisSentence++
			if framesThisSentence >= opts.framesPerSentence {
				framesThisSentence = 0
				if err := w.send(protocol.TypeControl, protocol.ClientControl{Action: protocol.ActionNextSentence}); err != nil {
					return fmt.Errorf("advance sentence: %w", err)
				}
			}

		case protocol.TypePracticeSessionResponse:
			var pr protocol.ServerPracticeSessionResponse
			if err := json.Unmarshal(env.Data, &pr); err != nil {
				continue
			}
			framesThisSentence = 0
			if pr.Degraded {
				fmt.Fprintf(out, "note: story served from library (%s)\n", pr.Reason)
			}
			fmt.Fprintf(out, "sentence %d: %s\n", pr.SentenceIndex+1, pr.SentenceText)

		case protocol.TypeControlResponse:
			var cr protocol.ServerControlResponse
			if err := json.Unmarshal(env.Data, &cr); err != nil {
				continue
			}
			if !cr.OK {
				return fmt.Errorf("control %s rejected: %s", cr.Action, cr.Message)
			}

		case protocol.TypeSessionComplete:
			var sc protocol.ServerSessionComplete
			if err := json.Unmarshal(env.Data, &sc); err != nil {
				continue
			}
			fmt.Fprintf(out, "practice complete: story=%s sentences=%d duration=%s\n",
				sc.StoryID, sc.Sentences, time.Duration(sc.DurationMS)*time.Millisecond)
			stop()
			_ = w.send(protocol.TypeControl, protocol.ClientControl{Action: protocol.ActionEndSession})
			return nil

		case protocol.TypeWarning:
			var warn protocol.ServerWarning
			if err := json.Unmarshal(env.Data, &warn); err != nil {
				continue
			}
			fmt.Fprintf(out, "warning [%s]: %s\n", warn.Code, warn.Message)

		case protocol.TypeError:
			var se protocol.ServerError
			if err := json.Unmarshal(env.Data, &se); err != nil {
				continue
			}
			fmt.Fprintf(out, "error [%s]: %s\n", se.Kind, se.Message)
			if se.Close {
				return fmt.Errorf("gateway closed session: %s", se.Message)
			}

		case protocol.TypePong:
			// Keepalive ack, nothing to print.
		}
	}
}

func streamFrames(ctx context.Context, w *wsWriter, frames *frameSource, fps int, limits *protocol.HelloAckLimits) error {
	interval := time.Second / time.Duration(fps)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var seq int64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		data, err := frames.Frame()
		if err != nil {
			return err
		}
		if limits != nil && limits.MaxFrameBytes > 0 && len(data) > limits.MaxFrameBytes {
			return fmt.Errorf("frame of %d bytes exceeds gateway limit %d", len(data), limits.MaxFrameBytes)
		}
		seq++
		ts := time.Now().UnixMilli()
		err = w.send(protocol.TypeFrame, protocol.ClientFrame{
			Seq:         seq,
			TimestampMS: &ts,
			DataB64:     base64.StdEncoding.EncodeToString(data),
		})
		if err != nil {
			return err
		}
	}
}

func printProcessedFrame(out io.Writer, pf protocol.ServerProcessedFrame) {
	status := ""
	if pf.Matched {
		status = " matched!"
	}
	if pf.Degraded {
		status += " (degraded)"
	}
	line := fmt.Sprintf("frame %d: confidence=%.2f quality=%s latency=%dms%s",
		pf.Seq, pf.Confidence, pf.Quality, pf.LatencyMS, status)
	if pf.Suggestion != "" {
		line += " | " + pf.Suggestion
	}
	fmt.Fprintln(out, line)
}

func readEnvelope(conn *websocket.Conn) (serverEnvelope, error) {
	var env serverEnvelope
	messageType, data, err := conn.ReadMessage()
	if err != nil {
		return env, err
	}
	if messageType != websocket.TextMessage {
		return env, fmt.Errorf("unexpected message type %d", messageType)
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return env, err
	}
	return env, nil
}

func describeError(data json.RawMessage) string {
	var se protocol.ServerError
	if err := json.Unmarshal(data, &se); err != nil {
		return string(data)
	}
	return fmt.Sprintf("%s: %s", se.Kind, se.Message)
}
