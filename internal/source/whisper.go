package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/therealutkarshpriyadarshi/livevtt/internal/captionfmt"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/config"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/logging"
	"github.com/therealutkarshpriyadarshi/livevtt/pkg/models"
)

// WhisperEngine talks to a remote whisper transcription server
type WhisperEngine struct {
	baseURL              string
	client               *http.Client
	chunkSeconds         float64
	sampleRate           int
	maxConsecutiveErrors int
	model                string
	logger               *logging.Logger
}

// NewWhisperEngine creates an engine client from configuration
func NewWhisperEngine(cfg config.EngineConfig, logger *logging.Logger) *WhisperEngine {
	if logger == nil {
		logger = logging.Nop()
	}
	e := &WhisperEngine{
		baseURL:              strings.TrimRight(cfg.URL, "/"),
		client:               &http.Client{Timeout: cfg.Timeout},
		chunkSeconds:         cfg.ChunkSeconds,
		sampleRate:           cfg.SampleRate,
		maxConsecutiveErrors: cfg.MaxConsecutiveErrors,
		model:                cfg.Model,
		logger:               logger.WithField("component", "whisper"),
	}
	if e.chunkSeconds <= 0 {
		e.chunkSeconds = 10
	}
	if e.sampleRate <= 0 {
		e.sampleRate = 16000
	}
	if e.maxConsecutiveErrors <= 0 {
		e.maxConsecutiveErrors = 5
	}
	return e
}

type whisperSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type whisperResponse struct {
	Status   string           `json:"status"`
	Message  string           `json:"message"`
	Error    string           `json:"error"`
	Segments []whisperSegment `json:"segments"`
	VTT      string           `json:"vtt"`
	Duration float64          `json:"duration"`
}

// Health checks GET /health on the server
func (e *WhisperEngine) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("whisper server unreachable: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("whisper server unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// Transcribe posts a whole audio file and returns its segments
func (e *WhisperEngine) Transcribe(ctx context.Context, audioPath string, req Request) ([]models.Segment, float64, error) {
	data, err := os.ReadFile(audioPath)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read audio: %w", err)
	}

	segs, duration, err := e.post(ctx, filepath.Base(audioPath), data, req)
	if err != nil {
		return nil, 0, err
	}
	return segs, duration, nil
}

// Stream cuts PCM audio into fixed windows and transcribes each one
func (e *WhisperEngine) Stream(ctx context.Context, audio io.Reader, req Request) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &whisperStream{
		engine: e,
		audio:  audio,
		req:    req,
		window: make([]byte, int(e.chunkSeconds*float64(e.sampleRate))*2),
	}, nil
}

// post sends one multipart request. Window failures are returned as
// *TransientError unless they are connection errors.
func (e *WhisperEngine) post(ctx context.Context, filename string, audio []byte, req Request) ([]models.Segment, float64, error) {
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)

	part, err := w.CreateFormFile("audio", filename)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return nil, 0, fmt.Errorf("failed to write audio: %w", err)
	}

	fields := map[string]string{
		"task":       string(req.Task),
		"beam_size":  strconv.Itoa(req.BeamSize),
		"vad_filter": strconv.FormatBool(req.VADFilter),
	}
	if req.Language != "" {
		fields["language"] = req.Language
	}
	if req.Prompt != "" {
		fields["initial_prompt"] = req.Prompt
	}
	model := req.Model
	if model == "" {
		model = e.model
	}
	if model != "" {
		fields["model_name"] = model
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, 0, fmt.Errorf("failed to write field %s: %w", k, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, 0, fmt.Errorf("failed to close multipart body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/transcribe", body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := e.client.Do(httpReq)
	if err != nil {
		if isConnectionError(err) {
			return nil, 0, fmt.Errorf("whisper server unreachable: %w", err)
		}
		return nil, 0, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, &TransientError{Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode >= 500 {
		return nil, 0, &TransientError{Err: fmt.Errorf("whisper server returned status %d", resp.StatusCode)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, 0, fmt.Errorf("whisper server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	return decodeResponse(payload, req)
}

func decodeResponse(payload []byte, req Request) ([]models.Segment, float64, error) {
	var result whisperResponse
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, 0, &TransientError{Err: fmt.Errorf("invalid whisper response: %w", err)}
	}
	if result.Status != "" && result.Status != "success" {
		msg := result.Error
		if msg == "" {
			msg = result.Message
		}
		return nil, 0, &TransientError{Err: fmt.Errorf("whisper server error: %s", msg)}
	}

	if len(result.Segments) == 0 && result.VTT == "" {
		// Older servers answer with one VTT document per language.
		var byLang map[string]json.RawMessage
		if json.Unmarshal(payload, &byLang) == nil {
			if raw, ok := byLang[strings.ToLower(req.Output)+"_vtt"]; ok {
				json.Unmarshal(raw, &result.VTT)
			}
		}
	}

	var segs []models.Segment
	for _, s := range result.Segments {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		segs = append(segs, models.Segment{Start: s.Start, End: s.End, Text: text, Track: req.Track, Language: req.Output})
	}

	if result.VTT != "" {
		cues, err := captionfmt.ParseVTT(result.VTT)
		if err != nil {
			return nil, 0, fmt.Errorf("invalid VTT in whisper response: %w", err)
		}
		for _, c := range cues {
			segs = append(segs, models.Segment{Start: c.Start, End: c.End, Text: c.Text, Track: req.Track, Language: req.Output})
		}
	}

	return segs, result.Duration, nil
}

func isConnectionError(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

type whisperStream struct {
	engine   *WhisperEngine
	audio    io.Reader
	req      Request
	window   []byte
	offset   float64
	pending  []models.Segment
	refused  int
	finished bool
}

func (s *whisperStream) Next(ctx context.Context) (models.Segment, error) {
	for len(s.pending) == 0 {
		if s.finished {
			return models.Segment{}, ErrEnd
		}
		if err := s.transcribeWindow(ctx); err != nil {
			return models.Segment{}, err
		}
	}

	seg := s.pending[0]
	s.pending = s.pending[1:]
	return seg, nil
}

func (s *whisperStream) transcribeWindow(ctx context.Context) error {
	n, err := io.ReadFull(s.audio, s.window)
	switch {
	case errors.Is(err, io.EOF):
		s.finished = true
		return ErrEnd
	case errors.Is(err, io.ErrUnexpectedEOF):
		s.finished = true
	case err != nil:
		return fmt.Errorf("failed to read audio: %w", err)
	}
	if n < 2 {
		s.finished = true
		return ErrEnd
	}

	n &^= 1
	rate := float64(s.engine.sampleRate)
	start := s.offset
	if so, ok := s.audio.(SourceOffsetter); ok {
		// Anchor the window end on the source so skipped audio does not
		// pull later captions earlier.
		start = float64((so.SourceOffset()-int64(n))/2) / rate
	}
	s.offset = start + float64(n/2)/rate

	began := time.Now()
	segs, _, err := s.engine.post(ctx, "window.wav", pcmToWAV(s.window[:n], s.engine.sampleRate), s.req)
	if err != nil {
		if IsTransient(err) {
			s.refused = 0
			return err
		}
		s.refused++
		if s.refused >= s.engine.maxConsecutiveErrors {
			return err
		}
		return &TransientError{Err: err}
	}
	s.refused = 0

	s.engine.logger.Debugf("Transcribed %.1fs window at %.1fs into %d segments in %s", s.offset-start, start, len(segs), time.Since(began))

	for _, seg := range segs {
		seg.Start += start
		seg.End += start
		s.pending = append(s.pending, seg)
	}
	return nil
}
