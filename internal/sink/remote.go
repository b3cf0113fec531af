package sink

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/opentracing/opentracing-go/ext"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/captionfmt"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/config"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/logging"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/tracing"
	"github.com/therealutkarshpriyadarshi/livevtt/pkg/models"
)

// CaptionPath is the timed-text endpoint of a streaming server
const CaptionPath = "/livevtt/captions"

// RemoteOptions identifies a remote receiver
type RemoteOptions struct {
	Endpoint string
	Stream   string
	Tracks   []models.Track
	Username string
	Password string
}

// RemoteSink pushes captions to a streaming server's caption HTTP endpoint
type RemoteSink struct {
	endpoint      string
	stream        string
	tracks        trackSet
	username      string
	password      string
	trackIDs      map[models.Track]int
	tokenSecret   []byte
	tokenTTL      time.Duration
	signingSecret []byte
	client        *http.Client
	logger        *logging.Logger
}

// NewRemoteSink creates a remote caption sink
func NewRemoteSink(opts RemoteOptions, cfg config.RemoteConfig, logger *logging.Logger) *RemoteSink {
	if logger == nil {
		logger = logging.Nop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	originalID, translatedID := cfg.OriginalTrackID, cfg.TranslatedTrackID
	if originalID == 0 {
		originalID = 99
	}
	if translatedID == 0 {
		translatedID = 100
	}

	s := &RemoteSink{
		endpoint: strings.TrimRight(opts.Endpoint, "/"),
		stream:   opts.Stream,
		tracks:   opts.Tracks,
		username: opts.Username,
		password: opts.Password,
		trackIDs: map[models.Track]int{
			models.TrackOriginal:   originalID,
			models.TrackTranslated: translatedID,
		},
		tokenTTL: cfg.TokenTTL,
		client: &http.Client{
			Timeout: timeout,
		},
		logger: logger.WithSink(string(models.SinkKindRemote), opts.Endpoint),
	}
	if cfg.TokenSecret != "" {
		s.tokenSecret = []byte(cfg.TokenSecret)
	}
	if cfg.SigningSecret != "" {
		s.signingSecret = []byte(cfg.SigningSecret)
	}
	if s.tokenTTL <= 0 {
		s.tokenTTL = time.Hour
	}
	return s
}

// Kind returns the sink kind
func (s *RemoteSink) Kind() models.SinkKind { return models.SinkKindRemote }

// Target returns the receiver endpoint
func (s *RemoteSink) Target() string { return s.endpoint }

// TrackID returns the caption track number sent for track
func (s *RemoteSink) TrackID(track models.Track) int {
	return s.trackIDs[track]
}

// Accept posts one caption. A 404 means the receiver has no such stream
// and is reported as OutcomeAbsent rather than an error.
func (s *RemoteSink) Accept(ctx context.Context, seg models.Segment) (Outcome, error) {
	if !s.tracks.allows(seg.Track) {
		return OutcomeSkipped, nil
	}

	span, ctx := tracing.StartSpan(ctx, "sink.remote.accept")
	defer tracing.FinishSpan(span)
	tracing.SetTag(span, "stream", s.stream)
	tracing.SetTag(span, "track", string(seg.Track))

	payload, err := json.Marshal(models.CaptionRequest{
		Text:       seg.Text,
		Lang:       captionfmt.ISO6392(seg.Language),
		TrackID:    models.TrackNumber(s.trackIDs[seg.Track]),
		StreamName: s.stream,
	})
	if err != nil {
		return OutcomeDelivered, fmt.Errorf("failed to marshal caption: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+CaptionPath, bytes.NewReader(payload))
	if err != nil {
		return OutcomeDelivered, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "LiveVTT-Caption/1.0")
	if seg.ID != "" {
		req.Header.Set("X-Caption-ID", seg.ID)
	}
	if s.signingSecret != nil {
		req.Header.Set("X-Caption-Signature", s.sign(payload))
	}
	if err := s.authorize(req); err != nil {
		return OutcomeDelivered, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		tracing.LogError(span, err)
		return OutcomeDelivered, fmt.Errorf("failed to send caption: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	ext.HTTPStatusCode.Set(span, uint16(resp.StatusCode))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return OutcomeDelivered, nil
	case resp.StatusCode == http.StatusNotFound:
		s.logger.Debugf("Receiver has no stream %s", s.stream)
		return OutcomeAbsent, nil
	default:
		err := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		tracing.LogError(span, err)
		return OutcomeDelivered, err
	}
}

// Probe checks the receiver status endpoint
func (s *RemoteSink) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint+CaptionPath+"/status", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if err := s.authorize(req); err != nil {
		return err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("receiver unreachable: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

// Close releases idle connections
func (s *RemoteSink) Close(ctx context.Context) error {
	s.client.CloseIdleConnections()
	return nil
}

func (s *RemoteSink) authorize(req *http.Request) error {
	if s.tokenSecret != nil {
		token, err := s.token()
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return nil
	}
	if s.username != "" {
		req.SetBasicAuth(s.username, s.password)
	}
	return nil
}

// token issues a short-lived HS256 token naming the stream
func (s *RemoteSink) token() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    "livevtt",
		Subject:   s.stream,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.tokenSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// sign returns the hex HMAC-SHA256 of payload
func (s *RemoteSink) sign(payload []byte) string {
	h := hmac.New(sha256.New, s.signingSecret)
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
