// internal/transport/client.go
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pastorenue/expothesis-sub001/internal/config"
	"github.com/pastorenue/expothesis-sub001/internal/pool"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// Mode 는 요청 1건의 전달 방식이다.
type Mode int

const (
	// ModeDefault: 호출자 ctx 를 그대로 따른다. (session/start, event)
	ModeDefault Mode = iota

	// ModeKeepalive: 페이지가 내려가는 중에도 끝까지 보내야 하는 요청. (session/end)
	// 호출자 ctx 의 취소와 분리되며, 자체 timeout 만 적용된다.
	ModeKeepalive

	// ModeAbortable: replay 배치 업로드. ReplayTimeout(기본 10초) 초과 시 abort → false.
	ModeAbortable
)

func (m Mode) String() string {
	switch m {
	case ModeKeepalive:
		return "keepalive"
	case ModeAbortable:
		return "abortable"
	default:
		return "default"
	}
}

// keepalive 요청의 상한. 브라우저 keepalive 와 마찬가지로 무한정 붙잡지는 않는다.
const keepaliveTimeout = 15 * time.Second

// Client 는 수집기로 JSON payload 를 보내는 구성 요소이다.
// - endpoint base + path 로 POST
// - API key 헤더 부착 (설정된 경우)
// - 실패(네트워크 오류, non-2xx, timeout)는 false 로만 보고하고 절대 panic/에러를 올리지 않는다.
//
// UI 코드 경로에서 호출돼도 안전해야 하므로 모든 실패는 Warn 로그로 끝난다.
type Client struct {
	endpoint      string
	apiKey        string
	keyHeader     string
	replayTimeout time.Duration

	http   *http.Client
	logger zerolog.Logger
}

// New 는 tracker 옵션으로 Client 를 만든다.
// hc 가 nil 이면 전용 http.Client 를 만든다.
func New(cfg config.Tracker, hc *http.Client) *Client {
	cfg = cfg.WithDefaults()
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		endpoint:      strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:        cfg.APIKey,
		keyHeader:     cfg.KeyHeader,
		replayTimeout: cfg.ReplayTimeout,
		http:          hc,
		logger:        zlog.Logger.With().Str("component", "transport").Logger(),
	}
}

// WithLogger 는 로거만 교체한 복사본을 반환한다.
func (c *Client) WithLogger(l zerolog.Logger) *Client {
	cp := *c
	cp.logger = l
	return &cp
}

// Send
// ----
// payload 를 JSON 으로 직렬화해 {endpoint}{path} 로 POST 한다.
// 반환값은 성공 여부(2xx) 하나뿐이다.
func (c *Client) Send(ctx context.Context, path string, payload any, mode Mode) bool {
	if err := c.send(ctx, path, payload, mode); err != nil {
		c.logger.Warn().
			Err(err).
			Str("path", path).
			Str("mode", mode.String()).
			Msg("transport send failed")
		return false
	}
	return true
}

func (c *Client) send(ctx context.Context, path string, payload any, mode Mode) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// 모드별 ctx 구성
	var cancel context.CancelFunc
	switch mode {
	case ModeKeepalive:
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), keepaliveTimeout)
	case ModeAbortable:
		ctx, cancel = context.WithTimeout(ctx, c.replayTimeout)
	default:
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	// 본문 직렬화 (pool 버퍼는 요청이 완전히 끝난 뒤 반환)
	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)

	if err := json.NewEncoder(buf).Encode(payload); err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(buf.Bytes()))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set(c.keyHeader, c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	// 응답 본문은 사용하지 않지만 커넥션 재사용을 위해 일정량 비운다.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
