package collector

import (
	"bytes"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pastorenue/expothesis-sub001/internal/config"
	"github.com/pastorenue/expothesis-sub001/internal/metrics"
	"github.com/pastorenue/expothesis-sub001/internal/model"
	"github.com/pastorenue/expothesis-sub001/internal/pool"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	json "github.com/goccy/go-json"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// 조회 API 기본 페이지 크기
const (
	defaultSessionsLimit = 20
	defaultReplayLimit   = 1200
	defaultEventsLimit   = 200
)

var errBodyTooLarge = errors.New("request body too large")

type Handler struct {
	cfg     config.Config
	metrics *metrics.Metrics
	store   *Store
	logger  zerolog.Logger

	keyHeader string
}

func NewHandler(cfg config.Config, m *metrics.Metrics, store *Store) *Handler {
	if m == nil {
		m = metrics.New()
	}
	if store == nil {
		store = NewStore()
	}
	keyHeader := cfg.Tracker.KeyHeader
	if keyHeader == "" {
		keyHeader = config.DefaultKeyHeader
	}
	return &Handler{
		cfg:       cfg,
		metrics:   m,
		store:     store,
		logger:    zlog.Logger.With().Str("component", "collector").Logger(),
		keyHeader: keyHeader,
	}
}

// WithLogger 는 Routes 호출 전에만 사용한다.
func (h *Handler) WithLogger(l zerolog.Logger) *Handler {
	h.logger = l.With().Str("component", "collector").Logger()
	return h
}

func (h *Handler) Store() *Store {
	return h.store
}

// Routes
//
// collector 전체 라우팅.
//   - /track/*  : 수집(POST) + 조회(GET). API key 가 설정돼 있으면 검증
//     수집 경로는 IP 당 분당 RateLimit 건으로 제한 (0 이면 제한 없음)
//   - /metrics  : 운영 지표 (text)
//   - /health   : liveness
//
// 브라우저 SDK 가 다른 origin 에서 호출하므로 CORS 를 가장 바깥에 둔다.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(chimw.RequestID)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: h.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", h.keyHeader},
		MaxAge:         300,
	}).Handler)
	r.Use(h.accessLog)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/metrics", h.HandleMetrics)

	r.Route("/track", func(r chi.Router) {
		r.Use(h.requireKey)

		r.Group(func(r chi.Router) {
			if h.cfg.RateLimit > 0 {
				r.Use(h.rateLimit())
			}
			r.Post(model.PathSessionStart, h.HandleSessionStart)
			r.Post(model.PathSessionEnd, h.HandleSessionEnd)
			r.Post(model.PathEvent, h.HandleEvent)
			r.Post(model.PathReplay, h.HandleReplay)
		})

		r.Get("/sessions", h.HandleListSessions)
		r.Get("/replay/{session_id}", h.HandleGetReplay)
		r.Get("/events", h.HandleListEvents)
	})

	return r
}

// ------------------------------------------------------------
// 수집 엔드포인트
// ------------------------------------------------------------

func (h *Handler) HandleSessionStart(w http.ResponseWriter, r *http.Request) {
	var req model.StartSessionRequest
	if !h.decode(w, r, &req) {
		return
	}

	sess := h.store.StartSession(req)
	h.accepted()
	h.logger.Debug().Str("session_id", sess.SessionID).Str("entry_url", sess.EntryURL).Msg("session started")
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) HandleSessionEnd(w http.ResponseWriter, r *http.Request) {
	var req model.EndSessionRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		h.badRequest(w, "session_id is required")
		return
	}

	sess := h.store.EndSession(req)
	h.accepted()
	h.logger.Debug().Str("session_id", sess.SessionID).Msg("session ended")
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	var ev model.ActivityEvent
	if !h.decode(w, r, &ev) {
		return
	}
	if ev.SessionID == "" || ev.Name == "" {
		h.badRequest(w, "session_id and event_name are required")
		return
	}
	if ev.Type == "" {
		ev.Type = model.EventTypeCustom
	}

	stored := h.store.AddEvent(ev)
	h.accepted()
	writeJSON(w, http.StatusOK, stored)
}

func (h *Handler) HandleReplay(w http.ResponseWriter, r *http.Request) {
	var req model.ReplayRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		h.badRequest(w, "session_id is required")
		return
	}

	start, dup := h.store.AppendReplay(req)
	if dup > 0 {
		atomic.AddInt64(&h.metrics.ReplayRecordsDeduplicatedTotal, int64(dup))
		h.logger.Info().
			Str("session_id", req.SessionID).
			Uint64("first_seq", req.FirstSeq).
			Int("duplicates", dup).
			Msg("replay upload contained already stored records")
	}
	h.accepted()
	writeJSON(w, http.StatusOK, model.ReplayResponse{SequenceStart: start})
}

// ------------------------------------------------------------
// 조회 엔드포인트
// ------------------------------------------------------------

type listSessionsResponse struct {
	Sessions []SessionView `json:"sessions"`
	Total    int           `json:"total"`
	Limit    int           `json:"limit"`
	Offset   int           `json:"offset"`
}

func (h *Handler) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultSessionsLimit)
	offset := queryInt(r, "offset", 0)

	sessions, total := h.store.ListSessions(limit, offset)
	writeJSON(w, http.StatusOK, listSessionsResponse{
		Sessions: sessions,
		Total:    total,
		Limit:    limit,
		Offset:   offset,
	})
}

func (h *Handler) HandleGetReplay(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	limit := queryInt(r, "limit", defaultReplayLimit)
	offset := queryInt(r, "offset", 0)

	writeJSON(w, http.StatusOK, h.store.Replay(id, limit, offset))
}

func (h *Handler) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("session_id")
	if id == "" {
		h.badRequest(w, "session_id is required")
		return
	}
	eventType := r.URL.Query().Get("event_type")
	limit := queryInt(r, "limit", defaultEventsLimit)

	writeJSON(w, http.StatusOK, h.store.Events(id, eventType, limit))
}

// HandleMetrics
//
// collector 와 같은 프로세스에서 도는 구성 요소(spool 등)의 카운터를 포함해 출력한다.
func (h *Handler) HandleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, h.metrics.String())
}

// ------------------------------------------------------------
// 미들웨어
// ------------------------------------------------------------

// requireKey 는 API key 가 설정된 경우에만 검증한다.
// 키는 key 헤더 또는 "Authorization: Bearer <key>" 로 받는다.
func (h *Handler) requireKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		provided := r.Header.Get(h.keyHeader)
		if provided == "" {
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				provided = strings.TrimPrefix(auth, "Bearer ")
			}
		}

		if subtle.ConstantTimeCompare([]byte(provided), []byte(h.cfg.APIKey)) != 1 {
			atomic.AddInt64(&h.metrics.HTTPRequestsRejectedUnauthorizedTotal, 1)
			h.logger.Warn().Str("ip", clientIP(r)).Str("path", r.URL.Path).Msg("invalid tracking key")
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid tracking key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit 은 접속 주소(RemoteAddr) 별 1분 sliding window 제한이다.
// 프록시 헤더(X-Forwarded-For, X-Real-IP)는 키로 쓰지 않는다.
// tracker 는 실패한 replay 배치를 다시 보내므로 429 도 일반 실패처럼 처리된다.
func (h *Handler) rateLimit() func(http.Handler) http.Handler {
	return httprate.Limit(
		h.cfg.RateLimit,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt64(&h.metrics.HTTPRequestsRejectedRateLimitedTotal, 1)
			w.Header().Set("Retry-After", "60")
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
		}),
	)
}

// accessLog 는 요청 1건마다 Debug 로그를 남기고 요청 수를 센다.
func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&h.metrics.HTTPRequestsTotal, 1)

		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		h.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Str("ip", clientIP(r)).
			Str("request_id", chimw.GetReqID(r.Context())).
			Dur("latency", time.Since(start)).
			Msg("request")
	})
}

// ------------------------------------------------------------
// 요청/응답 헬퍼
// ------------------------------------------------------------

// decode 는 MaxBodySize 제한 아래에서 body 를 BodyPool 버퍼로 읽고 JSON 으로 디코딩한다.
// 실패 시 응답까지 쓰고 false 를 반환한다.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, release, err := h.readBody(w, r)
	defer release()

	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			atomic.AddInt64(&h.metrics.HTTPRequestsRejectedBodyTooLargeTotal, 1)
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": err.Error()})
			return false
		}
		h.badRequest(w, "failed to read body")
		return false
	}

	if err := json.Unmarshal(body, v); err != nil {
		h.badRequest(w, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, func(), error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodySize)
	defer r.Body.Close()

	buf := pool.BodyPool.Get().(*bytes.Buffer)
	buf.Reset()
	release := func() { pool.PutBody(buf, h.cfg.MaxBodySize*2) }

	if _, err := io.Copy(buf, r.Body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, release, errBodyTooLarge
		}
		return nil, release, err
	}
	return buf.Bytes(), release, nil
}

func (h *Handler) accepted() {
	atomic.AddInt64(&h.metrics.HTTPRequestsAcceptedTotal, 1)
}

func (h *Handler) badRequest(w http.ResponseWriter, msg string) {
	atomic.AddInt64(&h.metrics.HTTPRequestsRejectedBadRequestTotal, 1)
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
