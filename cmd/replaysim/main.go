package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/pastorenue/expothesis-sub001/internal/browser"
	"github.com/pastorenue/expothesis-sub001/internal/config"
	"github.com/pastorenue/expothesis-sub001/internal/logger"
	"github.com/pastorenue/expothesis-sub001/internal/metrics"
	"github.com/pastorenue/expothesis-sub001/internal/tracker"
	"github.com/pastorenue/expothesis-sub001/internal/transport"
	"github.com/pastorenue/expothesis-sub001/internal/worker"

	zlog "github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

func main() {

	// ====================================================================
	// Config / Logger / Metrics 초기화
	// ====================================================================
	//
	// - TRACK_*  : tracker 옵션 (endpoint, batch, flush 주기, rotation 정책 등)
	// - SIM_*    : 시뮬레이션 규모 (세션 수, 동시성, 시작 간격)
	// - SPOOL_*  : 세션 종료 시 미전달 replay 레코드 보관
	// - ARCHIVE_*: 만료/손상 spool 파일 S3 보관
	//
	// 모든 tracker 가 Metrics 하나를 공유하므로 종료 시 전체 합계가 출력된다.
	// ====================================================================
	cfg := config.Load()
	logger.Init(cfg)
	m := metrics.New()

	if err := cfg.Tracker.Validate(); err != nil {
		zlog.Fatal().Err(err).Msg("invalid tracker config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// ====================================================================
	// Spool Manager (선택)
	// ====================================================================
	//
	// SPOOL_DIR 이 있으면 세션 종료 flush 에 실패한 레코드를 디스크에 남기고
	// 백그라운드에서 /replay 로 다시 보낸다.
	// ARCHIVE_BUCKET 까지 있으면 TTL 이 지난 파일은 버리지 않고 S3 로 옮긴다.
	// ====================================================================
	mgr, err := newSpoolManager(ctx, cfg, m)
	if err != nil {
		zlog.Fatal().Err(err).Msg("spool init failed")
	}
	if mgr != nil {
		mgr.Start()
		defer mgr.Shutdown()
	}

	// ====================================================================
	// 시뮬레이션 실행
	// ====================================================================
	//
	// - rate.Limiter: 페이지 시작 간격 (SIM_START_INTERVAL)
	// - errgroup.SetLimit: 동시에 열린 페이지 수 (SIM_CONCURRENCY)
	//
	// 개별 세션 실패는 로그만 남기고 다른 세션은 계속 진행한다.
	// ====================================================================
	// collector 없이 실행하면 모든 전송이 실패한다. (spool 이 켜져 있으면 전부 spool 로 간다)
	zlog.Info().
		Str("endpoint", cfg.Tracker.Endpoint).
		Int("sessions", cfg.Sim.Sessions).
		Int("concurrency", cfg.Sim.Concurrency).
		Bool("spool", mgr != nil).
		Msg("replaysim starting")

	started := time.Now()
	if err := run(ctx, cfg, m, mgr); err != nil && !errors.Is(err, context.Canceled) {
		zlog.Error().Err(err).Msg("simulation aborted")
	}

	// 종료 직전에 spool 에 남은 파일을 한 번 더 밀어 본다. 남은 파일은 다음 실행이 이어받는다.
	if mgr != nil {
		mgr.Nudge()
		drainSpool(mgr.Spool(), 2*time.Second)
		zlog.Info().Int64("spool_bytes", mgr.Spool().SizeBytes()).Msg("spool state at exit")
	}

	zlog.Info().
		Dur("elapsed", time.Since(started)).
		Str("metrics", m.String()).
		Msg("replaysim finished")
}

// drainSpool 은 spool 이 비거나 timeout 이 지날 때까지 기다린다.
func drainSpool(s *worker.Spool, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for s.SizeBytes() > 0 && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}
}

// newSpoolManager 는 SPOOL_DIR 이 비어 있으면 (nil, nil) 을 반환한다.
func newSpoolManager(ctx context.Context, cfg config.Config, m *metrics.Metrics) (*worker.Manager, error) {
	if cfg.SpoolDir == "" {
		return nil, nil
	}

	var archiver worker.Archiver
	if cfg.ArchiveBucket != "" {
		a, err := worker.NewS3Archiver(ctx, cfg, m)
		if err != nil {
			return nil, fmt.Errorf("s3 archiver: %w", err)
		}
		archiver = a
	}

	tx := transport.New(cfg.Tracker, nil)
	spool, err := worker.NewSpool(cfg, m, tx, archiver)
	if err != nil {
		return nil, err
	}
	return worker.NewManager(spool, worker.DefaultPollInterval), nil
}

func run(ctx context.Context, cfg config.Config, m *metrics.Metrics, mgr *worker.Manager) error {
	limiter := rate.NewLimiter(rate.Every(cfg.Sim.StartInterval), 1)

	g, ctx := errgroup.WithContext(ctx)
	if cfg.Sim.Concurrency > 0 {
		g.SetLimit(cfg.Sim.Concurrency)
	}

	for i := 0; i < cfg.Sim.Sessions; i++ {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		g.Go(func() error {
			if err := simulate(ctx, cfg, m, mgr, i); err != nil {
				zlog.Warn().Err(err).Int("page", i).Msg("simulated page failed")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// simulate 는 페이지 하나의 수명을 재현한다.
//
//	Init → (클릭, custom 이벤트, 탭 숨김/복귀, SPA 이동) x Routes → 종료
//
// 짝수 페이지는 unload(탭 닫기) 로, 홀수 페이지는 명시적 End 로 끝낸다.
func simulate(ctx context.Context, cfg config.Config, m *metrics.Metrics, mgr *worker.Manager, i int) error {
	page := browser.NewPage(
		fmt.Sprintf("https://shop.test/products/%d", i),
		browser.WithReferrer("https://search.test/?q=shoes"),
		browser.WithUserAgent("replaysim/1.0"),
		browser.WithViewport(1280, 720),
		browser.WithLocale("ko-KR", "Asia/Seoul"),
	)
	rec := &browser.ScriptedRecorder{
		Page:          page,
		SnapshotDelay: 50 * time.Millisecond,
		Interval:      40 * time.Millisecond,
	}

	opts := []tracker.Option{
		tracker.WithRecorder(rec),
		tracker.WithMetrics(m),
		tracker.WithLogger(zlog.Logger.With().Int("page", i).Logger()),
	}
	if mgr != nil {
		opts = append(opts, tracker.WithSpool(mgr))
	}

	tcfg := cfg.Tracker
	tcfg.UserID = fmt.Sprintf("sim-user-%d", i%5)

	tr, err := tracker.New(tcfg, page, opts...)
	if err != nil {
		return err
	}
	defer tr.Wait()

	tr.Init(ctx)

	button := &browser.Element{
		Tag:     "button",
		Classes: []string{"btn", "add-to-cart"},
		Parent:  &browser.Element{Tag: "form", ID: "product"},
	}

	for r := 0; r < cfg.Sim.Routes; r++ {
		if !sleep(ctx, cfg.Sim.Dwell) {
			tr.End(context.WithoutCancel(ctx), tracker.EndOptions{})
			return ctx.Err()
		}

		page.Click(float64(100+r*10), float64(200+r*5), button)
		tr.Track(ctx, "add_to_cart", map[string]any{"step": r, "page": i}, "")

		page.SetHidden(true)
		page.SetHidden(false)

		page.Push(fmt.Sprintf("/checkout/step-%d", r+1))
		tr.Wait()
	}

	sleep(ctx, cfg.Sim.Dwell)
	if i%2 == 0 {
		page.Unload()
	} else {
		tr.End(context.WithoutCancel(ctx), tracker.EndOptions{WaitForSnapshot: tcfg.WaitForSnapshot})
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
