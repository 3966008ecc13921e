// internal/browser/page.go
package browser

import (
	"net/url"
	"sort"
	"sync"
)

// Page 는 Window 의 in-memory 구현이다.
// replaysim 과 테스트에서 실제 브라우저 대신 사용한다.
//
// - URL 상태와 history 스택을 가진다.
// - 이벤트는 호출한 goroutine 에서 동기적으로 dispatch 된다.
// - 리스너 호출 중에는 내부 lock 을 잡지 않는다. (리스너가 다시 Page 를 호출해도 안전)
type Page struct {
	mu sync.Mutex

	href      string
	referrer  string
	userAgent string
	width     int
	height    int
	locale    string
	timezone  string
	hidden    bool

	history []string
	index   int

	push    StateFunc
	replace StateFunc

	listeners map[string]map[int]Listener
	nextID    int
}

// PageOption 은 NewPage 옵션이다.
type PageOption func(*Page)

func WithReferrer(r string) PageOption { return func(p *Page) { p.referrer = r } }

func WithUserAgent(ua string) PageOption { return func(p *Page) { p.userAgent = ua } }

func WithViewport(w, h int) PageOption {
	return func(p *Page) {
		p.width = w
		p.height = h
	}
}

func WithLocale(locale, timezone string) PageOption {
	return func(p *Page) {
		p.locale = locale
		p.timezone = timezone
	}
}

func NewPage(href string, opts ...PageOption) *Page {
	p := &Page{
		href:      href,
		userAgent: "Mozilla/5.0 (X11; Linux x86_64) replaysim",
		width:     1280,
		height:    720,
		locale:    "en-US",
		timezone:  "UTC",
		history:   []string{href},
		listeners: make(map[string]map[int]Listener),
	}
	for _, o := range opts {
		o(p)
	}
	p.push = p.nativePushState
	p.replace = p.nativeReplaceState
	return p
}

func (p *Page) Href() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.href
}

func (p *Page) Referrer() string  { return p.referrer }
func (p *Page) UserAgent() string { return p.userAgent }
func (p *Page) Locale() string    { return p.locale }
func (p *Page) Timezone() string  { return p.timezone }

func (p *Page) Viewport() (int, int) {
	return p.width, p.height
}

func (p *Page) Hidden() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hidden
}

func (p *Page) PushState() StateFunc {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.push
}

func (p *Page) SetPushState(fn StateFunc) {
	p.mu.Lock()
	p.push = fn
	p.mu.Unlock()
}

func (p *Page) ReplaceState() StateFunc {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.replace
}

func (p *Page) SetReplaceState(fn StateFunc) {
	p.mu.Lock()
	p.replace = fn
	p.mu.Unlock()
}

func (p *Page) AddEventListener(event string, fn Listener) func() {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextID
	p.nextID++
	if p.listeners[event] == nil {
		p.listeners[event] = make(map[int]Listener)
	}
	p.listeners[event][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.listeners[event], id)
			p.mu.Unlock()
		})
	}
}

// ListenerCount 는 event 에 등록된 리스너 수다. (중복 등록 검증용)
func (p *Page) ListenerCount(event string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.listeners[event])
}

// Dispatch 는 등록 순서대로 리스너를 호출한다.
func (p *Page) Dispatch(ev Event) {
	p.mu.Lock()
	ids := make([]int, 0, len(p.listeners[ev.Type]))
	for id := range p.listeners[ev.Type] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]Listener, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, p.listeners[ev.Type][id])
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// ------------------------------------------------------------
// 앱 쪽 동작 (라우터, 사용자 조작)
// ------------------------------------------------------------

// Push 는 앱 라우터가 history.pushState 를 부르는 것과 같다.
// 현재 설치된(감싸졌을 수도 있는) 함수를 통해 호출한다.
func (p *Page) Push(rawURL string) {
	p.PushState()(nil, "", rawURL)
}

// Replace 는 history.replaceState 호출과 같다.
func (p *Page) Replace(rawURL string) {
	p.ReplaceState()(nil, "", rawURL)
}

// Back 은 뒤로 가기. 이동했으면 popstate 를 dispatch 한다.
func (p *Page) Back() {
	p.mu.Lock()
	if p.index == 0 {
		p.mu.Unlock()
		return
	}
	p.index--
	p.href = p.history[p.index]
	p.mu.Unlock()

	p.Dispatch(Event{Type: EventPopState})
}

// Forward 는 앞으로 가기.
func (p *Page) Forward() {
	p.mu.Lock()
	if p.index >= len(p.history)-1 {
		p.mu.Unlock()
		return
	}
	p.index++
	p.href = p.history[p.index]
	p.mu.Unlock()

	p.Dispatch(Event{Type: EventPopState})
}

// SetHash 는 fragment 만 바꾸고 hashchange 를 dispatch 한다.
// 같은 hash 면 브라우저와 마찬가지로 아무 일도 일어나지 않는다.
func (p *Page) SetHash(hash string) {
	p.mu.Lock()
	u, err := url.Parse(p.href)
	if err != nil || u.Fragment == hash {
		p.mu.Unlock()
		return
	}
	u.Fragment = hash
	p.href = u.String()
	p.appendHistoryLocked(p.href)
	p.mu.Unlock()

	p.Dispatch(Event{Type: EventHashChange})
}

// Click 은 target 위 (x, y) 클릭을 dispatch 한다.
func (p *Page) Click(x, y float64, target *Element) {
	p.Dispatch(Event{Type: EventClick, X: x, Y: y, Target: target})
}

// SetHidden 은 탭 가시성을 바꾸고 visibilitychange 를 dispatch 한다.
func (p *Page) SetHidden(hidden bool) {
	p.mu.Lock()
	changed := p.hidden != hidden
	p.hidden = hidden
	p.mu.Unlock()

	if changed {
		p.Dispatch(Event{Type: EventVisibilityChange, Hidden: hidden})
	}
}

// Unload 는 탭 닫기/새로고침. pagehide 를 dispatch 한다.
func (p *Page) Unload() {
	p.Dispatch(Event{Type: EventPageHide})
}

// ------------------------------------------------------------
// 기본(native) history 구현
// ------------------------------------------------------------

func (p *Page) nativePushState(_ any, _ string, rawURL string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.href = p.resolveLocked(rawURL)
	p.appendHistoryLocked(p.href)
}

func (p *Page) nativeReplaceState(_ any, _ string, rawURL string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.href = p.resolveLocked(rawURL)
	p.history[p.index] = p.href
}

func (p *Page) appendHistoryLocked(href string) {
	p.history = append(p.history[:p.index+1], href)
	p.index = len(p.history) - 1
}

func (p *Page) resolveLocked(rawURL string) string {
	if rawURL == "" {
		return p.href
	}
	base, err := url.Parse(p.href)
	if err != nil {
		return rawURL
	}
	ref, err := url.Parse(rawURL)
	if err != nil {
		return p.href
	}
	return base.ResolveReference(ref).String()
}
