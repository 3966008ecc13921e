// internal/navigation/interceptor.go
package navigation

import (
	"sync"

	"github.com/pastorenue/expothesis-sub001/internal/browser"
)

// ChangeFunc 는 같은 문서 안에서 URL 이 실제로 바뀌었을 때 호출된다.
type ChangeFunc func(from, to string)

// Interceptor
// ------------------------------------------------------------
// history.pushState / replaceState 를 감싸고 popstate / hashchange 를 구독해
// "전체 새로고침이 아닌" 앱 내 라우트 변경을 감지한다.
//
//   - 감싼 함수는 원본을 먼저 호출한 뒤(네이티브 동작 보존) 공통 핸들러를 부른다.
//   - 핸들러는 현재 URL 을 마지막으로 본 URL 과 비교해 같으면 아무것도 하지 않는다.
//   - 바뀌었으면 마지막 URL 을 갱신하고 onChange 를 별도 goroutine 에서 호출한다.
//     (네비게이션 자체를 막지 않기 위함)
//   - Unbind 는 Bind 시점에 저장한 원본 함수를 그대로 되돌린다.
//     bind/unbind 를 반복해도 wrapper 가 겹겹이 쌓이지 않는다.
type Interceptor struct {
	win      browser.Window
	onChange ChangeFunc

	mu          sync.Mutex
	bound       bool
	lastURL     string
	origPush    browser.StateFunc
	origReplace browser.StateFunc
	removers    []func()

	wg sync.WaitGroup
}

func New(win browser.Window, onChange ChangeFunc) *Interceptor {
	return &Interceptor{win: win, onChange: onChange}
}

// Bind 는 history 함수를 감싸고 리스너를 등록한다. 이미 bind 상태면 무시.
func (i *Interceptor) Bind() {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.bound {
		return
	}
	i.bound = true
	i.lastURL = i.win.Href()

	i.origPush = i.win.PushState()
	i.origReplace = i.win.ReplaceState()

	push := i.origPush
	replace := i.origReplace
	i.win.SetPushState(func(state any, title, url string) {
		push(state, title, url)
		i.handle()
	})
	i.win.SetReplaceState(func(state any, title, url string) {
		replace(state, title, url)
		i.handle()
	})

	onEvent := func(browser.Event) { i.handle() }
	i.removers = []func(){
		i.win.AddEventListener(browser.EventPopState, onEvent),
		i.win.AddEventListener(browser.EventHashChange, onEvent),
	}
}

// Unbind 는 원본 history 함수를 되돌리고 리스너를 해제한다.
// 이미 호출된 onChange 콜백은 취소하지 않는다.
func (i *Interceptor) Unbind() {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.bound {
		return
	}
	i.bound = false

	i.win.SetPushState(i.origPush)
	i.win.SetReplaceState(i.origReplace)
	i.origPush = nil
	i.origReplace = nil

	for _, remove := range i.removers {
		remove()
	}
	i.removers = nil
}

func (i *Interceptor) Bound() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.bound
}

// LastURL 은 마지막으로 관측한 URL 이다.
func (i *Interceptor) LastURL() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastURL
}

// Wait 는 진행 중인 onChange 콜백이 모두 끝날 때까지 기다린다.
func (i *Interceptor) Wait() {
	i.wg.Wait()
}

func (i *Interceptor) handle() {
	current := i.win.Href()

	i.mu.Lock()
	if !i.bound || current == i.lastURL {
		i.mu.Unlock()
		return
	}
	from := i.lastURL
	i.lastURL = current
	i.wg.Add(1)
	i.mu.Unlock()

	go func() {
		defer i.wg.Done()
		if i.onChange != nil {
			i.onChange(from, current)
		}
	}()
}
