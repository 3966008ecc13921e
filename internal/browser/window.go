// Package browser 는 파이프라인이 심어지는 "페이지"를 명시적인 협력자로 추상화한다.
//
// tracker 는 전역 상태(history 객체 등)를 직접 건드리지 않고 Window 인터페이스를 통해서만
// URL, 메타데이터, 이벤트 리스너, history 함수에 접근한다.
package browser

// 이벤트 이름
const (
	EventClick            = "click"
	EventVisibilityChange = "visibilitychange"
	EventPopState         = "popstate"
	EventHashChange       = "hashchange"
	EventPageHide         = "pagehide"
	EventBeforeUnload     = "beforeunload"
)

// StateFunc 는 history.pushState / replaceState 와 같은 시그니처다.
type StateFunc func(state any, title, url string)

// Listener 는 이벤트 핸들러다.
type Listener func(Event)

// Event 는 페이지에서 발생한 이벤트 한 건이다.
// 이벤트 종류에 따라 필요한 필드만 채워진다.
type Event struct {
	Type string

	// click
	X, Y   float64
	Target *Element

	// visibilitychange
	Hidden bool
}

// Element 는 클릭 대상 DOM 요소의 최소 정보다. (selector 생성용)
type Element struct {
	Tag     string
	ID      string
	Classes []string
	Parent  *Element
}

// Window 는 tracker 가 필요로 하는 페이지 기능의 전부다.
type Window interface {
	Href() string
	Referrer() string
	UserAgent() string
	Viewport() (width, height int)
	Locale() string
	Timezone() string

	// history 함수는 교체 가능해야 한다. (navigation interceptor 가 감싸고, 해제 시 원본을 되돌린다)
	PushState() StateFunc
	SetPushState(StateFunc)
	ReplaceState() StateFunc
	SetReplaceState(StateFunc)

	// AddEventListener 는 리스너를 등록하고 해제 함수를 반환한다.
	AddEventListener(event string, fn Listener) (remove func())
}
