// internal/tracker/selector.go
package tracker

import (
	"strings"

	"github.com/pastorenue/expothesis-sub001/internal/browser"
)

// 최대 몇 단계의 조상까지 selector 에 포함할지.
const selectorDepth = 4

// Selector 는 클릭된 요소의 best-effort CSS selector 를 만든다.
//
//	tag#id.class1.class2 > ...
//
// id 가 있는 요소를 만나면 더 올라가지 않는다. (id 는 문서 내 유일하다고 가정)
func Selector(el *browser.Element) string {
	var parts []string
	for depth := 0; el != nil && depth < selectorDepth; depth++ {
		parts = append(parts, segment(el))
		if el.ID != "" {
			break
		}
		el = el.Parent
	}

	// 안쪽 → 바깥쪽으로 모았으므로 뒤집는다.
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, " > ")
}

func segment(el *browser.Element) string {
	var sb strings.Builder
	tag := strings.ToLower(strings.TrimSpace(el.Tag))
	if tag == "" {
		tag = "*"
	}
	sb.WriteString(tag)
	if el.ID != "" {
		sb.WriteByte('#')
		sb.WriteString(el.ID)
	}
	for _, c := range el.Classes {
		if c = strings.TrimSpace(c); c != "" {
			sb.WriteByte('.')
			sb.WriteString(c)
		}
	}
	return sb.String()
}
