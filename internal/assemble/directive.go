package assemble

import "fmt"

// DirectiveKind says how the consumer should move its viewport.
type DirectiveKind int

const (
	// None leaves scrolling to the consumer.
	None DirectiveKind = iota
	ToPosition
	ToMessage
	ToBottom
)

// Directive accompanies every assembled list and is consumed once.
type Directive struct {
	Kind     DirectiveKind
	Index    int   // ToPosition
	OrderKey int64 // ToMessage
}

// PositionDirective scrolls to a list index.
func PositionDirective(index int) Directive {
	return Directive{Kind: ToPosition, Index: index}
}

// MessageDirective scrolls to the message with the given order key.
func MessageDirective(orderKey int64) Directive {
	return Directive{Kind: ToMessage, OrderKey: orderKey}
}

// BottomDirective scrolls to the newest message.
func BottomDirective() Directive {
	return Directive{Kind: ToBottom}
}

func (d Directive) String() string {
	switch d.Kind {
	case ToPosition:
		return fmt.Sprintf("ToPosition(%d)", d.Index)
	case ToMessage:
		return fmt.Sprintf("ToMessage(%d)", d.OrderKey)
	case ToBottom:
		return "ToBottom"
	default:
		return "None"
	}
}
