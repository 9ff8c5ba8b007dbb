package assemble

import (
	"testing"
	"time"

	"github.com/matheus3301/msglist/internal/selection"
	"github.com/matheus3301/msglist/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var (
	day1 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC).UnixMilli()
	day2 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC).UnixMilli()
)

func msg(id, author string, key, sentAt int64) store.Message {
	return store.Message{ID: id, RoomID: "r", AuthorID: author, OrderKey: key, SentAt: sentAt, Kind: store.KindText, Body: id}
}

func flags(res Result, f func(DisplayMessage) bool) []bool {
	out := make([]bool, len(res.Messages))
	for i, m := range res.Messages {
		out[i] = f(m)
	}
	return out
}

func ids(res Result) []string {
	out := make([]string, len(res.Messages))
	for i, m := range res.Messages {
		out[i] = m.ID
	}
	return out
}

func TestAdjacencyFlags(t *testing.T) {
	in := Input{
		Messages: []store.Message{
			msg("A", "alice", 1, day1),
			msg("B", "alice", 2, day1+60_000),
			msg("C", "alice", 3, day2),
		},
		Location: time.UTC,
	}
	res, err := Assemble(in)
	require.NoError(t, err)

	assert.Equal(t, []bool{true, false, true}, flags(res, func(m DisplayMessage) bool { return m.ShowDaySeparator }))
	assert.Equal(t, []bool{true, false, true}, flags(res, func(m DisplayMessage) bool { return m.ShowAuthorName }))
	assert.Equal(t, []bool{false, true, true}, flags(res, func(m DisplayMessage) bool { return m.ShowTimestamp }))
}

func TestAuthorChangeAndNotifyPredecessor(t *testing.T) {
	notify := store.Message{ID: "N", RoomID: "r", AuthorID: "alice", OrderKey: 2, SentAt: day1 + 1, Kind: store.KindNotify, Body: "bob joined"}
	in := Input{
		Messages: []store.Message{
			msg("A", "alice", 1, day1),
			notify,
			msg("B", "alice", 3, day1+2),
			msg("C", "bob", 4, day1+3),
		},
		Location: time.UTC,
	}
	res, err := Assemble(in)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false, true, true}, flags(res, func(m DisplayMessage) bool { return m.ShowAuthorName }))
	assert.Equal(t, []bool{false, false, true, true}, flags(res, func(m DisplayMessage) bool { return m.ShowTimestamp }))
}

func TestBlankNotifyDroppedBeforeAdjacency(t *testing.T) {
	blank := store.Message{ID: "N", RoomID: "r", OrderKey: 2, SentAt: day1 + 1, Kind: store.KindNotify, Body: "  "}
	in := Input{
		Messages: []store.Message{msg("A", "alice", 1, day1), blank, msg("B", "alice", 3, day1+2)},
		Location: time.UTC,
	}
	res, err := Assemble(in)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, ids(res))
	assert.False(t, res.Messages[1].ShowAuthorName, "adjacency computed on the filtered list")
	assert.False(t, res.Messages[0].ShowTimestamp)
}

func TestAnchorsStandInAtEdges(t *testing.T) {
	anchor := msg("Z", "alice", 0, day1-1000)
	next := msg("D", "alice", 9, day1+5)
	in := Input{
		Messages:     []store.Message{msg("A", "alice", 1, day1)},
		AnchorBefore: &anchor,
		AnchorAfter:  &next,
		Location:     time.UTC,
	}
	res, err := Assemble(in)
	require.NoError(t, err)
	m := res.Messages[0]
	assert.False(t, m.ShowDaySeparator)
	assert.False(t, m.ShowAuthorName)
	assert.False(t, m.ShowTimestamp)
}

func TestDayUsesOrderKeyWithoutSentAt(t *testing.T) {
	a := msg("A", "alice", day1, 0)
	b := msg("B", "alice", day2, 0)
	res, err := Assemble(Input{Messages: []store.Message{a, b}, Location: time.UTC})
	require.NoError(t, err)
	assert.True(t, res.Messages[1].ShowDaySeparator)
}

func TestOrderingViolation(t *testing.T) {
	in := Input{Messages: []store.Message{msg("A", "a", 2, day1), msg("B", "a", 1, day1)}}
	_, err := Assemble(in)
	require.ErrorIs(t, err, ErrOrderingViolation)

	equal := Input{Messages: []store.Message{msg("A", "a", 2, day1), msg("B", "a", 2, day1)}}
	_, err = Assemble(equal)
	assert.NoError(t, err, "equal keys are not a violation")
}

func TestDeterministicAndNoOp(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 30).Draw(t, "n")
		var msgs []store.Message
		key := int64(0)
		for i := range n {
			key += rapid.Int64Range(0, 3).Draw(t, "gap")
			author := rapid.SampledFrom([]string{"me", "alice", "bob"}).Draw(t, "author")
			sent := day1 + rapid.Int64Range(0, 3*24*3600*1000).Draw(t, "sent")
			m := msg(string(rune('a'+i)), author, key, sent)
			m.IsMine = author == "me"
			m.Ephemeral = rapid.Bool().Draw(t, "eph")
			msgs = append(msgs, m)
		}
		in := Input{
			Messages: msgs,
			ReadInfo: []store.ReadInfo{{UserID: "me", Position: key / 2}, {UserID: "alice", Position: key}},
			SelfID:   "me",
			Location: time.UTC,
		}
		first, err := Assemble(in)
		if err != nil {
			t.Fatal(err)
		}
		second, err := Assemble(in)
		if err != nil {
			t.Fatal(err)
		}
		assert.Equal(t, first.Messages, second.Messages)

		in.Previous = &first
		third, err := Assemble(in)
		if err != nil {
			t.Fatal(err)
		}
		if third.Changed {
			t.Fatalf("identical inputs reported as a change")
		}
	})
}

func TestContentChangeIsNotNoOp(t *testing.T) {
	a := msg("A", "alice", 1, day1)
	first, err := Assemble(Input{Messages: []store.Message{a}, Location: time.UTC})
	require.NoError(t, err)

	a.Body = "edited"
	second, err := Assemble(Input{Messages: []store.Message{a}, Previous: &first, Location: time.UTC})
	require.NoError(t, err)
	assert.True(t, second.Changed)
}

func base() []store.Message {
	return []store.Message{msg("a", "alice", 100, day1), msg("b", "bob", 200, day1+1), msg("c", "alice", 300, day1+2)}
}

func TestNewMessageAtBottomScrollsToBottom(t *testing.T) {
	prev, err := Assemble(Input{Messages: base(), Location: time.UTC})
	require.NoError(t, err)

	grown := append(base(), msg("d", "bob", 400, day1+3))
	res, err := Assemble(Input{Messages: grown, Previous: &prev, WasAtBottom: true, Location: time.UTC})
	require.NoError(t, err)
	assert.Len(t, res.Messages, 4)
	assert.Equal(t, BottomDirective(), res.Directive)
	assert.True(t, res.Changed)
}

func TestNewMessageScrolledUpKeepsViewport(t *testing.T) {
	prev, err := Assemble(Input{Messages: base(), Location: time.UTC})
	require.NoError(t, err)

	grown := append(base(), msg("d", "bob", 400, day1+3))
	res, err := Assemble(Input{Messages: grown, Previous: &prev, WasAtBottom: false, Location: time.UTC})
	require.NoError(t, err)
	assert.Equal(t, Directive{}, res.Directive)
}

func TestPrependAtBottomDoesNotScroll(t *testing.T) {
	prev, err := Assemble(Input{Messages: base(), Location: time.UTC})
	require.NoError(t, err)

	grown := append([]store.Message{msg("z", "bob", 50, day1-1)}, base()...)
	res, err := Assemble(Input{Messages: grown, Previous: &prev, WasAtBottom: true, Location: time.UTC})
	require.NoError(t, err)
	assert.Equal(t, None, res.Directive.Kind)
}

func TestTrimmedWindowStillFollowsTail(t *testing.T) {
	prev, err := Assemble(Input{Messages: base(), Location: time.UTC})
	require.NoError(t, err)

	// The head was trimmed to make room for the new tail message.
	shifted := append(base()[1:], msg("d", "bob", 400, day1+3))
	res, err := Assemble(Input{Messages: shifted, Previous: &prev, WasAtBottom: true, Location: time.UTC})
	require.NoError(t, err)
	assert.Len(t, res.Messages, 3)
	assert.Equal(t, BottomDirective(), res.Directive)

	edited := base()
	edited[2].Body = "edited"
	res, err = Assemble(Input{Messages: edited, Previous: &prev, WasAtBottom: true, Location: time.UTC})
	require.NoError(t, err)
	assert.Equal(t, None, res.Directive.Kind, "an edit of the newest message is not a new tail")
}

func TestPendingDirectiveWins(t *testing.T) {
	pending := MessageDirective(200)
	prev, err := Assemble(Input{Messages: base(), Location: time.UTC})
	require.NoError(t, err)
	grown := append(base(), msg("d", "bob", 400, day1+3))
	res, err := Assemble(Input{Messages: grown, Previous: &prev, WasAtBottom: true, Pending: &pending, Location: time.UTC})
	require.NoError(t, err)
	assert.Equal(t, pending, res.Directive)
	assert.Equal(t, "ToMessage(200)", res.Directive.String())
}

func TestSelectionAnnotationsAndDroppedIDs(t *testing.T) {
	eph := msg("e", "bob", 400, day1+3)
	eph.Ephemeral = true
	sel := selection.State{
		EditMode: true,
		Selected: map[string]struct{}{"b": {}, "gone": {}},
	}
	res, err := Assemble(Input{Messages: append(base(), eph), Selection: sel, Location: time.UTC})
	require.NoError(t, err)

	assert.Equal(t, []bool{false, true, false, false}, flags(res, func(m DisplayMessage) bool { return m.IsSelected }))
	assert.Equal(t, []bool{true, true, true, false}, flags(res, func(m DisplayMessage) bool { return m.IsEditable }))
	assert.Equal(t, []string{"gone"}, res.DroppedSelection)
}

func TestReadAnnotations(t *testing.T) {
	msgs := []store.Message{
		msg("a", "alice", 100, day1),
		msg("m1", "me", 200, day1+1),
		msg("b", "alice", 300, day1+2),
		msg("m2", "me", 400, day1+3),
		msg("c", "bob", 500, day1+4),
	}
	msgs[1].IsMine = true
	msgs[3].IsMine = true
	in := Input{
		Messages: msgs,
		SelfID:   "me",
		ReadInfo: []store.ReadInfo{
			{UserID: "me", Position: 200},
			{UserID: "alice", Position: 450},
			{UserID: "bob", Position: 250},
		},
		Location: time.UTC,
	}
	res, err := Assemble(in)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Messages[1].ReadCount, "alice and bob read past m1")
	assert.Equal(t, 1, res.Messages[3].ReadCount, "only alice read past m2")
	assert.Equal(t, []bool{false, false, true, false, false}, flags(res, func(m DisplayMessage) bool { return m.ShowUnreadDivider }))
	assert.Equal(t, 2, res.UnreadCount)
}

type names map[string]string

func (n names) DisplayName(id string) string {
	if v, ok := n[id]; ok {
		return v
	}
	return id
}

type coverAll struct{}

func (coverAll) Covered(m store.Message) bool { return m.Ephemeral && !m.IsMine }

func TestNamesAndCover(t *testing.T) {
	eph := msg("e", "bob", 400, day1+3)
	eph.Ephemeral = true
	res, err := Assemble(Input{
		Messages: append(base(), eph),
		Names:    names{"alice": "Alice"},
		Cover:    coverAll{},
		Location: time.UTC,
	})
	require.NoError(t, err)
	assert.Equal(t, "Alice", res.Messages[0].AuthorName)
	assert.Equal(t, "bob", res.Messages[1].AuthorName)
	assert.True(t, res.Messages[3].Covered)
	assert.False(t, res.Messages[0].Covered)
}
