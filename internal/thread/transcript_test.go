package thread_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/llmail/internal/model"
	"github.com/nhle/llmail/internal/thread"
	"github.com/nhle/llmail/tests/testutil"
)

type fakeLookup struct {
	byID  map[string]model.Message
	calls int
}

func newLookup(msgs ...model.Message) *fakeLookup {
	f := &fakeLookup{byID: make(map[string]model.Message)}
	for _, m := range msgs {
		f.byID[m.ID.String()] = m
	}
	return f
}

func (f *fakeLookup) ByMessageID(_ context.Context, id string) (model.Message, error) {
	f.calls++
	m, ok := f.byID[id]
	if !ok {
		return model.Message{}, thread.ErrNotFound
	}
	return m, nil
}

func (f *fakeLookup) ByUID(_ context.Context, folder string, uid uint32) (model.Message, error) {
	for _, m := range f.byID {
		if m.Folder == folder && m.UID == uid {
			return m, nil
		}
	}
	return model.Message{}, thread.ErrNotFound
}

func TestBuildFromConversation(t *testing.T) {
	ix := indexOf(
		testutil.Msg("<m1@x>", alice, 0),
		testutil.Msg("<m3@x>", alice, 9, "<m1@x>", "<m2@x>"),
		testutil.Msg("<m2@x>", bot, 5, "<m1@x>"),
	)
	tr := thread.NewTranscriber(bot, "", nil, zerolog.Nop())

	entries, err := tr.Build(context.Background(), thread.FromConversation{Conversation: ix.Conversations()[0]})
	require.NoError(t, err)
	assert.Equal(t, []model.Entry{
		{Role: model.RoleUser, Content: "body of <m1@x>"},
		{Role: model.RoleAssistant, Content: "body of <m2@x>"},
		{Role: model.RoleUser, Content: "body of <m3@x>"},
	}, entries)
}

func TestSystemPromptPrepended(t *testing.T) {
	ix := indexOf(testutil.Msg("<m1@x>", alice, 0))
	tr := thread.NewTranscriber(bot, "Be brief.", nil, zerolog.Nop())

	entries, err := tr.Build(context.Background(), thread.FromConversation{Conversation: ix.Conversations()[0]})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, model.Entry{Role: model.RoleSystem, Content: "Be brief."}, entries[0])
	assert.Equal(t, model.RoleUser, entries[1].Role)
}

func TestBuildFromDeclaredIdentifierWalksChain(t *testing.T) {
	m1 := testutil.Msg("<m1@x>", alice, 0)
	m2 := testutil.Msg("<m2@x>", bot, 5, "<m1@x>")
	m3 := testutil.Msg("<m3@x>", alice, 9, "<m1@x>", "<m2@x>")
	lookup := newLookup(m1, m2, m3)
	tr := thread.NewTranscriber(bot, "", lookup, zerolog.Nop())

	entries, err := tr.Build(context.Background(), thread.FromDeclaredIdentifier{MessageID: "<m3@x>"})
	require.NoError(t, err)
	assert.Equal(t, []model.Entry{
		{Role: model.RoleUser, Content: "body of <m1@x>"},
		{Role: model.RoleAssistant, Content: "body of <m2@x>"},
		{Role: model.RoleUser, Content: "body of <m3@x>"},
	}, entries)
	// start plus two ancestors, one lookup each
	assert.Equal(t, 3, lookup.calls)
}

func TestBuildFromSequenceNumber(t *testing.T) {
	m1 := testutil.Msg("<m1@x>", alice, 0)
	m2 := testutil.Msg("<m2@x>", alice, 5, "<m1@x>")
	m2.UID = 17
	tr := thread.NewTranscriber(bot, "", newLookup(m1, m2), zerolog.Nop())

	entries, err := tr.Build(context.Background(), thread.FromSequenceNumber{Folder: "INBOX", UID: 17})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "body of <m1@x>", entries[0].Content)
}

func TestWalkTruncatesOnMissingAncestor(t *testing.T) {
	m2 := testutil.Msg("<m2@x>", bot, 5, "<m1@x>")
	m3 := testutil.Msg("<m3@x>", alice, 9, "<m1@x>", "<m2@x>")
	tr := thread.NewTranscriber(bot, "", newLookup(m2, m3), zerolog.Nop())

	entries, err := tr.Build(context.Background(), thread.FromDeclaredIdentifier{MessageID: "<m3@x>"})
	require.NoError(t, err)
	assert.Equal(t, []model.Entry{
		{Role: model.RoleAssistant, Content: "body of <m2@x>"},
		{Role: model.RoleUser, Content: "body of <m3@x>"},
	}, entries)
}

func TestUnresolvableStartIsLookupError(t *testing.T) {
	tr := thread.NewTranscriber(bot, "", newLookup(), zerolog.Nop())

	_, err := tr.Build(context.Background(), thread.FromDeclaredIdentifier{MessageID: "<gone@x>"})
	var lerr *thread.LookupError
	require.True(t, errors.As(err, &lerr))
	assert.Equal(t, "<gone@x>", lerr.ID)
	assert.ErrorIs(t, err, thread.ErrNotFound)
}

func TestWalkStopsOnCycle(t *testing.T) {
	a := testutil.Msg("<a@x>", alice, 0)
	a.InReplyTo = "<b@x>"
	b := testutil.Msg("<b@x>", alice, 1)
	b.InReplyTo = "<a@x>"
	lookup := newLookup(a, b)
	tr := thread.NewTranscriber(bot, "", lookup, zerolog.Nop())

	entries, err := tr.Build(context.Background(), thread.FromDeclaredIdentifier{MessageID: "<a@x>"})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Equal(t, 3, lookup.calls)
}

func TestWalkStopsAtMaxDepth(t *testing.T) {
	var msgs []model.Message
	for i := 0; i < 10; i++ {
		m := testutil.Msg(fmt.Sprintf("<%d@x>", i), alice, i)
		if i > 0 {
			m.InReplyTo = fmt.Sprintf("<%d@x>", i-1)
		}
		msgs = append(msgs, m)
	}
	tr := thread.NewTranscriber(bot, "", newLookup(msgs...), zerolog.Nop(), thread.WithMaxDepth(3))

	entries, err := tr.Build(context.Background(), thread.FromDeclaredIdentifier{MessageID: "<9@x>"})
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, "body of <6@x>", entries[0].Content)
	assert.Equal(t, "body of <9@x>", entries[3].Content)
}

func TestForTargetAutoWalksWhenParentNotIndexed(t *testing.T) {
	m1 := testutil.Msg("<m1@x>", alice, 0)
	// bot reply lives in Sent, which was not scanned
	m2 := testutil.Msg("<m2@x>", bot, 5, "<m1@x>")
	m3 := testutil.Msg("<m3@x>", alice, 9, "<m1@x>", "<m2@x>")
	ix := indexOf(m1, m3)
	e := thread.NewEligibility(bot, nil, zerolog.Nop())
	targets := e.Targets(context.Background(), ix)
	require.Len(t, targets, 1)

	tr := thread.NewTranscriber(bot, "", newLookup(m1, m2, m3), zerolog.Nop())
	entries, err := tr.ForTarget(context.Background(), targets[0])
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, []model.Role{model.RoleUser, model.RoleAssistant, model.RoleUser},
		[]model.Role{entries[0].Role, entries[1].Role, entries[2].Role})
}

func TestForTargetUsesConversationWhenComplete(t *testing.T) {
	m1 := testutil.Msg("<m1@x>", alice, 0)
	m2 := testutil.Msg("<m2@x>", bot, 5, "<m1@x>")
	m3 := testutil.Msg("<m3@x>", alice, 9, "<m1@x>", "<m2@x>")
	ix := indexOf(m1, m2, m3)
	lookup := newLookup()
	tr := thread.NewTranscriber(bot, "", lookup, zerolog.Nop())

	conv := ix.Conversations()[0]
	entries, err := tr.ForTarget(context.Background(), thread.Target{Conversation: conv, Message: m3})
	require.NoError(t, err)
	assert.Len(t, entries, 3)
	assert.Zero(t, lookup.calls)
}

func TestForTargetConversationModeNeverWalks(t *testing.T) {
	m1 := testutil.Msg("<m1@x>", alice, 0)
	m3 := testutil.Msg("<m3@x>", alice, 9, "<m1@x>", "<m2@x>")
	ix := indexOf(m1, m3)
	lookup := newLookup()
	tr := thread.NewTranscriber(bot, "", lookup, zerolog.Nop(), thread.WithHistory(model.HistoryConversation))

	entries, err := tr.ForTarget(context.Background(), thread.Target{Conversation: ix.Conversations()[0], Message: m3})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Zero(t, lookup.calls)
}
