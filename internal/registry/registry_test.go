package registry

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/go-chatsync/internal/api"
	"github.com/npezzotti/go-chatsync/internal/testutil"
	"github.com/npezzotti/go-chatsync/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func at(minutes int) *time.Time {
	t := base.Add(time.Duration(minutes) * time.Minute)
	return &t
}

func ids(conversations []types.ConversationSummary) []string {
	out := make([]string, len(conversations))
	for i, c := range conversations {
		out[i] = c.Id
	}
	return out
}

func newLoadedRegistry(t *testing.T, conversations []types.ConversationSummary) (*Registry, *api.MockClient) {
	client := &api.MockClient{}
	client.On("ListConversations", mock.Anything).Return(conversations, nil).Once()

	r := New(testutil.TestLogger(t), "me", client)
	require.NoError(t, r.LoadAll(context.Background()))
	return r, client
}

func TestLoadAllSortsAndSums(t *testing.T) {
	r, client := newLoadedRegistry(t, []types.ConversationSummary{
		{Id: "old", UnreadCount: 1, LastMessageAt: at(1)},
		{Id: "empty"},
		{Id: "new", UnreadCount: 2, LastMessageAt: at(10)},
		{Id: "negative", UnreadCount: -4, LastMessageAt: at(5)},
	})
	client.AssertExpectations(t)

	assert.True(t, r.Loaded())
	assert.Equal(t, []string{"new", "negative", "old", "empty"}, ids(r.Conversations()))
	assert.Equal(t, 3, r.UnreadTotal())

	c, ok := r.Get("negative")
	require.True(t, ok)
	assert.Equal(t, 0, c.UnreadCount, "expected negative counts to be clamped")
}

func TestLoadAllFailureKeepsState(t *testing.T) {
	r, client := newLoadedRegistry(t, []types.ConversationSummary{{Id: "c1", UnreadCount: 2}})
	client.On("ListConversations", mock.Anything).Return(nil, errors.New("boom")).Once()

	err := r.LoadAll(context.Background())
	assert.ErrorContains(t, err, "load conversations")
	assert.Equal(t, []string{"c1"}, ids(r.Conversations()))
	assert.Equal(t, 2, r.UnreadTotal())
}

func TestLoadAllDiscardsSupersededResult(t *testing.T) {
	client := &api.MockClient{}
	release := make(chan struct{})
	started := make(chan struct{})

	client.On("ListConversations", mock.Anything).
		Run(func(mock.Arguments) {
			close(started)
			<-release
		}).
		Return([]types.ConversationSummary{{Id: "stale"}}, nil).Once()
	client.On("ListConversations", mock.Anything).
		Return([]types.ConversationSummary{{Id: "fresh"}}, nil).Once()

	r := New(testutil.TestLogger(t), "me", client)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, r.LoadAll(context.Background()))
	}()

	<-started
	require.NoError(t, r.LoadAll(context.Background()))
	close(release)
	wg.Wait()

	assert.Equal(t, []string{"fresh"}, ids(r.Conversations()))
}

func TestLiveMessagesDuringLoadAllSurvive(t *testing.T) {
	tcases := []struct {
		name       string
		loaded     types.ConversationSummary
		live       []types.Message
		wantUnread int
		wantText   string
	}{
		{
			name:       "snapshot predates live message",
			loaded:     types.ConversationSummary{Id: "c1", LastMessageText: "old", LastMessageAt: at(1)},
			live:       []types.Message{{Id: "m2", ConversationId: "c1", SenderId: "peer", Text: "hi", CreatedAt: *at(5)}},
			wantUnread: 1,
			wantText:   "hi",
		},
		{
			name:       "snapshot already reflects live message",
			loaded:     types.ConversationSummary{Id: "c1", LastMessageText: "hi", LastMessageAt: at(5), UnreadCount: 1},
			live:       []types.Message{{Id: "m2", ConversationId: "c1", SenderId: "peer", Text: "hi", CreatedAt: *at(5)}},
			wantUnread: 1,
			wantText:   "hi",
		},
		{
			name:   "out of order live messages",
			loaded: types.ConversationSummary{Id: "c1", LastMessageText: "old", LastMessageAt: at(1)},
			live: []types.Message{
				{Id: "m3", ConversationId: "c1", SenderId: "peer", Text: "later", CreatedAt: *at(6)},
				{Id: "m2", ConversationId: "c1", SenderId: "peer", Text: "earlier", CreatedAt: *at(5)},
			},
			wantUnread: 2,
			wantText:   "later",
		},
		{
			name:       "own message keeps unread",
			loaded:     types.ConversationSummary{Id: "c1", LastMessageText: "old", LastMessageAt: at(1)},
			live:       []types.Message{{Id: "m2", ConversationId: "c1", SenderId: "me", Text: "mine", CreatedAt: *at(5)}},
			wantUnread: 0,
			wantText:   "mine",
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			r, client := newLoadedRegistry(t, []types.ConversationSummary{
				{Id: "c1", LastMessageText: "old", LastMessageAt: at(1)},
			})

			release := make(chan struct{})
			started := make(chan struct{})
			client.On("ListConversations", mock.Anything).
				Run(func(mock.Arguments) {
					close(started)
					<-release
				}).
				Return([]types.ConversationSummary{tc.loaded}, nil).Once()

			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, r.LoadAll(context.Background()))
			}()

			<-started
			for _, msg := range tc.live {
				require.True(t, r.ApplyIncomingMessage(msg))
			}
			close(release)
			wg.Wait()

			c, ok := r.Get("c1")
			require.True(t, ok)
			assert.Equal(t, tc.wantUnread, c.UnreadCount)
			assert.Equal(t, tc.wantText, c.LastMessageText)
			assert.Equal(t, tc.wantUnread, r.UnreadTotal())

			for _, msg := range tc.live {
				r.ApplyIncomingMessage(msg)
			}
			assert.Equal(t, tc.wantUnread, r.UnreadTotal(), "expected redelivery to change nothing")
		})
	}
}

func TestLoadAllFailureForgetsLiveMessages(t *testing.T) {
	r, client := newLoadedRegistry(t, []types.ConversationSummary{{Id: "c1", LastMessageAt: at(1)}})
	client.On("ListConversations", mock.Anything).Return(nil, errors.New("boom")).Once()
	client.On("ListConversations", mock.Anything).
		Return([]types.ConversationSummary{{Id: "c1", LastMessageAt: at(1)}}, nil).Once()

	require.Error(t, r.LoadAll(context.Background()))
	require.True(t, r.ApplyIncomingMessage(types.Message{Id: "m2", ConversationId: "c1", SenderId: "peer", CreatedAt: *at(5)}))
	require.NoError(t, r.LoadAll(context.Background()))

	assert.Equal(t, 0, r.UnreadTotal(), "expected only messages from the running load to be applied again")
}

func TestApplyIncomingMessage(t *testing.T) {
	tcases := []struct {
		name       string
		msg        types.Message
		known      bool
		wantOrder  []string
		wantUnread int
		wantText   string
	}{
		{
			name:       "from peer bumps unread and moves to top",
			msg:        types.Message{Id: "m1", ConversationId: "c2", SenderId: "peer", Text: "hi", CreatedAt: *at(20)},
			known:      true,
			wantOrder:  []string{"c2", "c1"},
			wantUnread: 2,
			wantText:   "hi",
		},
		{
			name:       "own message does not bump unread",
			msg:        types.Message{Id: "m2", ConversationId: "c2", SenderId: "me", Text: "mine", CreatedAt: *at(20)},
			known:      true,
			wantOrder:  []string{"c2", "c1"},
			wantUnread: 1,
			wantText:   "mine",
		},
		{
			name:       "late message keeps newer preview",
			msg:        types.Message{Id: "m3", ConversationId: "c1", SenderId: "peer", Text: "late", CreatedAt: *at(1)},
			known:      true,
			wantOrder:  []string{"c1", "c2"},
			wantUnread: 2,
			wantText:   "latest",
		},
		{
			name:       "unknown conversation changes nothing",
			msg:        types.Message{Id: "m4", ConversationId: "nope", SenderId: "peer", CreatedAt: *at(30)},
			known:      false,
			wantOrder:  []string{"c1", "c2"},
			wantUnread: 1,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			r, _ := newLoadedRegistry(t, []types.ConversationSummary{
				{Id: "c1", UnreadCount: 1, LastMessageAt: at(10), LastMessageText: "latest"},
				{Id: "c2", LastMessageAt: at(5)},
			})

			assert.Equal(t, tc.known, r.ApplyIncomingMessage(tc.msg))
			assert.Equal(t, tc.wantOrder, ids(r.Conversations()))
			assert.Equal(t, tc.wantUnread, r.UnreadTotal())

			if tc.known {
				c, _ := r.Get(tc.msg.ConversationId)
				assert.Equal(t, tc.wantText, c.LastMessageText)
			}
		})
	}
}

func TestDuplicateDeliveryCountsOnce(t *testing.T) {
	r, _ := newLoadedRegistry(t, []types.ConversationSummary{{Id: "c1", LastMessageAt: at(0)}})

	msg := types.Message{Id: "m1", ConversationId: "c1", SenderId: "peer", Text: "hello", CreatedAt: *at(1)}
	assert.True(t, r.ApplyIncomingMessage(msg))
	assert.True(t, r.ApplyIncomingMessage(msg))

	c, _ := r.Get("c1")
	assert.Equal(t, 1, c.UnreadCount)
	assert.Equal(t, 1, r.UnreadTotal())
}

func TestApplyReadReceipt(t *testing.T) {
	r, _ := newLoadedRegistry(t, []types.ConversationSummary{
		{Id: "c1", UnreadCount: 3},
		{Id: "c2", UnreadCount: 2},
	})

	assert.False(t, r.ApplyReadReceipt("c1", "peer"), "expected a peer's receipt to be ignored")
	assert.Equal(t, 5, r.UnreadTotal())

	assert.True(t, r.ApplyReadReceipt("c1", "me"))
	assert.Equal(t, 2, r.UnreadTotal())
	c, _ := r.Get("c1")
	assert.Equal(t, 0, c.UnreadCount)

	assert.False(t, r.ApplyReadReceipt("nope", "me"))
}

func TestCreateOrAttach(t *testing.T) {
	r, client := newLoadedRegistry(t, []types.ConversationSummary{
		{Id: "c1", UnreadCount: 1, LastMessageAt: at(1), Business: types.Business{Id: "b1"}},
	})
	client.On("CreateConversation", mock.Anything, "b2").
		Return(types.ConversationSummary{Id: "c2", Business: types.Business{Id: "b2"}}, nil).Once()
	client.On("CreateConversation", mock.Anything, "b1").
		Return(types.ConversationSummary{Id: "c1", UnreadCount: 9, Business: types.Business{Id: "b1"}}, nil).Once()
	client.On("CreateConversation", mock.Anything, "b3").
		Return(types.ConversationSummary{}, errors.New("boom")).Once()

	conv, err := r.CreateOrAttach(context.Background(), "b2")
	require.NoError(t, err)
	assert.Equal(t, "c2", conv.Id)
	assert.Equal(t, []string{"c2", "c1"}, ids(r.Conversations()), "expected new conversation first")

	conv, err = r.CreateOrAttach(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, 1, conv.UnreadCount, "expected the existing entry")
	assert.Len(t, r.Conversations(), 2)
	assert.Equal(t, 1, r.UnreadTotal())

	_, err = r.CreateOrAttach(context.Background(), "b3")
	assert.ErrorContains(t, err, "create conversation")
	assert.Len(t, r.Conversations(), 2)

	_, err = r.CreateOrAttach(context.Background(), "")
	assert.Error(t, err)
	client.AssertExpectations(t)
}

func TestChangesPublishesSnapshots(t *testing.T) {
	r, _ := newLoadedRegistry(t, []types.ConversationSummary{{Id: "c1"}})

	var snaps []Snapshot
	r.Changes.Subscribe(func(s Snapshot) { snaps = append(snaps, s) })

	r.ApplyIncomingMessage(types.Message{Id: "m1", ConversationId: "c1", SenderId: "peer", CreatedAt: *at(1)})
	r.ApplyIncomingMessage(types.Message{Id: "m1", ConversationId: "c1", SenderId: "peer", CreatedAt: *at(1)})
	r.ApplyReadReceipt("c1", "me")

	require.Len(t, snaps, 2, "expected the duplicate to publish nothing")
	assert.Equal(t, 1, snaps[0].UnreadTotal)
	assert.Equal(t, 0, snaps[1].UnreadTotal)

	snaps[0].Conversations[0].UnreadCount = 99
	c, _ := r.Get("c1")
	assert.Equal(t, 0, c.UnreadCount, "expected snapshots to be copies")
}

// The aggregate always equals the sum of per-conversation counts, whatever
// the sequence of events.
func TestUnreadTotalMatchesSum(t *testing.T) {
	r, _ := newLoadedRegistry(t, []types.ConversationSummary{
		{Id: "c1", UnreadCount: 2}, {Id: "c2"}, {Id: "c3", UnreadCount: 1},
	})

	rng := rand.New(rand.NewPCG(1, 2))
	convs := []string{"c1", "c2", "c3", "unknown"}
	senders := []string{"me", "peer"}
	for i := 0; i < 500; i++ {
		conv := convs[rng.IntN(len(convs))]
		switch rng.IntN(3) {
		case 0, 1:
			r.ApplyIncomingMessage(types.Message{
				Id:             "m" + string(rune('a'+rng.IntN(26))) + string(rune('a'+rng.IntN(26))),
				ConversationId: conv,
				SenderId:       senders[rng.IntN(2)],
				CreatedAt:      *at(i),
			})
		case 2:
			r.ApplyReadReceipt(conv, senders[rng.IntN(2)])
		}

		sum := 0
		for _, c := range r.Conversations() {
			assert.GreaterOrEqual(t, c.UnreadCount, 0)
			sum += c.UnreadCount
		}
		require.Equal(t, sum, r.UnreadTotal(), "iteration %d", i)
	}
}

func TestSeenSetEvictsOldest(t *testing.T) {
	s := newSeenSet(2)
	assert.True(t, s.add("a"))
	assert.True(t, s.add("b"))
	assert.False(t, s.add("a"))
	assert.True(t, s.add("c"))
	assert.True(t, s.add("a"), "expected a to have been evicted")
	assert.False(t, s.add("c"))
}
