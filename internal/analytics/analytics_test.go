package analytics

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/go-huddle/internal/database"
	"github.com/npezzotti/go-huddle/internal/stats"
	"github.com/npezzotti/go-huddle/internal/testutil"
	"github.com/npezzotti/go-huddle/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestAggregator(t *testing.T, repo database.RoomRepository, sp stats.StatsProvider) *Aggregator {
	a := New(repo, sp, testutil.TestLogger(t), time.Second)
	a.now = func() time.Time { return time.Date(2024, 5, 1, 17, 45, 0, 0, time.UTC) }
	return a
}

func TestOnJoinAndOnMessage(t *testing.T) {
	repo := database.NewMemoryRoomRepository(nil)
	_, err := repo.CreateRoom(context.Background(), types.Room{Id: "abc", Name: "Room abc", Capacity: 10})
	require.NoError(t, err)

	sp := &stats.MockStatsUpdater{}
	sp.On("RegisterCounter", stats.AnalyticsFailures).Return()
	a := newTestAggregator(t, repo, sp)

	a.OnJoin(context.Background(), "abc", 1)
	a.OnJoin(context.Background(), "abc", 2)
	a.OnMessage(context.Background(), "abc")

	got, err := a.Get(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.TotalParticipants)
	assert.Equal(t, 2, got.PeakConcurrentUsers)
	assert.Equal(t, int64(1), got.MessagesExchanged)
	assert.Equal(t, int64(2), got.HourlyActivity[17], "expected joins bucketed by UTC hour")
	sp.AssertNotCalled(t, "Incr", stats.AnalyticsFailures)
}

func TestPeakUnderInterleavedJoins(t *testing.T) {
	repo := database.NewMemoryRoomRepository(nil)
	_, err := repo.CreateRoom(context.Background(), types.Room{Id: "abc", Name: "Room abc", Capacity: 50})
	require.NoError(t, err)

	sp := &stats.MockStatsUpdater{}
	sp.On("RegisterCounter", stats.AnalyticsFailures).Return()
	a := newTestAggregator(t, repo, sp)

	// live counts committed by concurrent joins, reported out of order
	counts := []int{3, 1, 7, 2, 5, 4, 6}
	var wg sync.WaitGroup
	for _, c := range counts {
		wg.Add(1)
		go func(live int) {
			defer wg.Done()
			a.OnJoin(context.Background(), "abc", live)
		}(c)
	}
	wg.Wait()

	got, err := a.Get(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, 7, got.PeakConcurrentUsers, "expected peak to equal the highest observed count")
	assert.Equal(t, int64(len(counts)), got.TotalParticipants)
}

func TestFailuresAreNotPropagated(t *testing.T) {
	repo := &database.MockRoomRepository{}
	repo.On("RecordJoin", mock.Anything, "abc", 1, 17, mock.Anything).Return(errors.New("connection reset"))
	repo.On("RecordMessage", mock.Anything, "abc", mock.Anything).Return(errors.New("connection reset"))

	sp := &stats.MockStatsUpdater{}
	sp.On("RegisterCounter", stats.AnalyticsFailures).Return()
	sp.On("Incr", stats.AnalyticsFailures).Return()
	a := newTestAggregator(t, repo, sp)

	assert.NotPanics(t, func() {
		a.OnJoin(context.Background(), "abc", 1)
		a.OnMessage(context.Background(), "abc")
	})
	sp.AssertNumberOfCalls(t, "Incr", 2)
	repo.AssertExpectations(t)
}

func TestOnJoinSurvivesCancelledCaller(t *testing.T) {
	repo := database.NewMemoryRoomRepository(nil)
	_, err := repo.CreateRoom(context.Background(), types.Room{Id: "abc", Name: "Room abc", Capacity: 10})
	require.NoError(t, err)

	sp := &stats.MockStatsUpdater{}
	sp.On("RegisterCounter", stats.AnalyticsFailures).Return()
	a := newTestAggregator(t, repo, sp)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a.OnJoin(ctx, "abc", 1)

	got, err := a.Get(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.TotalParticipants, "expected update to complete after the caller went away")
}
