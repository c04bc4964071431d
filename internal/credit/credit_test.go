package credit

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/abi-engine/internal/model"
	"github.com/sells-group/abi-engine/internal/notify"
)

func TestEstimate(t *testing.T) {
	assert.Equal(t, 500, Estimate(model.StudyMarketAnalysis).Credits)
	assert.Equal(t, "10-15 min", Estimate(model.StudyMarketAnalysis).Time)
	assert.Equal(t, 450, Estimate(model.StudyCostModel).Credits)
	assert.Equal(t, 600, Estimate(model.StudySourcing).Credits)
	assert.Equal(t, Estimate(model.StudyCustom), Estimate("unheard_of"))
	for _, st := range model.StudyTypes {
		_, ok := StudyPrices[st]
		assert.True(t, ok, st)
	}
}

func TestCreditsUsed(t *testing.T) {
	tests := []struct {
		reserved, sources, want int
	}{
		{500, 0, 400},
		{500, 10, 450},
		{500, 20, 500},
		{500, 45, 500},
		{450, 7, 392},
	}
	for _, tt := range tests {
		got := CreditsUsed(tt.reserved, tt.sources)
		assert.Equal(t, tt.want, got, "reserved=%d sources=%d", tt.reserved, tt.sources)
		assert.LessOrEqual(t, got, tt.reserved)
	}
}

func TestLedger_ReserveSettle(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(1000)

	id, err := l.Reserve(ctx, "u1", 500)
	require.NoError(t, err)
	assert.Equal(t, 500, l.Balance("u1"))

	bal, err := l.Settle(ctx, id, 420)
	require.NoError(t, err)
	assert.Equal(t, 580, bal)

	r, ok := l.Reservation(id)
	require.True(t, ok)
	assert.Equal(t, ReservationSettled, r.Status)
	assert.Equal(t, r.Amount, r.Settled+r.Refunded)
	assert.NotNil(t, r.ResolvedAt)
}

func TestLedger_Refund(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(1000)

	id, err := l.Reserve(ctx, "u1", 600)
	require.NoError(t, err)

	bal, err := l.Refund(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1000, bal)

	r, _ := l.Reservation(id)
	assert.Equal(t, ReservationRefunded, r.Status)
	assert.Equal(t, 600, r.Refunded)
	assert.Equal(t, 0, r.Settled)
}

func TestLedger_TerminalIsNoOp(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(1000)

	id, err := l.Reserve(ctx, "u1", 500)
	require.NoError(t, err)
	_, err = l.Refund(ctx, id)
	require.NoError(t, err)

	bal, err := l.Refund(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1000, bal)

	bal, err = l.Settle(ctx, id, 100)
	require.NoError(t, err)
	assert.Equal(t, 1000, bal)

	r, _ := l.Reservation(id)
	assert.Equal(t, 500, r.Refunded)
	assert.Equal(t, 0, r.Settled)
}

func TestLedger_Overage(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(1000)

	id, err := l.Reserve(ctx, "u1", 400)
	require.NoError(t, err)

	_, err = l.Settle(ctx, id, 401)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOverage))

	r, _ := l.Reservation(id)
	assert.Equal(t, ReservationHeld, r.Status)

	bal, err := l.Refund(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1000, bal)
}

func TestLedger_Errors(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(100)

	_, err := l.Reserve(ctx, "u1", 500)
	assert.True(t, errors.Is(err, ErrInsufficientCredits))
	assert.Equal(t, 100, l.Balance("u1"))

	_, err = l.Reserve(ctx, "u1", 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = l.Settle(ctx, "missing", 1)
	assert.ErrorIs(t, err, ErrUnknownReservation)
	_, err = l.Refund(ctx, "missing")
	assert.ErrorIs(t, err, ErrUnknownReservation)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = l.Reserve(cancelled, "u1", 10)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLedger_TopUp(t *testing.T) {
	l := NewLedger(0)
	bal, err := l.TopUp("u1", 250)
	require.NoError(t, err)
	assert.Equal(t, 250, bal)
	_, err = l.TopUp("u1", -1)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestLedger_ConcurrentSettleRefund(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(10_000)

	ids := make([]string, 20)
	for i := range ids {
		id, err := l.Reserve(ctx, "u1", 300)
		require.NoError(t, err)
		ids[i] = id
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = l.Settle(ctx, id, 250)
		}()
		go func() {
			defer wg.Done()
			_, _ = l.Refund(ctx, id)
		}()
	}
	wg.Wait()

	spent := 0
	for _, id := range ids {
		r, _ := l.Reservation(id)
		assert.True(t, r.Terminal())
		assert.Equal(t, r.Amount, r.Settled+r.Refunded)
		spent += r.Settled
	}
	assert.Equal(t, 10_000-spent, l.Balance("u1"))
}

func TestThresholds_LevelFor(t *testing.T) {
	th := Thresholds{AutoApprove: 500, TeamLead: 2000}
	assert.Equal(t, LevelAuto, th.LevelFor(500))
	assert.Equal(t, LevelTeamLead, th.LevelFor(501))
	assert.Equal(t, LevelTeamLead, th.LevelFor(2000))
	assert.Equal(t, LevelAdmin, th.LevelFor(2001))
}

func TestApprovals_AutoApproved(t *testing.T) {
	bus := notify.NewBus(4)
	defer bus.Close()
	sub := bus.Subscribe(notify.TopicApprovalPending)

	a := NewApprovals(Thresholds{AutoApprove: 500, TeamLead: 2000}, bus)
	r, err := a.Submit(context.Background(), SubmitInput{Type: RequestDeepResearch, Title: "Lithium study", EstimatedCredits: 500})
	require.NoError(t, err)

	assert.Equal(t, LevelAuto, r.Level)
	assert.Equal(t, StatusApproved, r.Status)
	assert.Empty(t, a.Pending())
	assert.Empty(t, sub.C())
}

func TestApprovals_PendingApproveReject(t *testing.T) {
	ctx := context.Background()
	bus := notify.NewBus(4)
	defer bus.Close()
	sub := bus.Subscribe()

	a := NewApprovals(Thresholds{AutoApprove: 100, TeamLead: 2000}, bus)
	var resolved []Request
	a.OnResolve(func(r Request) { resolved = append(resolved, r) })

	first, err := a.Submit(ctx, SubmitInput{Type: RequestDeepResearch, Title: "Sourcing study", EstimatedCredits: 600})
	require.NoError(t, err)
	second, err := a.Submit(ctx, SubmitInput{Type: RequestDeepResearch, Title: "Big study", EstimatedCredits: 5000})
	require.NoError(t, err)

	assert.Equal(t, LevelTeamLead, first.Level)
	assert.Equal(t, LevelAdmin, second.Level)
	pending := a.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID)

	e := <-sub.C()
	assert.Equal(t, notify.TopicApprovalPending, e.Topic)
	assert.Equal(t, first.ID, e.Details["request_id"])
	<-sub.C()

	approved, err := a.Approve(ctx, first.ID, "lead@example.com")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, approved.Status)
	assert.Equal(t, notify.TopicApprovalResolved, (<-sub.C()).Topic)

	rejected, err := a.Reject(ctx, second.ID, "admin@example.com", "too expensive")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, rejected.Status)
	assert.Equal(t, "too expensive", rejected.Note)

	_, err = a.Approve(ctx, first.ID, "again")
	assert.ErrorIs(t, err, ErrNotPending)
	_, err = a.Approve(ctx, "missing", "x")
	assert.ErrorIs(t, err, ErrUnknownRequest)

	require.Len(t, resolved, 2)
	assert.Equal(t, first.ID, resolved[0].ID)
	assert.Empty(t, a.Pending())
}
