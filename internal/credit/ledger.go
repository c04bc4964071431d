// Package credit holds research credit balances, per-job reservations, and the
// approval queue for expensive requests.
package credit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Sentinel errors.
var (
	ErrInsufficientCredits = eris.New("credit: insufficient credits")
	ErrInvalidAmount       = eris.New("credit: amount must be positive")
	ErrUnknownReservation  = eris.New("credit: unknown reservation")
	ErrOverage             = eris.New("credit: actual usage exceeds reservation")
)

// ReservationStatus is the lifecycle state of a reservation.
type ReservationStatus string

const (
	ReservationHeld     ReservationStatus = "held"
	ReservationSettled  ReservationStatus = "settled"
	ReservationRefunded ReservationStatus = "refunded"
)

// Reservation is a held credit amount bound to a job. Once terminal,
// Settled + Refunded == Amount.
type Reservation struct {
	ID         string            `json:"id"`
	UserID     string            `json:"userId"`
	Amount     int               `json:"amount"`
	Settled    int               `json:"settled"`
	Refunded   int               `json:"refunded"`
	Status     ReservationStatus `json:"status"`
	CreatedAt  time.Time         `json:"createdAt"`
	ResolvedAt *time.Time        `json:"resolvedAt,omitempty"`
}

// Terminal reports whether the reservation has been settled or refunded.
func (r Reservation) Terminal() bool { return r.Status != ReservationHeld }

// Ledger is an in-memory credit ledger. Users start with the default balance
// the first time they are seen.
type Ledger struct {
	mu             sync.Mutex
	defaultBalance int
	balances       map[string]int
	reservations   map[string]*Reservation
	now            func() time.Time
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithLedgerClock sets the ledger clock.
func WithLedgerClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates a ledger.
func NewLedger(defaultBalance int, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		defaultBalance: defaultBalance,
		balances:       make(map[string]int),
		reservations:   make(map[string]*Reservation),
		now:            time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Ledger) balanceLocked(userID string) int {
	b, ok := l.balances[userID]
	if !ok {
		b = l.defaultBalance
		l.balances[userID] = b
	}
	return b
}

// Balance returns the available (unreserved) balance for userID.
func (l *Ledger) Balance(userID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balanceLocked(userID)
}

// TopUp adds credits to userID and returns the new balance.
func (l *Ledger) TopUp(userID string, amount int) (int, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.balanceLocked(userID) + amount
	l.balances[userID] = b
	return b, nil
}

// Reserve holds amount credits for userID and returns the reservation id.
func (l *Ledger) Reserve(ctx context.Context, userID string, amount int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", eris.Wrap(err, "credit: reserve")
	}
	if amount <= 0 {
		return "", ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.balanceLocked(userID)
	if b < amount {
		return "", eris.Wrapf(ErrInsufficientCredits, "credit: reserve %d with balance %d", amount, b)
	}
	l.balances[userID] = b - amount

	r := &Reservation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Amount:    amount,
		Status:    ReservationHeld,
		CreatedAt: l.now().UTC(),
	}
	l.reservations[r.ID] = r

	zap.L().Debug("credit: reserved",
		zap.String("reservation_id", r.ID),
		zap.String("user_id", userID),
		zap.Int("amount", amount),
	)
	return r.ID, nil
}

// Settle charges actual credits against the reservation, returns the
// remainder to the user, and returns the new balance. An actual above the
// reserved amount fails with ErrOverage and leaves the reservation held.
// Settling or refunding a terminal reservation is a no-op.
func (l *Ledger) Settle(ctx context.Context, reservationID string, actual int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, eris.Wrap(err, "credit: settle")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.reservations[reservationID]
	if !ok {
		return 0, ErrUnknownReservation
	}
	if r.Terminal() {
		return l.balanceLocked(r.UserID), nil
	}
	if actual < 0 {
		return 0, ErrInvalidAmount
	}
	if actual > r.Amount {
		return l.balanceLocked(r.UserID), eris.Wrapf(ErrOverage, "credit: settle %d against %d", actual, r.Amount)
	}

	r.Settled = actual
	r.Refunded = r.Amount - actual
	r.Status = ReservationSettled
	l.resolveLocked(r)

	b := l.balanceLocked(r.UserID) + r.Refunded
	l.balances[r.UserID] = b

	zap.L().Debug("credit: settled",
		zap.String("reservation_id", r.ID),
		zap.Int("settled", r.Settled),
		zap.Int("refunded", r.Refunded),
	)
	return b, nil
}

// Refund returns the full reservation to the user and returns the new balance.
func (l *Ledger) Refund(ctx context.Context, reservationID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, eris.Wrap(err, "credit: refund")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.reservations[reservationID]
	if !ok {
		return 0, ErrUnknownReservation
	}
	if r.Terminal() {
		return l.balanceLocked(r.UserID), nil
	}

	r.Refunded = r.Amount
	r.Status = ReservationRefunded
	l.resolveLocked(r)

	b := l.balanceLocked(r.UserID) + r.Amount
	l.balances[r.UserID] = b

	zap.L().Debug("credit: refunded",
		zap.String("reservation_id", r.ID),
		zap.Int("amount", r.Amount),
	)
	return b, nil
}

func (l *Ledger) resolveLocked(r *Reservation) {
	t := l.now().UTC()
	r.ResolvedAt = &t
}

// Reservation returns a copy of the reservation with the given id.
func (l *Ledger) Reservation(id string) (Reservation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.reservations[id]
	if !ok {
		return Reservation{}, false
	}
	return *r, true
}
