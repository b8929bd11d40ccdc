package swap

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	clierr "github.com/ggonzalez94/xswap/internal/errors"
	"github.com/ggonzalez94/xswap/internal/model"
	"github.com/ggonzalez94/xswap/internal/providers"
)

// Snapshotter takes balance snapshots; *Reconciler implements it.
type Snapshotter interface {
	Snapshot(ctx context.Context, chainID int64, address string, tokens []string) model.BalanceSnapshot
}

// Recorder persists a session after each transition.
type Recorder interface {
	Record(ctx context.Context, rec model.SessionRecord) error
}

type Deps struct {
	Builder      *RequestBuilder
	Quoter       *Quoter
	Gate         *AllowanceGate
	Orchestrator *Orchestrator
	Balances     Snapshotter
	Recorder     Recorder
	Logger       *slog.Logger
}

type slot struct {
	session Session
	cancel  context.CancelFunc
}

// claim reserves a slot for a Submit that is still building its request.
type claim struct {
	id     string
	cancel context.CancelFunc
}

// Machine holds one session per slot and is the only writer of session
// state. Results for a session that is no longer the slot's current one are
// dropped.
type Machine struct {
	builder      *RequestBuilder
	quoter       *Quoter
	gate         *AllowanceGate
	orchestrator *Orchestrator
	balances     Snapshotter
	recorder     Recorder
	logger       *slog.Logger
	now          func() time.Time
	newID        func() string

	mu          sync.Mutex
	slots       map[string]*slot
	claims      map[string]claim
	subscribers map[int]chan Session
	nextSub     int

	background sync.WaitGroup
}

func NewMachine(deps Deps) *Machine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	gate := deps.Gate
	if gate == nil {
		gate = NewAllowanceGate(logger)
	}
	return &Machine{
		builder:      deps.Builder,
		quoter:       deps.Quoter,
		gate:         gate,
		orchestrator: deps.Orchestrator,
		balances:     deps.Balances,
		recorder:     deps.Recorder,
		logger:       logger.With(slog.String("component", "session_machine")),
		now:          time.Now,
		newID:        uuid.NewString,
		slots:        map[string]*slot{},
		claims:       map[string]claim{},
		subscribers:  map[int]chan Session{},
	}
}

func errSuperseded(sessionID string) error {
	return clierr.New(clierr.CodeSuperseded, fmt.Sprintf("session %s was superseded by a newer request", sessionID))
}

func busy(state State) bool {
	return state == StateApproving || state == StateSwapping
}

// Submit builds the request, opens a new session for the slot and blocks on
// the quote. The slot's previous session is cancelled as soon as Submit
// starts and can no longer change, even while the request is still being
// built. Invalid input opens no session; a previous one is replaced by Idle.
func (m *Machine) Submit(ctx context.Context, slotName string, in SwapInput) (Session, error) {
	qctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sessionID, err := m.claim(slotName, cancel)
	if err != nil {
		return Session{}, err
	}
	req, err := m.builder.Build(qctx, in)
	if err != nil {
		if !m.release(slotName, sessionID) {
			return Session{}, errSuperseded(sessionID)
		}
		return Session{}, err
	}

	m.mu.Lock()
	if c, ok := m.claims[slotName]; !ok || c.id != sessionID {
		m.mu.Unlock()
		return Session{}, errSuperseded(sessionID)
	}
	delete(m.claims, slotName)
	now := m.now().UTC()
	sess := Session{
		ID:        sessionID,
		Slot:      slotName,
		State:     StateFetchingQuote,
		Request:   req,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.slots[slotName] = &slot{session: sess, cancel: cancel}
	m.commitLocked(sess)
	m.mu.Unlock()

	var before *model.BalanceSnapshot
	var wg sync.WaitGroup
	if m.balances != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap := m.balances.Snapshot(qctx, req.FromChainID, req.FromAddress, tokensOn(req, req.FromChainID))
			before = &snap
		}()
	}
	route, qerr := m.quoter.RequestQuote(qctx, req)
	wg.Wait()

	out, ok := m.update(slotName, sess.ID, func(s *Session) bool {
		s.BalancesBefore = before
		if qerr != nil {
			s.State = StateFailed
			s.Err = normalize("route quote", qerr)
			return true
		}
		s.State = StateQuoteReady
		s.Route = &route
		return true
	})
	if !ok {
		return Session{}, errSuperseded(sess.ID)
	}
	return out, out.Err
}

// Confirm runs the quoted route: approval when needed, then execution. It
// blocks until the session is terminal or superseded.
func (m *Machine) Confirm(ctx context.Context, slotName string, wallet providers.Wallet) (Session, error) {
	if wallet == nil {
		return Session{}, clierr.New(clierr.CodeSigner, "a wallet is required to confirm a swap")
	}
	m.mu.Lock()
	if _, pending := m.claims[slotName]; pending {
		m.mu.Unlock()
		return Session{}, clierr.New(clierr.CodeConflict, fmt.Sprintf("cannot confirm slot %q while a newer request is being built", slotName))
	}
	cur, ok := m.slots[slotName]
	if !ok || cur.session.State != StateQuoteReady || cur.session.Route == nil {
		state := StateIdle
		if ok {
			state = cur.session.State
		}
		m.mu.Unlock()
		return Session{}, clierr.New(clierr.CodeConflict, fmt.Sprintf("cannot confirm slot %q while %s", slotName, state))
	}
	snapshot := cur.session.clone()
	cctx, cancel := context.WithCancel(ctx)
	cur.cancel = cancel
	m.mu.Unlock()
	defer cancel()

	sessionID := snapshot.ID
	route := *snapshot.Route
	req := snapshot.Request

	required, err := m.gate.Required(cctx, route, wallet)
	if err != nil {
		return m.finish(slotName, sessionID, func(s *Session) {
			s.Approval = ApprovalFailed
			s.State = StateFailed
			s.Err = normalize("approval", err)
		})
	}
	if required {
		if _, ok := m.update(slotName, sessionID, func(s *Session) bool {
			s.State = StateApproving
			s.Approval = ApprovalPending
			return true
		}); !ok {
			return Session{}, errSuperseded(sessionID)
		}
		txHash, err := m.gate.EnsureAllowance(cctx, route, wallet)
		if err != nil {
			return m.finish(slotName, sessionID, func(s *Session) {
				s.Approval = ApprovalFailed
				s.ApprovalTxHash = txHash
				s.State = StateFailed
				s.Err = normalize("approval", err)
			})
		}
		_, ok = m.update(slotName, sessionID, func(s *Session) bool {
			s.Approval = ApprovalGranted
			s.ApprovalTxHash = txHash
			s.State = StateSwapping
			return true
		})
	} else {
		_, ok = m.update(slotName, sessionID, func(s *Session) bool {
			s.Approval = ApprovalNotRequired
			s.State = StateSwapping
			return true
		})
	}
	if !ok {
		return Session{}, errSuperseded(sessionID)
	}

	final, err := m.orchestrator.Execute(cctx, route, wallet, func(u model.ProgressUpdate) {
		m.applyProgress(slotName, sessionID, route, req, u)
	})
	// A progress update may already have made the session terminal; that
	// commit stands and is not repeated.
	out, ok := m.update(slotName, sessionID, func(s *Session) bool {
		if s.State != StateSwapping {
			return false
		}
		if err != nil {
			s.State = StateFailed
			s.Err = normalize("execution", err)
			return true
		}
		if final.TxHash != "" {
			s.TxHash = final.TxHash
		}
		s.State = StateCompleted
		m.refreshLocked(slotName, sessionID, req, route)
		return true
	})
	if !ok {
		return Session{}, errSuperseded(sessionID)
	}
	return out, out.Err
}

// applyProgress is the single entry point for execution updates. Anything
// arriving once the session has left Swapping is ignored.
func (m *Machine) applyProgress(slotName, sessionID string, route model.Route, req model.SwapRequest, u model.ProgressUpdate) {
	m.update(slotName, sessionID, func(s *Session) bool {
		if s.State != StateSwapping {
			return false
		}
		s.Progress = append(s.Progress, u)
		if u.TxHash != "" {
			s.TxHash = u.TxHash
		}
		switch {
		case u.Status == model.ExecutionFailed:
			s.State = StateFailed
			s.Err = &ExecutionFailure{Step: u.StepIndex, Reason: u.Message, TxHash: s.TxHash}
		case finalDone(route, u):
			s.State = StateCompleted
			m.refreshLocked(slotName, sessionID, req, route)
		}
		return true
	})
}

// refreshLocked starts the post-swap balance read on the destination chain.
// It runs in the background and never delays the terminal transition.
func (m *Machine) refreshLocked(slotName, sessionID string, req model.SwapRequest, route model.Route) {
	if m.balances == nil {
		return
	}
	address := req.FromAddress
	if route.ToAddress != "" {
		address = route.ToAddress
	}
	m.background.Add(1)
	go func() {
		defer m.background.Done()
		snap := m.balances.Snapshot(context.Background(), req.ToChainID, address, tokensOn(req, req.ToChainID))
		m.update(slotName, sessionID, func(s *Session) bool {
			s.BalancesAfter = &snap
			return true
		})
	}()
}

// Edit discards the slot's session, route and error included, and leaves a
// fresh Idle session. In-flight calls are cancelled; a broadcast transaction
// is not, only its tracking.
func (m *Machine) Edit(slotName string) Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.slots[slotName]; ok && cur.cancel != nil {
		cur.cancel()
	}
	if c, ok := m.claims[slotName]; ok {
		c.cancel()
		delete(m.claims, slotName)
	}
	now := m.now().UTC()
	sess := Session{ID: m.newID(), Slot: slotName, State: StateIdle, CreatedAt: now, UpdatedAt: now}
	m.slots[slotName] = &slot{session: sess}
	return m.commitLocked(sess)
}

// Session returns a copy of the slot's current session.
func (m *Machine) Session(slotName string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.slots[slotName]
	if !ok {
		return Session{}, false
	}
	return cur.session.clone(), true
}

// Subscribe streams a copy of every committed change. Slow readers miss
// intermediate states rather than block the machine.
func (m *Machine) Subscribe() (<-chan Session, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan Session, 32)
	key := m.nextSub
	m.nextSub++
	m.subscribers[key] = ch
	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if sub, ok := m.subscribers[key]; ok {
			delete(m.subscribers, key)
			close(sub)
		}
	}
}

// Wait blocks until background balance refreshes have finished.
func (m *Machine) Wait() {
	m.background.Wait()
}

// claim reserves the slot for a new Submit and cancels whatever the slot was
// doing: the previous session's calls and any older Submit still building.
// From here on results for those sessions are dropped.
func (m *Machine) claim(slotName string, cancel context.CancelFunc) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.slots[slotName]
	if ok && busy(cur.session.State) {
		return "", m.busyError(slotName, cur.session.State)
	}
	if ok && cur.cancel != nil {
		cur.cancel()
	}
	if prev, pending := m.claims[slotName]; pending {
		prev.cancel()
	}
	sessionID := m.newID()
	m.claims[slotName] = claim{id: sessionID, cancel: cancel}
	return sessionID, nil
}

// release drops a claim whose request could not be built. The superseded
// session is not restored; the slot is left Idle. It reports false when the
// claim had already been taken over.
func (m *Machine) release(slotName, sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.claims[slotName]; !ok || c.id != sessionID {
		return false
	}
	delete(m.claims, slotName)
	if _, ok := m.slots[slotName]; !ok {
		return true
	}
	now := m.now().UTC()
	sess := Session{ID: m.newID(), Slot: slotName, State: StateIdle, CreatedAt: now, UpdatedAt: now}
	m.slots[slotName] = &slot{session: sess}
	m.commitLocked(sess)
	return true
}

func (m *Machine) busyError(slotName string, state State) error {
	return clierr.New(clierr.CodeConflict, fmt.Sprintf("slot %q is %s; edit the request before submitting again", slotName, state))
}

// update applies fn to the slot's session if it is still sessionID. fn
// returns false to leave the session unchanged.
func (m *Machine) update(slotName, sessionID string, fn func(*Session) bool) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.slots[slotName]
	_, pending := m.claims[slotName]
	if !ok || pending || cur.session.ID != sessionID {
		m.logger.Debug("stale session result dropped",
			slog.String("slot", slotName),
			slog.String("session_id", sessionID),
		)
		return Session{}, false
	}
	if !fn(&cur.session) {
		return cur.session.clone(), true
	}
	cur.session.UpdatedAt = m.now().UTC()
	return m.commitLocked(cur.session), true
}

func (m *Machine) finish(slotName, sessionID string, fn func(*Session)) (Session, error) {
	out, ok := m.update(slotName, sessionID, func(s *Session) bool {
		fn(s)
		return true
	})
	if !ok {
		return Session{}, errSuperseded(sessionID)
	}
	return out, out.Err
}

func (m *Machine) commitLocked(sess Session) Session {
	snapshot := sess.clone()
	m.logger.Debug("session state",
		slog.String("slot", sess.Slot),
		slog.String("session_id", sess.ID),
		slog.String("state", string(sess.State)),
	)
	for _, sub := range m.subscribers {
		select {
		case sub <- snapshot.clone():
		default:
		}
	}
	if m.recorder != nil && sess.State != StateIdle {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := m.recorder.Record(ctx, sess.Record()); err != nil {
			m.logger.Warn("session record failed",
				slog.String("session_id", sess.ID),
				slog.String("error", err.Error()),
			)
		}
		cancel()
	}
	return snapshot
}

func tokensOn(req model.SwapRequest, chainID int64) []string {
	var tokens []string
	if req.FromChainID == chainID {
		tokens = append(tokens, req.FromTokenAddress)
	}
	if req.ToChainID == chainID {
		tokens = append(tokens, req.ToTokenAddress)
	}
	return tokens
}
