package chatsync

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
)

// DefaultPageLimit bounds how many recent messages one fetch requests.
const DefaultPageLimit = 100

var (
	// ErrEmptyText is returned by Send for input that is empty after
	// trimming whitespace.
	ErrEmptyText = errors.New("chatsync: message text is empty")

	// ErrSendInFlight is returned when Send is called while a previous
	// send has not yet resolved. The UI layer is expected to disable the
	// send action while Pending reports true; this error is the backstop.
	ErrSendInFlight = errors.New("chatsync: send already in flight")
)

// Options configures a Session. Zero values are usable: the page limit
// defaults to DefaultPageLimit, the logger to slog.Default, and the
// callbacks to no-ops.
type Options struct {
	// PageLimit is the fetch page size.
	PageLimit int

	// OnChange is invoked after every store mutation (merge appends, echo
	// insertion) so the platform can re-render. Called from whichever
	// goroutine performed the mutation; implementations must be safe to
	// call from a non-UI goroutine (bubbletea's Program.Send, a JS-style
	// queue post, etc.).
	OnChange func()

	// OnTyping is invoked with true when a send starts waiting for the
	// assistant and false when the wait ends, on both success and failure.
	// Typing state is UI-only; it never enters the store.
	OnTyping func(bool)

	Logger *slog.Logger
}

// Session owns one chat surface's store and drives the two producers of
// data into it: the optimistic send pipeline (Send) and the fetch-and-
// merge cycle (Refresh, called by the Poller and after each send).
//
// A mutex serializes Refresh against Send, so within one client process a
// poll cycle and a send never mutate the store concurrently; the pending
// flag additionally makes poll ticks skip entirely while a send is in
// flight.
type Session struct {
	store    *Store
	tr       Transport
	limit    int
	onChange func()
	onTyping func(bool)
	log      *slog.Logger

	mu      sync.Mutex // serializes send pipeline vs fetch-and-merge
	pending atomic.Bool
}

// NewSession creates a session over the given transport.
func NewSession(tr Transport, opts Options) *Session {
	if opts.PageLimit <= 0 {
		opts.PageLimit = DefaultPageLimit
	}
	if opts.OnChange == nil {
		opts.OnChange = func() {}
	}
	if opts.OnTyping == nil {
		opts.OnTyping = func(bool) {}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Session{
		store:    NewStore(),
		tr:       tr,
		limit:    opts.PageLimit,
		onChange: opts.OnChange,
		onTyping: opts.OnTyping,
		log:      opts.Logger,
	}
}

// Store exposes the underlying message store for rendering.
func (s *Session) Store() *Store { return s.store }

// Messages returns a snapshot of the current message list.
func (s *Session) Messages() []Message { return s.store.Messages() }

// Pending reports whether a send is in flight. The UI should disable the
// send action while true.
func (s *Session) Pending() bool { return s.pending.Load() }

// Refresh performs one fetch-and-merge cycle. While a send is pending the
// cycle is skipped without fetching, to avoid racing the send pipeline's
// own post-send merge. If ctx is cancelled by the time the fetch returns,
// the batch is discarded unmerged; a late response must not resurrect a
// closed view.
//
// Fetch errors are the transient kind: the caller (normally the Poller)
// just waits for the next tick.
func (s *Session) Refresh(ctx context.Context) error {
	if s.pending.Load() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshLocked(ctx)
}

func (s *Session) refreshLocked(ctx context.Context) error {
	batch, err := s.tr.Fetch(ctx, s.limit)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		// Stopped while the fetch was in flight; discard the result.
		return err
	}
	if appended := s.store.Merge(batch); len(appended) > 0 {
		s.onChange()
	}
	return nil
}

// Outcome is the result of a successful Send.
type Outcome struct {
	// Echo is the optimistic local message appended before the network
	// round trip.
	Echo Message

	// UserMsgID is the server-assigned id of the confirmed user message.
	UserMsgID int64

	// Reply is the assistant's reply text. The authoritative assistant
	// message also arrives through the post-send merge.
	Reply string
}

// Send runs the optimistic send pipeline for one user message:
//
//  1. mark a send pending (poll ticks now skip),
//  2. append the local echo and notify the renderer,
//  3. raise the typing indicator,
//  4. submit over the transport,
//  5. on success advance the cursor to the confirmed user-message id
//     before any fetch, which keeps the confirmed copy from being
//     merged in as a duplicate of the echo,
//  6. drop the typing indicator and run one fetch-and-merge to pull in
//     the assistant reply (and anything that arrived from other devices),
//  7. clear pending.
//
// On transport failure the echo is left in place (the user's intent to
// send stands; silently removing their words would be worse), the typing
// indicator is dropped, pending is cleared, and the error is returned for
// the caller to surface. There is no automatic retry.
func (s *Session) Send(ctx context.Context, text string) (Outcome, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Outcome{}, ErrEmptyText
	}
	if !s.pending.CompareAndSwap(false, true) {
		return Outcome{}, ErrSendInFlight
	}
	defer s.pending.Store(false)

	s.mu.Lock()
	defer s.mu.Unlock()

	echo := s.store.AppendEcho(text)
	s.onChange()
	s.onTyping(true)

	res, err := s.tr.Send(ctx, text)
	if err != nil {
		s.onTyping(false)
		s.log.Warn("chat send failed", "error", err)
		return Outcome{Echo: echo}, err
	}

	// Cursor first, fetch second. Order matters: once the cursor covers
	// the confirmed user message, any subsequent merge filters it out and
	// the echo stays the only copy.
	s.store.AdvanceCursor(res.UserMsgID)
	s.onTyping(false)

	if err := s.refreshLocked(ctx); err != nil {
		// The reply is durable server-side; the next poll picks it up.
		s.log.Debug("post-send refresh failed", "error", err)
	}

	return Outcome{Echo: echo, UserMsgID: res.UserMsgID, Reply: res.Reply}, nil
}
