package imap

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/rs/zerolog"
	"github.com/vdavid/mailsync/internal/models"
)

// State is the lifecycle state of a Session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateReady
	StateFolderSelected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateFolderSelected:
		return "folder_selected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// FolderStatus is what the server reports when a folder is selected.
type FolderStatus struct {
	Path        string
	UIDValidity uint32
	Messages    uint32
	UIDNext     uint32
}

// Session drives one IMAP connection through a mailbox sync:
// connect, authenticate, list, select, search and fetch.
// A session is reusable: after Close it can connect again.
// It is not safe for concurrent use.
type Session struct {
	log zerolog.Logger

	// DateSearch allows SINCE searches when the UID validity changed.
	DateSearch bool
	// CommandTimeout bounds each IMAP command. A server that stops answering makes
	// the command fail with a transient error. Zero disables the timeout.
	CommandTimeout time.Duration

	mu    sync.Mutex
	state State
	c     *client.Client
	conn  net.Conn
	stop  func() bool // detaches the context watcher

	delimiter string
	names     map[string]string // slash path -> server mailbox name
	selected  *FolderStatus
	queue     []uint32
}

// NewSession creates a disconnected session.
func NewSession(log zerolog.Logger) *Session {
	return &Session{
		log:            log.With().Str("component", "imap_session").Logger(),
		DateSearch:     true,
		CommandTimeout: defaultCommandTimeout,
		names:          make(map[string]string),
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) expect(states ...State) error {
	current := s.State()
	for _, st := range states {
		if current == st {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrInvalidState, current)
}

// Connect opens the connection. When ctx is cancelled the connection is terminated,
// which makes any pending command return.
func (s *Session) Connect(ctx context.Context, endpoint Endpoint) error {
	if err := s.expect(StateDisconnected); err != nil {
		return err
	}
	s.setState(StateConnecting)

	c, conn, err := dial(ctx, endpoint, s.CommandTimeout)
	if err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("failed to connect to %s: %w", endpoint.Address(), err)
	}

	s.mu.Lock()
	s.c = c
	s.conn = conn
	s.stop = context.AfterFunc(ctx, func() {
		_ = c.Terminate()
	})
	s.state = StateAuthenticating
	s.mu.Unlock()

	s.log.Debug().Str("address", endpoint.Address()).Msg("Connected")
	return nil
}

// Authenticate logs in. A rejected credential returns ErrAuthenticationFailed.
func (s *Session) Authenticate(ctx context.Context, auth Authenticator) error {
	if err := s.expect(StateAuthenticating); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	defer s.settle()

	if err := auth.Authenticate(s.c); err != nil {
		if IsTransient(err) {
			return fmt.Errorf("failed to authenticate: %w", err)
		}
		return fmt.Errorf("%w: %s: %v", ErrAuthenticationFailed, auth.Username(), err)
	}

	s.setState(StateReady)
	return nil
}

// ListFolders returns the slash-delimited paths of the folders worth syncing.
func (s *Session) ListFolders(ctx context.Context) ([]string, error) {
	if err := s.expect(StateReady, StateFolderSelected); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	defer s.settle()

	infos, err := listMailboxes(s.c)
	if err != nil {
		return nil, err
	}

	names := make(map[string]string, len(infos))
	var paths []string
	for _, info := range infos {
		if s.delimiter == "" && info.Delimiter != "" {
			s.delimiter = info.Delimiter
		}
		path := toSlashPath(info.Name, info.Delimiter)
		if !isSyncable(info, path) {
			continue
		}
		names[path] = info.Name
		paths = append(paths, path)
	}

	s.names = names
	return paths, nil
}

// SelectFolder opens a folder read-only (EXAMINE) so that fetching doesn't change flags.
func (s *Session) SelectFolder(ctx context.Context, path string) (*FolderStatus, error) {
	if err := s.expect(StateReady, StateFolderSelected); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	defer s.settle()

	name, ok := s.names[path]
	if !ok {
		name = fromSlashPath(path, s.delimiter)
	}

	mbox, err := s.c.Select(name, true)
	if err != nil {
		return nil, fmt.Errorf("failed to select folder %s: %w", path, err)
	}

	s.selected = &FolderStatus{
		Path:        path,
		UIDValidity: mbox.UidValidity,
		Messages:    mbox.Messages,
		UIDNext:     mbox.UidNext,
	}
	s.queue = nil
	s.setState(StateFolderSelected)

	return s.selected, nil
}

// Prepare finds the messages of the selected folder that are past the cursor and
// queues them in ascending UID order. Returns the queue length.
func (s *Session) Prepare(ctx context.Context, cursor models.Cursor) (int, error) {
	if err := s.expect(StateFolderSelected); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	defer s.settle()

	rng := ResolveCursor(cursor, s.selected.UIDValidity, s.DateSearch)

	var uids []uint32
	if s.selected.Messages > 0 {
		found, err := searchUIDs(s.c, rng)
		if err != nil {
			return 0, err
		}
		uids = found
	}

	s.queue = filterAndSort(uids, rng.MinUID)
	s.log.Debug().
		Str("folder", s.selected.Path).
		Uint32("from_uid", rng.FromUID).
		Bool("since", rng.Since != nil).
		Int("queued", len(s.queue)).
		Msg("Prepared folder")

	return len(s.queue), nil
}

// FetchNext downloads and parses up to n queued messages. An empty result means
// the queue is drained. Messages that can't be parsed are logged and skipped.
func (s *Session) FetchNext(ctx context.Context, n int) ([]*models.MailDraft, error) {
	if err := s.expect(StateFolderSelected); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}

	defer s.settle()

	var drafts []*models.MailDraft
	for len(drafts) == 0 && len(s.queue) > 0 {
		size := min(n, len(s.queue))
		uids := s.queue[:size]

		messages, err := fetchMessages(s.c, uids)
		if err != nil {
			return nil, err
		}
		s.queue = s.queue[size:]

		for _, msg := range messages {
			draft, err := ParseDraft(msg)
			if err != nil {
				s.log.Warn().Err(err).Uint32("uid", msg.Uid).Str("folder", s.selected.Path).Msg("Skipping unparseable message")
				continue
			}
			drafts = append(drafts, draft)
		}
	}

	return drafts, nil
}

// Close logs out and returns to Disconnected. It is safe to call in any state.
func (s *Session) Close() error {
	s.mu.Lock()
	c := s.c
	stop := s.stop
	s.c = nil
	s.conn = nil
	s.stop = nil
	s.state = StateDisconnected
	s.selected = nil
	s.queue = nil
	s.delimiter = ""
	s.names = make(map[string]string)
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	if c == nil {
		return nil
	}

	if c.State() == imap.LogoutState {
		return nil
	}
	if err := c.Logout(); err != nil {
		_ = c.Terminate()
		return fmt.Errorf("failed to logout: %w", err)
	}
	return nil
}

// settle clears the deadline the last command left on the connection, so that time
// spent between commands (ingesting a batch, idling) doesn't count against it.
func (s *Session) settle() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		_ = conn.SetDeadline(time.Time{})
	}
}

// client returns the underlying client for use by the IDLE watcher.
func (s *Session) client() *client.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c
}

func filterAndSort(uids []uint32, minUID uint32) []uint32 {
	result := make([]uint32, 0, len(uids))
	for _, uid := range uids {
		if uid > minUID {
			result = append(result, uid)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}
