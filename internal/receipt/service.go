package receipt

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/receipt-insights/internal/llm"
	"github.com/zombor/receipt-insights/internal/prompts"
	"github.com/zombor/receipt-insights/internal/record"
	"github.com/zombor/receipt-insights/internal/scanning"
)

// IDGenerator generates unique IDs for sessions and runs
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// defaultIDGenerator generates random UUIDs
type defaultIDGenerator struct{}

func (g *defaultIDGenerator) Generate() string {
	return uuid.NewString()
}

// defaultTimeSource provides the current time
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Completer sends role-tagged messages to a selectable model.
// *llm.Selector implements it.
type Completer interface {
	Complete(ctx context.Context, choice string, messages []llm.Message) (string, error)
	Has(choice string) bool
	Default() string
	Choices() []llm.Choice
}

// RoleGate guards the provider role with a shared secret
type RoleGate struct {
	ProviderPassword string
}

// Allow reports whether password unlocks role
func (g RoleGate) Allow(role Role, password string) bool {
	if role != RoleProvider {
		return true
	}
	if g.ProviderPassword == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(password), []byte(g.ProviderPassword)) == 1
}

// statusMarker is the liveness artifact written for every session
type statusMarker struct {
	SessionID string    `json:"session_id"`
	RunID     string    `json:"run_id,omitempty"`
	Role      Role      `json:"role"`
	State     State     `json:"state"`
	Alive     bool      `json:"alive"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Service runs the receipt analysis pipeline for isolated sessions
type Service struct {
	scanner     scanning.Scanner
	models      Completer
	prompts     *prompts.Set
	storage     Storage
	db          DB
	gate        RoleGate
	idGenerator IDGenerator
	timeSource  TimeSource

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewService creates a new Service with default ID generator and time source
func NewService(scanner scanning.Scanner, models Completer, promptSet *prompts.Set, storage Storage, db DB, gate RoleGate) *Service {
	return NewServiceWithDeps(scanner, models, promptSet, storage, db, gate, &defaultIDGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(scanner scanning.Scanner, models Completer, promptSet *prompts.Set, storage Storage, db DB, gate RoleGate, idGen IDGenerator, timeSrc TimeSource) *Service {
	return &Service{
		scanner:     scanner,
		models:      models,
		prompts:     promptSet,
		storage:     storage,
		db:          db,
		gate:        gate,
		idGenerator: idGen,
		timeSource:  timeSrc,
		sessions:    make(map[string]*Session),
	}
}

// CreateSession opens a new session for role
func (s *Service) CreateSession(role Role, password string) (*SessionView, error) {
	if !s.gate.Allow(role, password) {
		return nil, ErrRoleLocked
	}

	now := s.timeSource.Now()
	sess := &Session{
		ID:        s.idGenerator.Generate(),
		Role:      role,
		Model:     s.models.Default(),
		State:     StateAwaitingUpload,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	sess.mu.Lock()
	defer sess.mu.Unlock()
	s.persist(sess)
	slog.Info("Session created", "session_id", sess.ID, "role", role, "model", sess.Model)
	return sess.view(), nil
}

func (s *Service) session(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, nil
}

// GetSession returns a snapshot of a session
func (s *Service) GetSession(id string) (*SessionView, error) {
	sess, err := s.session(id)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.view(), nil
}

// ListSessions returns snapshots of all open sessions, oldest first
func (s *Service) ListSessions() []*SessionView {
	s.mu.RLock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.RUnlock()

	views := make([]*SessionView, 0, len(sessions))
	for _, sess := range sessions {
		sess.mu.Lock()
		views = append(views, sess.view())
		sess.mu.Unlock()
	}
	sort.SliceStable(views, func(i, j int) bool {
		return views[i].CreatedAt.Before(views[j].CreatedAt)
	})
	return views
}

// DeleteSession discards a session and everything it holds
func (s *Service) DeleteSession(id string) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	delete(s.sessions, id)
	s.mu.Unlock()

	// waits for any pipeline call in flight on this session
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.UpdatedAt = s.timeSource.Now()
	s.writeStatus(sess, false)
	slog.Info("Session deleted", "session_id", sess.ID)
	return nil
}

// SwitchRole changes the session's role. Any change clears all uploads and
// results and returns the session to awaiting upload.
func (s *Service) SwitchRole(id string, role Role, password string) (*SessionView, error) {
	sess, err := s.session(id)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.Role == role {
		return sess.view(), nil
	}
	if !s.gate.Allow(role, password) {
		return nil, ErrRoleLocked
	}

	slog.Info("Role switched, clearing session", "session_id", sess.ID, "from", sess.Role, "to", role)
	sess.Role = role
	sess.reset(s.timeSource.Now())
	s.persist(sess)
	return sess.view(), nil
}

// ResetSession clears the session and returns it to awaiting upload
func (s *Service) ResetSession(id string) (*SessionView, error) {
	sess, err := s.session(id)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.reset(s.timeSource.Now())
	s.persist(sess)
	return sess.view(), nil
}

// SelectModel sets the model choice used for the session's next calls
func (s *Service) SelectModel(id, choice string) (*SessionView, error) {
	if !s.models.Has(choice) {
		return nil, fmt.Errorf("%w: %s", llm.ErrUnknownModel, choice)
	}

	sess, err := s.session(id)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.Model = choice
	sess.UpdatedAt = s.timeSource.Now()
	return sess.view(), nil
}

// AddUploads appends receipts to the session in order, skipping any whose
// filename was already uploaded. It returns how many were added.
func (s *Service) AddUploads(id string, uploads []*Upload) (int, *SessionView, error) {
	for _, u := range uploads {
		if u == nil || strings.TrimSpace(u.Filename) == "" {
			return 0, nil, fmt.Errorf("%w: filename is required", ErrInvalidUpload)
		}
		if len(u.Data) == 0 {
			return 0, nil, fmt.Errorf("%w: %s is empty", ErrInvalidUpload, u.Filename)
		}
	}

	sess, err := s.session(id)
	if err != nil {
		return 0, nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.State != StateAwaitingUpload {
		return 0, nil, fmt.Errorf("%w: cannot add receipts while %s", ErrInvalidState, sess.State)
	}

	seen := make(map[string]bool, len(sess.Uploads))
	for _, u := range sess.Uploads {
		seen[u.Filename] = true
	}

	added := 0
	for _, u := range uploads {
		if seen[u.Filename] {
			slog.Debug("Skipping duplicate upload", "session_id", sess.ID, "filename", u.Filename)
			continue
		}
		seen[u.Filename] = true
		sess.Uploads = append(sess.Uploads, u)
		added++
	}
	if added > 0 {
		sess.UpdatedAt = s.timeSource.Now()
	}

	return added, sess.view(), nil
}

// Analyze extracts text from every upload in order, asks the model for the
// master shopping record and parses it into store blocks. A failure on any
// receipt aborts the whole batch.
func (s *Service) Analyze(ctx context.Context, id string) (*SessionView, error) {
	sess, err := s.session(id)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.State != StateAwaitingUpload {
		return nil, fmt.Errorf("%w: cannot analyze while %s", ErrInvalidState, sess.State)
	}
	if len(sess.Uploads) == 0 {
		return nil, ErrNoUploads
	}

	now := s.timeSource.Now()
	sess.RunID = s.idGenerator.Generate()
	sess.RunStartedAt = now
	s.transition(sess, StateExtracting)

	texts := make([]string, 0, len(sess.Uploads))
	for _, u := range sess.Uploads {
		text, err := s.scanner.ExtractText(ctx, u.Data, u.ContentType)
		if err != nil {
			slog.Error("Failed to extract text",
				"session_id", sess.ID,
				"filename", u.Filename,
				"content_type", u.ContentType,
				"file_size", len(u.Data),
				"error", err,
			)
			return nil, s.fail(sess, StageExtraction, fmt.Sprintf("Could not read any text from %s.", u.Filename), err)
		}
		texts = append(texts, text)
	}
	sess.CombinedText = strings.Join(texts, "\n\n")

	s.transition(sess, StateNormalizing)
	messages, err := s.messages(prompts.NormalizeSystem, prompts.NormalizeUser, prompts.Data{Text: sess.CombinedText})
	if err != nil {
		return nil, s.fail(sess, StageNormalization, "There was a problem preparing the shopping record request.", err)
	}
	out, err := s.models.Complete(ctx, sess.Model, messages)
	if err != nil {
		return nil, s.fail(sess, StageNormalization, "There was a problem generating the shopping record.", err)
	}

	sess.NormalizedText = out
	sess.Blocks = record.Parse(out)
	if len(sess.Blocks) == 0 {
		slog.Warn("Shopping record had no store tables; narratives will use the raw record", "session_id", sess.ID)
	}
	s.transition(sess, StateParsed)
	s.saveJSONArtifact(sess.ID, RecordsFile, sess.Blocks)

	slog.Info("Receipts analyzed",
		"session_id", sess.ID,
		"run_id", sess.RunID,
		"receipts", len(sess.Uploads),
		"stores", len(sess.Blocks),
		"items", record.CountItems(sess.Blocks),
	)
	return sess.view(), nil
}

// Summarize asks the model for the role's narrative summary of the record
func (s *Service) Summarize(ctx context.Context, id string) (*SessionView, error) {
	sess, err := s.session(id)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.State != StateParsed {
		return nil, fmt.Errorf("%w: cannot summarize while %s", ErrInvalidState, sess.State)
	}

	data := prompts.Data{Records: recordsText(sess)}
	messages, err := s.messages(prompts.SummarySystem, prompts.RoleKey(prompts.StageSummary, string(sess.Role)), data)
	if err != nil {
		return nil, s.fail(sess, StageSummary, "There was a problem preparing the summary request.", err)
	}
	out, err := s.models.Complete(ctx, sess.Model, messages)
	if err != nil {
		return nil, s.fail(sess, StageSummary, "There was a problem generating the summary.", err)
	}

	sess.Summary = out
	s.transition(sess, StateSummaryReady)
	s.saveArtifact(sess.ID, NarrativeFile, []byte(out))
	return sess.view(), nil
}

// Guide asks the model for the role's dietary guidance
func (s *Service) Guide(ctx context.Context, id string) (*SessionView, error) {
	sess, err := s.session(id)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.State != StateSummaryReady {
		return nil, fmt.Errorf("%w: cannot generate guidance while %s", ErrInvalidState, sess.State)
	}

	data := prompts.Data{Records: recordsText(sess), Summary: sess.Summary}
	messages, err := s.messages(prompts.GuidanceSystem, prompts.RoleKey(prompts.StageGuidance, string(sess.Role)), data)
	if err != nil {
		return nil, s.fail(sess, StageGuidance, "There was a problem preparing the guidance request.", err)
	}
	out, err := s.models.Complete(ctx, sess.Model, messages)
	if err != nil {
		return nil, s.fail(sess, StageGuidance, "There was a problem generating dietary guidance.", err)
	}

	sess.Guidance = out
	s.transition(sess, StateGuidanceReady)
	s.saveArtifact(sess.ID, NarrativeFile, []byte(out))
	return sess.view(), nil
}

// Models returns the selectable model choices and the default
func (s *Service) Models() ([]llm.Choice, string) {
	return s.models.Choices(), s.models.Default()
}

// GetRun retrieves a recorded run by ID
func (s *Service) GetRun(id string) (*Run, error) {
	run, err := s.db.GetRun(id)
	if err != nil {
		return nil, fmt.Errorf("getting run: %w", err)
	}
	return run, nil
}

// ListRuns returns all recorded runs
func (s *Service) ListRuns() ([]*Run, error) {
	runs, err := s.db.ListRuns()
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	return runs, nil
}

// recordsText is what narrative prompts see: the parsed blocks, or the raw
// record when parsing recovered nothing.
func recordsText(sess *Session) string {
	if len(sess.Blocks) == 0 {
		return sess.NormalizedText
	}
	return record.FormatBlocks(sess.Blocks)
}

func (s *Service) messages(system, user prompts.Key, data prompts.Data) ([]llm.Message, error) {
	systemText, err := s.prompts.Render(system, data)
	if err != nil {
		return nil, err
	}
	userText, err := s.prompts.Render(user, data)
	if err != nil {
		return nil, err
	}
	return []llm.Message{llm.SystemMessage(systemText), llm.UserMessage(userText)}, nil
}

// transition moves sess to state and records it. Callers hold sess.mu.
func (s *Service) transition(sess *Session, state State) {
	sess.State = state
	sess.UpdatedAt = s.timeSource.Now()
	s.persist(sess)
}

// fail ends the pipeline instance. Callers hold sess.mu.
func (s *Service) fail(sess *Session, stage, message string, err error) error {
	slog.Error("Pipeline stage failed", "session_id", sess.ID, "stage", stage, "error", err)
	sess.Failure = message
	s.transition(sess, StateFailed)
	return &StageError{Stage: stage, Message: message, Err: err}
}

// persist writes the liveness marker and the run record. Both are for
// offline inspection, so failures are logged and never reach the user.
func (s *Service) persist(sess *Session) {
	s.writeStatus(sess, true)

	if sess.RunID == "" {
		return
	}
	if err := s.db.SaveRun(sess.run()); err != nil {
		slog.Warn("Failed to save run", "session_id", sess.ID, "run_id", sess.RunID, "error", err)
	}
}

func (s *Service) writeStatus(sess *Session, alive bool) {
	s.saveJSONArtifact(sess.ID, StatusFile, statusMarker{
		SessionID: sess.ID,
		RunID:     sess.RunID,
		Role:      sess.Role,
		State:     sess.State,
		Alive:     alive,
		UpdatedAt: sess.UpdatedAt,
	})
}

func (s *Service) saveJSONArtifact(sessionID, name string, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		slog.Warn("Failed to encode artifact", "session_id", sessionID, "artifact", name, "error", err)
		return
	}
	s.saveArtifact(sessionID, name, data)
}

func (s *Service) saveArtifact(sessionID, name string, data []byte) {
	if _, err := s.storage.Save(sessionID, name, data); err != nil {
		slog.Warn("Failed to write artifact", "session_id", sessionID, "artifact", name, "error", err)
	}
}
