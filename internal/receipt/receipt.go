package receipt

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/zombor/receipt-insights/internal/record"
)

// Role is the session-level audience that selects prompts
type Role string

const (
	RolePatient  Role = "patient"
	RoleProvider Role = "provider"
)

// ParseRole parses a role name, case-insensitively. Empty means patient.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case "", RolePatient:
		return RolePatient, nil
	case RoleProvider:
		return RoleProvider, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
	}
}

// State is a session's position in the analysis pipeline
type State string

const (
	StateAwaitingUpload State = "awaiting_upload"
	StateExtracting     State = "extracting"
	StateNormalizing    State = "normalizing"
	StateParsed         State = "parsed"
	StateSummaryReady   State = "summary_ready"
	StateGuidanceReady  State = "guidance_ready"
	StateFailed         State = "failed"
)

// Pipeline stages that call an external collaborator
const (
	StageExtraction    = "extraction"
	StageNormalization = "normalization"
	StageSummary       = "summary"
	StageGuidance      = "guidance"
)

var (
	ErrInvalidUpload   = errors.New("invalid upload")
	ErrSessionNotFound = errors.New("session not found")
	ErrRunNotFound     = errors.New("run not found")
	ErrUnknownRole     = errors.New("unknown role")
	ErrRoleLocked      = errors.New("role requires a valid password")
	ErrInvalidState    = errors.New("operation not allowed in current state")
	ErrNoUploads       = errors.New("no receipts uploaded")
)

// StageError is a collaborator failure that ended a session in StateFailed.
// Message is safe to show to the user.
type StageError struct {
	Stage   string
	Message string
	Err     error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Upload is one receipt image submitted to a session
type Upload struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"-"`
}

// UploadView describes an upload without its bytes
type UploadView struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
}

// Session holds everything one user's pipeline run produces. Operations on
// a session are serialized by its mutex.
type Session struct {
	mu sync.Mutex

	ID             string
	RunID          string
	RunStartedAt   time.Time
	Role           Role
	Model          string
	State          State
	Uploads        []*Upload
	CombinedText   string
	NormalizedText string
	Blocks         []record.StoreBlock
	Summary        string
	Guidance       string
	Failure        string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SessionView is a point-in-time copy of a session for callers
type SessionView struct {
	ID             string              `json:"id"`
	RunID          string              `json:"run_id,omitempty"`
	Role           Role                `json:"role"`
	Model          string              `json:"model"`
	State          State               `json:"state"`
	Uploads        []UploadView        `json:"uploads"`
	CombinedText   string              `json:"combined_text,omitempty"`
	NormalizedText string              `json:"normalized_text,omitempty"`
	Blocks         []record.StoreBlock `json:"blocks"`
	Summary        string              `json:"summary,omitempty"`
	Guidance       string              `json:"guidance,omitempty"`
	Failure        string              `json:"failure,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// view copies the session. Callers must hold s.mu.
func (s *Session) view() *SessionView {
	uploads := make([]UploadView, 0, len(s.Uploads))
	for _, u := range s.Uploads {
		uploads = append(uploads, UploadView{Filename: u.Filename, ContentType: u.ContentType, Size: len(u.Data)})
	}
	blocks := make([]record.StoreBlock, len(s.Blocks))
	copy(blocks, s.Blocks)

	return &SessionView{
		ID:             s.ID,
		RunID:          s.RunID,
		Role:           s.Role,
		Model:          s.Model,
		State:          s.State,
		Uploads:        uploads,
		CombinedText:   s.CombinedText,
		NormalizedText: s.NormalizedText,
		Blocks:         blocks,
		Summary:        s.Summary,
		Guidance:       s.Guidance,
		Failure:        s.Failure,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}
}

// reset clears every upload and intermediate buffer. Callers must hold s.mu.
func (s *Session) reset(now time.Time) {
	s.RunID = ""
	s.RunStartedAt = time.Time{}
	s.State = StateAwaitingUpload
	s.Uploads = nil
	s.CombinedText = ""
	s.NormalizedText = ""
	s.Blocks = nil
	s.Summary = ""
	s.Guidance = ""
	s.Failure = ""
	s.UpdatedAt = now
}

// Run records one pipeline instance for offline inspection
type Run struct {
	ID        string              `json:"id"`
	SessionID string              `json:"session_id"`
	Role      Role                `json:"role"`
	Model     string              `json:"model"`
	Filenames []string            `json:"filenames"`
	State     State               `json:"state"`
	Blocks    []record.StoreBlock `json:"blocks,omitempty"`
	Summary   string              `json:"summary,omitempty"`
	Guidance  string              `json:"guidance,omitempty"`
	Failure   string              `json:"failure,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// run builds the Run record for the session's current pipeline instance.
// Callers must hold s.mu.
func (s *Session) run() *Run {
	filenames := make([]string, 0, len(s.Uploads))
	for _, u := range s.Uploads {
		filenames = append(filenames, u.Filename)
	}
	return &Run{
		ID:        s.RunID,
		SessionID: s.ID,
		Role:      s.Role,
		Model:     s.Model,
		Filenames: filenames,
		State:     s.State,
		Blocks:    s.Blocks,
		Summary:   s.Summary,
		Guidance:  s.Guidance,
		Failure:   s.Failure,
		CreatedAt: s.RunStartedAt,
		UpdatedAt: s.UpdatedAt,
	}
}
