package app

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"tagdesk/internal/auth"
	"tagdesk/internal/authpw"
	"tagdesk/internal/config"
	"tagdesk/internal/export"
	"tagdesk/internal/ranking"
	"tagdesk/internal/session"
	"tagdesk/internal/store"
	"tagdesk/internal/story"
	"tagdesk/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserName     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

type sheetStore interface {
	Ping(ctx context.Context) error
	Refresh(ctx context.Context, name string) error
	PickUnclaimed(ctx context.Context) (store.Record, error)
	PickUnclaimedFor(ctx context.Context, tagger string) (store.Record, error)
	Claim(ctx context.Context, link, tagger string, result int) error
	UpdateFields(ctx context.Context, link string, delta store.FieldDelta) error
	Append(ctx context.Context, rec store.Record) error
	Records(ctx context.Context) []store.Record
	RecordsBySheet(ctx context.Context, sheet string) []store.Record
	TaggedRecords(ctx context.Context) []store.Record
	UserTaggedCount(ctx context.Context, tagger string) int
	TaggingStats() (store.StatsSummary, []store.NarrativeStat)
	Leaderboard(ctx context.Context) []store.LeaderboardEntry
}

type sessionStore interface {
	Save(ctx context.Context, tokenHash string, data session.TokenData, expiresAt time.Time) error
	Lookup(ctx context.Context, tokenHash string) (session.TokenData, error)
	Revoke(ctx context.Context, tokenHash string) error
}

type storyGenerator interface {
	Generate(ctx context.Context, narrative, style, additionalContext string) (story.Story, error)
	Variants(ctx context.Context, narrative, style string, count int) ([]story.Story, error)
	Refine(ctx context.Context, original, request, narrative string) (story.Story, error)
}

type videoRanker interface {
	Rank(ctx context.Context, videos []ranking.Video, narrative string) ([]ranking.RankedVideo, error)
}

type Service struct {
	cfg      config.Config
	store    sheetStore
	sessions sessionStore
	creds    *authpw.Service
	stories  storyGenerator
	ranker   videoRanker
}

// New builds a service with in-process refresh sessions. Deployments with
// more than one replica should use NewWithSessionStore and Redis instead.
func New(cfg config.Config, st sheetStore, creds *authpw.Service) *Service {
	return NewWithSessionStore(cfg, st, newMemorySessionStore(), creds)
}

func NewWithSessionStore(cfg config.Config, st sheetStore, sessions sessionStore, creds *authpw.Service) *Service {
	return &Service{
		cfg:      cfg,
		store:    st,
		sessions: sessions,
		creds:    creds,
	}
}

// WithLLM attaches the optional story and ranking helpers.
func (s *Service) WithLLM(stories storyGenerator, ranker videoRanker) *Service {
	s.stories = stories
	s.ranker = ranker
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// opCtx bounds a gateway-touching operation by the configured timeout.
func (s *Service) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.GatewayTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.GatewayTimeout)
}

// Auth

func (s *Service) SignIn(ctx context.Context, username, password string) (Session, error) {
	if s.creds == nil || !s.creds.Configured() {
		return Session{}, domainError(http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "Authentication not configured", nil)
	}
	if err := s.creds.Verify(username, password); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, username, "tagger")
}

func (s *Service) RefreshSession(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	data, err := s.sessions.Lookup(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	// One-shot rotation: the presented token dies with its use.
	if err := s.sessions.Revoke(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, data.Name, data.Role)
}

func (s *Service) issueSession(ctx context.Context, name, role string) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Name: name,
		Role: role,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	data := session.TokenData{Name: name, Role: role}
	if err := s.sessions.Save(ctx, auth.HashToken(refresh), data, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserName:     name,
		Role:         role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserName:  claims.Name,
		Role:      claims.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken != "" {
		_ = s.sessions.Revoke(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// Records

func (s *Service) RandomRecord(ctx context.Context) (store.Record, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.store.PickUnclaimed(ctx)
}

func (s *Service) RandomRecordFor(ctx context.Context, user string) (store.Record, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.store.PickUnclaimedFor(ctx, user)
}

func (s *Service) TagRecord(ctx context.Context, link, username string, result int) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.store.Claim(ctx, link, username, result)
}

func (s *Service) UpdateRecord(ctx context.Context, link string, delta store.FieldDelta) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.store.UpdateFields(ctx, link, delta)
}

func (s *Service) AddRecord(ctx context.Context, rec store.Record) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.store.Append(ctx, rec)
}

func (s *Service) RefreshData(ctx context.Context, sheet string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.store.Refresh(ctx, sheet)
}

func (s *Service) AllRecords(ctx context.Context) []store.Record {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.store.Records(ctx)
}

func (s *Service) RecordsBySheet(ctx context.Context, sheet string) []store.Record {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.store.RecordsBySheet(ctx, sheet)
}

func (s *Service) TaggedRecords(ctx context.Context) []store.Record {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.store.TaggedRecords(ctx)
}

func (s *Service) UserTaggedCount(ctx context.Context, user string) int {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.store.UserTaggedCount(ctx, user)
}

// TaggingStats freshens the projection, then folds it into the report.
func (s *Service) TaggingStats(ctx context.Context) map[string]any {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	_ = s.store.Records(ctx)
	summary, rows := s.store.TaggingStats()
	return map[string]any{
		"summary": summary,
		"data":    rows,
	}
}

func (s *Service) Leaderboard(ctx context.Context) []store.LeaderboardEntry {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.store.Leaderboard(ctx)
}

// WriteCSV streams the current combined projection as CSV.
func (s *Service) WriteCSV(ctx context.Context, w io.Writer) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return export.WriteCSV(w, s.store.Records(ctx))
}

// LLM helpers

func (s *Service) GenerateStory(ctx context.Context, narrative, style, additionalContext string) (story.Story, error) {
	if s.stories == nil {
		return story.Story{}, domainError(http.StatusServiceUnavailable, "LLM_UNAVAILABLE", "Story generation not configured", nil)
	}
	return s.stories.Generate(ctx, narrative, style, additionalContext)
}

// StoryVariants produces count independent story concepts for the same
// narrative, bypassing the story cache.
func (s *Service) StoryVariants(ctx context.Context, narrative, style string, count int) ([]story.Story, error) {
	if s.stories == nil {
		return nil, domainError(http.StatusServiceUnavailable, "LLM_UNAVAILABLE", "Story generation not configured", nil)
	}
	return s.stories.Variants(ctx, narrative, style, count)
}

func (s *Service) RefineStory(ctx context.Context, original, request, narrative string) (story.Story, error) {
	if s.stories == nil {
		return story.Story{}, domainError(http.StatusServiceUnavailable, "LLM_UNAVAILABLE", "Story generation not configured", nil)
	}
	return s.stories.Refine(ctx, original, request, narrative)
}

func (s *Service) RankVideos(ctx context.Context, videos []ranking.Video, narrative string) ([]ranking.RankedVideo, error) {
	if s.ranker == nil {
		return nil, domainError(http.StatusServiceUnavailable, "LLM_UNAVAILABLE", "Video ranking not configured", nil)
	}
	return s.ranker.Rank(ctx, videos, narrative)
}

// memorySessionStore is the single-process fallback when Redis is not
// configured. Expired entries are dropped lazily on lookup.
type memorySessionStore struct {
	mu    sync.Mutex
	items map[string]memorySession
}

type memorySession struct {
	data      session.TokenData
	expiresAt time.Time
}

func newMemorySessionStore() *memorySessionStore {
	return &memorySessionStore{items: make(map[string]memorySession)}
}

func (m *memorySessionStore) Save(_ context.Context, tokenHash string, data session.TokenData, expiresAt time.Time) error {
	data.CreatedAt = time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[tokenHash] = memorySession{data: data, expiresAt: expiresAt}
	return nil
}

func (m *memorySessionStore) Lookup(_ context.Context, tokenHash string) (session.TokenData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[tokenHash]
	if !ok {
		return session.TokenData{}, session.ErrTokenNotFound
	}
	if time.Now().After(item.expiresAt) {
		delete(m.items, tokenHash)
		return session.TokenData{}, session.ErrTokenNotFound
	}
	return item.data, nil
}

func (m *memorySessionStore) Revoke(_ context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, tokenHash)
	return nil
}
