package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode"

	"crisiswatch/api/internal/auth"
	"crisiswatch/api/internal/authpw"
	"crisiswatch/api/internal/cache"
	"crisiswatch/api/internal/config"
	"crisiswatch/api/internal/rbac"
	"crisiswatch/api/internal/store"
)

const (
	defaultPerPage = 20
	maxPerPage     = 100

	minFeedbackLen = 10
	maxFeedbackLen = 500
)

// Session is the per-request authorization state, derived entirely from the
// bearer token. Nothing persists across requests.
type Session struct {
	Token     string
	UserID    int
	Role      rbac.Role
	IsAdmin   bool
	ExpiresAt time.Time
}

type dataStore interface {
	GetUserByUsername(ctx context.Context, username string) (store.User, error)
	CreateUser(ctx context.Context, username, passwordHash string) (store.User, error)
	ListConflicts(ctx context.Context, countries []string, limit, offset int) ([]store.ConflictRecord, int, error)
	GetConflictsByCountries(ctx context.Context, countries []string) ([]store.ConflictRecord, error)
	GetConflictByKey(ctx context.Context, country, admin1 string) (store.ConflictRecord, error)
	DeleteConflicts(ctx context.Context, country, admin1 string) (int, error)
	AverageScore(ctx context.Context, country string) (float64, int, error)
	InsertFeedback(ctx context.Context, feedback store.Feedback) (store.Feedback, error)
	Ping(ctx context.Context) error
}

type Service struct {
	cfg    config.Config
	store  dataStore
	creds  *authpw.Service
	cache  cache.Store
	logger *slog.Logger
}

func New(cfg config.Config, dataStore *store.PostgresStore, riskCache cache.Store, logger *slog.Logger) *Service {
	return &Service{
		cfg:    cfg,
		store:  dataStore,
		creds:  authpw.NewService(dataStore),
		cache:  riskCache,
		logger: logger,
	}
}

func (s *Service) Register(ctx context.Context, username, password string) (map[string]any, error) {
	user, err := s.creds.Register(ctx, username, password)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"id":         user.ID,
		"username":   user.Username,
		"is_admin":   user.IsAdmin,
		"created_at": user.CreatedAt,
		"message":    "User successfully registered",
	}, nil
}

func (s *Service) Login(ctx context.Context, username, password string) (map[string]any, error) {
	user, err := s.creds.Verify(ctx, username, password)
	if err != nil {
		return nil, err
	}
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), strconv.Itoa(user.ID), user.IsAdmin, s.cfg.AccessTTL)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	return map[string]any{
		"access_token": token,
		"token_type":   "Bearer",
	}, nil
}

// SessionFromToken turns a bearer token into the request's authorization
// state. The token carries everything needed, so no store lookup happens.
func (s *Service) SessionFromToken(token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	userID, err := strconv.Atoi(claims.Subject)
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}
	return Session{
		Token:   token,
		UserID:  userID,
		Role:    rbac.FromAdminFlag(claims.IsAdmin),
		IsAdmin: claims.IsAdmin,
	}, nil
}

func (s *Service) Can(session Session, action rbac.Action) bool {
	return rbac.Can(session.Role, action)
}

func (s *Service) ListConflicts(ctx context.Context, countriesRaw string, page, perPage int) (map[string]any, error) {
	if page < 1 || perPage < 1 || perPage > maxPerPage {
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "Invalid pagination parameters", nil)
	}

	var countries []string
	if strings.TrimSpace(countriesRaw) != "" {
		var err error
		countries, err = parseCountryList(countriesRaw)
		if err != nil {
			return nil, err
		}
	}

	records, total, err := s.store.ListConflicts(ctx, countries, perPage, (page-1)*perPage)
	if err != nil {
		return nil, err
	}

	rows := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		rows = append(rows, conflictPayload(rec))
	}
	return map[string]any{
		"page":     page,
		"per_page": perPage,
		"total":    total,
		"data":     rows,
	}, nil
}

// ConflictsByCountry accepts a single country or a comma-separated list. A
// single country yields one grouped object, several yield an array, matching
// the list shape callers already consume.
func (s *Service) ConflictsByCountry(ctx context.Context, raw string) (any, error) {
	countries, err := parseCountryList(raw)
	if err != nil {
		return nil, err
	}

	records, err := s.store.GetConflictsByCountries(ctx, countries)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "No conflict data found for provided countries", nil)
	}

	grouped := make(map[string][]map[string]any)
	for _, rec := range records {
		grouped[rec.Country] = append(grouped[rec.Country], conflictPayload(rec))
	}

	if len(countries) == 1 {
		return map[string]any{
			"country":        countries[0],
			"admin1_entries": entriesOrEmpty(grouped[countries[0]]),
		}, nil
	}
	payload := make([]map[string]any, 0, len(countries))
	for _, country := range countries {
		payload = append(payload, map[string]any{
			"country":        country,
			"admin1_entries": entriesOrEmpty(grouped[country]),
		})
	}
	return payload, nil
}

// RiskScore returns the average risk score for a country, computing and
// caching it on the first request. Entries are evicted on deletion, never
// recomputed in the background.
func (s *Service) RiskScore(ctx context.Context, country string) (map[string]any, error) {
	if !validCountryValue(country) {
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "Invalid characters in country parameter", nil)
	}

	entry, found, err := s.cache.Get(ctx, country)
	if err != nil {
		return nil, fmt.Errorf("risk cache read: %w", err)
	}
	if found {
		return riskPayload(entry), nil
	}

	avg, count, err := s.store.AverageScore(ctx, country)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "No conflict data found for country: "+country, nil)
	}

	entry = cache.Entry{Country: country, AvgScore: avg, ComputedAt: time.Now().UTC()}
	if err := s.cache.Put(ctx, entry); err != nil {
		return nil, fmt.Errorf("risk cache write: %w", err)
	}
	return riskPayload(entry), nil
}

func (s *Service) SubmitFeedback(ctx context.Context, userID int, country, admin1, text string) (map[string]any, error) {
	if n := len([]rune(text)); n < minFeedbackLen || n > maxFeedbackLen {
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR",
			fmt.Sprintf("Feedback text must be between %d and %d characters", minFeedbackLen, maxFeedbackLen), nil)
	}
	if !validCountryValue(country) {
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "Invalid characters in country parameter", nil)
	}
	if strings.TrimSpace(admin1) == "" {
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "Admin1 is required", nil)
	}

	rec, err := s.store.GetConflictByKey(ctx, country, admin1)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND",
			fmt.Sprintf("Region not found: %s/%s", country, admin1), nil)
	}
	if err != nil {
		return nil, err
	}

	created, err := s.store.InsertFeedback(ctx, store.Feedback{
		UserID:     userID,
		ConflictID: rec.ID,
		Country:    rec.Country,
		Admin1:     rec.Admin1,
		Text:       text,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"id":         created.ID,
		"user_id":    created.UserID,
		"country":    created.Country,
		"admin1":     created.Admin1,
		"text":       created.Text,
		"created_at": created.CreatedAt,
	}, nil
}

// DeleteConflicts removes the record for (country, admin1) and then evicts
// the country's cached risk score. Eviction runs after the deletion is
// committed; if it fails the deletion stands and the failure is logged.
func (s *Service) DeleteConflicts(ctx context.Context, country, admin1 string) (map[string]any, error) {
	if !validCountryValue(country) || strings.TrimSpace(country) == "" {
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "Invalid country", nil)
	}
	if strings.TrimSpace(admin1) == "" {
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "Admin1 is required", nil)
	}

	deleted, err := s.store.DeleteConflicts(ctx, country, admin1)
	if err != nil {
		return nil, err
	}
	if deleted == 0 {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND",
			fmt.Sprintf("No records found for %s/%s", country, admin1), nil)
	}

	if err := s.cache.Evict(ctx, country); err != nil {
		s.logger.Warn("risk cache eviction failed",
			slog.String("country", country),
			slog.String("error", err.Error()),
		)
	}
	return map[string]any{"deleted": deleted}, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) CachePing(ctx context.Context) error {
	return s.cache.Ping(ctx)
}

func conflictPayload(rec store.ConflictRecord) map[string]any {
	return map[string]any{
		"id":         rec.ID,
		"country":    rec.Country,
		"admin1":     rec.Admin1,
		"population": rec.Population,
		"events":     rec.Events,
		"score":      rec.Score,
		"created_at": rec.CreatedAt,
		"updated_at": rec.UpdatedAt,
	}
}

func riskPayload(entry cache.Entry) map[string]any {
	return map[string]any{
		"country":     entry.Country,
		"avg_score":   entry.AvgScore,
		"computed_at": entry.ComputedAt,
	}
}

func entriesOrEmpty(entries []map[string]any) []map[string]any {
	if entries == nil {
		return []map[string]any{}
	}
	return entries
}

// validCountryValue restricts country path/query values to alphanumeric
// characters, spaces and commas. Defense in depth on top of parameterized
// queries.
func validCountryValue(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != ' ' && r != ',' {
			return false
		}
	}
	return true
}

func parseCountryList(raw string) ([]string, error) {
	if !validCountryValue(raw) {
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "Invalid characters in country parameter", nil)
	}
	var countries []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			countries = append(countries, trimmed)
		}
	}
	if len(countries) == 0 {
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "No valid country names provided", nil)
	}
	return countries, nil
}
