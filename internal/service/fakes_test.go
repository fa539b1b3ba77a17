package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"paypollen-api/internal/client"
	"paypollen-api/internal/models"
	"paypollen-api/internal/repository/mongodb"
)

type fakePIIStore struct {
	mu      sync.Mutex
	records map[string]*models.UserPIIRecord
	calls   int
	err     error
}

func newFakePIIStore() *fakePIIStore {
	return &fakePIIStore{records: make(map[string]*models.UserPIIRecord)}
}

func (f *fakePIIStore) Insert(_ context.Context, record *models.UserPIIRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return f.err
	}
	if _, ok := f.records[record.UserID]; ok {
		return mongodb.ErrAlreadyExists
	}
	cp := *record
	f.records[record.UserID] = &cp
	return nil
}

func (f *fakePIIStore) Update(_ context.Context, userID string, patch models.PIIPatch, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return f.err
	}
	rec, ok := f.records[userID]
	if !ok {
		return mongodb.ErrNotFound
	}
	if patch.Email != nil {
		rec.Email = *patch.Email
	}
	if patch.Phone != nil {
		rec.Phone = *patch.Phone
	}
	if patch.SSN != nil {
		rec.SSN = *patch.SSN
	}
	if patch.Address != nil {
		rec.Address = patch.Address
	}
	rec.UpdatedAt = at
	return nil
}

func (f *fakePIIStore) Get(_ context.Context, userID string) (*models.UserPIIRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	rec, ok := f.records[userID]
	if !ok {
		return nil, mongodb.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (f *fakePIIStore) FindByEmail(_ context.Context, email string) (*models.UserPIIRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	for _, rec := range f.records {
		if rec.Email == email {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, mongodb.ErrNotFound
}

func (f *fakePIIStore) Delete(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return f.err
	}
	if _, ok := f.records[userID]; !ok {
		return mongodb.ErrNotFound
	}
	delete(f.records, userID)
	return nil
}

type fakeAuditStore struct {
	mu     sync.Mutex
	events []*models.AuditEvent
	err    error
}

func (f *fakeAuditStore) Insert(_ context.Context, event *models.AuditEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, event)
	return nil
}

func (f *fakeAuditStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

type fakePublisher struct {
	mu       sync.Mutex
	messages [][]byte
	err      error
}

func (f *fakePublisher) Produce(_ context.Context, _, value []byte, _ map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, value)
	return nil
}

type fakeSessionStore struct {
	mu       sync.Mutex
	sessions []*models.KYCSession
	writes   int
}

func (f *fakeSessionStore) Insert(_ context.Context, s *models.KYCSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.sessions {
		if existing.IDVID == s.IDVID {
			return mongodb.ErrAlreadyExists
		}
	}
	cp := *s
	f.sessions = append(f.sessions, &cp)
	f.writes++
	return nil
}

func (f *fakeSessionStore) FindByIDVID(_ context.Context, idvID string) (*models.KYCSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.IDVID == idvID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, mongodb.ErrNotFound
}

func (f *fakeSessionStore) latest(userID string, match func(models.KYCStatus) bool) (*models.KYCSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sessions) - 1; i >= 0; i-- {
		s := f.sessions[i]
		if s.UserID == userID && match(s.Status) {
			cp := *s
			return &cp, nil
		}
	}
	return nil, mongodb.ErrNotFound
}

func (f *fakeSessionStore) FindOpenByUser(_ context.Context, userID string) (*models.KYCSession, error) {
	return f.latest(userID, models.KYCStatus.IsOpen)
}

func (f *fakeSessionStore) FindLatestByUser(_ context.Context, userID string) (*models.KYCSession, error) {
	return f.latest(userID, func(models.KYCStatus) bool { return true })
}

func (f *fakeSessionStore) update(idvID string, apply func(*models.KYCSession)) (*models.KYCSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.IDVID == idvID {
			apply(s)
			f.writes++
			cp := *s
			return &cp, nil
		}
	}
	return nil, mongodb.ErrNotFound
}

func (f *fakeSessionStore) ApplyWebhook(_ context.Context, idvID string, status models.KYCStatus, entry models.WebhookHistoryEntry) (*models.KYCSession, error) {
	return f.update(idvID, func(s *models.KYCSession) {
		s.Status = status
		s.UpdatedAt = entry.ReceivedAt
		s.WebhookReceivedAt = &entry.ReceivedAt
		s.WebhookHistory = append(s.WebhookHistory, entry)
	})
}

func (f *fakeSessionStore) MarkRetried(_ context.Context, idvID, newIDVID, url string, at time.Time) (*models.KYCSession, error) {
	return f.update(idvID, func(s *models.KYCSession) {
		if newIDVID != "" {
			s.IDVID = newIDVID
		}
		s.Status = models.KYCStatusPending
		s.ShareableURL = url
		s.UpdatedAt = at
	})
}

func (f *fakeSessionStore) UpdateProviderState(_ context.Context, idvID string, status models.KYCStatus, steps *models.KYCSteps, at time.Time) (*models.KYCSession, error) {
	return f.update(idvID, func(s *models.KYCSession) {
		s.Status = status
		if steps != nil {
			s.Steps = steps
		}
		s.UpdatedAt = at
	})
}

type fakeProfileStore struct {
	mu       sync.Mutex
	approved map[string]time.Time
	logins   map[string]time.Time
	err      error
}

func newFakeProfileStore() *fakeProfileStore {
	return &fakeProfileStore{approved: map[string]time.Time{}, logins: map[string]time.Time{}}
}

func (f *fakeProfileStore) SetKYCApproved(_ context.Context, userID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.approved[userID] = at
	return nil
}

func (f *fakeProfileStore) RecordLogin(_ context.Context, userID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.logins[userID] = at
	return nil
}

func (f *fakeProfileStore) Get(_ context.Context, userID string) (*models.UserProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	at, ok := f.approved[userID]
	if !ok {
		return nil, mongodb.ErrNotFound
	}
	return &models.UserProfile{UserID: userID, KYCApproved: true, KYCApprovedAt: &at}, nil
}

type fakeIDV struct {
	mu        sync.Mutex
	creates   int
	retries   int
	nextID    string
	nextURL   string
	getStatus string
	steps     *models.KYCSteps
	err       error
}

func (f *fakeIDV) CreateSession(_ context.Context, _ string) (*client.IDVSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.err != nil {
		return nil, f.err
	}
	return &client.IDVSession{ID: f.nextID, ShareableURL: f.nextURL, Status: "active"}, nil
}

func (f *fakeIDV) GetSession(_ context.Context, idvID string) (*client.IDVSession, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &client.IDVSession{ID: idvID, Status: f.getStatus, Steps: f.steps}, nil
}

func (f *fakeIDV) RetrySession(_ context.Context, _ string) (*client.IDVSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retries++
	if f.err != nil {
		return nil, f.err
	}
	return &client.IDVSession{ID: f.nextID, ShareableURL: f.nextURL, Status: "active"}, nil
}

type fakeIdentityProvider struct {
	users    map[string]client.StytchUser // session token -> user
	links    map[string]client.StytchUser // magic link token -> user
	revoked  []string
	loginErr error
}

func (f *fakeIdentityProvider) LoginOrCreate(_ context.Context, email string) (string, error) {
	if f.loginErr != nil {
		return "", f.loginErr
	}
	return "user-" + email, nil
}

func (f *fakeIdentityProvider) AuthenticateMagicLink(_ context.Context, token, _ string) (*client.MagicLinkResult, error) {
	user, ok := f.links[token]
	if !ok {
		return nil, &client.APIError{Provider: "stytch", StatusCode: 401, Code: "unable_to_auth_magic_link"}
	}
	return &client.MagicLinkResult{User: user, SessionToken: "session-" + user.UserID}, nil
}

func (f *fakeIdentityProvider) AuthenticateSession(_ context.Context, sessionToken string) (*client.StytchUser, error) {
	user, ok := f.users[sessionToken]
	if !ok {
		return nil, &client.APIError{Provider: "stytch", StatusCode: 404, Code: "session_not_found"}
	}
	return &user, nil
}

func (f *fakeIdentityProvider) RevokeSession(_ context.Context, sessionToken string) error {
	f.revoked = append(f.revoked, sessionToken)
	return nil
}

var errBoom = errors.New("boom")

func selfPrincipal(userID string) *models.Principal {
	return &models.Principal{UserID: userID, Kind: models.PrincipalUser, SourceIP: "10.0.0.1"}
}

func adminPrincipal(userID string) *models.Principal {
	return &models.Principal{UserID: userID, Kind: models.PrincipalUser, Capabilities: []models.Capability{models.CapabilityPIIAdmin}}
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
