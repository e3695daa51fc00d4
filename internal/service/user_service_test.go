package service

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"accounts/internal/domain"
	"accounts/internal/repository"
)

type mockUserRepo struct {
	mu           sync.Mutex
	usersByID    map[string]domain.User
	usersByEmail map[string]string
	creates      int
	// activateLost simula que otra peticion gano la transicion.
	activateLost bool
	getErr       error
}

func newMockUserRepo() *mockUserRepo {
	return &mockUserRepo{
		usersByID:    make(map[string]domain.User),
		usersByEmail: make(map[string]string),
	}
}

func (m *mockUserRepo) Create(_ context.Context, user domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.usersByEmail[user.Email]; ok {
		return repository.ErrDuplicateEmail
	}
	m.usersByID[user.ID] = user
	m.usersByEmail[user.Email] = user.ID
	m.creates++
	return nil
}

func (m *mockUserRepo) GetByID(_ context.Context, id string) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return domain.User{}, m.getErr
	}
	user, ok := m.usersByID[id]
	if !ok {
		return domain.User{}, repository.ErrNotFound
	}
	return user, nil
}

func (m *mockUserRepo) GetByEmail(ctx context.Context, email string) (domain.User, error) {
	m.mu.Lock()
	id, ok := m.usersByEmail[email]
	m.mu.Unlock()
	if !ok {
		return domain.User{}, repository.ErrNotFound
	}
	return m.GetByID(ctx, id)
}

func (m *mockUserRepo) Activate(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.usersByID[id]
	if !ok {
		return false, repository.ErrNotFound
	}
	if user.IsActive || m.activateLost {
		user.IsActive = true
		m.usersByID[id] = user
		return false, nil
	}
	user.IsActive = true
	user.UpdatedAt = at
	m.usersByID[id] = user
	return true, nil
}

type sentEmail struct {
	to      string
	subject string
	body    string
}

type mockEmailSender struct {
	mu   sync.Mutex
	sent []sentEmail
	err  error
}

func (m *mockEmailSender) Send(_ context.Context, toEmail string, subject string, htmlBody string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentEmail{to: toEmail, subject: subject, body: htmlBody})
	return m.err
}

func (m *mockEmailSender) last() (sentEmail, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return sentEmail{}, false
	}
	return m.sent[len(m.sent)-1], true
}

var activationLinkRe = regexp.MustCompile(`/activate/([A-Za-z0-9_-]+)/([0-9a-z]+-[0-9a-f]+)"`)

// linkParts extrae referencia y token del ultimo correo enviado.
func linkParts(t *testing.T, sender *mockEmailSender) (string, string) {
	t.Helper()
	msg, ok := sender.last()
	if !ok {
		t.Fatalf("expected an activation email")
	}
	m := activationLinkRe.FindStringSubmatch(msg.body)
	if m == nil {
		t.Fatalf("activation link not found in body: %s", msg.body)
	}
	return m[1], m[2]
}

func flipLastHex(s string) string {
	if s[len(s)-1] == '0' {
		return s[:len(s)-1] + "1"
	}
	return s[:len(s)-1] + "0"
}

func newTestUserService(t *testing.T, repo *mockUserRepo, sender *mockEmailSender) *UserService {
	t.Helper()
	tokens, err := NewActivationTokenGenerator("secret", 72*time.Hour)
	if err != nil {
		t.Fatalf("token generator: %v", err)
	}
	return NewUserService(zap.NewNop(), repo, sender, tokens, UserServiceConfig{
		BaseURL:     "https://accounts.example.com",
		MailTimeout: time.Second,
	})
}

func validInput(email string) RegisterInput {
	return RegisterInput{Email: email, Password1: "correct horse", Password2: "correct horse"}
}

func TestUserServiceRegister_CreatesPendingUser(t *testing.T) {
	repo := newMockUserRepo()
	sender := &mockEmailSender{}
	svc := newTestUserService(t, repo, sender)

	user, err := svc.Register(context.Background(), validInput(" A@Example.com "))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	svc.Wait()

	if user.IsActive {
		t.Fatalf("expected pending user")
	}
	if user.Email != "a@example.com" || user.Username != "a" {
		t.Fatalf("unexpected user: %+v", user)
	}
	if user.PasswordHash == "" || user.PasswordHash == "correct horse" {
		t.Fatalf("expected hashed password")
	}
	if repo.creates != 1 {
		t.Fatalf("expected exactly one row, got %d", repo.creates)
	}
	stored, err := repo.GetByID(context.Background(), user.ID)
	if err != nil || stored.IsActive {
		t.Fatalf("expected stored pending user, got %+v, %v", stored, err)
	}

	msg, ok := sender.last()
	if !ok || msg.to != "a@example.com" || msg.subject != "Email Confirmation" {
		t.Fatalf("expected activation email to a@example.com, got %+v", msg)
	}
	ref, _ := linkParts(t, sender)
	if ref != EncodeUserRef(user.ID) {
		t.Fatalf("expected encoded user ref in link, got %s", ref)
	}
}

func TestUserServiceRegister_DuplicateEmail(t *testing.T) {
	repo := newMockUserRepo()
	sender := &mockEmailSender{}
	svc := newTestUserService(t, repo, sender)

	if _, err := svc.Register(context.Background(), validInput("a@example.com")); err != nil {
		t.Fatalf("first register: %v", err)
	}
	_, err := svc.Register(context.Background(), validInput("A@example.com"))
	var verrs ValidationErrors
	if !errors.As(err, &verrs) || verrs["email"] == "" {
		t.Fatalf("expected email validation error, got %v", err)
	}
	svc.Wait()
	if repo.creates != 1 {
		t.Fatalf("expected no extra row, got %d", repo.creates)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected a single activation email, got %d", len(sender.sent))
	}
}

// Otra peticion inserto el mismo email entre la comprobacion y el insert.
type racingRepo struct {
	*mockUserRepo
}

func (r racingRepo) GetByEmail(context.Context, string) (domain.User, error) {
	return domain.User{}, repository.ErrNotFound
}

func TestUserServiceRegister_UniqueViolationIsValidationError(t *testing.T) {
	base := newMockUserRepo()
	sender := &mockEmailSender{}
	tokens, _ := NewActivationTokenGenerator("secret", time.Hour)
	svc := NewUserService(zap.NewNop(), racingRepo{base}, sender, tokens, UserServiceConfig{})

	if _, err := svc.Register(context.Background(), validInput("a@example.com")); err != nil {
		t.Fatalf("first register: %v", err)
	}
	_, err := svc.Register(context.Background(), validInput("a@example.com"))
	var verrs ValidationErrors
	if !errors.As(err, &verrs) || verrs["email"] == "" {
		t.Fatalf("expected email validation error, got %v", err)
	}
	svc.Wait()
}

func TestUserServiceRegister_InvalidInputCreatesNothing(t *testing.T) {
	repo := newMockUserRepo()
	sender := &mockEmailSender{}
	svc := newTestUserService(t, repo, sender)

	_, err := svc.Register(context.Background(), RegisterInput{
		Email:     "a@example.com",
		Password1: "correct horse",
		Password2: "battery staple",
	})
	var verrs ValidationErrors
	if !errors.As(err, &verrs) || verrs["password2"] == "" {
		t.Fatalf("expected password2 error, got %v", err)
	}
	svc.Wait()
	if repo.creates != 0 || len(sender.sent) != 0 {
		t.Fatalf("expected no user and no email")
	}

	// Corregir el formulario y reintentar funciona.
	if _, err := svc.Register(context.Background(), validInput("a@example.com")); err != nil {
		t.Fatalf("retry register: %v", err)
	}
	svc.Wait()
	if repo.creates != 1 {
		t.Fatalf("expected one user after retry, got %d", repo.creates)
	}
}

func TestUserServiceRegister_LongPassphraseIsFieldError(t *testing.T) {
	repo := newMockUserRepo()
	sender := &mockEmailSender{}
	svc := newTestUserService(t, repo, sender)

	for _, pwd := range []string{strings.Repeat("x", 73), strings.Repeat("passphrase ", 8)} {
		_, err := svc.Register(context.Background(), RegisterInput{
			Email:     "a@example.com",
			Password1: pwd,
			Password2: pwd,
		})
		var verrs ValidationErrors
		if !errors.As(err, &verrs) || verrs["password1"] == "" {
			t.Fatalf("expected password1 field error for %d bytes, got %v", len(pwd), err)
		}
	}
	svc.Wait()
	if repo.creates != 0 || len(sender.sent) != 0 {
		t.Fatalf("expected no user and no email")
	}
}

func TestUserServiceRegister_EmailFailureDoesNotFail(t *testing.T) {
	repo := newMockUserRepo()
	sender := &mockEmailSender{err: errors.New("smtp down")}
	svc := newTestUserService(t, repo, sender)

	user, err := svc.Register(context.Background(), validInput("a@example.com"))
	if err != nil {
		t.Fatalf("expected registration to succeed despite mail failure, got %v", err)
	}
	svc.Wait()
	if _, err := repo.GetByID(context.Background(), user.ID); err != nil {
		t.Fatalf("expected user persisted, got %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected one delivery attempt, got %d", len(sender.sent))
	}
}

func TestUserServiceActivate_EndToEnd(t *testing.T) {
	repo := newMockUserRepo()
	sender := &mockEmailSender{}
	svc := newTestUserService(t, repo, sender)

	user, err := svc.Register(context.Background(), validInput("a@example.com"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	svc.Wait()
	ref, token := linkParts(t, sender)

	activated, err := svc.Activate(context.Background(), ref, token)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if !activated.IsActive || activated.ID != user.ID {
		t.Fatalf("expected active user %s, got %+v", user.ID, activated)
	}
	stored, _ := repo.GetByID(context.Background(), user.ID)
	if !stored.IsActive {
		t.Fatalf("expected stored user active")
	}

	if _, err := svc.Activate(context.Background(), ref, token); !errors.Is(err, ErrActivationFailed) {
		t.Fatalf("expected replay to fail, got %v", err)
	}
}

func TestUserServiceActivate_Failures(t *testing.T) {
	repo := newMockUserRepo()
	sender := &mockEmailSender{}
	svc := newTestUserService(t, repo, sender)

	user, err := svc.Register(context.Background(), validInput("a@example.com"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	svc.Wait()
	ref, token := linkParts(t, sender)

	cases := map[string][2]string{
		"nonexistent id":  {EncodeUserRef("nonexistent-id"), "anything"},
		"unknown uuid":    {EncodeUserRef("7d1f6c1e-2a9b-4c55-8d3e-6f1a2b3c4d5e"), token},
		"malformed ref":   {"%%%", token},
		"tampered ref":    {ref[:len(ref)-2] + "xx", token},
		"tampered token":  {ref, flipLastHex(token)},
		"malformed token": {ref, "not-a-token"},
		"empty token":     {ref, ""},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := svc.Activate(context.Background(), tc[0], tc[1]); !errors.Is(err, ErrActivationFailed) {
				t.Fatalf("expected ErrActivationFailed, got %v", err)
			}
		})
	}

	stored, _ := repo.GetByID(context.Background(), user.ID)
	if stored.IsActive {
		t.Fatalf("expected no state change")
	}
}

func TestUserServiceActivate_ExpiredToken(t *testing.T) {
	repo := newMockUserRepo()
	sender := &mockEmailSender{}
	svc := newTestUserService(t, repo, sender)

	if _, err := svc.Register(context.Background(), validInput("a@example.com")); err != nil {
		t.Fatalf("register: %v", err)
	}
	svc.Wait()
	ref, token := linkParts(t, sender)

	svc.tokens.now = func() time.Time { return time.Now().Add(73 * time.Hour) }
	if _, err := svc.Activate(context.Background(), ref, token); !errors.Is(err, ErrActivationFailed) {
		t.Fatalf("expected expired token to fail, got %v", err)
	}
}

func TestUserServiceActivate_StoreErrorIsGeneric(t *testing.T) {
	repo := newMockUserRepo()
	repo.getErr = errors.New("db down")
	svc := newTestUserService(t, repo, &mockEmailSender{})

	_, err := svc.Activate(context.Background(), EncodeUserRef("7d1f6c1e-2a9b-4c55-8d3e-6f1a2b3c4d5e"), "x-00")
	if !errors.Is(err, ErrActivationFailed) {
		t.Fatalf("expected ErrActivationFailed, got %v", err)
	}
}

func TestUserServiceActivate_LostRaceStillSucceeds(t *testing.T) {
	repo := newMockUserRepo()
	sender := &mockEmailSender{}
	svc := newTestUserService(t, repo, sender)

	if _, err := svc.Register(context.Background(), validInput("a@example.com")); err != nil {
		t.Fatalf("register: %v", err)
	}
	svc.Wait()
	ref, token := linkParts(t, sender)

	repo.activateLost = true
	user, err := svc.Activate(context.Background(), ref, token)
	if err != nil {
		t.Fatalf("expected success for concurrent loser, got %v", err)
	}
	if !user.IsActive {
		t.Fatalf("expected active user")
	}
}

func TestUserServiceAuthenticate(t *testing.T) {
	repo := newMockUserRepo()
	sender := &mockEmailSender{}
	svc := newTestUserService(t, repo, sender)

	if _, err := svc.Register(context.Background(), validInput("a@example.com")); err != nil {
		t.Fatalf("register: %v", err)
	}
	svc.Wait()

	if _, err := svc.Authenticate(context.Background(), "a@example.com", "correct horse"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected pending user to be rejected, got %v", err)
	}

	ref, token := linkParts(t, sender)
	if _, err := svc.Activate(context.Background(), ref, token); err != nil {
		t.Fatalf("activate: %v", err)
	}

	user, err := svc.Authenticate(context.Background(), " A@example.com ", "correct horse")
	if err != nil {
		t.Fatalf("expected login success, got %v", err)
	}
	if user.Email != "a@example.com" {
		t.Fatalf("unexpected user %+v", user)
	}
	if _, err := svc.Authenticate(context.Background(), "a@example.com", "wrong password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected wrong password to fail, got %v", err)
	}
	if _, err := svc.Authenticate(context.Background(), "missing@example.com", "correct horse"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected unknown email to fail, got %v", err)
	}
}
