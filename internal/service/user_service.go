package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"accounts/internal/domain"
	"accounts/internal/email"
	"accounts/internal/repository"
)

var (
	// ErrActivationFailed cubre referencia invalida, usuario inexistente y
	// token invalido o expirado; no se distinguen para no filtrar cuentas.
	ErrActivationFailed   = errors.New("activation link is invalid")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

const (
	msgEmailTaken      = "user with this email already exists"
	defaultMailTimeout = 30 * time.Second
)

// UserServiceConfig agrupa parametros del flujo de registro.
type UserServiceConfig struct {
	BaseURL     string
	MailTimeout time.Duration
}

// UserService coordina registro, activacion y autenticacion de usuarios.
type UserService struct {
	logger *zap.Logger
	users  repository.UserRepository
	mailer email.Sender
	tokens *ActivationTokenGenerator
	cfg    UserServiceConfig

	wg sync.WaitGroup

	// comparisonHash se usa cuando el email no existe para igualar tiempos.
	comparisonHash []byte

	now func() time.Time
}

func NewUserService(logger *zap.Logger, users repository.UserRepository, mailer email.Sender, tokens *ActivationTokenGenerator, cfg UserServiceConfig) *UserService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MailTimeout <= 0 {
		cfg.MailTimeout = defaultMailTimeout
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), bcrypt.DefaultCost)
	if err != nil {
		logger.Warn("comparison hash generation failed", zap.Error(err))
	}
	return &UserService{
		logger:         logger,
		users:          users,
		mailer:         mailer,
		tokens:         tokens,
		cfg:            cfg,
		comparisonHash: hash,
		now:            time.Now,
	}
}

// Wait bloquea hasta que terminen los envios de correo en curso.
func (s *UserService) Wait() {
	s.wg.Wait()
}

// Register valida el formulario, crea un usuario pendiente y dispara el
// correo de activacion. Un fallo de envio no hace fallar el registro.
func (s *UserService) Register(ctx context.Context, input RegisterInput) (domain.User, error) {
	if s.users == nil || s.tokens == nil {
		return domain.User{}, errors.New("user service not configured")
	}

	input.Email = normalizeEmail(input.Email)
	input.Username = strings.TrimSpace(input.Username)
	verrs := ValidationErrors{}
	if err := input.Validate(); err != nil {
		if !errors.As(err, &verrs) {
			return domain.User{}, err
		}
	}
	if _, invalid := verrs["email"]; !invalid {
		_, err := s.users.GetByEmail(ctx, input.Email)
		switch {
		case err == nil:
			verrs["email"] = msgEmailTaken
		case !errors.Is(err, repository.ErrNotFound):
			return domain.User{}, err
		}
	}
	if len(verrs) > 0 {
		return domain.User{}, verrs
	}

	hashBytes, err := bcrypt.GenerateFromPassword([]byte(input.Password1), bcrypt.DefaultCost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return domain.User{}, ValidationErrors{"password1": errPasswordTooLong.Error()}
		}
		return domain.User{}, err
	}

	now := s.now().UTC()
	user := domain.User{
		ID:           uuid.NewString(),
		Username:     usernameFor(input.Username, input.Email),
		Email:        input.Email,
		PasswordHash: string(hashBytes),
		IsActive:     false,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return domain.User{}, ValidationErrors{"email": msgEmailTaken}
		}
		return domain.User{}, err
	}

	s.sendActivation(user, s.tokens.Make(user))
	return user, nil
}

// sendActivation envia el correo en segundo plano con su propio timeout,
// desligado del request que lo origino.
func (s *UserService) sendActivation(user domain.User, token string) {
	if s.mailer == nil {
		s.logger.Warn("activation email skipped: no sender configured", zap.String("user_id", user.ID))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.MailTimeout)
		defer cancel()

		body, err := email.RenderActivation(email.ActivationData{
			Username: user.Username,
			UserRef:  EncodeUserRef(user.ID),
			Token:    token,
			BaseURL:  s.cfg.BaseURL,
			ValidFor: s.tokens.ttl.String(),
		})
		if err != nil {
			s.logger.Warn("render activation email failed", zap.Error(err), zap.String("user_id", user.ID))
			return
		}
		if err := s.mailer.Send(ctx, user.Email, email.ActivationSubject, body); err != nil {
			s.logger.Warn("send activation email failed", zap.Error(err), zap.String("email", user.Email))
		}
	}()
}

// Activate decodifica la referencia, valida el token contra el estado actual
// del usuario y lo marca como activo. Cualquier fallo devuelve ErrActivationFailed.
func (s *UserService) Activate(ctx context.Context, userRef, token string) (domain.User, error) {
	if s.users == nil || s.tokens == nil {
		return domain.User{}, errors.New("user service not configured")
	}

	id, err := DecodeUserRef(userRef)
	if err != nil {
		return domain.User{}, ErrActivationFailed
	}

	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.logger.Error("activation lookup failed", zap.Error(err))
		}
		return domain.User{}, ErrActivationFailed
	}

	if !s.tokens.Check(user, token) {
		return domain.User{}, ErrActivationFailed
	}

	now := s.now().UTC()
	activated, err := s.users.Activate(ctx, user.ID, now)
	if err != nil {
		s.logger.Error("activation update failed", zap.Error(err), zap.String("user_id", user.ID))
		return domain.User{}, ErrActivationFailed
	}
	// Si otra peticion concurrente gano la transicion, ambas validaron el
	// mismo token contra el estado pendiente; las dos reciben sesion.
	if activated {
		s.logger.Info("account activated", zap.String("user_id", user.ID))
		user.UpdatedAt = now
	}
	user.IsActive = true
	return user, nil
}

// Authenticate verifica email y password. Cuentas pendientes no pueden iniciar sesion.
func (s *UserService) Authenticate(ctx context.Context, emailAddr, password string) (domain.User, error) {
	if s.users == nil {
		return domain.User{}, errors.New("user service not configured")
	}

	emailAddr = normalizeEmail(emailAddr)
	if emailAddr == "" || password == "" {
		return domain.User{}, ErrInvalidCredentials
	}
	user, err := s.users.GetByEmail(ctx, emailAddr)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			_ = bcrypt.CompareHashAndPassword(s.comparisonHash, []byte(password))
			return domain.User{}, ErrInvalidCredentials
		}
		return domain.User{}, err
	}
	if user.PasswordHash == "" {
		return domain.User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return domain.User{}, ErrInvalidCredentials
	}
	if !user.IsActive {
		return domain.User{}, ErrInvalidCredentials
	}
	return user, nil
}

// GetUser devuelve el usuario por id.
func (s *UserService) GetUser(ctx context.Context, id string) (domain.User, error) {
	return s.users.GetByID(ctx, id)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// usernameFor usa el username del formulario o, si falta, la parte local del email.
func usernameFor(username, email string) string {
	if username != "" {
		return username
	}
	local, _, _ := strings.Cut(email, "@")
	return local
}
