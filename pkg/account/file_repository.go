package account

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FileAccountRepository implements AccountRepository using file-based storage
type FileAccountRepository struct {
	dataDir string
	users   map[uuid.UUID]User
	mutex   sync.RWMutex
}

// NewFileAccountRepository creates a new file-based account repository
func NewFileAccountRepository(dataDir string) (*FileAccountRepository, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	repo := &FileAccountRepository{
		dataDir: dataDir,
		users:   make(map[uuid.UUID]User),
	}

	if err := repo.load(); err != nil {
		return nil, fmt.Errorf("failed to load data: %w", err)
	}

	return repo, nil
}

func (r *FileAccountRepository) GetByID(ctx context.Context, id uuid.UUID) (User, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	user, exists := r.users[id]
	if !exists {
		return User{}, ErrNotFound
	}
	return user, nil
}

func (r *FileAccountRepository) GetByUsername(ctx context.Context, username string) (User, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	for _, user := range r.users {
		if user.Username == username {
			return user, nil
		}
	}
	return User{}, ErrNotFound
}

func (r *FileAccountRepository) GetByEmail(ctx context.Context, email string) (User, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	for _, user := range r.users {
		if strings.EqualFold(user.Email, email) {
			return user, nil
		}
	}
	return User{}, ErrNotFound
}

func (r *FileAccountRepository) GetByVerificationToken(ctx context.Context, token string) (User, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	if token == "" {
		return User{}, ErrNotFound
	}
	for _, user := range r.users {
		if user.VerificationToken == token {
			return user, nil
		}
	}
	return User{}, ErrNotFound
}

func (r *FileAccountRepository) Create(ctx context.Context, params CreateUserParams) (User, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	for _, user := range r.users {
		if user.Username == params.Username || strings.EqualFold(user.Email, params.Email) {
			return User{}, fmt.Errorf("user already exists: %s", params.Username)
		}
	}

	user := User{
		ID:                  uuid.New(),
		Username:            params.Username,
		Email:               params.Email,
		PasswordHash:        params.PasswordHash,
		EmailVerified:       false,
		CreatedAt:           time.Now().UTC(),
		VerificationToken:   params.VerificationToken,
		VerificationExpires: params.VerificationExpires,
		TwoFactor:           TwoFactorState{Mode: TwoFactorOff, Method: MethodNone},
	}

	r.users[user.ID] = user

	if err := r.save(); err != nil {
		// Rollback
		delete(r.users, user.ID)
		return User{}, fmt.Errorf("failed to save: %w", err)
	}

	return user, nil
}

func (r *FileAccountRepository) SetEmailVerified(ctx context.Context, id uuid.UUID) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	user, exists := r.users[id]
	if !exists {
		return ErrNotFound
	}

	user.EmailVerified = true
	user.VerificationToken = ""
	user.VerificationExpires = time.Time{}
	r.users[id] = user

	if err := r.save(); err != nil {
		return fmt.Errorf("failed to save: %w", err)
	}
	return nil
}

func (r *FileAccountRepository) SetVerificationToken(ctx context.Context, id uuid.UUID, token string, expires time.Time) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	user, exists := r.users[id]
	if !exists {
		return ErrNotFound
	}

	user.VerificationToken = token
	user.VerificationExpires = expires
	r.users[id] = user

	if err := r.save(); err != nil {
		return fmt.Errorf("failed to save: %w", err)
	}
	return nil
}

// UpdateTwoFactor swaps the user's whole two-factor state in one write.
func (r *FileAccountRepository) UpdateTwoFactor(ctx context.Context, id uuid.UUID, state TwoFactorState) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	user, exists := r.users[id]
	if !exists {
		return ErrNotFound
	}

	user.TwoFactor = state
	r.users[id] = user

	if err := r.save(); err != nil {
		return fmt.Errorf("failed to save: %w", err)
	}
	return nil
}

// load reads user data from file
func (r *FileAccountRepository) load() error {
	filePath := filepath.Join(r.dataDir, "users.json")

	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	if len(data) == 0 {
		return nil
	}

	var users []User
	if err := json.Unmarshal(data, &users); err != nil {
		return fmt.Errorf("failed to unmarshal data: %w", err)
	}

	r.users = make(map[uuid.UUID]User)
	for _, user := range users {
		r.users[user.ID] = user
	}

	return nil
}

// save writes user data to file atomically
func (r *FileAccountRepository) save() error {
	users := make([]User, 0, len(r.users))
	for _, user := range r.users {
		users = append(users, user)
	}

	data, err := json.MarshalIndent(users, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	// Write to temp file first
	tempFile := filepath.Join(r.dataDir, "users.json.tmp")
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	// Atomic rename
	finalFile := filepath.Join(r.dataDir, "users.json")
	if err := os.Rename(tempFile, finalFile); err != nil {
		return fmt.Errorf("failed to rename file: %w", err)
	}

	return nil
}
