package repository

import (
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/pbxvault/pbxvault/internal/models"
)

var ErrInvalidCredentials = errors.New("invalid email or password")

type UserRepository interface {
	CreateUser(email, password string, role models.UserRole) (models.User, error)
	AuthenticateUser(email, password string) (models.User, error)
}

type userRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) UserRepository {
	return &userRepository{db: db}
}

func (r *userRepository) CreateUser(email, password string, role models.UserRole) (models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return models.User{}, err
	}

	const query = `
		INSERT INTO pbx.users (id, email, password_hash, role, is_active)
		VALUES ($1, $2, $3, $4, TRUE)
		RETURNING id, email, role, is_active;
	`
	var user models.User
	err = r.db.QueryRow(query, uuid.NewString(), email, string(hash), role).
		Scan(&user.ID, &user.Email, &user.Role, &user.IsActive)
	return user, err
}

func (r *userRepository) AuthenticateUser(email, password string) (models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	const query = `
		SELECT id, email, password_hash, role, is_active
		FROM pbx.users
		WHERE email = $1;
	`
	var user models.User
	err := r.db.QueryRow(query, email).
		Scan(&user.ID, &user.Email, &user.PasswordHash, &user.Role, &user.IsActive)
	if err == sql.ErrNoRows {
		return models.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return models.User{}, err
	}
	if !user.IsActive {
		return models.User{}, ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return models.User{}, ErrInvalidCredentials
	}
	return user, nil
}
