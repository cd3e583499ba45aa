package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/term"

	"github.com/iudanet/dockeeper/internal/crypto"
	"github.com/iudanet/dockeeper/internal/models"
	"github.com/iudanet/dockeeper/internal/server/storage"
	"github.com/iudanet/dockeeper/internal/validation"
)

// userAdmin runs the user maintenance flags against the user table
type userAdmin struct {
	users    storage.UserStorage
	password func(prompt string) (string, error)
}

func newUserAdmin(users storage.UserStorage) *userAdmin {
	return &userAdmin{users: users, password: readPassword}
}

// create stores a new user with a password read twice
func (a *userAdmin) create(ctx context.Context, username string, admin bool) error {
	if err := validation.ValidateUsername(username); err != nil {
		return err
	}
	salt, hash, err := a.newPassword()
	if err != nil {
		return err
	}

	return a.users.CreateUser(ctx, &models.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: hash,
		Salt:         salt,
		Admin:        admin,
		CreatedAt:    time.Now().UTC(),
	})
}

// resetPassword replaces the password of an existing user; the admin flag is kept
func (a *userAdmin) resetPassword(ctx context.Context, username string) error {
	user, err := a.users.GetUserByUsername(ctx, username)
	if err != nil {
		return err
	}
	salt, hash, err := a.newPassword()
	if err != nil {
		return err
	}
	user.Salt = salt
	user.PasswordHash = hash
	return a.users.UpdateUser(ctx, user)
}

func (a *userAdmin) remove(ctx context.Context, username string) error {
	return a.users.DeleteUser(ctx, username)
}

func (a *userAdmin) newPassword() (salt, hash string, err error) {
	password, err := a.password("Password: ")
	if err != nil {
		return "", "", err
	}
	if err := validation.ValidatePassword(password); err != nil {
		return "", "", err
	}
	confirm, err := a.password("Repeat password: ")
	if err != nil {
		return "", "", err
	}
	if confirm != password {
		return "", "", errors.New("passwords do not match")
	}

	salt, err = crypto.GenerateSaltBase64()
	if err != nil {
		return "", "", err
	}
	hash, err = crypto.HashPassword(password, salt)
	if err != nil {
		return "", "", err
	}
	return salt, hash, nil
}

func readPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("password must be entered on a terminal")
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(b), nil
}
