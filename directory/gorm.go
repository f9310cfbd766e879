package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const rolesQuery = `SELECT r.name FROM roles r JOIN user_roles ur ON r.id = ur.role_id WHERE ur.user_id = ?`

type userModel struct {
	ID           string `gorm:"column:id;primaryKey;size:255"`
	Username     string `gorm:"column:username;uniqueIndex;not null;size:255"`
	PasswordHash string `gorm:"column:password_hash;not null"`
	Salt         string `gorm:"column:salt"`
	Name         string `gorm:"column:name"`
	Email        string `gorm:"column:email"`
}

func (userModel) TableName() string { return "users" }

type roleModel struct {
	ID   uint   `gorm:"column:id;primaryKey;autoIncrement"`
	Name string `gorm:"column:name;uniqueIndex;not null;size:255"`
}

func (roleModel) TableName() string { return "roles" }

type userRoleModel struct {
	UserID string `gorm:"column:user_id;primaryKey;size:255"`
	RoleID uint   `gorm:"column:role_id;primaryKey"`
}

func (userRoleModel) TableName() string { return "user_roles" }

func (m *userModel) toUser() *User {
	return &User{ID: m.ID, Username: m.Username, Name: m.Name, Email: m.Email}
}

// Gorm is a directory backed by the users, roles and user_roles tables.
type Gorm struct {
	db     *gorm.DB
	cost   int
	logger *slog.Logger
}

var _ Directory = (*Gorm)(nil)

// NewGorm creates a directory on an open connection.
func NewGorm(db *gorm.DB, logger *slog.Logger) *Gorm {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gorm{db: db, logger: logger}
}

// SetBcryptCost sets the cost used when hashing new passwords.
func (g *Gorm) SetBcryptCost(cost int) {
	g.cost = cost
}

// Migrate creates or updates the directory tables.
func (g *Gorm) Migrate(ctx context.Context) error {
	if err := g.db.WithContext(ctx).AutoMigrate(&userModel{}, &roleModel{}, &userRoleModel{}); err != nil {
		return fmt.Errorf("failed to migrate directory tables: %w", err)
	}
	return nil
}

// CreateUser inserts a user and grants its roles, creating missing roles.
func (g *Gorm) CreateUser(ctx context.Context, nu NewUser) (*User, error) {
	if err := nu.validate(); err != nil {
		return nil, err
	}
	hash, err := nu.hash(g.cost)
	if err != nil {
		return nil, err
	}

	m := &userModel{
		ID:           nu.ID,
		Username:     nu.Username,
		PasswordHash: hash,
		Salt:         nu.Salt,
		Name:         nu.Name,
		Email:        nu.Email,
	}

	err = g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&userModel{}).
			Where("id = ? OR username = ?", nu.ID, nu.Username).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("%w: %s", ErrUserExists, nu.Username)
		}
		if err := tx.Create(m).Error; err != nil {
			return err
		}
		for _, role := range nu.Roles {
			if err := assignRole(tx, nu.ID, role); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	g.logger.Info("Created directory user", "user_id", nu.ID, "roles", len(nu.Roles))
	return m.toUser(), nil
}

// AssignRole grants a role to a user, creating the role if needed.
func (g *Gorm) AssignRole(ctx context.Context, userID, role string) error {
	return assignRole(g.db.WithContext(ctx), userID, role)
}

func assignRole(tx *gorm.DB, userID, role string) error {
	r := roleModel{Name: role}
	if err := tx.Where(roleModel{Name: role}).FirstOrCreate(&r).Error; err != nil {
		return fmt.Errorf("failed to ensure role %q: %w", role, err)
	}
	link := userRoleModel{UserID: userID, RoleID: r.ID}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&link).Error; err != nil {
		return fmt.Errorf("failed to grant role %q: %w", role, err)
	}
	return nil
}

// Authenticate implements Directory.
func (g *Gorm) Authenticate(ctx context.Context, username, password string) (*User, error) {
	var m userModel
	err := g.db.WithContext(ctx).Where("username = ?", username).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, rejectUnknownUser(password)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if !VerifyPassword(m.PasswordHash, m.Salt, password) {
		return nil, ErrInvalidCredentials
	}
	return m.toUser(), nil
}

// GetUser implements Directory.
func (g *Gorm) GetUser(ctx context.Context, userID string) (*User, error) {
	var m userModel
	err := g.db.WithContext(ctx).Where("id = ?", userID).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return m.toUser(), nil
}

// GetUserRoles implements storage.RoleLookup.
func (g *Gorm) GetUserRoles(ctx context.Context, userID string) ([]string, error) {
	roles := []string{}
	if err := g.db.WithContext(ctx).Raw(rolesQuery, userID).Scan(&roles).Error; err != nil {
		return nil, fmt.Errorf("failed to load roles: %w", err)
	}
	return roles, nil
}
