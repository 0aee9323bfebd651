package services

import (
	"errors"

	"backend/models"
	"backend/utils"

	"gorm.io/gorm"
)

// AuthService is a thin identity collaborator: the pipeline only consumes the
// stable user ID it yields.
type AuthService struct {
	db        *gorm.DB
	jwtSecret string
}

func NewAuthService(db *gorm.DB, jwtSecret string) *AuthService {
	return &AuthService{db: db, jwtSecret: jwtSecret}
}

func (s *AuthService) Register(email, password, fullName, timezone string) (*models.User, error) {
	hashed, err := utils.HashPassword(password)
	if err != nil {
		return nil, err
	}
	if timezone == "" {
		timezone = "UTC"
	}
	user := &models.User{
		Email:    email,
		Password: hashed,
		FullName: fullName,
		Timezone: timezone,
	}
	if err := s.db.Create(user).Error; err != nil {
		return nil, err
	}
	return user, nil
}

func (s *AuthService) Login(email, password string) (string, error) {
	var user models.User
	if err := s.db.Where("email = ?", email).First(&user).Error; err != nil {
		return "", errors.New("invalid email or password")
	}
	if !utils.CheckPasswordHash(password, user.Password) {
		return "", errors.New("invalid email or password")
	}
	return utils.GenerateJWT(s.jwtSecret, user.ID, user.Email)
}

// SetHealthToken stores the platform access token granted to this user.
func (s *AuthService) SetHealthToken(userID uint, token string) error {
	return s.db.Model(&models.User{}).Where("id = ?", userID).
		Update("health_token", token).Error
}
