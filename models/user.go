package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/staysync_backend/config"
	"bitbucket.org/mmdatafocus/staysync_backend/utils"
)

type User struct {
	ID        int       `gorm:"primary_key" json:"id"`
	HostId    string    `gorm:"index" json:"host_id"`
	Username  string    `gorm:"size:100;not null;unique" json:"username" binding:"required"`
	Name      string    `gorm:"size:100;not null" json:"name"`
	Email     *string   `gorm:"size:100;unique" json:"email"`
	Password  string    `gorm:"size:255;not null" json:"-"`
	IsActive  *bool     `gorm:"not null" json:"is_active"`
	Role      string    `gorm:"size:10;not null;default:'HOST'" json:"role"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type LoginInfo struct {
	Token  string `json:"token"`
	Name   string `json:"name"`
	Role   string `json:"role"`
	HostId string `json:"host_id"`
}

/*
caches:
	User:$username
*/

func (user User) RemoveInstanceRedis() error {
	return config.RemoveRedisKey("User:" + user.Username)
}

func GetUser(ctx context.Context, username string) (*User, error) {
	db := config.GetDB()
	key := "User:" + username
	var user User
	if exists, err := config.GetRedisObject(key, &user); err == nil && exists {
		return &user, nil
	}
	if err := db.WithContext(ctx).Where("username = ?", username).Take(&user).Error; err != nil {
		return nil, err
	}
	if err := config.SetRedisObject(key, &user, 0); err != nil {
		return nil, err
	}
	return &user, nil
}

// LoginCheck verifies credentials and issues a signed token carrying the
// username and role; handlers later read the host scope from the user row.
func LoginCheck(ctx context.Context, username string, password string) (*LoginInfo, error) {
	user, err := GetUser(ctx, username)
	if err != nil {
		return nil, err
	}
	if err := utils.ComparePassword(user.Password, password); err != nil {
		return nil, err
	}
	token, err := utils.JwtGenerate(user.Username, user.Role)
	if err != nil {
		return nil, err
	}
	return &LoginInfo{
		Token:  token,
		Name:   user.Name,
		Role:   user.Role,
		HostId: user.HostId,
	}, nil
}
