package repositories

import (
	"context"

	"github.com/jmoiron/sqlx"

	"chat-realtime/internal/models"
)

// UserRepository exposes the parts of the user graph the realtime core reads.
type UserRepository interface {
	FriendIDs(ctx context.Context, userID string) ([]string, error)
	AreFriends(ctx context.Context, userID, friendID string) (bool, error)
	CountFriendRequests(ctx context.Context, userID string) (int, error)
	Profiles(ctx context.Context, userIDs []string) ([]models.UserProfile, error)
}

// UserRepo is a sqlx implementation of UserRepository.
type UserRepo struct {
	db *sqlx.DB
}

// NewUserRepo constructs a UserRepo.
func NewUserRepo(db *sqlx.DB) *UserRepo {
	return &UserRepo{db: db}
}

// FriendIDs lists the accepted friends of a user.
func (r *UserRepo) FriendIDs(ctx context.Context, userID string) ([]string, error) {
	ids := []string{}
	err := r.db.SelectContext(ctx, &ids, `SELECT friend_id FROM friendships WHERE user_id=$1 ORDER BY friend_id`, userID)
	return ids, err
}

// AreFriends checks the friendship from userID's side.
func (r *UserRepo) AreFriends(ctx context.Context, userID, friendID string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM friendships WHERE user_id=$1 AND friend_id=$2)`, userID, friendID)
	return exists, err
}

// CountFriendRequests counts pending incoming friend requests.
func (r *UserRepo) CountFriendRequests(ctx context.Context, userID string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM friend_requests WHERE user_id=$1`, userID)
	return count, err
}

// Profiles fetches public profiles for the given ids in one query.
func (r *UserRepo) Profiles(ctx context.Context, userIDs []string) ([]models.UserProfile, error) {
	profiles := []models.UserProfile{}
	if len(userIDs) == 0 {
		return profiles, nil
	}
	query, args, err := sqlx.In(`SELECT id, username, full_name, profile_image FROM users WHERE id IN (?) ORDER BY username`, userIDs)
	if err != nil {
		return nil, err
	}
	err = r.db.SelectContext(ctx, &profiles, r.db.Rebind(query), args...)
	return profiles, err
}
