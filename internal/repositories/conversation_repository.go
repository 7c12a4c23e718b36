package repositories

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"chat-realtime/internal/models"
)

var ErrConversationNotFound = errors.New("conversation not found")

// ConversationRepository abstracts conversation persistence.
type ConversationRepository interface {
	FindOrCreate(ctx context.Context, userID, friendID string) (models.Conversation, bool, error)
	Get(ctx context.Context, conversationID string) (models.Conversation, error)
	ListForUser(ctx context.Context, userID string) ([]models.Conversation, error)
	SetLatestMessage(ctx context.Context, conversationID, messageID string, at time.Time) error
	Delete(ctx context.Context, conversationID string) error
}

// ConversationRepo is a MongoDB implementation of ConversationRepository.
type ConversationRepo struct {
	coll *mongo.Collection
}

// NewConversationRepo constructs a ConversationRepo.
func NewConversationRepo(db *mongo.Database) *ConversationRepo {
	return &ConversationRepo{coll: db.Collection("conversations")}
}

// EnsureIndexes makes the participant pair unique and listing by participant cheap.
func (r *ConversationRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "participantsKey", Value: 1}},
			Options: options.Index().SetName("participants_key_uniq").SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "participants", Value: 1}, {Key: "updatedAt", Value: -1}},
			Options: options.Index().SetName("participants_updated_idx"),
		},
	})
	return err
}

// FindOrCreate returns the conversation between two users, creating it when missing.
// The boolean reports whether it was created by this call.
func (r *ConversationRepo) FindOrCreate(ctx context.Context, userID, friendID string) (models.Conversation, bool, error) {
	if userID == friendID {
		return models.Conversation{}, false, errors.New("cannot create conversation with self")
	}
	key := models.PairKey(userID, friendID)

	conv, err := r.findByKey(ctx, key)
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, ErrConversationNotFound) {
		return models.Conversation{}, false, err
	}

	now := time.Now().UTC()
	conv = models.Conversation{
		ID:              primitive.NewObjectID().Hex(),
		Participants:    []string{userID, friendID},
		ParticipantsKey: key,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if _, err := r.coll.InsertOne(ctx, conv); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			// lost the race to a concurrent create
			existing, findErr := r.findByKey(ctx, key)
			return existing, false, findErr
		}
		return models.Conversation{}, false, err
	}
	return conv, true, nil
}

func (r *ConversationRepo) findByKey(ctx context.Context, key string) (models.Conversation, error) {
	var conv models.Conversation
	err := r.coll.FindOne(ctx, bson.M{"participantsKey": key}).Decode(&conv)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, err
}

// Get fetches a conversation by id.
func (r *ConversationRepo) Get(ctx context.Context, conversationID string) (models.Conversation, error) {
	var conv models.Conversation
	err := r.coll.FindOne(ctx, bson.M{"_id": conversationID}).Decode(&conv)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, err
}

// ListForUser returns the user's conversations, most recently active first.
func (r *ConversationRepo) ListForUser(ctx context.Context, userID string) ([]models.Conversation, error) {
	opts := options.Find().SetSort(bson.D{{Key: "updatedAt", Value: -1}})
	cur, err := r.coll.Find(ctx, bson.M{"participants": userID}, opts)
	if err != nil {
		return nil, err
	}
	convs := []models.Conversation{}
	if err := cur.All(ctx, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

// SetLatestMessage points the conversation at messageID; an empty id clears it.
func (r *ConversationRepo) SetLatestMessage(ctx context.Context, conversationID, messageID string, at time.Time) error {
	update := bson.M{"$set": bson.M{"latestMessage": messageID, "updatedAt": at}}
	if messageID == "" {
		update = bson.M{"$unset": bson.M{"latestMessage": ""}, "$set": bson.M{"updatedAt": at}}
	}
	res, err := r.coll.UpdateOne(ctx, bson.M{"_id": conversationID}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrConversationNotFound
	}
	return nil
}

// Delete removes a conversation record.
func (r *ConversationRepo) Delete(ctx context.Context, conversationID string) error {
	_, err := r.coll.DeleteOne(ctx, bson.M{"_id": conversationID})
	return err
}
