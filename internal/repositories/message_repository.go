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

var ErrMessageNotFound = errors.New("message not found")

// MessageRepository defines interactions for direct messages.
type MessageRepository interface {
	Create(ctx context.Context, msg *models.Message) error
	Get(ctx context.Context, messageID string) (models.Message, error)
	GetMany(ctx context.Context, messageIDs []string) (map[string]models.Message, error)
	Latest(ctx context.Context, conversationID string) (*models.Message, error)
	ListBefore(ctx context.Context, conversationID string, before *time.Time, limit int) ([]models.Message, error)
	MarkSeen(ctx context.Context, messageID, receiverID string, at time.Time) (bool, error)
	MarkConversationSeen(ctx context.Context, conversationID, receiverID string, at time.Time) (int64, error)
	Delete(ctx context.Context, messageID string) error
	DeleteByConversation(ctx context.Context, conversationID string) (int64, error)
	CountUnreadByReceiver(ctx context.Context, conversationID string) (map[string]int, error)
	CountUnreadForReceiver(ctx context.Context, receiverID string, conversationIDs []string) (map[string]int, error)
}

// MessageRepo is a MongoDB implementation of MessageRepository.
type MessageRepo struct {
	coll *mongo.Collection
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *mongo.Database) *MessageRepo {
	return &MessageRepo{coll: db.Collection("chats")}
}

// EnsureIndexes creates the indexes the history and unread queries rely on.
func (r *MessageRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "conversation", Value: 1}, {Key: "createdAt", Value: -1}},
			Options: options.Index().SetName("conversation_created_idx"),
		},
		{
			Keys:    bson.D{{Key: "conversation", Value: 1}, {Key: "receiver", Value: 1}, {Key: "status", Value: 1}},
			Options: options.Index().SetName("conversation_unread_idx"),
		},
	})
	return err
}

// Create stores a message, assigning its id and timestamps.
func (r *MessageRepo) Create(ctx context.Context, msg *models.Message) error {
	now := time.Now().UTC()
	msg.ID = primitive.NewObjectID().Hex()
	msg.CreatedAt = now
	msg.UpdatedAt = now
	if msg.Status == "" {
		msg.Status = models.StatusSent
	}
	_, err := r.coll.InsertOne(ctx, msg)
	return err
}

// Get retrieves a single message.
func (r *MessageRepo) Get(ctx context.Context, messageID string) (models.Message, error) {
	var msg models.Message
	err := r.coll.FindOne(ctx, bson.M{"_id": messageID}).Decode(&msg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}

// GetMany returns the messages found among messageIDs keyed by id.
func (r *MessageRepo) GetMany(ctx context.Context, messageIDs []string) (map[string]models.Message, error) {
	out := make(map[string]models.Message, len(messageIDs))
	if len(messageIDs) == 0 {
		return out, nil
	}
	cur, err := r.coll.Find(ctx, bson.M{"_id": bson.M{"$in": messageIDs}})
	if err != nil {
		return nil, err
	}
	var msgs []models.Message
	if err := cur.All(ctx, &msgs); err != nil {
		return nil, err
	}
	for _, m := range msgs {
		out[m.ID] = m
	}
	return out, nil
}

// Latest returns the newest message of a conversation, or nil when it is empty.
func (r *MessageRepo) Latest(ctx context.Context, conversationID string) (*models.Message, error) {
	var msg models.Message
	opts := options.FindOne().SetSort(bson.D{{Key: "createdAt", Value: -1}})
	err := r.coll.FindOne(ctx, bson.M{"conversation": conversationID}, opts).Decode(&msg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// ListBefore returns up to limit messages created before the cursor, newest first.
func (r *MessageRepo) ListBefore(ctx context.Context, conversationID string, before *time.Time, limit int) ([]models.Message, error) {
	filter := bson.M{"conversation": conversationID}
	if before != nil {
		filter["createdAt"] = bson.M{"$lt": *before}
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}}).
		SetLimit(int64(limit))
	cur, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	msgs := []models.Message{}
	if err := cur.All(ctx, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// MarkSeen marks a message seen if receiverID is its receiver and it was not seen yet.
func (r *MessageRepo) MarkSeen(ctx context.Context, messageID, receiverID string, at time.Time) (bool, error) {
	res, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": messageID, "receiver": receiverID, "status": bson.M{"$ne": models.StatusSeen}},
		bson.M{"$set": bson.M{"status": models.StatusSeen, "seenAt": at, "updatedAt": at}},
	)
	if err != nil {
		return false, err
	}
	return res.ModifiedCount > 0, nil
}

// MarkConversationSeen marks every unseen message addressed to receiverID as seen.
func (r *MessageRepo) MarkConversationSeen(ctx context.Context, conversationID, receiverID string, at time.Time) (int64, error) {
	res, err := r.coll.UpdateMany(ctx,
		bson.M{"conversation": conversationID, "receiver": receiverID, "status": bson.M{"$ne": models.StatusSeen}},
		bson.M{"$set": bson.M{"status": models.StatusSeen, "seenAt": at, "updatedAt": at}},
	)
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

// Delete removes a single message.
func (r *MessageRepo) Delete(ctx context.Context, messageID string) error {
	res, err := r.coll.DeleteOne(ctx, bson.M{"_id": messageID})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// DeleteByConversation removes the whole history of a conversation.
func (r *MessageRepo) DeleteByConversation(ctx context.Context, conversationID string) (int64, error) {
	res, err := r.coll.DeleteMany(ctx, bson.M{"conversation": conversationID})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

type unreadRow struct {
	ID    string `bson:"_id"`
	Count int    `bson:"count"`
}

// CountUnreadByReceiver counts unseen messages of one conversation per receiver
// in a single aggregation.
func (r *MessageRepo) CountUnreadByReceiver(ctx context.Context, conversationID string) (map[string]int, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"conversation": conversationID, "status": bson.M{"$ne": models.StatusSeen}}}},
		{{Key: "$group", Value: bson.M{"_id": "$receiver", "count": bson.M{"$sum": 1}}}},
	}
	return r.aggregateCounts(ctx, pipeline)
}

// CountUnreadForReceiver counts unseen messages addressed to receiverID, grouped
// by conversation, across all given conversations.
func (r *MessageRepo) CountUnreadForReceiver(ctx context.Context, receiverID string, conversationIDs []string) (map[string]int, error) {
	if len(conversationIDs) == 0 {
		return map[string]int{}, nil
	}
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"conversation": bson.M{"$in": conversationIDs},
			"receiver":     receiverID,
			"status":       bson.M{"$ne": models.StatusSeen},
		}}},
		{{Key: "$group", Value: bson.M{"_id": "$conversation", "count": bson.M{"$sum": 1}}}},
	}
	return r.aggregateCounts(ctx, pipeline)
}

func (r *MessageRepo) aggregateCounts(ctx context.Context, pipeline mongo.Pipeline) (map[string]int, error) {
	cur, err := r.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	var rows []unreadRow
	if err := cur.All(ctx, &rows); err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(rows))
	for _, row := range rows {
		counts[row.ID] = row.Count
	}
	return counts, nil
}
