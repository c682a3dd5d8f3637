package data

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/PaulBabatuyi/medlink-chat/internal/chat"
	"github.com/PaulBabatuyi/medlink-chat/internal/normalize"
)

// ProfilesStore reads sender display attributes.
type ProfilesStore struct {
	coll *mongo.Collection // "profiles"
}

// NewProfilesStore returns a ProfilesStore using the provided collection.
func NewProfilesStore(coll *mongo.Collection) *ProfilesStore {
	return &ProfilesStore{coll: coll}
}

// Profile finds a profile by user id.
func (p *ProfilesStore) Profile(ctx context.Context, userID string) (chat.Profile, error) {
	var doc profileDoc
	err := p.coll.FindOne(ctx, bson.D{{Key: "_id", Value: normalize.ID(userID)}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return chat.Profile{}, fmt.Errorf("%w: profile %s", chat.ErrNotFound, userID)
	}
	if err != nil {
		return chat.Profile{}, chat.Transient(err)
	}
	return doc.toChat(), nil
}

// PutProfile inserts or replaces a profile.
func (p *ProfilesStore) PutProfile(ctx context.Context, prof chat.Profile) error {
	doc := profileDoc{
		UserID:      normalize.ID(prof.UserID),
		DisplayName: prof.DisplayName,
		AvatarURL:   prof.AvatarURL,
		Specialty:   prof.Specialty,
	}
	if doc.UserID == "" {
		return fmt.Errorf("%w: empty user id", chat.ErrInvalidArgument)
	}
	_, err := p.coll.ReplaceOne(ctx, bson.D{{Key: "_id", Value: doc.UserID}}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return chat.Transient(err)
	}
	return nil
}
