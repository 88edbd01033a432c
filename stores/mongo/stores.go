// Package mongo provides a MongoDB masterauth.UserStore. Each mutation is
// one filtered UpdateOne, so conditional flips and credential appends are
// atomic per document.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	ma "github.com/panyam/masterauth"
)

const usersCollection = "users"

// Connect dials uri and verifies the connection.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri).SetTimeout(10 * time.Second))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("pinging mongo: %w", err)
	}
	return client, nil
}

// UserStore implements ma.UserStore on a users collection.
type UserStore struct {
	coll *mongo.Collection
}

func NewUserStore(db *mongo.Database) *UserStore {
	return &UserStore{coll: db.Collection(usersCollection)}
}

// EnsureIndexes creates the unique email and credential id indexes.
func (s *UserStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "provider", Value: 1}, {Key: "providerId", Value: 1}}, Options: options.Index().SetSparse(true)},
		{Keys: bson.D{{Key: "webauthnDevices.id", Value: 1}}, Options: options.Index().SetUnique(true).SetSparse(true)},
	})
	return err
}

func (s *UserStore) CreateUser(ctx context.Context, u *ma.User) error {
	u.Email = ma.NormalizeEmail(u.Email)
	_, err := s.coll.InsertOne(ctx, toDoc(u))
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("create %s: %w", u.Email, ma.ErrEmailExists)
	}
	return err
}

func (s *UserStore) findOne(ctx context.Context, filter bson.M) (*ma.User, error) {
	var doc userDoc
	err := s.coll.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ma.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc.toUser(), nil
}

func (s *UserStore) GetUserByID(ctx context.Context, id string) (*ma.User, error) {
	return s.findOne(ctx, bson.M{"_id": id})
}

func (s *UserStore) GetUserByEmail(ctx context.Context, email string) (*ma.User, error) {
	return s.findOne(ctx, bson.M{"email": ma.NormalizeEmail(email)})
}

func (s *UserStore) GetUserByProvider(ctx context.Context, provider, providerID string) (*ma.User, error) {
	return s.findOne(ctx, bson.M{"provider": provider, "providerId": providerID})
}

func (s *UserStore) GetUserByCredentialID(ctx context.Context, credentialID []byte) (*ma.User, error) {
	return s.findOne(ctx, bson.M{"webauthnDevices.id": credentialID})
}

// updateOne applies update to the document matching id and cond. When
// nothing matched it tells a missing user apart from a failed condition.
func (s *UserStore) updateOne(ctx context.Context, id string, cond bson.M, update bson.M) error {
	filter := bson.M{"_id": id}
	for k, v := range cond {
		filter[k] = v
	}
	set, _ := update["$set"].(bson.M)
	if set == nil {
		set = bson.M{}
		update["$set"] = set
	}
	set["updatedAt"] = time.Now()

	res, err := s.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount > 0 {
		return nil
	}
	n, err := s.coll.CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if n == 0 {
		return ma.ErrUserNotFound
	}
	return ma.ErrNoStateChange
}

func (s *UserStore) MarkVerified(ctx context.Context, id string, at time.Time) error {
	return s.updateOne(ctx, id, bson.M{"verifiedAt": nil}, bson.M{"$set": bson.M{"verifiedAt": at}})
}

func (s *UserStore) SetPassword(ctx context.Context, id, hash string, at time.Time) error {
	return s.updateOne(ctx, id, nil, bson.M{"$set": bson.M{"password": hash, "resetAt": at}})
}

func (s *UserStore) EnsureTwoFactorSecret(ctx context.Context, id, candidate string) (string, error) {
	cond := bson.M{"twoFactorSecret": bson.M{"$in": bson.A{nil, ""}}}
	err := s.updateOne(ctx, id, cond, bson.M{"$set": bson.M{"twoFactorSecret": candidate}})
	if err != nil && !errors.Is(err, ma.ErrNoStateChange) {
		return "", err
	}
	var doc struct {
		Secret string `bson:"twoFactorSecret"`
	}
	opts := options.FindOne().SetProjection(bson.M{"twoFactorSecret": 1})
	if err := s.coll.FindOne(ctx, bson.M{"_id": id}, opts).Decode(&doc); err != nil {
		return "", err
	}
	return doc.Secret, nil
}

func (s *UserStore) SetTwoFactorEnabled(ctx context.Context, id string, enabled bool) error {
	return s.updateOne(ctx, id, bson.M{"twoFactorEnabled": bson.M{"$ne": enabled}}, bson.M{"$set": bson.M{"twoFactorEnabled": enabled}})
}

func (s *UserStore) SetChallenge(ctx context.Context, id, challenge string) error {
	if challenge == "" {
		return s.updateOne(ctx, id, nil, bson.M{"$unset": bson.M{"challenge": ""}})
	}
	return s.updateOne(ctx, id, nil, bson.M{"$set": bson.M{"challenge": challenge}})
}

func (s *UserStore) AddCredential(ctx context.Context, id string, cred ma.WebAuthnCredential) (bool, error) {
	err := s.updateOne(ctx, id,
		bson.M{"webauthnDevices.id": bson.M{"$ne": cred.ID}},
		bson.M{"$push": bson.M{"webauthnDevices": toCredentialDoc(cred)}},
	)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ma.ErrNoStateChange):
		return false, nil
	case mongo.IsDuplicateKeyError(err):
		return false, ma.ErrCredentialExists
	}
	return false, err
}

func (s *UserStore) UpdateCredentialCounter(ctx context.Context, id string, credentialID []byte, counter uint32) error {
	err := s.updateOne(ctx, id,
		bson.M{"webauthnDevices.id": credentialID},
		bson.M{"$set": bson.M{"webauthnDevices.$.counter": int64(counter)}},
	)
	if errors.Is(err, ma.ErrNoStateChange) {
		return fmt.Errorf("credential not bound to user %s", id)
	}
	return err
}
