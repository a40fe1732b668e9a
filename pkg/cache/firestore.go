package cache

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreConfig holds configuration for the Firestore client.
type FirestoreConfig struct {
	ProjectID      string `mapstructure:"project_id"`
	CollectionName string `mapstructure:"collection"`
}

// imageDocument is the stored shape of one cached image.
type imageDocument struct {
	Key       string    `firestore:"key"`
	Data      []byte    `firestore:"data"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

// FirestoreStore is a BlobStore that keeps each image in its own document.
// Documents are limited to roughly 1 MiB, so this suits thumbnails and icons
// in low volume deployments; use Redis or GCS for anything larger.
type FirestoreStore struct {
	client         *firestore.Client
	collectionName string
	logger         zerolog.Logger
}

// NewFirestoreStore creates a new FirestoreStore over an existing client.
func NewFirestoreStore(
	cfg *FirestoreConfig,
	client *firestore.Client,
	logger zerolog.Logger,
) (*FirestoreStore, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	if cfg.CollectionName == "" {
		return nil, fmt.Errorf("firestore collection name is required")
	}

	logger.Info().Str("project_id", cfg.ProjectID).Str("collection", cfg.CollectionName).Msg("FirestoreStore initialized.")

	return &FirestoreStore{
		client:         client,
		collectionName: cfg.CollectionName,
		logger:         logger.With().Str("component", "FirestoreStore").Logger(),
	}, nil
}

func (s *FirestoreStore) doc(key string) *firestore.DocumentRef {
	return s.client.Collection(s.collectionName).Doc(KeyHash(key))
}

// Get retrieves the image bytes stored under key.
func (s *FirestoreStore) Get(ctx context.Context, key string) ([]byte, error) {
	docSnap, err := s.doc(key).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("key '%s': %w", key, ErrNotFound)
		}
		s.logger.Error().Err(err).Str("key", key).Msg("Failed to get document from Firestore.")
		return nil, fmt.Errorf("firestore get for %s: %w", key, err)
	}

	var doc imageDocument
	if err := docSnap.DataTo(&doc); err != nil {
		s.logger.Error().Err(err).Str("key", key).Msg("Failed to map Firestore document data.")
		return nil, fmt.Errorf("firestore DataTo for %s: %w", key, err)
	}

	s.logger.Debug().Str("key", key).Msg("Successfully fetched image from Firestore.")
	return doc.Data, nil
}

// Exists reports whether a document is stored for key.
func (s *FirestoreStore) Exists(ctx context.Context, key string) (bool, error) {
	docSnap, err := s.doc(key).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, fmt.Errorf("firestore get for %s: %w", key, err)
	}
	return docSnap.Exists(), nil
}

// Put writes the image bytes for key, replacing any previous document.
func (s *FirestoreStore) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.doc(key).Set(ctx, imageDocument{Key: key, Data: data, UpdatedAt: time.Now().UTC()})
	if err != nil {
		s.logger.Error().Err(err).Str("key", key).Msg("Failed to write document to Firestore.")
		return fmt.Errorf("firestore set for %s: %w", key, err)
	}
	s.logger.Debug().Str("key", key).Msg("Successfully wrote image to Firestore.")
	return nil
}

// Close is a no-op as the Firestore client's lifecycle is managed externally.
func (s *FirestoreStore) Close() error {
	s.logger.Info().Msg("FirestoreStore does not close the injected Firestore client.")
	return nil
}
