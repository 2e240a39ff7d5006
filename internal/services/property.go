package services

import (
	"context"
	"encoding/json"
	"fmt"

	"homeswipe-client/internal/models"

	"github.com/rs/zerolog/log"
)

// PropertyService manages the user's own listings
type PropertyService struct {
	gw *Gateway
}

// NewPropertyService creates a property service
func NewPropertyService(gw *Gateway) *PropertyService {
	return &PropertyService{gw: gw}
}

// ValidateProperty checks required listing fields before submission
func ValidateProperty(p models.Property) error {
	v := newValidationError()
	v.require("title", p.Title)
	v.require("city", p.City)
	if p.Price < 0 {
		v.Fields["price"] = "must not be negative"
	}
	if !p.Type.Valid() {
		v.Fields["type"] = "must be rent or sell"
	}
	return v.orNil()
}

// Get fetches one property
func (s *PropertyService) Get(ctx context.Context, id int64) (*models.Property, error) {
	return s.fetchOne(ctx, fmt.Sprintf("/properties/%d", id))
}

// Create submits a new listing
func (s *PropertyService) Create(ctx context.Context, p models.Property) (*models.Property, error) {
	if err := ValidateProperty(p); err != nil {
		return nil, err
	}
	var raw json.RawMessage
	if err := s.gw.Post(ctx, "/properties", p, &raw); err != nil {
		return nil, fmt.Errorf("failed to create property: %w", err)
	}
	created, err := decodeProperty(raw)
	if err != nil {
		return nil, err
	}
	log.Info().Int64("property_id", created.ID).Msg("Property created")
	return created, nil
}

// Update saves changes to an existing listing
func (s *PropertyService) Update(ctx context.Context, p models.Property) (*models.Property, error) {
	if p.ID == 0 {
		v := newValidationError()
		v.Fields["id"] = "is required"
		return nil, v
	}
	if err := ValidateProperty(p); err != nil {
		return nil, err
	}
	var raw json.RawMessage
	if err := s.gw.Put(ctx, fmt.Sprintf("/properties/%d", p.ID), p, &raw); err != nil {
		return nil, fmt.Errorf("failed to update property: %w", err)
	}
	return decodeProperty(raw)
}

// Delete removes a listing
func (s *PropertyService) Delete(ctx context.Context, id int64) error {
	if err := s.gw.Delete(ctx, fmt.Sprintf("/properties/%d", id), nil); err != nil {
		return fmt.Errorf("failed to delete property: %w", err)
	}
	log.Info().Int64("property_id", id).Msg("Property deleted")
	return nil
}

// Mine lists the signed-in user's listings
func (s *PropertyService) Mine(ctx context.Context) ([]models.Property, error) {
	return s.fetchList(ctx, "/user/properties")
}

// ByUser lists another user's listings
func (s *PropertyService) ByUser(ctx context.Context, userID int64) ([]models.Property, error) {
	return s.fetchList(ctx, fmt.Sprintf("/users/%d/properties", userID))
}

// UploadImages uploads image files and returns their stored paths
func (s *PropertyService) UploadImages(ctx context.Context, files []UploadFile) ([]string, error) {
	if len(files) == 0 {
		v := newValidationError()
		v.Fields["images"] = "at least one image is required"
		return nil, v
	}
	var raw json.RawMessage
	if err := s.gw.Upload(ctx, "/upload-images", files, &raw); err != nil {
		return nil, fmt.Errorf("failed to upload images: %w", err)
	}

	var paths []string
	if err := json.Unmarshal(raw, &paths); err == nil {
		return paths, nil
	}
	var body struct {
		Paths  []string `json:"paths"`
		Images []string `json:"images"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, &APIError{Status: 200, ParseError: true, Message: err.Error()}
	}
	if len(body.Paths) > 0 {
		return body.Paths, nil
	}
	return body.Images, nil
}

func (s *PropertyService) fetchOne(ctx context.Context, path string) (*models.Property, error) {
	var raw json.RawMessage
	if err := s.gw.Get(ctx, path, nil, &raw); err != nil {
		return nil, fmt.Errorf("failed to get property: %w", err)
	}
	return decodeProperty(raw)
}

func (s *PropertyService) fetchList(ctx context.Context, path string) ([]models.Property, error) {
	var raw json.RawMessage
	if err := s.gw.Get(ctx, path, nil, &raw); err != nil {
		return nil, fmt.Errorf("failed to list properties: %w", err)
	}
	props, err := decodeList[models.Property](raw)
	if err != nil {
		return nil, &APIError{Status: 200, ParseError: true, Message: err.Error()}
	}
	return props, nil
}

func decodeProperty(raw json.RawMessage) (*models.Property, error) {
	p, err := decodeObject[models.Property](raw, "property")
	if err != nil {
		return nil, &APIError{Status: 200, ParseError: true, Message: err.Error()}
	}
	// some endpoints wrap the resource in "data"
	if p.ID == 0 {
		if inner, err := decodeObject[models.Property](raw, "data"); err == nil && inner.ID != 0 {
			p = inner
		}
	}
	return &p, nil
}
